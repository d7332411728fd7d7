package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// PermissionLevel is a hierarchical access level: view < edit < manage < owner
type PermissionLevel int

const (
	LevelNone PermissionLevel = iota
	LevelView
	LevelEdit
	LevelManage
	LevelOwner
)

func (l PermissionLevel) String() string {
	switch l {
	case LevelView:
		return "view"
	case LevelEdit:
		return "edit"
	case LevelManage:
		return "manage"
	case LevelOwner:
		return "owner"
	}
	return "none"
}

// Implies reports whether holding l also grants required
func (l PermissionLevel) Implies(required PermissionLevel) bool {
	return l >= required && l > LevelNone
}

// ParsePermissionLevel parses the textual form used in the database and config
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "view":
		return LevelView, nil
	case "edit":
		return LevelEdit, nil
	case "manage":
		return LevelManage, nil
	case "owner":
		return LevelOwner, nil
	}
	return LevelNone, fmt.Errorf("unknown permission level: %q", s)
}

// PermissionGrant allows members of SubjectGroupID to act at Level on
// resources assigned to ResourceGroupID.
type PermissionGrant struct {
	ID              string          `json:"id" gorm:"type:varchar(27);primaryKey"`
	SubjectGroupID  string          `json:"subject_group_id" gorm:"type:varchar(64);not null;index"`
	ResourceGroupID string          `json:"resource_group_id" gorm:"type:varchar(64);not null;index"`
	Level           PermissionLevel `json:"level" gorm:"not null"`
	CreatedAt       time.Time       `json:"created_at"`
}

// BeforeCreate generates KSUID
func (g *PermissionGrant) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (PermissionGrant) TableName() string {
	return "permission_grants"
}

// GroupMembership places a subject (user) in a group
type GroupMembership struct {
	SubjectID string    `json:"subject_id" gorm:"type:varchar(128);primaryKey"`
	GroupID   string    `json:"group_id" gorm:"type:varchar(64);primaryKey"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName override
func (GroupMembership) TableName() string {
	return "group_memberships"
}

// ResourceGroup assigns a collection or a single item to a group.
// An empty ItemID is the collection-level default assignment.
type ResourceGroup struct {
	Collection string    `json:"collection" gorm:"type:varchar(128);primaryKey"`
	ItemID     string    `json:"item_id" gorm:"type:varchar(128);primaryKey"`
	GroupID    string    `json:"group_id" gorm:"type:varchar(64);primaryKey"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName override
func (ResourceGroup) TableName() string {
	return "resource_groups"
}

// Decision is the outcome of a permission evaluation
type Decision struct {
	Allowed bool            `json:"allowed"`
	Level   PermissionLevel `json:"level,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}
