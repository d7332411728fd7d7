package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// DocumentRecord is the server-side row behind a SyncDocument.
// The server owns Version: every write stores previous+1.
type DocumentRecord struct {
	Collection        string            `gorm:"type:varchar(128);primaryKey"`
	ID                string            `gorm:"type:varchar(128);primaryKey"`
	Data              json.RawMessage   `gorm:"type:jsonb;not null"`
	Version           int64             `gorm:"not null"`
	RetentionPriority RetentionPriority `gorm:"not null;default:3"`
	ExpiresAt         *time.Time
	LastModified      time.Time `gorm:"not null;index:idx_documents_changed"`
	ModifiedBy        string    `gorm:"type:varchar(128)"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

// BeforeCreate generates KSUID when the caller did not choose an id
func (d *DocumentRecord) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (DocumentRecord) TableName() string {
	return "sync_documents"
}

// ToSyncDocument converts the row to its wire form
func (d *DocumentRecord) ToSyncDocument() *SyncDocument {
	return &SyncDocument{
		ID:         d.ID,
		Collection: d.Collection,
		Data:       d.Data,
		Metadata: DocumentMetadata{
			Version:           d.Version,
			LastModified:      d.LastModified.UTC(),
			ExpiresAt:         d.ExpiresAt,
			RetentionPriority: d.RetentionPriority,
		},
	}
}

// DeletionRow is the server-side tombstone
type DeletionRow struct {
	Collection string    `gorm:"type:varchar(128);primaryKey"`
	ID         string    `gorm:"type:varchar(128);primaryKey"`
	DeletedAt  time.Time `gorm:"not null;index:idx_deletions_changed"`
	DeletedBy  string    `gorm:"type:varchar(128)"`
	Version    int64     `gorm:"not null"`
}

// TableName override
func (DeletionRow) TableName() string {
	return "sync_deletions"
}

// ToDeletionRecord converts the row to its wire form
func (d *DeletionRow) ToDeletionRecord() *DeletionRecord {
	return &DeletionRecord{
		ID:         d.ID,
		Collection: d.Collection,
		DeletedAt:  d.DeletedAt.UTC(),
		DeletedBy:  d.DeletedBy,
		Version:    d.Version,
	}
}

// DocumentWrite is the body of the mutation API
type DocumentWrite struct {
	Data              json.RawMessage   `json:"data"`
	ExpiresAt         *time.Time        `json:"expiresAt,omitempty"`
	RetentionPriority RetentionPriority `json:"retentionPriority,omitempty"`
}
