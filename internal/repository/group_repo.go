package repository

import (
	"context"
	"fmt"

	"docsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
GROUP / ACL STORE

Three tables feed the permission evaluator:
  group_memberships  subject -> group
  resource_groups    (collection, item) -> group; item "" is the collection default
  permission_grants  subject group -> resource group at a level
*/

// GroupRepositoryImpl resolves group memberships and grants
type GroupRepositoryImpl struct {
	db *gorm.DB
}

// NewGroupRepository creates a new group repository
func NewGroupRepository(db *gorm.DB) *GroupRepositoryImpl {
	return &GroupRepositoryImpl{db: db}
}

// ResolveSubjectGroups returns the groups subjectID belongs to
func (r *GroupRepositoryImpl) ResolveSubjectGroups(ctx context.Context, subjectID string) ([]string, error) {
	var groups []string
	err := r.db.WithContext(ctx).
		Model(&models.GroupMembership{}).
		Where("subject_id = ?", subjectID).
		Order("group_id").
		Pluck("group_id", &groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subject groups: %w", err)
	}
	return groups, nil
}

// ResolveResourceGroups returns the groups assigned to exactly (collection, itemID)
func (r *GroupRepositoryImpl) ResolveResourceGroups(ctx context.Context, collection, itemID string) ([]string, error) {
	var groups []string
	err := r.db.WithContext(ctx).
		Model(&models.ResourceGroup{}).
		Where("collection = ? AND item_id = ?", collection, itemID).
		Order("group_id").
		Pluck("group_id", &groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve resource groups: %w", err)
	}
	return groups, nil
}

// ResolveResourceGroupsBatch returns item-level groups for many items of
// one collection in a single query. Items without assignments are absent.
func (r *GroupRepositoryImpl) ResolveResourceGroupsBatch(ctx context.Context, collection string, itemIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}

	var rows []models.ResourceGroup
	err := r.db.WithContext(ctx).
		Where("collection = ? AND item_id IN ?", collection, itemIDs).
		Order("item_id, group_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve resource groups: %w", err)
	}

	for _, row := range rows {
		out[row.ItemID] = append(out[row.ItemID], row.GroupID)
	}
	return out, nil
}

// ListGrants returns every permission grant
func (r *GroupRepositoryImpl) ListGrants(ctx context.Context) ([]models.PermissionGrant, error) {
	var grants []models.PermissionGrant
	if err := r.db.WithContext(ctx).Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return grants, nil
}

// AddMember puts subjectID in groupID; repeating it is a no-op
func (r *GroupRepositoryImpl) AddMember(ctx context.Context, subjectID, groupID string) error {
	m := &models.GroupMembership{SubjectID: subjectID, GroupID: groupID}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error; err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// AssignResource assigns (collection, itemID) to groupID; itemID "" assigns the collection
func (r *GroupRepositoryImpl) AssignResource(ctx context.Context, collection, itemID, groupID string) error {
	rg := &models.ResourceGroup{Collection: collection, ItemID: itemID, GroupID: groupID}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rg).Error; err != nil {
		return fmt.Errorf("failed to assign resource: %w", err)
	}
	return nil
}

// Grant lets subjectGroupID act at level on resourceGroupID
func (r *GroupRepositoryImpl) Grant(ctx context.Context, subjectGroupID, resourceGroupID string, level models.PermissionLevel) (*models.PermissionGrant, error) {
	g := &models.PermissionGrant{
		SubjectGroupID:  subjectGroupID,
		ResourceGroupID: resourceGroupID,
		Level:           level,
	}
	if err := r.db.WithContext(ctx).Create(g).Error; err != nil {
		return nil, fmt.Errorf("failed to create grant: %w", err)
	}
	return g, nil
}
