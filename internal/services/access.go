package services

import (
	"context"
	"fmt"

	"docsync/internal/models"
	"docsync/internal/permission"
)

// AccessChecker fetches group data from the group store and runs the
// permission evaluator over it. An item without its own resource groups
// inherits the collection's default groups.
type AccessChecker struct {
	groups GroupStore
}

func NewAccessChecker(groups GroupStore) *AccessChecker {
	return &AccessChecker{groups: groups}
}

// SubjectGroups returns the groups of subjectID
func (a *AccessChecker) SubjectGroups(ctx context.Context, subjectID string) ([]string, error) {
	return a.groups.ResolveSubjectGroups(ctx, subjectID)
}

// Grants returns every grant in scope
func (a *AccessChecker) Grants(ctx context.Context) ([]models.PermissionGrant, error) {
	return a.groups.ListGrants(ctx)
}

// ItemGroups returns the effective resource groups of one item; an empty
// itemID means the bare collection
func (a *AccessChecker) ItemGroups(ctx context.Context, collection, itemID string) ([]string, error) {
	if itemID != "" {
		groups, err := a.groups.ResolveResourceGroups(ctx, collection, itemID)
		if err != nil {
			return nil, err
		}
		if len(groups) > 0 {
			return groups, nil
		}
	}
	return a.groups.ResolveResourceGroups(ctx, collection, "")
}

// ItemGroupsBatch returns the effective resource groups for many items
func (a *AccessChecker) ItemGroupsBatch(ctx context.Context, collection string, itemIDs []string) (map[string][]string, error) {
	defaults, err := a.groups.ResolveResourceGroups(ctx, collection, "")
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(itemIDs))
	if batch, ok := a.groups.(batchGroupStore); ok {
		own, err := batch.ResolveResourceGroupsBatch(ctx, collection, itemIDs)
		if err != nil {
			return nil, err
		}
		for _, id := range itemIDs {
			if groups := own[id]; len(groups) > 0 {
				out[id] = groups
			} else {
				out[id] = defaults
			}
		}
		return out, nil
	}

	for _, id := range itemIDs {
		groups, err := a.groups.ResolveResourceGroups(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		if len(groups) == 0 {
			groups = defaults
		}
		out[id] = groups
	}
	return out, nil
}

// Authorize decides whether subjectID may act at level on an item
// (or the bare collection when itemID is empty)
func (a *AccessChecker) Authorize(ctx context.Context, subjectID, collection, itemID string, level models.PermissionLevel) (models.Decision, error) {
	subjectGroups, err := a.SubjectGroups(ctx, subjectID)
	if err != nil {
		return models.Decision{}, fmt.Errorf("failed to resolve subject: %w", err)
	}
	resourceGroups, err := a.ItemGroups(ctx, collection, itemID)
	if err != nil {
		return models.Decision{}, fmt.Errorf("failed to resolve resource: %w", err)
	}
	grants, err := a.Grants(ctx)
	if err != nil {
		return models.Decision{}, fmt.Errorf("failed to load grants: %w", err)
	}
	return permission.Authorize(subjectGroups, resourceGroups, grants, level), nil
}
