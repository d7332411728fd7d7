// Package permission decides whether a subject may act on a resource.
//
// A subject acts through the groups it belongs to; a resource (a collection
// or a single item) is assigned to resource groups. A grant links one subject
// group to one resource group at a level. The most permissive matching grant
// wins; there is no explicit deny.
package permission

import (
	"docsync/internal/models"
)

const reasonNoGrant = "no matching grant"

// Authorize evaluates grants for required. It has no side effects; callers
// fetch the group sets and grants from the group store.
func Authorize(subjectGroupIDs, resourceGroupIDs []string, grants []models.PermissionGrant, required models.PermissionLevel) models.Decision {
	level := EffectiveLevel(subjectGroupIDs, resourceGroupIDs, grants)
	if level == models.LevelNone {
		return models.Decision{Allowed: false, Reason: reasonNoGrant}
	}
	if !level.Implies(required) {
		return models.Decision{
			Allowed: false,
			Level:   level,
			Reason:  "requires " + required.String() + ", has " + level.String(),
		}
	}
	return models.Decision{Allowed: true, Level: level}
}

// EffectiveLevel returns the highest level granted to any of the subject
// groups over any of the resource groups.
func EffectiveLevel(subjectGroupIDs, resourceGroupIDs []string, grants []models.PermissionGrant) models.PermissionLevel {
	if len(grants) == 0 || len(subjectGroupIDs) == 0 || len(resourceGroupIDs) == 0 {
		return models.LevelNone
	}

	subjects := toSet(subjectGroupIDs)
	resources := toSet(resourceGroupIDs)

	best := models.LevelNone
	for _, g := range grants {
		if _, ok := subjects[g.SubjectGroupID]; !ok {
			continue
		}
		if _, ok := resources[g.ResourceGroupID]; !ok {
			continue
		}
		if g.Level > best {
			best = g.Level
		}
	}
	return best
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
