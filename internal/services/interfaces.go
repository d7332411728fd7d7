package services

import (
	"context"
	"time"

	"docsync/internal/models"
)

// Interfaces live with their consumer; the gorm repositories satisfy them.

// DocumentSource is what the sync service reads from
type DocumentSource interface {
	FetchDocuments(ctx context.Context, collection string, since *time.Time, limit, offset int) ([]*models.SyncDocument, error)
	FetchDeletions(ctx context.Context, collection string, since *time.Time) ([]*models.DeletionRecord, error)
}

// DocumentStore is what the mutation service writes to
type DocumentStore interface {
	Upsert(ctx context.Context, collection, id string, write *models.DocumentWrite, actor string) (*models.SyncDocument, bool, error)
	Delete(ctx context.Context, collection, id, actor string) (*models.DeletionRecord, error)
}

// GroupStore resolves group memberships and grants
type GroupStore interface {
	ResolveSubjectGroups(ctx context.Context, subjectID string) ([]string, error)
	ResolveResourceGroups(ctx context.Context, collection, itemID string) ([]string, error)
	ListGrants(ctx context.Context) ([]models.PermissionGrant, error)
}

// batchGroupStore is implemented by stores that can resolve many items at once
type batchGroupStore interface {
	ResolveResourceGroupsBatch(ctx context.Context, collection string, itemIDs []string) (map[string][]string, error)
}

// Broadcaster fans out committed mutations to live connections
type Broadcaster interface {
	EmitCreated(ctx context.Context, doc *models.SyncDocument) int
	EmitUpdated(ctx context.Context, doc *models.SyncDocument) int
	EmitDeleted(ctx context.Context, rec *models.DeletionRecord) int
}
