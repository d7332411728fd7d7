package api

import (
	"context"

	"docsync/internal/models"
)

// Handlers consume services through these interfaces, so tests can swap in fakes.

// SyncService answers GET /sync
type SyncService interface {
	GetSyncResponse(ctx context.Context, subjectID string, req models.SyncRequest) (*models.SyncResponse, error)
}

// DocumentService is the write path behind the mutation endpoints
type DocumentService interface {
	Create(ctx context.Context, subjectID, collection string, write *models.DocumentWrite) (*models.SyncDocument, error)
	Put(ctx context.Context, subjectID, collection, id string, write *models.DocumentWrite) (*models.SyncDocument, error)
	Delete(ctx context.Context, subjectID, collection, id string) (*models.DeletionRecord, error)
}
