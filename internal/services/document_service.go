package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

// DocumentService is the server write path. Every committed mutation is
// handed to the broadcaster so subscribed connections see it.
type DocumentService struct {
	store       DocumentStore
	access      *AccessChecker
	broadcaster Broadcaster
}

func NewDocumentService(store DocumentStore, access *AccessChecker, broadcaster Broadcaster) *DocumentService {
	return &DocumentService{store: store, access: access, broadcaster: broadcaster}
}

// Create stores a new document under a generated id
func (s *DocumentService) Create(ctx context.Context, subjectID, collection string, write *models.DocumentWrite) (*models.SyncDocument, error) {
	return s.Put(ctx, subjectID, collection, ksuid.New().String(), write)
}

// Put creates or replaces (collection, id); the server assigns the version
func (s *DocumentService) Put(ctx context.Context, subjectID, collection, id string, write *models.DocumentWrite) (*models.SyncDocument, error) {
	ctx, span := middleware.StartSpan(ctx, "DocumentService.Put",
		attribute.String("subject.id", subjectID),
		attribute.String("document.collection", collection),
		attribute.String("document.id", id),
	)
	defer span.End()

	if err := validateKey(collection, id); err != nil {
		return nil, err
	}
	if write == nil || len(write.Data) == 0 || !json.Valid(write.Data) {
		return nil, fmt.Errorf("%w: data must be valid JSON", models.ErrInvalidRequest)
	}
	if write.RetentionPriority != 0 && !write.RetentionPriority.Valid() {
		return nil, fmt.Errorf("%w: unknown retention priority %d", models.ErrInvalidRequest, write.RetentionPriority)
	}

	if err := s.authorize(ctx, subjectID, collection, id); err != nil {
		return nil, err
	}

	doc, created, err := s.store.Upsert(ctx, collection, id, write, subjectID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	var delivered int
	if created {
		delivered = s.broadcaster.EmitCreated(ctx, doc)
	} else {
		delivered = s.broadcaster.EmitUpdated(ctx, doc)
	}
	span.SetAttributes(
		attribute.Int64("document.version", doc.Metadata.Version),
		attribute.Int("broadcast.delivered", delivered),
	)

	return doc, nil
}

// Delete removes (collection, id) and leaves a tombstone for syncing clients
func (s *DocumentService) Delete(ctx context.Context, subjectID, collection, id string) (*models.DeletionRecord, error) {
	ctx, span := middleware.StartSpan(ctx, "DocumentService.Delete",
		attribute.String("subject.id", subjectID),
		attribute.String("document.collection", collection),
		attribute.String("document.id", id),
	)
	defer span.End()

	if err := validateKey(collection, id); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, subjectID, collection, id); err != nil {
		return nil, err
	}

	rec, err := s.store.Delete(ctx, collection, id, subjectID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			middleware.AddSpanError(ctx, err)
		}
		return nil, err
	}

	delivered := s.broadcaster.EmitDeleted(ctx, rec)
	span.SetAttributes(attribute.Int("broadcast.delivered", delivered))
	log.Printf("Document %s/%s deleted by %s (version %d)", collection, id, subjectID, rec.Version)

	return rec, nil
}

func (s *DocumentService) authorize(ctx context.Context, subjectID, collection, id string) error {
	d, err := s.access.Authorize(ctx, subjectID, collection, id, models.LevelEdit)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", models.ErrPermissionDenied, d.Reason)
	}
	return nil
}

func validateKey(collection, id string) error {
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("%w: collection is required", models.ErrInvalidRequest)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", models.ErrInvalidRequest)
	}
	return nil
}

func isDenied(err error) bool {
	return errors.Is(err, models.ErrPermissionDenied)
}
