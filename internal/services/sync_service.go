package services

import (
	"context"
	"fmt"
	"strings"

	"docsync/internal/metrics"
	"docsync/internal/middleware"
	"docsync/internal/models"
	"docsync/internal/permission"

	"go.opentelemetry.io/otel/attribute"
)

/*
SYNC SERVICE

Answers "everything changed in collection C since T that subject S may read":

  1. The subject needs view on the bare collection, otherwise the whole
     request is rejected with ErrPermissionDenied.
  2. Candidate documents (one page, newest first) and tombstones are read
     from the data source, filtered by since.
  3. Each candidate is checked against its own resource groups; anything
     the subject cannot view is dropped silently.

hasMore is computed from the page size before filtering. A filtered page
can therefore look short (or empty) while hasMore is still true; clients
keep paging until hasMore is false.

Tombstones are not paginated. They are returned with the first page only
(offset 0) so a paging client does not receive them again per page.
*/

// SyncService builds sync responses
type SyncService struct {
	source   DocumentSource
	access   *AccessChecker
	maxLimit int
}

func NewSyncService(source DocumentSource, access *AccessChecker, maxLimit int) *SyncService {
	return &SyncService{source: source, access: access, maxLimit: maxLimit}
}

// GetSyncResponse returns the changes of req.Collection visible to subjectID
func (s *SyncService) GetSyncResponse(ctx context.Context, subjectID string, req models.SyncRequest) (*models.SyncResponse, error) {
	ctx, span := middleware.StartSpan(ctx, "SyncService.GetSyncResponse",
		attribute.String("subject.id", subjectID),
		attribute.String("sync.collection", req.Collection),
		attribute.Bool("sync.incremental", req.Since != nil),
		attribute.Int("sync.limit", req.Limit),
		attribute.Int("sync.offset", req.Offset),
	)
	defer span.End()

	resp, err := s.getSyncResponse(ctx, subjectID, req)
	switch {
	case err == nil:
		metrics.SyncRequests.WithLabelValues("ok").Inc()
	case isDenied(err):
		metrics.SyncRequests.WithLabelValues("denied").Inc()
	default:
		metrics.SyncRequests.WithLabelValues("error").Inc()
		middleware.AddSpanError(ctx, err)
	}
	return resp, err
}

func (s *SyncService) getSyncResponse(ctx context.Context, subjectID string, req models.SyncRequest) (*models.SyncResponse, error) {
	req.Collection = strings.TrimSpace(req.Collection)
	if req.Collection == "" {
		return nil, fmt.Errorf("%w: collection is required", models.ErrInvalidRequest)
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", models.ErrInvalidRequest)
	}
	if s.maxLimit > 0 && req.Limit > s.maxLimit {
		req.Limit = s.maxLimit
	}

	subjectGroups, err := s.access.SubjectGroups(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subject groups: %w", err)
	}
	grants, err := s.access.Grants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	collectionGroups, err := s.access.ItemGroups(ctx, req.Collection, "")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve collection groups: %w", err)
	}

	if d := permission.Authorize(subjectGroups, collectionGroups, grants, models.LevelView); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", models.ErrPermissionDenied, d.Reason)
	}

	docs, err := s.source.FetchDocuments(ctx, req.Collection, req.Since, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}

	var dels []*models.DeletionRecord
	if req.Offset == 0 {
		if dels, err = s.source.FetchDeletions(ctx, req.Collection, req.Since); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(docs)+len(dels))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	for _, d := range dels {
		ids = append(ids, d.ID)
	}
	itemGroups, err := s.access.ItemGroupsBatch(ctx, req.Collection, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve item groups: %w", err)
	}

	canView := func(id string) bool {
		return permission.Authorize(subjectGroups, itemGroups[id], grants, models.LevelView).Allowed
	}

	resp := &models.SyncResponse{
		Collection: req.Collection,
		Documents:  make([]*models.SyncDocument, 0, len(docs)),
		Deletions:  make([]*models.DeletionRecord, 0, len(dels)),
		HasMore:    req.Limit > 0 && len(docs) >= req.Limit,
	}

	filtered := 0
	for _, d := range docs {
		if canView(d.ID) {
			resp.Documents = append(resp.Documents, d)
		} else {
			filtered++
		}
	}
	for _, d := range dels {
		if canView(d.ID) {
			resp.Deletions = append(resp.Deletions, d)
		} else {
			filtered++
		}
	}

	if filtered > 0 {
		metrics.SyncItemsFiltered.Add(float64(filtered))
	}
	middleware.AddSpanEvent(ctx, "sync.filtered",
		attribute.Int("documents", len(resp.Documents)),
		attribute.Int("deletions", len(resp.Deletions)),
		attribute.Int("dropped", filtered),
	)

	return resp, nil
}
