package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/models"
)

// fakeGroups is an in-memory GroupStore
type fakeGroups struct {
	subjects  map[string][]string
	resources map[string][]string // "collection/item" -> groups
	grants    []models.PermissionGrant
	err       error
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{
		subjects:  map[string][]string{},
		resources: map[string][]string{},
	}
}

func (f *fakeGroups) member(subject string, groups ...string) *fakeGroups {
	f.subjects[subject] = append(f.subjects[subject], groups...)
	return f
}

func (f *fakeGroups) assign(collection, item string, groups ...string) *fakeGroups {
	key := collection + "/" + item
	f.resources[key] = append(f.resources[key], groups...)
	return f
}

func (f *fakeGroups) grant(subjectGroup, resourceGroup string, level models.PermissionLevel) *fakeGroups {
	f.grants = append(f.grants, models.PermissionGrant{
		ID:              fmt.Sprintf("g%d", len(f.grants)),
		SubjectGroupID:  subjectGroup,
		ResourceGroupID: resourceGroup,
		Level:           level,
	})
	return f
}

func (f *fakeGroups) ResolveSubjectGroups(_ context.Context, subjectID string) ([]string, error) {
	return f.subjects[subjectID], f.err
}

func (f *fakeGroups) ResolveResourceGroups(_ context.Context, collection, itemID string) ([]string, error) {
	return f.resources[collection+"/"+itemID], f.err
}

func (f *fakeGroups) ListGrants(context.Context) ([]models.PermissionGrant, error) {
	return f.grants, f.err
}

// fakeSource is an in-memory DocumentSource and DocumentStore
type fakeSource struct {
	mu        sync.Mutex
	docs      []*models.SyncDocument
	deletions []*models.DeletionRecord
	lastLimit int
}

func (f *fakeSource) FetchDocuments(_ context.Context, collection string, since *time.Time, limit, offset int) ([]*models.SyncDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit

	var out []*models.SyncDocument
	for _, d := range f.docs {
		if d.Collection != collection {
			continue
		}
		if since != nil && d.Metadata.LastModified.Before(*since) {
			continue
		}
		out = append(out, d)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSource) FetchDeletions(_ context.Context, collection string, since *time.Time) ([]*models.DeletionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.DeletionRecord
	for _, d := range f.deletions {
		if d.Collection == collection && (since == nil || !d.DeletedAt.Before(*since)) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeSource) Upsert(_ context.Context, collection, id string, write *models.DocumentWrite, _ string) (*models.SyncDocument, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.docs {
		if d.Collection == collection && d.ID == id {
			d.Data = write.Data
			d.Metadata.Version++
			return d, false, nil
		}
	}
	doc := &models.SyncDocument{ID: id, Collection: collection, Data: write.Data,
		Metadata: models.DocumentMetadata{Version: 1, LastModified: time.Now().UTC()}}
	f.docs = append(f.docs, doc)
	return doc, true, nil
}

func (f *fakeSource) Delete(_ context.Context, collection, id, actor string) (*models.DeletionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, d := range f.docs {
		if d.Collection == collection && d.ID == id {
			f.docs = append(f.docs[:i], f.docs[i+1:]...)
			rec := &models.DeletionRecord{ID: id, Collection: collection, DeletedAt: time.Now().UTC(), DeletedBy: actor, Version: d.Metadata.Version}
			f.deletions = append(f.deletions, rec)
			return rec, nil
		}
	}
	return nil, models.ErrNotFound
}

// recordingBroadcaster remembers emitted events
type recordingBroadcaster struct {
	events []models.EventType
}

func (b *recordingBroadcaster) EmitCreated(context.Context, *models.SyncDocument) int {
	b.events = append(b.events, models.EventDocumentCreated)
	return 1
}

func (b *recordingBroadcaster) EmitUpdated(context.Context, *models.SyncDocument) int {
	b.events = append(b.events, models.EventDocumentUpdated)
	return 1
}

func (b *recordingBroadcaster) EmitDeleted(context.Context, *models.DeletionRecord) int {
	b.events = append(b.events, models.EventDocumentDeleted)
	return 1
}

func doc(collection, id string, version int64, modified time.Time) *models.SyncDocument {
	return &models.SyncDocument{
		ID:         id,
		Collection: collection,
		Data:       json.RawMessage(`{}`),
		Metadata:   models.DocumentMetadata{Version: version, LastModified: modified},
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// editors can edit and viewers can view everything in "published"
func scenarioGroups() *fakeGroups {
	return newFakeGroups().
		member("alice", "editors").
		member("bob", "viewers").
		assign("events", "", "published").
		grant("editors", "published", models.LevelEdit).
		grant("viewers", "published", models.LevelView)
}

func TestAccessChecker_ItemFallsBackToCollection(t *testing.T) {
	ctx := context.Background()
	groups := scenarioGroups().assign("events", "secret", "private")
	access := NewAccessChecker(groups)

	d, err := access.Authorize(ctx, "bob", "events", "e1", models.LevelView)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = access.Authorize(ctx, "bob", "events", "secret", models.LevelView)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = access.Authorize(ctx, "bob", "events", "e1", models.LevelEdit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "requires edit, has view", d.Reason)

	batch, err := access.ItemGroupsBatch(ctx, "events", []string{"e1", "secret"})
	require.NoError(t, err)
	assert.Equal(t, []string{"published"}, batch["e1"])
	assert.Equal(t, []string{"private"}, batch["secret"])
}

func TestAccessChecker_StoreError(t *testing.T) {
	groups := newFakeGroups()
	groups.err = errors.New("db down")

	_, err := NewAccessChecker(groups).Authorize(context.Background(), "alice", "events", "", models.LevelView)
	require.Error(t, err)
}

func TestSyncService_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{docs: []*models.SyncDocument{doc("events", "D1", 1, t0)}}
	svc := NewSyncService(source, NewAccessChecker(scenarioGroups()), 1000)

	for _, subject := range []string{"alice", "bob"} {
		resp, err := svc.GetSyncResponse(ctx, subject, models.SyncRequest{Collection: "events"})
		require.NoError(t, err, subject)
		require.Len(t, resp.Documents, 1, subject)
		assert.Equal(t, "D1", resp.Documents[0].ID)
		assert.False(t, resp.HasMore)
	}

	// carol has no grants at all, so she cannot view the collection
	_, err := svc.GetSyncResponse(ctx, "carol", models.SyncRequest{Collection: "events"})
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestSyncService_NoGrantOnItemsYieldsEmptyList(t *testing.T) {
	ctx := context.Background()
	groups := scenarioGroups().
		member("carol", "guests").
		assign("events", "", "lobby").
		grant("guests", "lobby", models.LevelView).
		assign("events", "D1", "published")

	source := &fakeSource{docs: []*models.SyncDocument{doc("events", "D1", 1, t0)}}
	svc := NewSyncService(source, NewAccessChecker(groups), 1000)

	resp, err := svc.GetSyncResponse(ctx, "carol", models.SyncRequest{Collection: "events"})
	require.NoError(t, err)
	assert.Empty(t, resp.Documents)
	assert.Empty(t, resp.Deletions)
	assert.False(t, resp.HasMore)
}

func TestSyncService_FiltersItemsAndTombstones(t *testing.T) {
	ctx := context.Background()
	groups := scenarioGroups().assign("events", "hidden", "private").assign("events", "gone-hidden", "private")
	source := &fakeSource{
		docs: []*models.SyncDocument{
			doc("events", "visible", 1, t0),
			doc("events", "hidden", 1, t0),
		},
		deletions: []*models.DeletionRecord{
			{ID: "gone", Collection: "events", DeletedAt: t0, Version: 3},
			{ID: "gone-hidden", Collection: "events", DeletedAt: t0, Version: 1},
		},
	}
	svc := NewSyncService(source, NewAccessChecker(groups), 1000)

	resp, err := svc.GetSyncResponse(ctx, "bob", models.SyncRequest{Collection: "events"})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, "visible", resp.Documents[0].ID)
	require.Len(t, resp.Deletions, 1)
	assert.Equal(t, "gone", resp.Deletions[0].ID)
}

func TestSyncService_HasMoreUsesPreFilterCount(t *testing.T) {
	ctx := context.Background()
	groups := scenarioGroups().assign("events", "h1", "private").assign("events", "h2", "private")
	source := &fakeSource{docs: []*models.SyncDocument{
		doc("events", "h1", 1, t0),
		doc("events", "h2", 1, t0),
		doc("events", "v1", 1, t0),
	}}
	svc := NewSyncService(source, NewAccessChecker(groups), 1000)

	resp, err := svc.GetSyncResponse(ctx, "bob", models.SyncRequest{Collection: "events", Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, resp.Documents, "whole page filtered out")
	assert.True(t, resp.HasMore)

	resp, err = svc.GetSyncResponse(ctx, "bob", models.SyncRequest{Collection: "events", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)
	assert.False(t, resp.HasMore)
}

func TestSyncService_DeletionsOnlyOnFirstPage(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{
		docs:      []*models.SyncDocument{doc("events", "a", 1, t0), doc("events", "b", 1, t0)},
		deletions: []*models.DeletionRecord{{ID: "x", Collection: "events", DeletedAt: t0, Version: 1}},
	}
	svc := NewSyncService(source, NewAccessChecker(scenarioGroups()), 1000)

	first, err := svc.GetSyncResponse(ctx, "bob", models.SyncRequest{Collection: "events", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, first.Deletions, 1)

	second, err := svc.GetSyncResponse(ctx, "bob", models.SyncRequest{Collection: "events", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Empty(t, second.Deletions)
}

func TestSyncService_Since(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{
		docs: []*models.SyncDocument{
			doc("events", "old", 1, t0),
			doc("events", "new", 2, t0.Add(time.Hour)),
		},
		deletions: []*models.DeletionRecord{
			{ID: "old-gone", Collection: "events", DeletedAt: t0, Version: 1},
			{ID: "new-gone", Collection: "events", DeletedAt: t0.Add(time.Hour), Version: 1},
		},
	}
	svc := NewSyncService(source, NewAccessChecker(scenarioGroups()), 1000)

	since := t0.Add(time.Minute)
	resp, err := svc.GetSyncResponse(ctx, "alice", models.SyncRequest{Collection: "events", Since: &since})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, "new", resp.Documents[0].ID)
	require.Len(t, resp.Deletions, 1)
	assert.Equal(t, "new-gone", resp.Deletions[0].ID)
}

func TestSyncService_Validation(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	svc := NewSyncService(source, NewAccessChecker(scenarioGroups()), 50)

	_, err := svc.GetSyncResponse(ctx, "alice", models.SyncRequest{Collection: "  "})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = svc.GetSyncResponse(ctx, "alice", models.SyncRequest{Collection: "events", Limit: -1})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = svc.GetSyncResponse(ctx, "alice", models.SyncRequest{Collection: "events", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 50, source.lastLimit, "limit clamped to the configured maximum")
}

func TestDocumentService_WritePathEmits(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	b := &recordingBroadcaster{}
	svc := NewDocumentService(source, NewAccessChecker(scenarioGroups()), b)

	created, err := svc.Create(ctx, "alice", "events", &models.DocumentWrite{Data: json.RawMessage(`{"title":"a"}`)})
	require.NoError(t, err)
	assert.Len(t, created.ID, 27)
	assert.Equal(t, int64(1), created.Metadata.Version)

	updated, err := svc.Put(ctx, "alice", "events", created.ID, &models.DocumentWrite{Data: json.RawMessage(`{"title":"b"}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Metadata.Version)

	rec, err := svc.Delete(ctx, "alice", "events", created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	assert.Equal(t, []models.EventType{
		models.EventDocumentCreated,
		models.EventDocumentUpdated,
		models.EventDocumentDeleted,
	}, b.events)

	_, err = svc.Delete(ctx, "alice", "events", created.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Len(t, b.events, 3)
}

func TestDocumentService_RequiresEdit(t *testing.T) {
	ctx := context.Background()
	b := &recordingBroadcaster{}
	svc := NewDocumentService(&fakeSource{}, NewAccessChecker(scenarioGroups()), b)

	_, err := svc.Put(ctx, "bob", "events", "e1", &models.DocumentWrite{Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, models.ErrPermissionDenied)

	_, err = svc.Delete(ctx, "bob", "events", "e1")
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	assert.Empty(t, b.events)
}

func TestDocumentService_Validation(t *testing.T) {
	ctx := context.Background()
	svc := NewDocumentService(&fakeSource{}, NewAccessChecker(scenarioGroups()), &recordingBroadcaster{})

	_, err := svc.Put(ctx, "alice", "events", "e1", &models.DocumentWrite{Data: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = svc.Put(ctx, "alice", "events", "", &models.DocumentWrite{Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = svc.Put(ctx, "alice", "events", "e1", &models.DocumentWrite{Data: json.RawMessage(`{}`), RetentionPriority: 9})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
