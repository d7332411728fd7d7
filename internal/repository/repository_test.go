package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docsync/internal/db"
	"docsync/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))
	return gdb
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func write(data string) *models.DocumentWrite {
	return &models.DocumentWrite{Data: json.RawMessage(data)}
}

func TestDocumentRepository_VersionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(setupTestDB(t))

	doc, created, err := repo.Upsert(ctx, "events", "e1", write(`{"title":"a"}`), "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), doc.Metadata.Version)
	assert.Equal(t, models.PriorityMedium, doc.Metadata.RetentionPriority)

	doc, created, err = repo.Upsert(ctx, "events", "e1", write(`{"title":"b"}`), "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(2), doc.Metadata.Version)
	assert.JSONEq(t, `{"title":"b"}`, string(doc.Data))

	tomb, err := repo.Delete(ctx, "events", "e1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tomb.Version)
	assert.Equal(t, "bob", tomb.DeletedBy)

	_, err = repo.GetByID(ctx, "events", "e1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = repo.Delete(ctx, "events", "e1", "bob")
	assert.ErrorIs(t, err, models.ErrNotFound)

	doc, created, err = repo.Upsert(ctx, "events", "e1", write(`{"title":"c"}`), "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(3), doc.Metadata.Version)

	dels, err := repo.FetchDeletions(ctx, "events", nil)
	require.NoError(t, err)
	assert.Empty(t, dels, "recreating removes the tombstone")
}

func TestDocumentRepository_FetchDocuments(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(setupTestDB(t))
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo.now = clock.now

	for i := 0; i < 5; i++ {
		_, _, err := repo.Upsert(ctx, "events", fmt.Sprintf("e%d", i), write(`{}`), "alice")
		require.NoError(t, err)
	}
	_, _, err := repo.Upsert(ctx, "venues", "v1", write(`{}`), "alice")
	require.NoError(t, err)

	all, err := repo.FetchDocuments(ctx, "events", nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "e4", all[0].ID, "newest first")

	page, err := repo.FetchDocuments(ctx, "events", nil, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e2", page[0].ID)
	assert.Equal(t, "e1", page[1].ID)

	since := time.Date(2026, 1, 1, 0, 0, 4, 0, time.UTC)
	recent, err := repo.FetchDocuments(ctx, "events", &since, 0, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e4", recent[0].ID)
	assert.Equal(t, "e3", recent[1].ID)
}

func TestDocumentRepository_FetchDeletionsSince(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(setupTestDB(t))
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo.now = clock.now

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("e%d", i)
		_, _, err := repo.Upsert(ctx, "events", id, write(`{}`), "alice")
		require.NoError(t, err)
		_, err = repo.Delete(ctx, "events", id, "alice")
		require.NoError(t, err)
	}

	// deletions happened at seconds 2, 4 and 6
	since := time.Date(2026, 1, 1, 0, 0, 4, 0, time.UTC)
	dels, err := repo.FetchDeletions(ctx, "events", &since)
	require.NoError(t, err)
	require.Len(t, dels, 2)
	assert.Equal(t, "e1", dels[0].ID)
	assert.Equal(t, "e2", dels[1].ID)
}

func TestGroupRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewGroupRepository(setupTestDB(t))

	require.NoError(t, repo.AddMember(ctx, "alice", "editors"))
	require.NoError(t, repo.AddMember(ctx, "alice", "editors"))
	require.NoError(t, repo.AddMember(ctx, "alice", "admins"))

	groups, err := repo.ResolveSubjectGroups(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admins", "editors"}, groups)

	require.NoError(t, repo.AssignResource(ctx, "events", "", "published"))
	require.NoError(t, repo.AssignResource(ctx, "events", "e1", "private"))
	require.NoError(t, repo.AssignResource(ctx, "events", "e2", "published"))
	require.NoError(t, repo.AssignResource(ctx, "events", "e2", "drafts"))

	collGroups, err := repo.ResolveResourceGroups(ctx, "events", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"published"}, collGroups)

	itemGroups, err := repo.ResolveResourceGroups(ctx, "events", "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"private"}, itemGroups)

	batch, err := repo.ResolveResourceGroupsBatch(ctx, "events", []string{"e1", "e2", "e3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"private"}, batch["e1"])
	assert.Equal(t, []string{"drafts", "published"}, batch["e2"])
	_, ok := batch["e3"]
	assert.False(t, ok)

	_, err = repo.Grant(ctx, "editors", "published", models.LevelEdit)
	require.NoError(t, err)
	grants, err := repo.ListGrants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, models.LevelEdit, grants[0].Level)
	assert.Len(t, grants[0].ID, 27)
}
