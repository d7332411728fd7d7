package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docsync/internal/auth"
	"docsync/internal/db"
	"docsync/internal/models"
	"docsync/internal/repository"
	"docsync/internal/services"
	"docsync/internal/services/broadcast"
)

type fakeSync struct {
	got models.SyncRequest
	err error
}

func (f *fakeSync) GetSyncResponse(_ context.Context, _ string, req models.SyncRequest) (*models.SyncResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.SyncResponse{Collection: req.Collection, Documents: []*models.SyncDocument{}, Deletions: []*models.DeletionRecord{}}, nil
}

type tokens map[string]string

func (v tokens) VerifyCredential(token string) (string, error) {
	if subject, ok := v[token]; ok {
		return subject, nil
	}
	return "", models.ErrInvalidCredential
}

func do(t *testing.T, h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSyncHandler_ParsesQuery(t *testing.T) {
	svc := &fakeSync{}
	router := SetupRoutes(NewHandler(svc, nil, http.NotFoundHandler()), tokens{"t": "alice"}, prometheus.NewRegistry())

	rec := do(t, router, http.MethodGet, "/sync?collection=events&since=2026-03-01T12:00:00.5Z&limit=10&offset=20", "t", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "events", svc.got.Collection)
	require.NotNil(t, svc.got.Since)
	assert.True(t, svc.got.Since.Equal(time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)))
	assert.Equal(t, 10, svc.got.Limit)
	assert.Equal(t, 20, svc.got.Offset)

	var body models.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "events", body.Collection)
}

func TestSyncHandler_Errors(t *testing.T) {
	svc := &fakeSync{}
	router := SetupRoutes(NewHandler(svc, nil, http.NotFoundHandler()), tokens{"t": "alice"}, prometheus.NewRegistry())

	tests := []struct {
		name   string
		target string
		token  string
		err    error
		status int
	}{
		{"no token", "/sync?collection=events", "", nil, http.StatusUnauthorized},
		{"bad token", "/sync?collection=events", "nope", nil, http.StatusUnauthorized},
		{"missing collection", "/sync", "t", nil, http.StatusBadRequest},
		{"bad since", "/sync?collection=events&since=yesterday", "t", nil, http.StatusBadRequest},
		{"bad limit", "/sync?collection=events&limit=-3", "t", nil, http.StatusBadRequest},
		{"denied", "/sync?collection=events", "t", models.ErrPermissionDenied, http.StatusForbidden},
		{"internal", "/sync?collection=events", "t", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.err = tt.err
			rec := do(t, router, http.MethodGet, tt.target, tt.token, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), "db down")
		})
	}
}

// newServer wires the real services over a sqlite database
func newServer(t *testing.T) (http.Handler, *auth.Verifier) {
	t.Helper()
	ctx := context.Background()

	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	groups := repository.NewGroupRepository(gdb)
	require.NoError(t, groups.AddMember(ctx, "alice", "editors"))
	require.NoError(t, groups.AddMember(ctx, "bob", "viewers"))
	require.NoError(t, groups.AddMember(ctx, "carol", "guests"))
	require.NoError(t, groups.AssignResource(ctx, "events", "", "published"))
	_, err = groups.Grant(ctx, "editors", "published", models.LevelEdit)
	require.NoError(t, err)
	_, err = groups.Grant(ctx, "viewers", "published", models.LevelView)
	require.NoError(t, err)

	access := services.NewAccessChecker(groups)
	hub := broadcast.NewHub(access, broadcast.Options{})
	t.Cleanup(hub.Shutdown)
	docs := repository.NewDocumentRepository(gdb)
	verifier := auth.NewVerifier("test-secret")

	h := NewHandler(
		services.NewSyncService(docs, access, 1000),
		services.NewDocumentService(docs, access, hub),
		broadcast.NewHandler(hub, verifier),
	)
	return SetupRoutes(h, verifier, prometheus.NewRegistry()), verifier
}

func TestAPI_EndToEnd(t *testing.T) {
	router, verifier := newServer(t)
	token := func(subject string) string {
		tok, err := verifier.Issue(subject, time.Hour)
		require.NoError(t, err)
		return tok
	}
	alice, bob, carol := token("alice"), token("bob"), token("carol")

	rec := do(t, router, http.MethodPost, "/api/collections/events/documents", alice, `{"data":{"title":"launch"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.SyncDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.Metadata.Version)

	rec = do(t, router, http.MethodPut, "/api/collections/events/documents/"+created.ID, bob, `{"data":{"title":"hijack"}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodPut, "/api/collections/events/documents/"+created.ID, alice, `{"data":{"title":"launch v2"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, tok := range []string{alice, bob} {
		rec = do(t, router, http.MethodGet, "/sync?collection=events", tok, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp models.SyncResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Documents, 1)
		assert.Equal(t, int64(2), resp.Documents[0].Metadata.Version)
		assert.JSONEq(t, `{"title":"launch v2"}`, string(resp.Documents[0].Data))
		assert.False(t, resp.HasMore)
	}

	rec = do(t, router, http.MethodGet, "/sync?collection=events", carol, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodDelete, "/api/collections/events/documents/"+created.ID, alice, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/sync?collection=events", bob, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Documents)
	require.Len(t, resp.Deletions, 1)
	assert.Equal(t, created.ID, resp.Deletions[0].ID)
	assert.Equal(t, int64(2), resp.Deletions[0].Version)

	rec = do(t, router, http.MethodDelete, "/api/collections/events/documents/"+created.ID, alice, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	router, _ := newServer(t)

	rec := do(t, router, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
