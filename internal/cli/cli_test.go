package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/auth"
	"docsync/internal/client"
	"docsync/internal/client/storage"
	"docsync/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncctl", cmd.Use)

	for _, name := range []string{"sync", "watch", "stats", "token"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestRootCommand_RejectsUnknownFormat(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev")
	_, err := execute(t, "token", "--subject", "alice", "--format", "yaml")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev")

	out, err := execute(t, "token", "--subject", "alice")
	require.NoError(t, err)

	subject, err := auth.NewVerifier("dev").VerifyCredential(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := execute(t, "token", "--subject", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatsCommand_EmptyReplica(t *testing.T) {
	db := filepath.Join(t.TempDir(), "replica.db")

	out, err := execute(t, "stats", "--db", db, "--format", "json")
	require.NoError(t, err)

	var st storage.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Zero(t, st.DocumentCount)
	assert.Zero(t, st.DeletionCount)
}

func TestStatsCommand_CleanupFlag(t *testing.T) {
	db := filepath.Join(t.TempDir(), "replica.db")

	engine, err := storage.Open(storage.Options{Path: db})
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour).UTC()
	_, err = engine.PutDocument(context.Background(), &models.SyncDocument{
		ID:         "e1",
		Collection: "events",
		Data:       json.RawMessage(`{"title":"gone"}`),
		Metadata:   models.DocumentMetadata{Version: 1, LastModified: past, ExpiresAt: &past},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	count := func(args ...string) int64 {
		t.Helper()
		out, err := execute(t, append([]string{"stats", "--db", db, "--format", "json"}, args...)...)
		require.NoError(t, err)
		var st storage.Stats
		require.NoError(t, json.Unmarshal([]byte(out), &st))
		return st.DocumentCount
	}

	assert.EqualValues(t, 1, count())
	assert.EqualValues(t, 0, count("--cleanup"))
	assert.EqualValues(t, 0, count())
}

func TestSyncCommand(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("collection") != "events" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"collection": "events",
			"documents": [{
				"id": "e1",
				"collection": "events",
				"data": {"title": "launch"},
				"metadata": {"version": 3, "lastModified": "2026-03-01T12:00:00Z", "retentionPriority": 3}
			}],
			"deletions": [],
			"hasMore": false
		}`))
	}))
	defer srv.Close()

	db := filepath.Join(t.TempDir(), "replica.db")

	out, err := execute(t, "sync", "events", "--server", srv.URL, "--token", "tok", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ events synced")
	assert.Contains(t, out, "Documents:     1 in 1 collections")
	assert.Equal(t, "Bearer tok", gotAuth)

	out, err = execute(t, "sync", "events", "secret", "--server", srv.URL, "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ secret")
	assert.True(t, errors.Is(err, models.ErrPermissionDenied))
}

func TestSyncCommand_InvalidSince(t *testing.T) {
	db := filepath.Join(t.TempDir(), "replica.db")

	_, err := execute(t, "sync", "events", "--db", db, "--since", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPrintEvent(t *testing.T) {
	doc := &models.SyncDocument{ID: "e1", Collection: "events", Data: json.RawMessage(`{"a":1}`)}
	doc.Metadata.Version = 2

	tests := []struct {
		name   string
		format string
		ev     client.SyncEvent
		want   string
	}{
		{"update", "text", client.SyncEvent{Kind: client.EventUpdate, Collection: "events", Document: doc}, "+ events/e1 v2 {\"a\":1}\n"},
		{"delete", "text", client.SyncEvent{Kind: client.EventDelete, Collection: "events", Deletion: &models.DeletionRecord{ID: "e1", Version: 3}}, "- events/e1 v3\n"},
		{"error", "text", client.SyncEvent{Kind: client.EventError, Collection: "events", Err: errors.New("bad payload")}, "! events/: bad payload\n"},
		{"json", "json", client.SyncEvent{Kind: client.EventDelete, Collection: "events", Deletion: &models.DeletionRecord{ID: "e1", Version: 3}}, `{"kind":"delete","collection":"events","id":"e1","version":3}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, printEvent(&buf, tt.format, tt.ev))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad flag", nil)))
}
