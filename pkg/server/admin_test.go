package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aeolun/sistchat/pkg/history"
	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/aeolun/sistchat/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	srv, err := NewServer(testConfig())
	require.NoError(t, err)
	return srv, srv.AdminRouter()
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminHealth(t *testing.T) {
	srv, h := newAdminTestServer(t)
	_, err := srv.Registry().Register("alice", "127.0.0.1", 1000, nil)
	require.NoError(t, err)

	rec := get(t, h, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Users)
	assert.Equal(t, 0, health.Sessions)
}

func TestAdminUsers(t *testing.T) {
	srv, h := newAdminTestServer(t)

	rec := get(t, h, "/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	_, err := srv.Registry().Register("bob", "10.0.0.2", 2000, nil)
	require.NoError(t, err)
	_, err = srv.Registry().Register("alice", "10.0.0.1", 1000, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Registry().SetState("bob", protocol.StateBusy))

	rec = get(t, h, "/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var users []registry.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, "bob", users[1].Name)
	assert.Contains(t, rec.Body.String(), `"BUSY"`)
}

func TestAdminBroadcasts(t *testing.T) {
	srv, h := newAdminTestServer(t)
	for _, content := range []string{"first", "second", "third"} {
		srv.History().Append(protocol.Message{Sender: "alice", Content: content})
	}

	rec := get(t, h, "/broadcasts?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "third", records[0].Content)
	assert.Equal(t, "second", records[1].Content)

	rec = get(t, h, "/broadcasts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 3)

	for _, bad := range []string{"0", "-1", "many"} {
		rec = get(t, h, "/broadcasts?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestAdminMetrics(t *testing.T) {
	srv, h := newAdminTestServer(t)
	srv.metrics.RecordAnswer(protocol.StatusOK)

	rec := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "sistchat_active_sessions"))
	assert.True(t, strings.Contains(body, `sistchat_answers_total{status="200"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestAdminCORS(t *testing.T) {
	_, h := newAdminTestServer(t)

	rec := get(t, h, "/health", http.Header{"Origin": {"http://localhost:3000"}})
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, h, "/health", http.Header{"Origin": {"https://evil.example"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminUnknownRoute(t *testing.T) {
	_, h := newAdminTestServer(t)
	rec := get(t, h, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
