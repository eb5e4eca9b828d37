// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemesis-dev/nemesis/internal/dispatch"
	"github.com/nemesis-dev/nemesis/internal/feedback"
	"github.com/nemesis-dev/nemesis/internal/provider"
	"github.com/nemesis-dev/nemesis/internal/server"
	"github.com/nemesis-dev/nemesis/internal/session"
	"github.com/nemesis-dev/nemesis/internal/store"
	"github.com/nemesis-dev/nemesis/internal/store/sqlite"
	"github.com/nemesis-dev/nemesis/internal/tenant"
	"github.com/nemesis-dev/nemesis/internal/vector"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) Dimension() int { return 3 }

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, situation, _ string) (provider.Directive, error) {
	return provider.Directive{Text: "directive for " + situation, Confidence: 0.9}, nil
}

type fixture struct {
	ts      *httptest.Server
	vectors *vector.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "nemesis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vs := vector.NewStore(db, db, vector.Config{}, nil)
	ret := vector.NewRetention(vs, vector.RetentionConfig{MutationThreshold: 1000}, nil)
	reg := session.NewRegistry(nil)
	mgr := tenant.NewManager(vs, db, nil)

	cache, err := dispatch.NewCache(dispatch.CacheConfig{TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	coord := dispatch.NewCoordinator(dispatch.Config{SweepInterval: 50 * time.Millisecond},
		vs, fakeEmbedder{}, fakeGenerator{}, reg, db, cache, nil)
	t.Cleanup(coord.Close)

	agg := feedback.NewAggregator(feedback.Config{}, vs, ret, db, reg, cache, nil)
	t.Cleanup(agg.Close)

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, server.Deps{
		Tenants:     mgr,
		Vectors:     vs,
		Retention:   ret,
		Sessions:    reg,
		Coordinator: coord,
		Aggregator:  agg,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, vectors: vs}
}

func (fx *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(fx.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (fx *fixture) registerTenant(t *testing.T, id string) {
	t.Helper()
	resp := fx.postJSON(t, "/api/tenants", map[string]any{
		"id":        id,
		"name":      "Tenant " + id,
		"dimension": 3,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	resp, err := http.Get(fx.ts.URL + "/health")
	require.NoError(t, err)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestRegisterTenant(t *testing.T) {
	fx := newFixture(t)

	resp := fx.postJSON(t, "/api/tenants", map[string]any{
		"id":        "squad",
		"name":      "Squad",
		"dimension": 3,
		"vocabulary": map[string]any{
			"zone": map[string]any{"kind": "string", "value": "north"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "squad", body["id"])

	// Duplicate registration conflicts.
	dup := fx.postJSON(t, "/api/tenants", map[string]any{"id": "squad", "dimension": 3})
	defer dup.Body.Close()
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	// Missing dimension is a bad request.
	bad := fx.postJSON(t, "/api/tenants", map[string]any{"id": "other"})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestGetTenant_NotFound(t *testing.T) {
	fx := newFixture(t)
	resp, err := http.Get(fx.ts.URL + "/api/tenants/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTenantStats(t *testing.T) {
	fx := newFixture(t)
	fx.registerTenant(t, "squad")
	require.NoError(t, fx.vectors.Insert(context.Background(), "squad", "e1",
		[]float32{1, 0, 0}, nil, 0.8))

	resp, err := http.Get(fx.ts.URL + "/api/tenants/squad/stats")
	require.NoError(t, err)
	body := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["count"])
}

func TestCompactEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.registerTenant(t, "squad")
	require.NoError(t, fx.vectors.Insert(context.Background(), "squad", "weak",
		[]float32{1, 0, 0}, nil, 0.1))

	resp := fx.postJSON(t, "/api/tenants/squad/compact", map[string]any{})
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, body["ran"])
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	resp, err := http.Get(fx.ts.URL + "/api/metrics")
	require.NoError(t, err)
	body := decodeBody[map[string]any](t, resp)
	assert.Contains(t, body, "dispatch")
	assert.Contains(t, body, "sessions")
}

// outFrame mirrors session.Message on the client side.
type outFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Body      json.RawMessage `json:"body"`
}

func dialWS(t *testing.T, fx *fixture, tenantID, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/ws/" + tenantID
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f outFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocket_WelcomeAndHeartbeat(t *testing.T) {
	fx := newFixture(t)
	fx.registerTenant(t, "squad")

	conn := dialWS(t, fx, "squad", "s1")

	welcome := readFrame(t, conn)
	assert.Equal(t, "welcome", welcome.Type)
	var body map[string]any
	require.NoError(t, json.Unmarshal(welcome.Body, &body))
	assert.Equal(t, "s1", body["session_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "heartbeat_ack", ack.Type)
}

func TestWebSocket_QueryFlow(t *testing.T) {
	fx := newFixture(t)
	fx.registerTenant(t, "squad")
	require.NoError(t, fx.vectors.Insert(context.Background(), "squad", "e1",
		[]float32{1, 0, 0}, store.Payload{"move": store.String("advance")}, 0.8))

	conn := dialWS(t, fx, "squad", "s1")
	_ = readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "query",
		"request_id": "q1",
		"situation":  "enemy ahead",
	}))

	ack := readFrame(t, conn)
	assert.Equal(t, "processing", ack.Type)
	assert.Equal(t, "q1", ack.RequestID)

	result := readFrame(t, conn)
	assert.Equal(t, "query_result", result.Type)
	assert.Equal(t, "q1", result.RequestID)

	var res dispatch.Result
	require.NoError(t, json.Unmarshal(result.Body, &res))
	assert.Equal(t, "directive for enemy ahead", res.Directive.Text)
	require.Len(t, res.Neighbors, 1)
	assert.Equal(t, "e1", res.Neighbors[0].EntryID)
	require.NotEmpty(t, res.EntryID)

	// The returned id closes the loop: a good outcome for this brand-new
	// situation promotes it into the index.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "outcome",
		"entry_id": res.EntryID,
		"score":    0.9,
	}))
	update := readFrame(t, conn)
	assert.Equal(t, "learning_update", update.Type)
	var up feedback.Update
	require.NoError(t, json.Unmarshal(update.Body, &up))
	assert.Equal(t, res.EntryID, up.EntryID)
	assert.True(t, up.Promoted)
}

func TestWebSocket_OutcomeFlow(t *testing.T) {
	fx := newFixture(t)
	fx.registerTenant(t, "squad")
	require.NoError(t, fx.vectors.Insert(context.Background(), "squad", "e1",
		[]float32{1, 0, 0}, nil, 0.5))

	conn := dialWS(t, fx, "squad", "s1")
	_ = readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "outcome",
		"entry_id": "e1",
		"score":    0.9,
	}))

	update := readFrame(t, conn)
	assert.Equal(t, "learning_update", update.Type)

	var up feedback.Update
	require.NoError(t, json.Unmarshal(update.Body, &up))
	assert.Equal(t, "e1", up.EntryID)
	assert.InDelta(t, 0.9, up.Effectiveness, 1e-9)
}

func TestWebSocket_UnknownFrameType(t *testing.T) {
	fx := newFixture(t)
	fx.registerTenant(t, "squad")

	conn := dialWS(t, fx, "squad", "s1")
	_ = readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame.Type)
}

func TestWebSocket_DuplicateSessionRejected(t *testing.T) {
	fx := newFixture(t)
	fx.registerTenant(t, "squad")

	first := dialWS(t, fx, "squad", "dup")
	_ = readFrame(t, first) // welcome

	second := dialWS(t, fx, "squad", "dup")
	rejection := readFrame(t, second)
	assert.Equal(t, "error", rejection.Type)
}

func TestWebSocket_UnknownTenant(t *testing.T) {
	fx := newFixture(t)
	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/ws/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
