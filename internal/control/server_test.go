package control_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/bridge/internal/config"
	"github.com/openclaw/bridge/internal/connmgr"
	"github.com/openclaw/bridge/internal/control"
	"github.com/openclaw/bridge/internal/envelope"
	"github.com/openclaw/bridge/internal/event"
	"github.com/openclaw/bridge/internal/queue"
	"github.com/openclaw/bridge/internal/registry"
	"github.com/openclaw/bridge/internal/router"
)

const adminToken = "admin-token"

type fixture struct {
	srv   *control.Server
	conns *connmgr.Manager
	queue *queue.Store
	rec   *event.Recorder
}

func newFixture(t *testing.T, tokenHash string) *fixture {
	t.Helper()

	reg, err := registry.New([]config.Client{
		{ID: "agent-client", KeyHash: config.HashSecret("agent-secret"), CanSendTo: []string{"openclaw-server"}},
		{ID: "openclaw-server", KeyHash: config.HashSecret("server-secret"), CanSendTo: []string{"*"}},
	})
	require.NoError(t, err)

	ring := event.NewRing(1000)
	rec := event.NewRecorder(ring, zerolog.Nop())
	q := queue.NewStore(500, rec)
	conns := connmgr.New()
	rtr := router.New(conns, q, rec)

	srv := control.New(control.Config{
		Addr:           "127.0.0.1:0",
		AdminTokenHash: tokenHash,
		SocketPath:     "/run/bridge/bridge.sock",
		MaxFrameBytes:  4096,
		Version:        "test",
		Registry:       reg,
		Router:         rtr,
		Conns:          conns,
		Queue:          q,
		Recorder:       rec,
	})
	return &fixture{srv: srv, conns: conns, queue: q, rec: rec}
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set(control.TokenHeader, token)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	w := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["ts"])
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	for _, token := range []string{"", "wrong"} {
		w := f.do(t, http.MethodGet, "/api/status", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/status", adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEmptyTokenHashDisablesAPI(t *testing.T) {
	f := newFixture(t, "")

	// Even the correct token is refused when no hash is configured.
	w := f.do(t, http.MethodGet, "/api/status", adminToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))
	f.queue.Enqueue("openclaw-server", envelope.New("", "agent-client", "openclaw-server", "", nil, "", time.Now()))

	w := f.do(t, http.MethodGet, "/api/status", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)

	assert.Equal(t, "/run/bridge/bridge.sock", body["socketPath"])
	assert.Equal(t, map[string]any{}, body["active"])
	assert.Equal(t, map[string]any{"openclaw-server": float64(1)}, body["queued"])

	clients, ok := body["clients"].([]any)
	require.True(t, ok)
	require.Len(t, clients, 2)
	first := clients[0].(map[string]any)
	assert.Equal(t, "agent-client", first["id"])
	assert.Equal(t, []any{"openclaw-server"}, first["canSendTo"])
}

func TestClientsListing(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	w := f.do(t, http.MethodGet, "/api/clients", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	clients := body["clients"].([]any)
	require.Len(t, clients, 2)
}

// deliverFunc adapts a function to connmgr.Conn. It is a pointer-backed
// struct rather than a bare func type because the manager keys connections
// in a map and func values are not hashable.
type deliverFunc struct {
	fn func(env *envelope.Envelope) error
}

func (f *deliverFunc) Deliver(env *envelope.Envelope) error { return f.fn(env) }

func TestSendDeliversToLiveConnection(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	got := make(chan *envelope.Envelope, 1)
	f.conns.Register("openclaw-server", &deliverFunc{fn: func(env *envelope.Envelope) error {
		got <- env
		return nil
	}})

	w := f.do(t, http.MethodPost, "/api/send", adminToken,
		[]byte(`{"asClient":"agent-client","to":"openclaw-server","type":"command","payload":{"n":1}}`))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	routed := body["routed"].(map[string]any)
	assert.Equal(t, float64(1), routed["deliveredTo"])
	assert.Equal(t, false, routed["queued"])

	env := <-got
	assert.Equal(t, "agent-client", env.From)
	assert.Equal(t, "command", env.Type)
}

func TestSendQueuesWhenRecipientOffline(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	w := f.do(t, http.MethodPost, "/api/send", adminToken,
		[]byte(`{"asClient":"agent-client","to":"openclaw-server"}`))
	require.Equal(t, http.StatusOK, w.Code)
	routed := decode(t, w)["routed"].(map[string]any)
	assert.Equal(t, true, routed["queued"])
	assert.Equal(t, 1, f.queue.Depth("openclaw-server"))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	cases := []struct {
		name    string
		body    string
		status  int
		errCode string
	}{
		{"invalid json", `{nope`, http.StatusBadRequest, "invalid_json"},
		{"missing asClient", `{"to":"openclaw-server"}`, http.StatusBadRequest, "missing_as_client"},
		{"unknown asClient", `{"asClient":"ghost","to":"openclaw-server"}`, http.StatusBadRequest, "unknown_client"},
		{"missing to", `{"asClient":"agent-client"}`, http.StatusBadRequest, "missing_to"},
		{"unknown target", `{"asClient":"agent-client","to":"ghost"}`, http.StatusNotFound, "unknown_target"},
		{"route denied", `{"asClient":"agent-client","to":"agent-client"}`, http.StatusForbidden, "route_not_allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/send", adminToken, []byte(tc.body))
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.errCode, decode(t, w)["error"])
		})
	}
}

func TestSendBodyTooLarge(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	// MaxFrameBytes is 4096 in the fixture; the ceiling is twice that.
	huge := `{"asClient":"agent-client","to":"openclaw-server","payload":"` +
		strings.Repeat("x", 3*4096) + `"}`
	w := f.do(t, http.MethodPost, "/api/send", adminToken, []byte(huge))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "body_too_large", decode(t, w)["error"])
}

func TestEventsSnapshotAndLimit(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))
	for i := 0; i < 5; i++ {
		f.rec.Info("test_event", "event", map[string]any{"n": i})
	}

	w := f.do(t, http.MethodGet, "/api/events", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), decode(t, w)["count"])

	w = f.do(t, http.MethodGet, "/api/events?limit=2", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	events := body["events"].([]any)
	last := events[1].(map[string]any)
	assert.Equal(t, "test_event", last["type"])

	w = f.do(t, http.MethodGet, "/api/events?limit=bogus", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsWebsocketTail(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws"
	header := http.Header{}
	header.Set(control.TokenHeader, adminToken)
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	f.rec.Warn("queue_overflow", "queue full", map[string]any{"recipient": "openclaw-server"})

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev event.Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "queue_overflow", ev.Type)
	assert.Equal(t, event.LevelWarn, ev.Level)
}

func TestEventsWebsocketRequiresToken(t *testing.T) {
	f := newFixture(t, config.HashSecret(adminToken))

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
