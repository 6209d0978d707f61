package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"fieldhub/internal/metrics"
	"fieldhub/internal/models"
	"fieldhub/internal/presence"
	"fieldhub/internal/ws"
)

const publishKey = "collab-key"

type testEnv struct {
	router  http.Handler
	hub     *ws.Hub
	tracker *presence.Tracker
}

func newTestEnv(t *testing.T, keyHash string) *testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tracker := presence.New(time.Minute)
	hub := ws.NewHub(ws.WithPresence(tracker), ws.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	return &testEnv{
		router: NewRouter(Deps{
			Hub:            hub,
			Presence:       tracker,
			Gatherer:       reg,
			Metrics:        m,
			PublishKeyHash: keyHash,
		}),
		hub:     hub,
		tracker: tracker,
	}
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func (e *testEnv) do(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-Publish-Key", key)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fieldhub_connections") {
		t.Error("fieldhub_connections missing from /metrics")
	}
}

func TestPublish(t *testing.T) {
	env := newTestEnv(t, hashKey(t, publishKey))
	body := `{"type":"group_message","data":{"id":"m1","senderId":"7","groupId":"G","type":"text","content":"hello","createdAt":"2024-01-01T00:00:00Z"}}`

	tests := []struct {
		name string
		key  string
		body string
		want int
	}{
		{"accepted", publishKey, body, http.StatusAccepted},
		{"missing key", "", body, http.StatusUnauthorized},
		{"wrong key", "guess", body, http.StatusUnauthorized},
		{"invalid event", publishKey, `{"type":"group_message","data":{"id":"m1"}}`, http.StatusBadRequest},
		{"unknown target", publishKey, `{"type":"message_deleted","targets":["everyone"],"data":{"id":"m1"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/events", tt.key, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status: got %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	rec := env.do(http.MethodPost, "/api/events", publishKey, body)
	var resp publishResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Accepted || len(resp.Targets) != 1 || resp.Targets[0] != "group:G" {
		t.Errorf("response: got %+v", resp)
	}
}

func TestPublish_DirectMessageKeepsSenderMirror(t *testing.T) {
	env := newTestEnv(t, hashKey(t, publishKey))
	body := `{"type":"direct_message","targets":["personal:99"],"data":{"id":"m1","senderId":"42","receiverId":"99","type":"text","content":"hi"}}`

	rec := env.do(http.MethodPost, "/api/events", publishKey, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	var resp publishResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []models.ChannelID{"personal:99", "personal:42"}
	if !reflect.DeepEqual(resp.Targets, want) {
		t.Errorf("targets: got %v, want %v", resp.Targets, want)
	}
}

func TestPublish_DisabledWithoutKeyHash(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodPost, "/api/events", publishKey, `{}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", rec.Code)
	}
}

func TestPublish_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, hashKey(t, publishKey))
	rec := env.do(http.MethodGet, "/api/events", publishKey, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rec.Code)
	}
}

func TestPresence(t *testing.T) {
	env := newTestEnv(t, "")
	now := time.Now()
	env.tracker.Touch("42", now)
	env.tracker.Touch("7", now.Add(-time.Hour))

	rec := env.do(http.MethodGet, "/api/presence", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: got %d", rec.Code)
	}
	var list []presence.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list: got %d records, want 2", len(list))
	}
	if list[0].PrincipalID != "42" || !list[0].Online {
		t.Errorf("42: got %+v", list[0])
	}
	if list[1].PrincipalID != "7" || list[1].Online {
		t.Errorf("7: got %+v", list[1])
	}

	rec = env.do(http.MethodGet, "/api/presence/42", "", "")
	var one presence.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Code != http.StatusOK || !one.Online {
		t.Errorf("42: got %d %+v", rec.Code, one)
	}

	if rec := env.do(http.MethodGet, "/api/presence/nobody", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown: got %d, want 404", rec.Code)
	}
}

func TestSessionAndStats(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.do(http.MethodGet, "/api/sessions/42", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("no session: got %d, want 404", rec.Code)
	}

	rec := env.do(http.MethodGet, "/api/stats", "", "")
	var stats ws.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if rec.Code != http.StatusOK || stats.Connections != 0 {
		t.Errorf("stats: got %d %+v", rec.Code, stats)
	}
}

func TestSession_LiveConnection(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "register", "id": "r1", "data": map[string]any{"principalId": "42"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]any
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ack["type"] != "ack" {
		t.Fatalf("reply: got %v", ack)
	}

	rec := env.do(http.MethodGet, "/api/sessions/42", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.PrincipalID != "42" || resp.Role != "operator" || resp.Connection == "" {
		t.Errorf("session: got %+v", resp)
	}
	if len(resp.Channels) != 1 || resp.Channels[0] != "personal:42" {
		t.Errorf("channels: got %v", resp.Channels)
	}
}
