package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"fieldhub/internal/auth"
	"fieldhub/internal/models"
)

const gatewaySecret = "gateway-secret"

// startGateway serves ServeWS over httptest and returns the ws:// URL.
func startGateway(t *testing.T, opts ...Option) (string, *Hub) {
	t.Helper()

	opts = append([]Option{WithVerifier(auth.NewHMACVerifier(gatewaySecret, ""))}, opts...)
	hub := NewHub(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub
}

func token(t *testing.T, sub string, role models.Role) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: string(role),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(gatewaySecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialAs connects with a token for sub and waits until the hub has bound it.
func dialAs(t *testing.T, url string, hub *Hub, sub string, role models.Role) *websocket.Conn {
	t.Helper()
	before := hub.CurrentConnection(sub)
	conn := dial(t, url+"?token="+token(t, sub, role), nil)
	waitFor(t, func() bool {
		c := hub.CurrentConnection(sub)
		return c != nil && c != before
	})
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return m
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func TestGateway_TokenBindsPrincipal(t *testing.T) {
	url, hub := startGateway(t)
	dialAs(t, url, hub, "42", models.RoleOperator)

	c := hub.CurrentConnection("42")
	if p := c.Principal(); p == nil || p.Role != models.RoleOperator {
		t.Errorf("principal: got %+v", p)
	}
}

func TestGateway_AuthorizationHeader(t *testing.T) {
	url, hub := startGateway(t)
	header := http.Header{"Authorization": {"Bearer " + token(t, "7", models.RoleAdministrator)}}
	dial(t, url, header)

	waitFor(t, func() bool { return hub.CurrentConnection("7") != nil })
	if got := hub.Subscribers(models.AdminChannel); got != 1 {
		t.Errorf("admin subscribers: got %d, want 1", got)
	}
}

func TestGateway_DuplicateLogin(t *testing.T) {
	url, hub := startGateway(t)

	first := dialAs(t, url, hub, "42", models.RoleOperator)
	dialAs(t, url, hub, "42", models.RoleOperator)

	m := readJSON(t, first)
	if m["type"] != "force_logout" {
		t.Fatalf("type: got %v, want force_logout", m["type"])
	}
	data, _ := m["data"].(map[string]any)
	if data["reason"] != "duplicate_login" {
		t.Errorf("reason: got %v", data["reason"])
	}

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("evicted connection still open")
	}

	waitFor(t, func() bool { return hub.Stats().Connections == 1 })
	if hub.CurrentConnection("42") == nil {
		t.Error("new session lost after eviction")
	}
}

func TestGateway_UnauthenticatedStaysOpen(t *testing.T) {
	url, hub := startGateway(t)
	conn := dial(t, url, nil)
	waitFor(t, func() bool { return hub.Stats().Connections == 1 })

	send(t, conn, map[string]any{
		"type": "telemetry",
		"id":   "t1",
		"data": map[string]any{"latitude": 1.5, "longitude": 2.5},
	})
	m := readJSON(t, conn)
	if m["type"] != "error" || m["id"] != "t1" {
		t.Errorf("reply: got %v", m)
	}

	send(t, conn, map[string]any{"type": "ping", "id": "p1"})
	if m := readJSON(t, conn); m["type"] != "pong" || m["id"] != "p1" {
		t.Errorf("pong: got %v", m)
	}
	if s := hub.Stats(); s.Principals != 0 {
		t.Errorf("principals: got %d, want 0", s.Principals)
	}
}

func TestGateway_InvalidTokenAdmittedUnbound(t *testing.T) {
	url, hub := startGateway(t)
	dial(t, url+"?token=garbage", nil)
	waitFor(t, func() bool { return hub.Stats().Connections == 1 })
	if s := hub.Stats(); s.Principals != 0 {
		t.Errorf("principals: got %d, want 0", s.Principals)
	}
}

func TestGateway_RejectUnauthenticated(t *testing.T) {
	url, hub := startGateway(t, WithRejectUnauthenticated(true))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token: expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %v, want 401", resp)
	}

	dialAs(t, url, hub, "42", models.RoleOperator)
}

func TestGateway_LegacyRegister(t *testing.T) {
	url, hub := startGateway(t)
	conn := dial(t, url, nil)

	send(t, conn, map[string]any{"type": "register", "id": "r1", "data": map[string]any{"principalId": "42"}})
	if m := readJSON(t, conn); m["type"] != "ack" || m["id"] != "r1" {
		t.Fatalf("reply: got %v", m)
	}

	c := hub.CurrentConnection("42")
	if c == nil {
		t.Fatal("register did not bind")
	}
	if p := c.Principal(); p.Role != models.RoleOperator {
		t.Errorf("role: got %q, want operator", p.Role)
	}
}

func TestGateway_LegacyRegisterDisabled(t *testing.T) {
	url, hub := startGateway(t, WithLegacyRegister(false))
	conn := dial(t, url, nil)

	send(t, conn, map[string]any{"type": "register", "id": "r1", "data": map[string]any{"principalId": "42"}})
	if m := readJSON(t, conn); m["type"] != "error" {
		t.Fatalf("reply: got %v, want error", m)
	}
	if hub.CurrentConnection("42") != nil {
		t.Error("register bound with legacy register disabled")
	}
}

func TestGateway_RegisterAfterToken(t *testing.T) {
	url, hub := startGateway(t)
	conn := dialAs(t, url, hub, "42", models.RoleOperator)

	send(t, conn, map[string]any{"type": "register", "id": "r1", "data": map[string]any{"principalId": "99"}})
	if m := readJSON(t, conn); m["type"] != "error" {
		t.Fatalf("reply: got %v, want error", m)
	}
	if hub.CurrentConnection("99") != nil {
		t.Error("token connection rebound by register")
	}
}

func TestGateway_TelemetryReachesAdmins(t *testing.T) {
	url, hub := startGateway(t)

	admin := dialAs(t, url, hub, "1", models.RoleAdministrator)
	operator := dialAs(t, url, hub, "42", models.RoleOperator)

	send(t, operator, map[string]any{
		"type": "telemetry",
		"id":   "t1",
		"data": map[string]any{"principalId": "spoofed", "latitude": 52.1, "longitude": 4.3, "speed": 12, "batteryLevel": 80},
	})
	if m := readJSON(t, operator); m["type"] != "ack" || m["id"] != "t1" {
		t.Fatalf("operator reply: got %v", m)
	}

	m := readJSON(t, admin)
	if m["type"] != "telemetry" {
		t.Fatalf("admin: got %v, want telemetry", m["type"])
	}
	data, _ := m["data"].(map[string]any)
	if data["principalId"] != "42" {
		t.Errorf("principalId: got %v, want 42", data["principalId"])
	}
	if data["latitude"] != 52.1 {
		t.Errorf("latitude: got %v", data["latitude"])
	}
}

func TestGateway_RejectsMalformedFrames(t *testing.T) {
	url, hub := startGateway(t)
	conn := dialAs(t, url, hub, "42", models.RoleOperator)

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{nope`},
		{"no type", `{"id":"x"}`},
		{"telemetry out of range", `{"type":"telemetry","data":{"latitude":120,"longitude":0}}`},
		{"telemetry without data", `{"type":"telemetry"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if m := readJSON(t, conn); m["type"] != "error" {
				t.Errorf("reply: got %v, want error", m)
			}
		})
	}

	send(t, conn, map[string]any{"type": "launch", "id": "u1"})
	if m := readJSON(t, conn); m["type"] != "error" || m["id"] != "u1" {
		t.Errorf("unknown frame: got %v", m)
	}
}

func TestGateway_ShutdownNotice(t *testing.T) {
	hub := NewHub(WithVerifier(auth.NewHMACVerifier(gatewaySecret, "")))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := dialAs(t, url, hub, "42", models.RoleOperator)

	cancel()
	<-hub.Done()

	m := readJSON(t, conn)
	data, _ := m["data"].(map[string]any)
	if m["type"] != "force_logout" || data["reason"] != "server_shutdown" {
		t.Errorf("got %v", m)
	}
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(WithAllowedOrigins([]string{"https://ops.example.com"}))

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://ops.example.com", true},
		{"https://OPS.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := hub.checkOrigin(r); got != tt.want {
			t.Errorf("%q: got %v, want %v", tt.origin, got, tt.want)
		}
	}

	open := NewHub()
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anywhere")
	if !open.checkOrigin(r) {
		t.Error("no allowed origins: want every origin accepted")
	}
}
