package api

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"fieldhub/internal/metrics"
	"fieldhub/internal/models"
	"fieldhub/internal/presence"
	"fieldhub/internal/ws"
)

const maxEventBody = 256 * 1024

// PresenceReader is the read side of the presence tracker.
type PresenceReader interface {
	Get(principalID string, now time.Time) (presence.Record, bool)
	List(now time.Time) []presence.Record
}

type Deps struct {
	Hub      *ws.Hub
	Presence PresenceReader
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics

	// PublishKeyHash is the bcrypt hash of the X-Publish-Key value. Empty
	// disables POST /api/events.
	PublishKeyHash string
}

type handler struct {
	deps Deps
	now  func() time.Time
}

type publishResponse struct {
	Accepted bool               `json:"accepted"`
	Type     models.EventType   `json:"type"`
	Targets  []models.ChannelID `json:"targets"`
}

type sessionResponse struct {
	PrincipalID  string             `json:"principalId"`
	Connection   string             `json:"connection"`
	Role         models.Role        `json:"role"`
	Channels     []models.ChannelID `json:"channels"`
	ConnectedAt  time.Time          `json:"connectedAt"`
	LastActivity time.Time          `json:"lastActivity"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewRouter(deps Deps) *mux.Router {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	h := &handler{deps: deps, now: time.Now}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(deps.Hub, w, r)
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer)).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/events", h.publish).Methods(http.MethodPost)
	api.HandleFunc("/presence", h.listPresence).Methods(http.MethodGet)
	api.HandleFunc("/presence/{principalId}", h.getPresence).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{principalId}", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// publish accepts one event per request. Explicit targets are added to the
// channels the payload implies; they cannot remove one.
func (h *handler) publish(w http.ResponseWriter, r *http.Request) {
	if h.deps.PublishKeyHash == "" {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "publish API disabled"})
		return
	}
	key := r.Header.Get("X-Publish-Key")
	if key == "" || bcrypt.CompareHashAndPassword([]byte(h.deps.PublishKeyHash), []byte(key)) != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid publish key"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body"})
		return
	}

	var ev models.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		h.deps.Metrics.EventsRejected.WithLabelValues("http").Inc()
		slog.Warn("[API] Rejected event", "from", r.RemoteAddr, "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := h.deps.Hub.Publish(&ev); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{Accepted: true, Type: ev.Type, Targets: ev.Targets})
}

func (h *handler) listPresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Presence.List(h.now()))
}

func (h *handler) getPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["principalId"]
	rec, ok := h.deps.Presence.Get(id, h.now())
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown principal"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["principalId"]
	c := h.deps.Hub.CurrentConnection(id)
	if c == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no live session"})
		return
	}
	resp := sessionResponse{
		PrincipalID:  id,
		Connection:   c.ID(),
		Channels:     h.deps.Hub.Channels(c),
		ConnectedAt:  c.CreatedAt(),
		LastActivity: c.LastActivity(),
	}
	if p := c.Principal(); p != nil {
		resp.Role = p.Role
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Hub.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode response", "error", err)
	}
}
