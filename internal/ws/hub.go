package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fieldhub/internal/auth"
	"fieldhub/internal/metrics"
	"fieldhub/internal/models"
)

var (
	ErrHubClosed       = errors.New("hub closed")
	ErrClientClosed    = errors.New("connection closed")
	ErrNotGroupChannel = errors.New("only group channels can be subscribed incrementally")
)

// GroupLister is the read-only membership lookup used at bind time.
type GroupLister interface {
	GroupsFor(ctx context.Context, principalID string) ([]string, error)
}

// PresenceTracker receives connect, activity and disconnect notices.
type PresenceTracker interface {
	Touch(principalID string, now time.Time) (*models.Event, bool)
	MarkOffline(principalID string, now time.Time) (*models.Event, bool)
}

// TokenVerifier checks the bearer token presented at handshake.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

type Option func(*Hub)

func WithGroups(g GroupLister) Option { return func(h *Hub) { h.groups = g } }

func WithPresence(p PresenceTracker) Option { return func(h *Hub) { h.presence = p } }

func WithVerifier(v TokenVerifier) Option { return func(h *Hub) { h.verifier = v } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Hub) { h.metrics = m } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithLookupTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.lookupTimeout = d
		}
	}
}

// WithLegacyRegister allows connections to self-declare a principal with a
// register frame.
func WithLegacyRegister(allow bool) Option { return func(h *Hub) { h.allowRegister = allow } }

// WithRejectUnauthenticated refuses upgrades that carry no valid token.
func WithRejectUnauthenticated(reject bool) Option {
	return func(h *Hub) { h.rejectUnauthenticated = reject }
}

// WithAllowedOrigins restricts the Origin header accepted at upgrade.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

type bindRequest struct {
	client    *Client
	principal models.Principal
	channels  []models.ChannelID
	reply     chan bindResult
}

type bindResult struct {
	evicted *Client
	// released is the principal c was bound to before, when a re-register
	// moved it to another principal.
	released string
	err      error
}

type unregisterRequest struct {
	client *Client
	reply  chan bool
}

type subscriptionRequest struct {
	principalID string
	channel     models.ChannelID
	add         bool
	reply       chan bool
}

type broadcastRequest struct {
	eventType models.EventType
	targets   []models.ChannelID
	payload   []byte
	reply     chan int
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int `json:"connections"`
	Principals  int `json:"principals"`
	Channels    int `json:"channels"`
}

// Hub owns every connection, the principal -> connection registry and the
// channel -> connections index. All three are touched only by the Run
// goroutine; everything else talks to it over channels.
type Hub struct {
	clients  map[*Client]struct{}
	sessions map[string]*Client
	channels map[models.ChannelID]map[*Client]struct{}

	register   chan *Client
	bind       chan bindRequest
	unregister chan unregisterRequest
	subscribe  chan subscriptionRequest
	broadcast  chan broadcastRequest
	inspect    chan func()
	done       chan struct{}

	groups   GroupLister
	presence PresenceTracker

	// presenceMu orders presence transitions together with their
	// publication, so subscribers see them in tracker order.
	presenceMu sync.Mutex

	verifier              TokenVerifier
	metrics               *metrics.Metrics
	now                   func() time.Time
	sendBuffer            int
	lookupTimeout         time.Duration
	allowRegister         bool
	rejectUnauthenticated bool
	allowedOrigins        []string
	upgrader              websocket.Upgrader
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:       make(map[*Client]struct{}),
		sessions:      make(map[string]*Client),
		channels:      make(map[models.ChannelID]map[*Client]struct{}),
		register:      make(chan *Client),
		bind:          make(chan bindRequest),
		unregister:    make(chan unregisterRequest),
		subscribe:     make(chan subscriptionRequest),
		broadcast:     make(chan broadcastRequest),
		inspect:       make(chan func()),
		done:          make(chan struct{}),
		now:           time.Now,
		sendBuffer:    256,
		lookupTimeout: 3 * time.Second,
		allowRegister: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.Discard()
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run is the hub event loop. It returns after ctx is cancelled and every
// open connection has been sent a shutdown notice and closed.
func (h *Hub) Run(ctx context.Context) {
	slog.Info("[HUB] Starting hub event loop")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.registerClient(client)

		case req := <-h.bind:
			req.reply <- h.bindClient(req)

		case req := <-h.unregister:
			req.reply <- h.unregisterClient(req.client)

		case req := <-h.subscribe:
			req.reply <- h.updateSubscription(req)

		case req := <-h.broadcast:
			req.reply <- h.broadcastToChannels(req)

		case fn := <-h.inspect:
			fn()
		}
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func enqueue[T any](h *Hub, ch chan T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Register admits a connection to the hub without binding a principal.
func (h *Hub) Register(c *Client) error {
	return enqueue(h, h.register, c)
}

// Admit binds c to p: it looks up p's groups, evicts any connection already
// bound to p, subscribes c to its channels and records presence. The group
// lookup runs before the registry is touched.
func (h *Hub) Admit(ctx context.Context, c *Client, p models.Principal) error {
	groups := h.lookupGroups(ctx, p.ID)

	req := bindRequest{
		client:    c,
		principal: p,
		channels:  models.ChannelsFor(p, groups),
		reply:     make(chan bindResult, 1),
	}
	if err := enqueue(h, h.bind, req); err != nil {
		return err
	}
	res := <-req.reply
	if res.err != nil {
		return res.err
	}

	if res.evicted != nil {
		slog.Info("[HUB] Evicted previous session", "user", p.ID, "old", res.evicted.id, "new", c.id)
	}
	if res.released != "" {
		h.markOffline(res.released)
	}
	h.touch(p.ID)
	return nil
}

// Disconnect removes c from the registry and every channel. When c was the
// principal's current connection, presence goes offline immediately.
func (h *Hub) Disconnect(c *Client) {
	req := unregisterRequest{client: c, reply: make(chan bool, 1)}
	if err := enqueue(h, h.unregister, req); err != nil {
		c.close()
		return
	}
	if !<-req.reply {
		return
	}

	if p := c.Principal(); p != nil {
		h.markOffline(p.ID)
	}
}

// PublishPresence runs fn and publishes the presence events it returns.
// Calls never overlap, so a principal's transitions are delivered in the
// order the tracker made them.
func (h *Hub) PublishPresence(fn func() []*models.Event) int {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	events := fn()
	for _, ev := range events {
		if err := h.Publish(ev); err != nil {
			slog.Warn("[HUB] Failed to publish presence change", "error", err)
		}
	}
	return len(events)
}

// Publish delivers ev to every connection subscribed to any of its targets
// at the moment of the call. A connection receives an event at most once.
func (h *Hub) Publish(ev *models.Event) error {
	_, err := h.route(ev)
	return err
}

func (h *Hub) route(ev *models.Event) (int, error) {
	if err := ev.Validate(); err != nil {
		h.metrics.EventsRejected.WithLabelValues("internal").Inc()
		slog.Warn("[HUB] Dropping malformed event", "error", err)
		return 0, err
	}
	payload, err := ev.Frame()
	if err != nil {
		h.metrics.EventsRejected.WithLabelValues("internal").Inc()
		slog.Error("[HUB] Failed to encode event", "type", ev.Type, "error", err)
		return 0, fmt.Errorf("encode %s: %w", ev.Type, err)
	}

	req := broadcastRequest{
		eventType: ev.Type,
		targets:   ev.Targets,
		payload:   payload,
		reply:     make(chan int, 1),
	}
	if err := enqueue(h, h.broadcast, req); err != nil {
		return 0, err
	}
	h.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return <-req.reply, nil
}

// Subscribe adds a group channel to the live connection of principalID. It
// reports whether a connection was updated.
func (h *Hub) Subscribe(principalID string, channel models.ChannelID) (bool, error) {
	return h.changeSubscription(principalID, channel, true)
}

// Unsubscribe removes a group channel from the live connection of
// principalID.
func (h *Hub) Unsubscribe(principalID string, channel models.ChannelID) (bool, error) {
	return h.changeSubscription(principalID, channel, false)
}

// ApplyMembership turns a group membership change into a subscription
// update for a connected member.
func (h *Hub) ApplyMembership(change models.MembershipChange) (bool, error) {
	if err := change.Validate(); err != nil {
		return false, err
	}
	channel := models.GroupChannel(change.GroupID)
	if change.Action == models.MembershipAdd {
		return h.Subscribe(change.PrincipalID, channel)
	}
	return h.Unsubscribe(change.PrincipalID, channel)
}

func (h *Hub) changeSubscription(principalID string, channel models.ChannelID, add bool) (bool, error) {
	if channel.Kind() != models.KindGroup {
		return false, fmt.Errorf("%w: %q", ErrNotGroupChannel, channel)
	}
	req := subscriptionRequest{principalID: principalID, channel: channel, add: add, reply: make(chan bool, 1)}
	if err := enqueue(h, h.subscribe, req); err != nil {
		return false, err
	}
	return <-req.reply, nil
}

// CurrentConnection returns the connection bound to principalID, or nil.
func (h *Hub) CurrentConnection(principalID string) *Client {
	var c *Client
	h.query(func() { c = h.sessions[principalID] })
	return c
}

// Channels returns the channels c is subscribed to, sorted.
func (h *Hub) Channels(c *Client) []models.ChannelID {
	var out []models.ChannelID
	h.query(func() { out = models.SortChannels(c.subscriptions) })
	return out
}

// Subscribers returns the number of connections subscribed to channel.
func (h *Hub) Subscribers(channel models.ChannelID) int {
	var n int
	h.query(func() { n = len(h.channels[channel]) })
	return n
}

func (h *Hub) Stats() Stats {
	var s Stats
	h.query(func() {
		s = Stats{Connections: len(h.clients), Principals: len(h.sessions), Channels: len(h.channels)}
	})
	return s
}

func (h *Hub) query(fn func()) bool {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}
	if err := enqueue(h, h.inspect, wrapped); err != nil {
		return false
	}
	<-finished
	return true
}

func (h *Hub) lookupGroups(ctx context.Context, principalID string) []string {
	if h.groups == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.lookupTimeout)
	defer cancel()

	groups, err := h.groups.GroupsFor(ctx, principalID)
	if err != nil {
		slog.Warn("[HUB] Group lookup failed, binding without groups", "user", principalID, "error", err)
		return nil
	}
	return groups
}

func (h *Hub) touch(principalID string) {
	if h.presence == nil {
		return
	}
	h.PublishPresence(func() []*models.Event {
		if ev, changed := h.presence.Touch(principalID, h.now()); changed {
			return []*models.Event{ev}
		}
		return nil
	})
}

// markOffline records a disconnect for principalID unless another
// connection has been bound to it in the meantime.
func (h *Hub) markOffline(principalID string) {
	if h.presence == nil {
		return
	}
	h.PublishPresence(func() []*models.Event {
		if h.CurrentConnection(principalID) != nil {
			slog.Debug("[HUB] Principal reconnected, keeping presence", "user", principalID)
			return nil
		}
		if ev, changed := h.presence.MarkOffline(principalID, h.now()); changed {
			return []*models.Event{ev}
		}
		return nil
	})
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// --- event loop internals ---------------------------------------------------

func (h *Hub) registerClient(c *Client) {
	h.clients[c] = struct{}{}
	h.metrics.Connections.Set(float64(len(h.clients)))
	slog.Debug("[HUB] Client registered", "conn", c.id, "connections", len(h.clients))
}

func (h *Hub) bindClient(req bindRequest) bindResult {
	c := req.client
	if _, ok := h.clients[c]; !ok || c.isClosed() {
		return bindResult{err: ErrClientClosed}
	}

	p := req.principal
	var released string
	if prev := c.Principal(); prev != nil && prev.ID != p.ID && h.sessions[prev.ID] == c {
		delete(h.sessions, prev.ID)
		released = prev.ID
	}

	var evicted *Client
	if old, ok := h.sessions[p.ID]; ok && old != c {
		h.evict(old, models.ReasonDuplicateLogin)
		evicted = old
	}

	h.dropSubscriptions(c)
	c.setPrincipal(p)
	h.sessions[p.ID] = c
	for _, channel := range req.channels {
		h.addSubscription(c, channel)
	}

	h.metrics.Binds.Inc()
	h.metrics.BoundPrincipals.Set(float64(len(h.sessions)))
	slog.Info("[HUB] Principal bound", "user", p.ID, "role", p.Role, "conn", c.id, "channels", len(req.channels))
	return bindResult{evicted: evicted, released: released}
}

// evict sends the force_logout notice, then closes the connection. Both are
// no-ops on a connection that is already gone.
func (h *Hub) evict(old *Client, reason string) {
	if p := old.Principal(); p != nil && h.sessions[p.ID] == old {
		delete(h.sessions, p.ID)
	}
	h.dropSubscriptions(old)
	delete(h.clients, old)

	if frame, err := models.ForceLogoutFrame(reason, h.now()); err == nil {
		old.trySend(frame)
	}
	old.close()

	h.metrics.Evictions.Inc()
	h.metrics.Connections.Set(float64(len(h.clients)))
}

func (h *Hub) unregisterClient(c *Client) bool {
	wasCurrent := false
	if p := c.Principal(); p != nil && h.sessions[p.ID] == c {
		delete(h.sessions, p.ID)
		wasCurrent = true
	}
	h.dropSubscriptions(c)
	delete(h.clients, c)
	c.close()

	h.metrics.Connections.Set(float64(len(h.clients)))
	h.metrics.BoundPrincipals.Set(float64(len(h.sessions)))
	slog.Debug("[HUB] Client unregistered", "conn", c.id, "current", wasCurrent, "connections", len(h.clients))
	return wasCurrent
}

func (h *Hub) updateSubscription(req subscriptionRequest) bool {
	c, ok := h.sessions[req.principalID]
	if !ok {
		return false
	}
	if req.add {
		h.addSubscription(c, req.channel)
	} else {
		h.removeSubscription(c, req.channel)
	}
	slog.Debug("[HUB] Subscription updated", "user", req.principalID, "channel", req.channel, "add", req.add)
	return true
}

func (h *Hub) addSubscription(c *Client, channel models.ChannelID) {
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]struct{})
	}
	h.channels[channel][c] = struct{}{}
	c.subscriptions[channel] = struct{}{}
}

func (h *Hub) removeSubscription(c *Client, channel models.ChannelID) {
	delete(c.subscriptions, channel)
	if clients, ok := h.channels[channel]; ok {
		delete(clients, c)
		// Clean up empty channels
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) dropSubscriptions(c *Client) {
	for channel := range c.subscriptions {
		h.removeSubscription(c, channel)
	}
}

func (h *Hub) broadcastToChannels(req broadcastRequest) int {
	seen := make(map[*Client]struct{})
	sent, slow := 0, 0

	for _, channel := range req.targets {
		for c := range h.channels[channel] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}

			switch c.trySend(req.payload) {
			case sendOK:
				sent++
			case sendFull:
				// Client buffer full, disconnect
				slog.Warn("[HUB] Client buffer full, disconnecting", "conn", c.id, "channel", channel)
				c.close()
				slow++
			}
		}
	}

	h.metrics.Deliveries.Add(float64(sent))
	h.metrics.SlowConsumers.Add(float64(slow))
	slog.Debug("[HUB] Broadcast complete", "type", req.eventType, "targets", len(req.targets), "sent", sent, "slow", slow)
	return sent
}

func (h *Hub) shutdown() {
	frame, err := models.ForceLogoutFrame(models.ReasonServerShutdown, h.now())
	if err != nil {
		frame = nil
	}
	for c := range h.clients {
		if frame != nil {
			c.trySend(frame)
		}
		c.close()
	}
	slog.Info("[HUB] Hub stopped, connections closed", "connections", len(h.clients))

	h.clients = make(map[*Client]struct{})
	h.sessions = make(map[string]*Client)
	h.channels = make(map[models.ChannelID]map[*Client]struct{})
	h.metrics.Connections.Set(0)
	h.metrics.BoundPrincipals.Set(0)
}
