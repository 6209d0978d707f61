package presence

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"fieldhub/internal/metrics"
	"fieldhub/internal/models"
)

// Record is the last known activity of a principal.
type Record struct {
	PrincipalID string    `json:"principalId"`
	LastSeen    time.Time `json:"lastSeen"`
	Online      bool      `json:"online"`
}

// Mirror receives every record change so that presence consumers outside
// this process read the same state.
type Mirror interface {
	SetPresence(ctx context.Context, rec Record) error
}

type Option func(*Tracker)

func WithMirror(m Mirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker derives online/offline state from activity timestamps. A record
// is online while now - LastSeen < threshold and no disconnect has been seen
// since the last activity.
type Tracker struct {
	threshold time.Duration
	mirror    Mirror
	metrics   *metrics.Metrics

	mu      sync.Mutex
	records map[string]*Record
}

func New(threshold time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		threshold: threshold,
		records:   make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Touch records activity for principalID at now. It returns a
// presence_changed event when the principal was offline before.
func (t *Tracker) Touch(principalID string, now time.Time) (*models.Event, bool) {
	t.mu.Lock()
	rec, ok := t.records[principalID]
	if !ok {
		rec = &Record{PrincipalID: principalID}
		t.records[principalID] = rec
	}
	wasOnline := rec.Online
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	rec.Online = true
	snapshot := *rec
	t.mu.Unlock()

	t.mirrorRecord(snapshot)
	if wasOnline {
		return nil, false
	}
	return t.transition(principalID, true, now)
}

// MarkOffline records a disconnect at now. It returns a presence_changed
// event when the principal was online before.
func (t *Tracker) MarkOffline(principalID string, now time.Time) (*models.Event, bool) {
	t.mu.Lock()
	rec, ok := t.records[principalID]
	if !ok {
		rec = &Record{PrincipalID: principalID}
		t.records[principalID] = rec
	}
	wasOnline := rec.Online
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	rec.Online = false
	snapshot := *rec
	t.mu.Unlock()

	t.mirrorRecord(snapshot)
	if !wasOnline {
		return nil, false
	}
	return t.transition(principalID, false, now)
}

// Sweep flips every online record whose last activity is at least threshold
// old and returns one presence_changed event per flip.
func (t *Tracker) Sweep(now time.Time) []*models.Event {
	var flipped []Record

	t.mu.Lock()
	for _, rec := range t.records {
		if rec.Online && now.Sub(rec.LastSeen) >= t.threshold {
			rec.Online = false
			flipped = append(flipped, *rec)
		}
	}
	t.mu.Unlock()

	sort.Slice(flipped, func(i, j int) bool { return flipped[i].PrincipalID < flipped[j].PrincipalID })

	events := make([]*models.Event, 0, len(flipped))
	for _, rec := range flipped {
		t.mirrorRecord(rec)
		if ev, ok := t.transition(rec.PrincipalID, false, now); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Get returns the record for principalID with Online evaluated at now.
func (t *Tracker) Get(principalID string, now time.Time) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[principalID]
	if !ok {
		return Record{PrincipalID: principalID}, false
	}
	return t.evaluate(rec, now), true
}

// List returns every record sorted by principal id, Online evaluated at now.
func (t *Tracker) List(now time.Time) []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, t.evaluate(rec, now))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out
}

func (t *Tracker) evaluate(rec *Record, now time.Time) Record {
	out := *rec
	out.Online = rec.Online && now.Sub(rec.LastSeen) < t.threshold
	return out
}

func (t *Tracker) transition(principalID string, online bool, at time.Time) (*models.Event, bool) {
	ev, err := models.NewPresenceChanged(principalID, online, at)
	if err != nil {
		slog.Error("[PRESENCE] Failed to build presence event", "user", principalID, "error", err)
		return nil, false
	}
	if t.metrics != nil {
		t.metrics.PresenceTransitions.WithLabelValues(strconv.FormatBool(online)).Inc()
	}
	return ev, true
}

func (t *Tracker) mirrorRecord(rec Record) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.mirror.SetPresence(ctx, rec); err != nil {
		slog.Warn("[PRESENCE] Failed to mirror presence", "user", rec.PrincipalID, "error", err)
	}
}
