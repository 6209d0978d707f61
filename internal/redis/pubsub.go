package redis

import (
	"context"
	"errors"
	"log/slog"

	"github.com/goccy/go-json"

	"fieldhub/internal/metrics"
	"fieldhub/internal/models"
)

var ErrSubscriptionClosed = errors.New("redis subscription closed")

// EventPublisher is the hub's publish entrypoint.
type EventPublisher interface {
	Publish(ev *models.Event) error
}

// MembershipApplier updates the channels of a connected principal.
type MembershipApplier interface {
	ApplyMembership(change models.MembershipChange) (bool, error)
}

// Subscriber feeds events and membership changes published by the CRUD
// services into the hub.
type Subscriber struct {
	client     *Client
	pattern    string
	membership string
	events     EventPublisher
	members    MembershipApplier
	metrics    *metrics.Metrics
}

func NewSubscriber(client *Client, opts Options, events EventPublisher, members MembershipApplier, m *metrics.Metrics) *Subscriber {
	if m == nil {
		m = metrics.Discard()
	}
	return &Subscriber{
		client:     client,
		pattern:    opts.EventsPattern,
		membership: opts.MembershipChannel,
		events:     events,
		members:    members,
		metrics:    m,
	}
}

// Run listens until ctx is cancelled. Losing the subscription for any other
// reason is returned as an error.
func (s *Subscriber) Run(ctx context.Context) error {
	slog.Info("[REDIS] Starting Redis pub/sub subscription...")

	pubsub := s.client.rdb.PSubscribe(ctx, s.pattern)
	defer pubsub.Close()

	if s.membership != "" {
		if err := pubsub.Subscribe(ctx, s.membership); err != nil {
			return err
		}
	}

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[REDIS] Failed to receive subscription confirmation", "error", err)
		return err
	}

	slog.Info("[REDIS] Subscription confirmed, listening for messages...", "pattern", s.pattern, "membership", s.membership)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("[REDIS] Redis pub/sub channel closed")
				return ErrSubscriptionClosed
			}
			s.handleMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *Subscriber) handleMessage(channel string, payload []byte) {
	if s.membership != "" && channel == s.membership {
		s.handleMembership(payload)
		return
	}

	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		s.metrics.EventsRejected.WithLabelValues("redis").Inc()
		slog.Error("[REDIS] Error unmarshaling event", "channel", channel, "error", err)
		return
	}

	if err := s.events.Publish(&event); err != nil {
		slog.Error("[REDIS] Failed to hand event to hub", "type", event.Type, "error", err)
	}
}

func (s *Subscriber) handleMembership(payload []byte) {
	var change models.MembershipChange
	if err := json.Unmarshal(payload, &change); err != nil {
		slog.Error("[REDIS] Error unmarshaling membership change", "error", err)
		return
	}
	applied, err := s.members.ApplyMembership(change)
	if err != nil {
		slog.Error("[REDIS] Failed to apply membership change", "user", change.PrincipalID, "group", change.GroupID, "error", err)
		return
	}
	slog.Debug("[REDIS] Membership change", "user", change.PrincipalID, "group", change.GroupID, "action", change.Action, "live", applied)
}
