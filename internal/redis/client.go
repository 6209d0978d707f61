package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"fieldhub/internal/models"
	"fieldhub/internal/presence"
)

// Client wraps the Redis connection shared by the event feed, the presence
// mirror and the publish CLI.
type Client struct {
	rdb           *redis.Client
	eventsPrefix  string
	presenceKey   string
	membershipKey string
}

type Options struct {
	// EventsPattern is the PSUBSCRIBE pattern for events, e.g. "hub:events:*".
	EventsPattern     string
	MembershipChannel string
	PresenceKey       string
}

func NewClient(ctx context.Context, redisURL string, opts Options) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("[REDIS] Connected to Redis", "addr", opt.Addr)
	return newClient(rdb, opts), nil
}

func newClient(rdb *redis.Client, opts Options) *Client {
	return &Client{
		rdb:           rdb,
		eventsPrefix:  strings.TrimSuffix(opts.EventsPattern, "*"),
		presenceKey:   opts.PresenceKey,
		membershipKey: opts.MembershipChannel,
	}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// EventChannel is the Redis channel an event of type t is published on.
func (c *Client) EventChannel(t models.EventType) string {
	return c.eventsPrefix + string(t)
}

// PublishEvent publishes ev for the hub's event feed.
func (c *Client) PublishEvent(ctx context.Context, ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("[REDIS] Failed to marshal event", "type", ev.Type, "error", err)
		return err
	}

	channel := c.EventChannel(ev.Type)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event", "type", ev.Type, "channel", channel, "error", err)
		return err
	}
	return nil
}

// PublishMembership announces a group membership change to the hub.
func (c *Client) PublishMembership(ctx context.Context, change models.MembershipChange) error {
	if err := change.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.membershipKey, payload).Err()
}

// SetPresence stores rec in the presence hash, keyed by principal id.
func (c *Client) SetPresence(ctx context.Context, rec presence.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.HSet(ctx, c.presenceKey, rec.PrincipalID, payload).Err()
}
