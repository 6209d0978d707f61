package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fieldhub/internal/config"
	"fieldhub/internal/models"
	"fieldhub/internal/redis"
)

type publishOptions struct {
	redisURL string
	pattern  string
	typ      string
	targets  []string
	data     string
}

func buildPublishCmd() *cobra.Command {
	opts := publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event to the hub through Redis",
		Long: `Publish a single event on the hub's Redis event feed.

Targets default to the channels the event type is normally routed to. Chat
messages without an id get a generated one.`,
		Example: `  fieldhub publish --type group_message \
    --data '{"senderId":"7","groupId":"G","type":"text","content":"on my way"}'
  fieldhub publish --type message_deleted --targets group:G --data '{"id":"m-1"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL")
	cmd.Flags().StringVar(&opts.pattern, "events-pattern", config.DefaultEventsPattern, "Event feed pattern the hub subscribes to")
	cmd.Flags().StringVarP(&opts.typ, "type", "t", "", "Event type")
	cmd.Flags().StringSliceVar(&opts.targets, "targets", nil, "Target channels (comma separated)")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "{}", "Event data as JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func runPublish(cmd *cobra.Command, opts publishOptions) error {
	if opts.redisURL == "" {
		return fmt.Errorf("--redis-url or REDIS_URL is required")
	}

	ev, err := buildEvent(opts, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, opts.redisURL, redis.Options{EventsPattern: opts.pattern})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.PublishEvent(ctx, ev); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s (targets: %v)\n", ev.Type, client.EventChannel(ev.Type), ev.Targets)
	return nil
}

// buildEvent assembles and validates the event described by opts.
func buildEvent(opts publishOptions, now time.Time) (*models.Event, error) {
	data := map[string]any{}
	if strings.TrimSpace(opts.data) != "" {
		if err := json.Unmarshal([]byte(opts.data), &data); err != nil {
			return nil, fmt.Errorf("parse --data: %w", err)
		}
	}

	t := models.EventType(opts.typ)
	if t == models.EventDirectMessage || t == models.EventGroupMessage {
		if id, _ := data["id"].(string); id == "" {
			data["id"] = uuid.NewString()
		}
		if _, ok := data["createdAt"]; !ok {
			data["createdAt"] = now.UTC().Format(time.RFC3339)
		}
	}

	raw := map[string]any{
		"type":      opts.typ,
		"timestamp": now.UnixMilli(),
		"data":      data,
	}
	if len(opts.targets) > 0 {
		raw["targets"] = opts.targets
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var ev models.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
