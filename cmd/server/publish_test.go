package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"fieldhub/internal/models"
)

func TestBuildEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ev, err := buildEvent(publishOptions{
		typ:  "group_message",
		data: `{"senderId":"7","groupId":"G","type":"text","content":"on my way"}`,
	}, now)
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	d, ok := ev.Data.(*models.GroupMessageData)
	if !ok {
		t.Fatalf("data: got %T", ev.Data)
	}
	if d.ID == "" {
		t.Error("id: not generated")
	}
	if d.CreatedAt != "2024-05-01T12:00:00Z" {
		t.Errorf("createdAt: got %q", d.CreatedAt)
	}
	if len(ev.Targets) != 1 || ev.Targets[0] != "group:G" {
		t.Errorf("targets: got %v", ev.Targets)
	}
	if ev.Timestamp != now.UnixMilli() {
		t.Errorf("timestamp: got %d", ev.Timestamp)
	}
}

func TestBuildEvent_ExplicitTargets(t *testing.T) {
	ev, err := buildEvent(publishOptions{
		typ:     "message_deleted",
		targets: []string{"group:G", "personal:42"},
		data:    `{"id":"m-1"}`,
	}, time.Now())
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if len(ev.Targets) != 2 {
		t.Errorf("targets: got %v", ev.Targets)
	}
}

func TestBuildEvent_Invalid(t *testing.T) {
	tests := map[string]publishOptions{
		"bad json":      {typ: "telemetry", data: `{`},
		"unknown type":  {typ: "alert", data: `{}`},
		"no targets":    {typ: "message_deleted", data: `{"id":"m-1"}`},
		"missing coord": {typ: "telemetry", data: `{"principalId":"1"}`},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := buildEvent(opts, time.Now()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "fieldhub dev") {
		t.Errorf("got %q", out.String())
	}
}

func TestPublishCommand_RequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	root := buildRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"publish", "--type", "message_deleted", "--targets", "group:G", "--data", `{"id":"m-1"}`})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error without a Redis URL")
	}
}
