package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"fieldhub/internal/models"
)

// Publisher runs a presence change and delivers the events it returns,
// ordered against every other presence change.
type Publisher interface {
	PublishPresence(fn func() []*models.Event) int
}

// Scheduler runs Tracker.Sweep on a fixed interval and publishes every
// online-to-offline transition.
type Scheduler struct {
	tracker *Tracker
	pub     Publisher
	now     func() time.Time
	cron    *cron.Cron
}

func NewScheduler(tracker *Tracker, pub Publisher, interval time.Duration) (*Scheduler, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("sweep interval %s is below 1s", interval)
	}
	s := &Scheduler{
		tracker: tracker,
		pub:     pub,
		now:     time.Now,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.RunOnce() }))
	return s, nil
}

// Start runs the sweep in the background until Stop.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("[PRESENCE] Sweep scheduler started", "threshold", s.tracker.Threshold())
}

// Stop halts the schedule; the returned context is done once a running
// sweep has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs a single sweep and returns the number of principals that
// went offline.
func (s *Scheduler) RunOnce() int {
	n := s.pub.PublishPresence(func() []*models.Event {
		return s.tracker.Sweep(s.now())
	})
	if n > 0 {
		slog.Debug("[PRESENCE] Sweep complete", "offline", n)
	}
	return n
}
