package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgallion1/codecollect/internal/metrics"
)

// EventType classifies a progress event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
	EventComplete  EventType = "complete"
	EventFailed    EventType = "failed"
)

// Event is one item of a subscriber's progress feed.
type Event struct {
	Type     EventType  `json:"type"`
	Status   Status     `json:"status,omitempty"`
	Progress int        `json:"progress"`
	Message  string     `json:"message,omitempty"`
	NewLog   []LogLine  `json:"new_log,omitempty"`
	Done     bool       `json:"done"`
	Results  []Artifact `json:"results,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Terminal reports whether the event ends the feed.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventFailed
}

func snapshotEvent(s TaskSnapshot, newLog []LogLine) Event {
	ev := Event{
		Type:     EventProgress,
		Status:   s.Status,
		Progress: s.Progress,
		Message:  s.Message,
		NewLog:   newLog,
		Done:     s.Done(),
	}
	switch s.Status {
	case StatusComplete:
		ev.Type = EventComplete
		ev.Results = s.Results
	case StatusFailed:
		ev.Type = EventFailed
		ev.Error = s.Error
	}
	return ev
}

// Publisher fans task mutations out to independent subscriber feeds.
type Publisher struct {
	reg       *Registry
	heartbeat time.Duration
	interval  time.Duration
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// NewPublisher creates a publisher. heartbeat is the idle gap after which a
// heartbeat event is sent; interval is the minimum gap between progress
// events, used to coalesce bursts of updates (zero disables coalescing).
func NewPublisher(reg *Registry, heartbeat, interval time.Duration, m *metrics.Metrics, log *slog.Logger) *Publisher {
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	return &Publisher{
		reg:       reg,
		heartbeat: heartbeat,
		interval:  interval,
		metrics:   m,
		log:       log,
	}
}

// Subscribe returns a feed for task id. The first event carries the current
// snapshot with every log line so far; later events carry only new lines.
// The feed ends after exactly one complete or failed event, or when ctx is
// done. A task that already finished yields only its terminal event.
func (p *Publisher) Subscribe(ctx context.Context, id string) (<-chan Event, error) {
	t, err := p.reg.watchTask(id)
	if err != nil {
		return nil, err
	}
	p.metrics.SubscriberAdded()

	ch := make(chan Event)
	go p.serve(ctx, t, ch)
	return ch, nil
}

func (p *Publisher) serve(ctx context.Context, t *Task, ch chan<- Event) {
	defer close(ch)
	defer p.metrics.SubscriberRemoved()
	defer t.removeSubscriber()

	send := func(ev Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var limiter *rate.Limiter
	if p.interval > 0 {
		limiter = rate.NewLimiter(rate.Every(p.interval), 1)
	}

	heartbeat := time.NewTimer(p.heartbeat)
	defer heartbeat.Stop()

	cursor := 0
	lastProgress := 0
	var lastVersion uint64
	first := true

	for {
		snap, changed := t.watch()
		if snap.Done() {
			send(snapshotEvent(snap, snap.Logs[cursor:]))
			p.log.Debug("subscriber finished", "task_id", snap.ID, "status", snap.Status)
			return
		}
		if first || snap.Version != lastVersion {
			if !send(snapshotEvent(snap, snap.Logs[cursor:])) {
				return
			}
			first = false
			cursor = len(snap.Logs)
			lastVersion = snap.Version
			lastProgress = snap.Progress
			heartbeat.Reset(p.heartbeat)
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
		case <-heartbeat.C:
			// Heartbeats repeat the last delivered progress so the
			// sequence seen by a subscriber stays non-decreasing.
			if !send(Event{Type: EventHeartbeat, Status: snap.Status, Progress: lastProgress}) {
				return
			}
			heartbeat.Reset(p.heartbeat)
		}
	}
}
