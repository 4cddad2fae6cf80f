// Package notify forwards noteworthy broadcaster events (progress,
// blocked, crashed, stuck, completed) to outbound sinks such as a webhook or
// a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/engine"
)

// Notification kinds.
const (
	KindProgress  = "progress"
	KindBlocked   = "blocked"
	KindStuck     = "stuck"
	KindCrashed   = "crashed"
	KindCompleted = "completed"
)

type Notification struct {
	Kind      string             `json:"kind"`
	Project   string             `json:"project"`
	SlotID    string             `json:"slot_id,omitempty"`
	FeatureID int64              `json:"feature_id,omitempty"`
	Message   string             `json:"message"`
	Progress  *bus.ProgressEvent `json:"progress,omitempty"`
	Time      time.Time          `json:"time"`
}

// Sink delivers a notification to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Dispatcher turns a project's bus events into notifications and fans them
// out to every sink. A failing sink is logged and never blocks the others.
type Dispatcher struct {
	bus     *bus.Bus
	project string
	sinks   []Sink
	kinds   map[string]bool
	logger  *slog.Logger

	lastPassing int
	completed   bool
}

// NewDispatcher returns a dispatcher for project. An empty kinds list
// forwards every notification kind.
func NewDispatcher(b *bus.Bus, project string, kinds []string, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		bus:         b,
		project:     project,
		sinks:       sinks,
		logger:      logger.With("component", "notify"),
		lastPassing: -1,
	}
	if len(kinds) > 0 {
		d.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			d.kinds[strings.TrimSpace(k)] = true
		}
	}
	return d
}

// Run consumes events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.bus == nil || len(d.sinks) == 0 {
		return
	}
	sub := d.bus.SubscribeBuffered(bus.ProjectPrefix(d.project), 128)
	defer d.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			n, ok := d.classify(ev)
			if !ok || (d.kinds != nil && !d.kinds[n.Kind]) {
				continue
			}
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for _, s := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := s.Send(sendCtx, n)
		cancel()
		if err != nil {
			d.logger.Warn("notification delivery failed", "sink", s.Name(), "kind", n.Kind, "error", err)
		}
	}
}

// classify maps a bus event to a notification. Progress is reported only
// when the passing count changes; completion is reported once per run of
// the dispatcher unless progress drops below 100% again.
func (d *Dispatcher) classify(ev bus.Event) (Notification, bool) {
	now := time.Now().UTC()
	switch p := ev.Payload.(type) {
	case bus.ProgressEvent:
		if p.Total > 0 && p.Passing == p.Total {
			if d.completed {
				return Notification{}, false
			}
			d.completed = true
			d.lastPassing = p.Passing
			return Notification{
				Kind:     KindCompleted,
				Project:  p.Project,
				Message:  fmt.Sprintf("all %d features passing", p.Total),
				Progress: &p,
				Time:     now,
			}, true
		}
		d.completed = false
		if p.Passing == d.lastPassing {
			return Notification{}, false
		}
		d.lastPassing = p.Passing
		return Notification{
			Kind:     KindProgress,
			Project:  p.Project,
			Message:  fmt.Sprintf("%d/%d features passing (%.1f%%)", p.Passing, p.Total, p.Percentage),
			Progress: &p,
			Time:     now,
		}, true

	case bus.AgentStatusEvent:
		n := Notification{Project: p.Project, SlotID: p.SlotID, FeatureID: p.FeatureID, Time: now}
		switch engine.State(p.LoopState) {
		case engine.StateBlocked:
			n.Kind = KindBlocked
			if strings.HasPrefix(p.Reason, string(engine.BlockStuck)) {
				n.Kind = KindStuck
			}
			n.Message = fmt.Sprintf("%s blocked: %s", p.SlotID, p.Reason)
		case engine.StateCrashed:
			n.Kind = KindCrashed
			n.Message = fmt.Sprintf("%s crashed", p.SlotID)
			if p.Reason != "" {
				n.Message += ": " + p.Reason
			}
		default:
			return Notification{}, false
		}
		return n, true
	}
	return Notification{}, false
}
