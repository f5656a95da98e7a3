package health

import (
	"context"
	"log"
	"time"
)

// Event is a best-effort, fire-and-forget notification about a node health
// transition, distinct from the wire failure/recovery broadcast to peers:
// this is for external observability consumers (a log stream, a message
// bus) that want to watch the cluster's health without joining it as a
// node. Never published while m.mu is held (spec.md §5: "never invoke ...
// while holding a lock").
type Event struct {
	NodeID    string
	Kind      string // "node_failed" or "node_recovered"
	Detail    string
	Timestamp time.Time
}

// EventPublisher is the narrow async-notification surface a Monitor can be
// given; the default is LogPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}

// LogPublisher publishes health events to the standard logger. It never
// fails, so callers can safely ignore its error return.
type LogPublisher struct{}

// NewLogPublisher constructs the default EventPublisher.
func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	log.Printf("health: event %s node=%s detail=%q", evt.Kind, evt.NodeID, evt.Detail)
	return nil
}

// SetPublisher overrides the Monitor's default LogPublisher, e.g. with one
// backed by a real message bus.
func (m *Monitor) SetPublisher(p EventPublisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

func (m *Monitor) publish(evt Event) {
	m.mu.Lock()
	p := m.publisher
	m.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Publish(context.Background(), evt); err != nil {
		log.Printf("health: event publish failed: %v", err)
	}
}
