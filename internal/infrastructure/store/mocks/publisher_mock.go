package mocks

import (
	"context"
	"sync"

	"github.com/example/groupbuy-ledger/internal/events"
)

// RecordingPublisher keeps every published event for assertions.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []events.Event

	PublishErr error
}

func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

func (p *RecordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PublishErr != nil {
		return p.PublishErr
	}
	p.events = append(p.events, e)
	return nil
}

// Events returns a copy of what was published so far.
func (p *RecordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

// OfType filters published events by type.
func (p *RecordingPublisher) OfType(t events.Type) []events.Event {
	var out []events.Event
	for _, e := range p.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
