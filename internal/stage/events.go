package stage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FallbackEvent records one fallback invocation for later inspection.
type FallbackEvent struct {
	Stage  string
	Reason string
	At     time.Time
}

// EventPublisher receives fallback events. Implementations must be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(FallbackEvent)
}

// NopPublisher drops events; it is the default.
type NopPublisher struct{}

func (NopPublisher) Publish(FallbackEvent) {}

// MemoryPublisher stores events in-memory for tests and the system API.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []FallbackEvent
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e FallbackEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []FallbackEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FallbackEvent, len(p.events))
	copy(out, p.events)
	return out
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(e FallbackEvent) {
	p.Log.Warn().
		Str("stage", e.Stage).
		Str("reason", e.Reason).
		Time("at", e.At).
		Msg("fallback invoked")
}

// MultiPublisher fans one event out to several publishers.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(e FallbackEvent) {
	for _, p := range m {
		p.Publish(e)
	}
}
