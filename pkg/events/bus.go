// Package events provides the in-process notification bus. Every
// state-changing component publishes here; handlers run synchronously
// in publish order.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type categorizes a notification.
type Type string

const (
	MetricSubmitted     Type = "METRIC_SUBMITTED"
	DisclosureRequested Type = "DISCLOSURE_REQUESTED"
	DisclosureCompleted Type = "DISCLOSURE_COMPLETED"
	DisclosureFailed    Type = "DISCLOSURE_FAILED"
	RefundIssued        Type = "REFUND_ISSUED"
	RefundClaimed       Type = "REFUND_CLAIMED"
	UsageTracked        Type = "USAGE_TRACKED"
	PermissionChanged   Type = "PERMISSION_CHANGED"
	ActionLogged        Type = "ACTION_LOGGED"
)

// Event is a single notification. Fields carries the relevant ids.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Handler consumes events. Handlers are trusted in-process code.
type Handler func(Event)

// Bus fans events out to subscribed handlers. A nil *Bus is valid and
// drops everything, so components can treat the bus as optional.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	clock    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers an event of the given type to every handler.
func (b *Bus) Publish(t Type, fields map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	clock := b.clock
	b.mu.RUnlock()

	ev := Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: clock().UTC(),
		Fields:    fields,
	}
	for _, h := range handlers {
		h(ev)
	}
}
