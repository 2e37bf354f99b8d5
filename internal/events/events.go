package events

import (
	"context"
	"sync"
	"time"
)

// Event types published after balance changes. The payment-processor
// collaborator consumes autorecharge.requested; UI collaborators consume the
// rest. The ledger never talks to the processor directly.
const (
	TypeBalanceChanged        = "balance.changed"
	TypeBalanceLow            = "balance.low"
	TypeBalanceCritical       = "balance.critical"
	TypeAutoRechargeRequested = "autorecharge.requested"
)

// Event is one balance notification.
type Event struct {
	Type        string    `json:"type"`
	AccountID   string    `json:"account_id"`
	UserID      string    `json:"user_id"`
	ScopeID     string    `json:"scope_id"`
	Balance     int64     `json:"balance"`
	TopUpTokens int64     `json:"top_up_tokens,omitempty"` // autorecharge.requested only
	At          time.Time `json:"at"`
}

// Publisher delivers balance events to external collaborators. Publishing is
// fire-and-forget relative to the charge path: failures are logged by the
// caller and never roll back a committed charge.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// MemoryPublisher buffers events in process. Used in tests and when no
// broker is configured.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Reset clears the buffer.
func (p *MemoryPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func (p *MemoryPublisher) Close() error { return nil }
