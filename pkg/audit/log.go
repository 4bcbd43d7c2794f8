// Package audit implements the append-only journal of state-changing
// actions, with content addressing and hash chaining so post-hoc
// review can detect tampering.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/events"
)

var (
	// ErrEntryNotFound is returned when no entry has the given sequence.
	ErrEntryNotFound = errors.New("audit: entry not found")
	// ErrChainBroken is returned when chain verification fails.
	ErrChainBroken = errors.New("audit: hash chain is broken")
	// ErrEmptyAction is returned when Record is called without an action.
	ErrEmptyAction = errors.New("audit: action must not be empty")
)

// Entry is a single immutable journal record.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	EntryID     string          `json:"entry_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Success     bool            `json:"success"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash"`
}

// Store persists journal entries. Implementations must reject any
// mutation of an existing sequence.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, sequence uint64) (*Entry, error)
	Count(ctx context.Context) (uint64, error)
	Range(ctx context.Context, start, end time.Time) ([]*Entry, error)
	// Head returns the highest sequence and its entry hash, or (0,
	// "genesis") for an empty store.
	Head(ctx context.Context) (uint64, string, error)
}

// Log is the append-only audit journal. It owns the sequence counter
// and the chain head; the store only persists.
type Log struct {
	mu       sync.Mutex
	store    Store
	bus      *events.Bus
	clock    func() time.Time
	sequence uint64
	head     string
}

// NewLog creates a journal over the store, hydrating the chain head
// from whatever is already persisted.
func NewLog(ctx context.Context, store Store, bus *events.Bus) (*Log, error) {
	seq, head, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: hydrate head: %w", err)
	}
	return &Log{
		store:    store,
		bus:      bus,
		clock:    time.Now,
		sequence: seq,
		head:     head,
	}, nil
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Record appends an entry with the next sequence number. The payload
// is canonicalized (RFC 8785) before hashing so equal payloads hash
// equal regardless of map ordering.
func (l *Log) Record(ctx context.Context, actor contracts.Identity, action string, payload any, success bool) (*Entry, error) {
	if action == "" {
		return nil, ErrEmptyAction
	}

	var raw json.RawMessage
	payloadHash := hashBytes(nil)
	if payload != nil {
		marshaled, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("audit: serialize payload: %w", err)
		}
		canonical, err := jcs.Transform(marshaled)
		if err != nil {
			return nil, fmt.Errorf("audit: canonicalize payload: %w", err)
		}
		raw = canonical
		payloadHash = hashBytes(canonical)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	e := &Entry{
		Sequence:    l.sequence,
		EntryID:     uuid.New().String(),
		Timestamp:   l.clock().UTC(),
		Actor:       string(actor),
		Action:      action,
		Payload:     raw,
		Success:     success,
		PayloadHash: payloadHash,
		PrevHash:    l.head,
	}
	e.EntryHash = entryHash(e)

	if err := l.store.Append(ctx, e); err != nil {
		l.sequence--
		return nil, fmt.Errorf("audit: append: %w", err)
	}
	l.head = e.EntryHash

	l.bus.Publish(events.ActionLogged, map[string]any{
		"sequence": e.Sequence,
		"actor":    e.Actor,
		"action":   e.Action,
		"success":  e.Success,
	})
	return e, nil
}

// Get returns the entry at the given sequence.
func (l *Log) Get(ctx context.Context, sequence uint64) (*Entry, error) {
	return l.store.Get(ctx, sequence)
}

// Count returns the number of entries.
func (l *Log) Count(ctx context.Context) (uint64, error) {
	return l.store.Count(ctx)
}

// VerifyChain walks every entry and checks the hash chain.
func (l *Log) VerifyChain(ctx context.Context) error {
	count, err := l.store.Count(ctx)
	if err != nil {
		return err
	}
	prev := "genesis"
	for seq := uint64(1); seq <= count; seq++ {
		e, err := l.store.Get(ctx, seq)
		if err != nil {
			return err
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev hash mismatch", ErrChainBroken, seq)
		}
		if entryHash(e) != e.EntryHash {
			return fmt.Errorf("%w: entry %d content mismatch", ErrChainBroken, seq)
		}
		prev = e.EntryHash
	}
	return nil
}

func entryHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%t|%s|%s",
		e.Sequence, e.Timestamp.Format(time.RFC3339Nano), e.Actor, e.Action,
		e.Success, e.PayloadHash, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
