// Package ledger is the append-only audit trail and the undo entry point.
//
// Audit entries are written by a single writer goroutine in the order they
// were recorded, hash-chained per tenant. Record never fails the caller: a
// failed write stays at the head of the queue and is retried with backoff.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erichecan/AIrest/pkg/canonicalize"
	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/observability"
	"github.com/erichecan/AIrest/pkg/store"
)

var ErrChainBroken = errors.New("audit hash chain is broken")

// Reverter writes compensating changes.
type Reverter interface {
	Revert(ctx context.Context, original *contracts.ConfigChange, actorID, intentID string, kind contracts.ChangeKind) (*contracts.ConfigChange, error)
}

// Ledger records audit entries and performs undo.
type Ledger struct {
	audit    store.AuditStore
	changes  store.ChangeStore
	reverter Reverter
	policy   RetryPolicy
	obs      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []contracts.AuditLogEntry
	heads   map[string]string
	drained chan struct{}
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithRetryPolicy overrides the write retry schedule.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithObservability attaches telemetry.
func WithObservability(p *observability.Provider) Option {
	return func(l *Ledger) { l.obs = p }
}

// New creates a ledger and starts its writer. Close stops it.
func New(audit store.AuditStore, changes store.ChangeStore, reverter Reverter, opts ...Option) *Ledger {
	l := &Ledger{
		audit:    audit,
		changes:  changes,
		reverter: reverter,
		policy:   DefaultRetryPolicy(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "ledger"),
		heads:    make(map[string]string),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Record queues entry for writing. AuditID and CreatedAt are filled in when
// empty. Entries recorded after Close are logged and dropped.
func (l *Ledger) Record(ctx context.Context, entry contracts.AuditLogEntry) {
	if entry.AuditID == "" {
		entry.AuditID = "aud_" + uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.clock()
	}
	entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Microsecond)
	entry.PrevHash, entry.EntryHash = "", ""

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.ErrorContext(ctx, "audit entry recorded after close", "audit_id", entry.AuditID, "event_type", entry.EventType)
		return
	}
	l.queue = append(l.queue, entry)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of entries not yet written.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Flush waits until every recorded entry has been written or ctx is done.
func (l *Ledger) Flush(ctx context.Context) error {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return nil
		}
		if l.drained == nil {
			l.drained = make(chan struct{})
		}
		ch := l.drained
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the writer after one last drain attempt. Entries that could not
// be written are reported in the returned error.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := l.Pending(); n > 0 {
		return fmt.Errorf("ledger closed with %d unwritten audit entries", n)
	}
	return nil
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
			l.drain(l.stop)
		case <-l.stop:
			l.drain(nil)
			return
		}
	}
}

// drain writes queued entries in order. A failed write is retried after a
// backoff until it succeeds or stop is closed. A nil stop makes a single pass.
func (l *Ledger) drain(stop <-chan struct{}) {
	ctx := context.Background()
	attempt := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.drained != nil {
				close(l.drained)
				l.drained = nil
			}
			l.mu.Unlock()
			return
		}
		entry := l.queue[0]
		l.mu.Unlock()

		err := l.write(ctx, &entry)
		if err == nil {
			l.mu.Lock()
			l.queue = l.queue[1:]
			l.heads[entry.TenantID] = entry.EntryHash
			l.mu.Unlock()
			attempt = 0
			continue
		}

		l.mu.Lock()
		delete(l.heads, entry.TenantID)
		l.mu.Unlock()
		l.logger.WarnContext(ctx, "audit write failed, will retry",
			"audit_id", entry.AuditID,
			"tenant_id", entry.TenantID,
			"attempt", attempt,
			"error", err,
		)
		if stop == nil {
			return
		}
		timer := time.NewTimer(l.policy.Delay(entry.AuditID, attempt))
		select {
		case <-timer.C:
			attempt++
		case <-stop:
			timer.Stop()
			return
		}
	}
}

func (l *Ledger) write(ctx context.Context, entry *contracts.AuditLogEntry) (err error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.write")
	defer func() { done(err) }()

	l.mu.Lock()
	head, ok := l.heads[entry.TenantID]
	l.mu.Unlock()
	if !ok {
		head, err = l.audit.AuditHead(ctx, entry.TenantID)
		if err != nil {
			return fmt.Errorf("read audit head: %w", err)
		}
	}
	entry.PrevHash = head
	entry.EntryHash, err = hashEntry(*entry)
	if err != nil {
		return err
	}
	return l.audit.AppendAudit(ctx, entry)
}

func hashEntry(e contracts.AuditLogEntry) (string, error) {
	e.EntryHash = ""
	e.CreatedAt = e.CreatedAt.UTC()
	h, err := canonicalize.CanonicalHash(e)
	if err != nil {
		return "", fmt.Errorf("hash audit entry %s: %w", e.AuditID, err)
	}
	return h, nil
}

// Entries lists audit entries, newest first.
func (l *Ledger) Entries(ctx context.Context, filter contracts.AuditFilter) ([]contracts.AuditLogEntry, error) {
	return l.audit.ListAudit(ctx, filter)
}

// VerifyChain walks the tenant's chain from genesis and recomputes every hash.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string) error {
	entries, err := l.audit.ListAudit(ctx, contracts.AuditFilter{TenantID: tenantID})
	if err != nil {
		return err
	}
	next := make(map[string]contracts.AuditLogEntry, len(entries))
	for _, e := range entries {
		if _, dup := next[e.PrevHash]; dup {
			return fmt.Errorf("%w: fork after %s", ErrChainBroken, e.PrevHash)
		}
		next[e.PrevHash] = e
	}

	cur := store.GenesisHash
	for i := 0; i < len(entries); i++ {
		e, ok := next[cur]
		if !ok {
			return fmt.Errorf("%w: no entry follows %s (%d of %d linked)", ErrChainBroken, cur, i, len(entries))
		}
		want, err := hashEntry(e)
		if err != nil {
			return err
		}
		if want != e.EntryHash {
			return fmt.Errorf("%w: entry %s hash mismatch", ErrChainBroken, e.AuditID)
		}
		cur = e.EntryHash
	}
	return nil
}
