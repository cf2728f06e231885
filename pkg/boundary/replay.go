package boundary

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// NonceStore records nonces that have been seen.
type NonceStore interface {
	// Claim reserves nonce for ttl. It returns false when the nonce was
	// already claimed and has not expired.
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonces claims nonces with SET NX so every replica shares one view.
type RedisNonces struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonces creates a Redis-backed nonce store.
func NewRedisNonces(client redis.UniversalClient) *RedisNonces {
	return &RedisNonces{client: client, prefix: "webhook:nonce:"}
}

func (s *RedisNonces) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis nonce: %v", contracts.ErrDownstreamUnavailable, err)
	}
	return ok, nil
}

// MemoryNonces is the single-process nonce store.
type MemoryNonces struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

// NewMemoryNonces creates an in-memory nonce store.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryNonces) WithClock(clock func() time.Time) *MemoryNonces {
	s.clock = clock
	return s
}

func (s *MemoryNonces) Claim(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	// Expired entries are swept on write; the map never outgrows one window.
	for n, exp := range s.seen {
		if !now.Before(exp) {
			delete(s.seen, n)
		}
	}
	if _, ok := s.seen[nonce]; ok {
		return false, nil
	}
	s.seen[nonce] = now.Add(ttl)
	return true, nil
}

// Guard combines signature verification with nonce tracking.
type Guard struct {
	verifier *Verifier
	nonces   NonceStore
}

// NewGuard creates a guard. nonces may be nil to skip nonce tracking.
func NewGuard(v *Verifier, nonces NonceStore) *Guard {
	return &Guard{verifier: v, nonces: nonces}
}

// Check authenticates one webhook delivery. The nonce is claimed only after
// the signature verified, so forged requests cannot burn nonces.
func (g *Guard) Check(ctx context.Context, h http.Header, body []byte) error {
	if err := g.verifier.Verify(h, body); err != nil {
		return err
	}
	if g.nonces == nil {
		return nil
	}
	nonce := h.Get(HeaderNonce)
	if nonce == "" {
		return fmt.Errorf("%w: missing %s", contracts.ErrSignatureInvalid, HeaderNonce)
	}
	// A nonce must outlive the timestamp window on both sides.
	fresh, err := g.nonces.Claim(ctx, nonce, 2*g.verifier.window)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("%w: nonce %s already used", contracts.ErrReplayDetected, nonce)
	}
	return nil
}
