package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds the delay between failed audit writes. Failed writes are
// retried until they succeed; there is no attempt limit.
type RetryPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

// DefaultRetryPolicy returns the stock retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseMs: 50, MaxMs: 30_000, MaxJitterMs: 250}
}

// Delay returns the wait before retry attempt of the entry identified by key:
// exponential in attempt, capped at MaxMs, plus jitter derived from key and
// attempt so that a replayed schedule is identical.
func (p RetryPolicy) Delay(key string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(key, attempt)) * time.Millisecond
}

func (p RetryPolicy) jitter(key string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}
