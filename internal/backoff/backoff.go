// Package backoff implements the exponential-backoff-with-jitter policy
// shared by internal/uploadqueue (upload retries) and internal/session
// (ledger submission retries).
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes a capped exponential backoff schedule: delay =
// min(cap, base*2^(attempt-1)) + uniform jitter in [0, base).
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Default matches spec.md §4.D: base 1s, cap 30s.
var Default = Policy{Base: time.Second, Cap: 30 * time.Second}

// Delay returns the backoff delay before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	jitter := time.Duration(rand.Int63n(int64(p.Base)))
	return d + jitter
}
