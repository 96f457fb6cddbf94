// Package ratelimit implements the gateway's two process-wide limiters: a
// plain GCRA/token-bucket request limiter, and a bandwidth limiter measured
// in whole MiB units that carries a shared, atomically-updated sub-unit
// residual so fractional chunk sizes are accounted precisely across
// concurrent uploads.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Unit is the bandwidth limiter's accounting granularity: 1 MiB.
const Unit = 1 << 20

// Quota is the "burst/period_seconds" configuration form shared by both limiters.
type Quota struct {
	Burst  int
	Period time.Duration
}

// ParseQuota parses the literal "B/P" string form (integers, B > 0, P in
// seconds) used by both --drive-request-limit and --drive-upload-limit.
func ParseQuota(s string) (Quota, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Quota{}, fmt.Errorf("ratelimit: %q is not of the form burst/period", s)
	}
	burst, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || burst <= 0 {
		return Quota{}, fmt.Errorf("ratelimit: invalid burst in %q", s)
	}
	periodSecs, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || periodSecs <= 0 {
		return Quota{}, fmt.Errorf("ratelimit: invalid period in %q", s)
	}
	return Quota{Burst: burst, Period: time.Duration(periodSecs) * time.Second}, nil
}

func (q Quota) String() string {
	return fmt.Sprintf("%d/%d", q.Burst, int(q.Period.Seconds()))
}

// ratePerSecond returns the token replenishment rate implied by the quota:
// Burst tokens regenerate every Period.
func (q Quota) ratePerSecond() rate.Limit {
	return rate.Limit(float64(q.Burst) / q.Period.Seconds())
}

// RequestLimiter awaits one token per outbound remote request.
type RequestLimiter struct {
	limiter *rate.Limiter
}

// NewRequestLimiter constructs a limiter with burst B and a refill rate of
// B tokens per P seconds, matching the "B/P" configuration string.
func NewRequestLimiter(q Quota) *RequestLimiter {
	return &RequestLimiter{limiter: rate.NewLimiter(q.ratePerSecond(), q.Burst)}
}

// Wait blocks until a single request token is available or ctx is done.
func (l *RequestLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// BandwidthLimiter awaits tokens for whole-MiB units of data transferred,
// carrying a process-wide sub-unit residual so chunks smaller than 1 MiB
// still account precisely.
type BandwidthLimiter struct {
	limiter  *rate.Limiter
	residual int64 // atomic; bytes accumulated toward the next whole unit
}

// NewBandwidthLimiter constructs a bandwidth limiter with burst B units and
// a refill rate of B units per P seconds.
func NewBandwidthLimiter(q Quota) *BandwidthLimiter {
	return &BandwidthLimiter{limiter: rate.NewLimiter(q.ratePerSecond(), q.Burst)}
}

// Throttle accounts n bytes against the shared residual and blocks for
// however many whole units that pushes the residual over, via a CAS loop
// so concurrent callers aggregate fractional bytes precisely.
func (l *BandwidthLimiter) Throttle(n int) error {
	return l.ThrottleContext(context.Background(), n)
}

// ThrottleContext is Throttle with an explicit context for cancellation.
func (l *BandwidthLimiter) ThrottleContext(ctx context.Context, n int) error {
	var consume int64
	for {
		old := atomic.LoadInt64(&l.residual)
		total := old + int64(n)
		newResidual := total % Unit
		c := total / Unit
		if atomic.CompareAndSwapInt64(&l.residual, old, newResidual) {
			consume = c
			break
		}
	}
	if consume <= 0 {
		return nil
	}
	if consume > int64(^uint(0)>>1) {
		consume = int64(^uint(0) >> 1)
	}
	return l.limiter.WaitN(ctx, int(consume))
}
