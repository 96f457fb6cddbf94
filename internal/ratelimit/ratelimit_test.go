package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseQuota(t *testing.T) {
	q, err := ParseQuota("10000/100")
	require.NoError(t, err)
	require.Equal(t, 10000, q.Burst)
	require.Equal(t, 100*time.Second, q.Period)
	require.Equal(t, "10000/100", q.String())
}

func TestParseQuota_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "10000", "10000/", "/100", "0/100", "10000/0", "10000/abc"} {
		_, err := ParseQuota(s)
		require.Errorf(t, err, "expected error for %q", s)
	}
}

func TestRequestLimiter_Wait(t *testing.T) {
	q, err := ParseQuota("2/1")
	require.NoError(t, err)
	l := NewRequestLimiter(q)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
}

func TestBandwidthLimiter_ResidualAccounting(t *testing.T) {
	q, err := ParseQuota("1000/1")
	require.NoError(t, err)
	l := NewBandwidthLimiter(q)

	// Sub-unit chunks shouldn't individually block; the aggregate crosses
	// whole-unit boundaries only after enough bytes accumulate.
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Throttle(Unit/4))
	}
}

func TestBandwidthLimiter_ConcurrentResidualIsExact(t *testing.T) {
	q, err := ParseQuota("100000/1")
	require.NoError(t, err)
	l := NewBandwidthLimiter(q)

	const workers = 8
	const perWorker = 1000
	const chunkSize = Unit / 10

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_ = l.Throttle(chunkSize)
			}
		}()
	}
	wg.Wait()

	totalBytes := int64(workers * perWorker * chunkSize)
	require.Equal(t, totalBytes%Unit, l.residual)
}

func TestBandwidthLimiter_ThrottleContextCancellation(t *testing.T) {
	q, err := ParseQuota("1/3600")
	require.NoError(t, err)
	l := NewBandwidthLimiter(q)

	// Exhaust the burst, then the next whole-unit chunk should block on a
	// cancelled context and return an error rather than hang.
	require.NoError(t, l.Throttle(Unit))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.ThrottleContext(ctx, Unit)
	require.Error(t, err)
}
