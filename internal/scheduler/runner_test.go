package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowTicker struct {
	ticks     int32
	completed int32
	ctxErr    atomic.Value
	hold      time.Duration
}

func (s *slowTicker) Tick(ctx context.Context) (TickSummary, error) {
	atomic.AddInt32(&s.ticks, 1)
	time.Sleep(s.hold)
	if err := ctx.Err(); err != nil {
		s.ctxErr.Store(err)
	}
	atomic.AddInt32(&s.completed, 1)
	return TickSummary{}, nil
}

func TestRunner_ImmediateTickAndGracefulStop(t *testing.T) {
	ticker := &slowTicker{hold: 200 * time.Millisecond}
	r := NewRunner(ticker, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticker.ticks) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&ticker.completed), "in-flight tick finished before Run returned")
	assert.Nil(t, ticker.ctxErr.Load(), "tick context survives shutdown")
}

func TestRunner_TicksOnInterval(t *testing.T) {
	ticker := &slowTicker{}
	r := NewRunner(ticker, time.Second, zerolog.Nop())
	r.RunImmediately = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticker.ticks) >= 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestRunner_SkipsOverlappingTicks(t *testing.T) {
	ticker := &slowTicker{hold: 2500 * time.Millisecond}
	r := NewRunner(ticker, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ticker.ticks), "scheduled runs skipped while the first tick is busy")
	cancel()
	<-done
}

func TestNewRunner_DefaultInterval(t *testing.T) {
	r := NewRunner(&slowTicker{}, 0, zerolog.Nop())
	assert.Equal(t, DefaultInterval, r.interval)
}
