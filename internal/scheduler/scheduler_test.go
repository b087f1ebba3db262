package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
	return s
}

func TestTriggerRunsJob(t *testing.T) {
	s := testScheduler(t)
	var runs atomic.Int32
	var sawPriority atomic.Bool

	require.NoError(t, s.Register("job", "@every 10h", 0, func(_ context.Context, priority bool) error {
		runs.Add(1)
		if priority {
			sawPriority.Store(true)
		}
		return nil
	}))

	s.Trigger("job", true)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, sawPriority.Load())
}

func TestCooldownSkipsUnlessForced(t *testing.T) {
	s := testScheduler(t)
	var runs atomic.Int32
	require.NoError(t, s.Register("job", "@every 10h", time.Hour, func(context.Context, bool) error {
		runs.Add(1)
		return nil
	}))

	s.Trigger("job", false)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Within the cooldown, a plain trigger is skipped but a forced one runs.
	s.Trigger("job", false)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, runs.Load())

	s.Trigger("job", true)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestReentrancyGuard(t *testing.T) {
	s := testScheduler(t)
	var mu sync.Mutex
	running := 0
	maxRunning := 0
	release := make(chan struct{})

	require.NoError(t, s.Register("slow", "@every 10h", 0, func(context.Context, bool) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}))

	s.Trigger("slow", true)
	time.Sleep(20 * time.Millisecond)
	s.Trigger("slow", true)
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxRunning, "at most one instance of a job runs")
}
