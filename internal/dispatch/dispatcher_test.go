package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/threadbridge/internal/events"
	"github.com/ship-commander/threadbridge/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(interval time.Duration, bus events.Bus) *Dispatcher {
	return New(Options{Interval: interval, Logger: logging.Discard(), Bus: bus})
}

func TestOperationsRunInOrderWithMinimumGap(t *testing.T) {
	t.Parallel()

	const interval = 30 * time.Millisecond
	d := newTestDispatcher(interval, nil)
	defer d.Close()

	var mu sync.Mutex
	var order []int
	var starts []time.Time

	results := make([]<-chan error, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		results = append(results, d.Submit(context.Background(), "post", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		}))
	}
	for _, result := range results {
		require.NoError(t, <-result)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, interval, "gap between op %d and %d", i-1, i)
	}
}

func TestGapIsMeasuredFromCompletion(t *testing.T) {
	t.Parallel()

	const interval = 300 * time.Millisecond
	d := newTestDispatcher(interval, nil)
	defer d.Close()

	var firstDone, secondStart time.Time
	first := d.Submit(context.Background(), "slow", func(context.Context) error {
		time.Sleep(250 * time.Millisecond)
		firstDone = time.Now()
		return nil
	})
	second := d.Submit(context.Background(), "fast", func(context.Context) error {
		secondStart = time.Now()
		return nil
	})
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	gap := secondStart.Sub(firstDone)
	assert.GreaterOrEqual(t, gap, interval, "second op started %v after the first finished", gap)
}

func TestFailingOperationRejectsOnlyItsCaller(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Millisecond, nil)
	defer d.Close()

	boom := errors.New("channel_not_found")
	first := d.Submit(context.Background(), "first", func(context.Context) error { return nil })
	second := d.Submit(context.Background(), "second", func(context.Context) error { return boom })
	third := d.Submit(context.Background(), "third", func(context.Context) error { return nil })

	assert.NoError(t, <-first)
	assert.ErrorIs(t, <-second, boom)
	assert.NoError(t, <-third)
}

func TestPanickingOperationBecomesError(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Millisecond, nil)
	defer d.Close()

	err := d.Do(context.Background(), "explode", func(context.Context) error { panic("bad payload") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: bad payload")

	assert.NoError(t, d.Do(context.Background(), "after", func(context.Context) error { return nil }))
}

func TestGoPublishesFailureEvent(t *testing.T) {
	t.Parallel()

	bus := events.New()
	defer bus.Close()
	received := make(chan events.Event, 1)
	bus.Subscribe(events.EventTypeDispatchFailed, func(event events.Event) {
		received <- event
	})

	d := newTestDispatcher(time.Millisecond, bus)
	defer d.Close()

	d.Go(context.Background(), "reactions.add", func(context.Context) error {
		return errors.New("already_reacted")
	})

	select {
	case event := <-received:
		assert.Equal(t, "reactions.add", event.EntityID)
		payload, ok := event.Payload.(FailurePayload)
		require.True(t, ok)
		assert.Equal(t, "already_reacted", payload.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch failure event not published")
	}
}

func TestCloseRejectsQueuedOperations(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Hour, nil)

	require.NoError(t, d.Do(context.Background(), "first", func(context.Context) error { return nil }))
	queued := d.Submit(context.Background(), "queued", func(context.Context) error {
		t.Error("queued operation must not run after close")
		return nil
	})

	d.Close()
	assert.ErrorIs(t, <-queued, ErrClosed)
	assert.ErrorIs(t, d.Do(context.Background(), "late", func(context.Context) error { return nil }), ErrClosed)
	d.Close()
}

func TestCancelledContextSkipsOperation(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(50*time.Millisecond, nil)
	defer d.Close()

	require.NoError(t, d.Do(context.Background(), "warmup", func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	result := d.Submit(ctx, "cancelled", func(context.Context) error {
		ran = true
		return nil
	})
	cancel()

	assert.ErrorIs(t, <-result, context.Canceled)
	assert.False(t, ran)
}

func TestWorkerExitsWhenQueueDrains(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Millisecond, nil)
	defer d.Close()

	require.NoError(t, d.Do(context.Background(), "one", func(context.Context) error { return nil }))
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return !d.running
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.Pending())

	require.NoError(t, d.Do(context.Background(), "two", func(context.Context) error { return nil }))
}

func TestNilOperationAndNilDispatcher(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Millisecond, nil)
	defer d.Close()
	assert.Error(t, <-d.Submit(context.Background(), "nil", nil))

	var missing *Dispatcher
	assert.Error(t, <-missing.Submit(context.Background(), "x", func(context.Context) error { return nil }))
	assert.Zero(t, missing.Pending())
	missing.Close()
}
