package contextstore

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTimers struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (m *manualTimers) AfterFunc(_ time.Duration, f func()) Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	timer := &manualTimer{f: f}
	m.pending = append(m.pending, timer)
	return timer
}

// fireAll runs every timer, including stopped ones, to model a timer that
// fired while a refresh was racing it.
func (m *manualTimers) fireAll() {
	m.mu.Lock()
	timers := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, timer := range timers {
		timer.f()
	}
}

func (m *manualTimers) fireActive() {
	m.mu.Lock()
	timers := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, timer := range timers {
		if !timer.stopped {
			timer.f()
		}
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) (*Store, *manualTimers, *fakeClock) {
	t.Helper()
	timers := &manualTimers{}
	clock := &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	store := New(Options{Now: clock.Now, AfterFunc: timers.AfterFunc})
	t.Cleanup(store.Close)
	return store, timers, clock
}

func TestHistoryLengthIsBounded(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 9, 10, 11, 25} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			store, _, _ := newStore(t)
			for i := 0; i < n; i++ {
				store.Add("C1:1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
			}
			history := store.History("C1:1")
			want := n
			if want > DefaultMaxExchanges {
				want = DefaultMaxExchanges
			}
			require.Len(t, history, want)
			if n > 0 {
				assert.Equal(t, fmt.Sprintf("q%d", n-1), history[len(history)-1].User, "most recent last")
				assert.Equal(t, fmt.Sprintf("q%d", n-want), history[0].User, "oldest evicted first")
			}
		})
	}
}

func TestGetReturnsSameInstanceAndRefreshes(t *testing.T) {
	t.Parallel()

	store, _, clock := newStore(t)
	first := store.Get("C1:1")
	firstSeen := first.LastAccessed

	clock.Advance(time.Minute)
	second := store.Get("C1:1")
	assert.Same(t, first, second)
	assert.False(t, second.LastAccessed.Before(firstSeen))
	assert.Equal(t, firstSeen.Add(time.Minute), second.LastAccessed)
}

func TestExpiryAfterInactivity(t *testing.T) {
	t.Parallel()

	store, timers, _ := newStore(t)
	store.Add("C1:1", "hello", "hi")
	timers.fireActive()

	assert.Zero(t, store.Len())
	assert.Empty(t, store.History("C1:1"), "expired thread starts empty")
}

func TestStaleTimerDoesNotEvictRefreshedEntry(t *testing.T) {
	t.Parallel()

	store, timers, _ := newStore(t)
	store.Add("C1:1", "hello", "hi")
	store.Get("C1:1")

	// Both the first (stopped) timer and the current one fire; only the
	// current one may evict, so run the stale one in isolation first.
	timers.mu.Lock()
	stale := timers.pending[0]
	timers.pending = timers.pending[1:]
	timers.mu.Unlock()
	stale.f()

	require.Equal(t, 1, store.Len())
	assert.Len(t, store.History("C1:1"), 1)

	timers.fireAll()
	store.Forget("C1:1")
}

func TestBuildPromptFormat(t *testing.T) {
	t.Parallel()

	store, _, _ := newStore(t)
	assert.Equal(t, "what now?", store.BuildPrompt("C1:1", "what now?"), "empty history is identity")

	long := strings.Repeat("x", 250)
	store.Add("C1:1", "run tests", "All tests passed")
	store.Add("C1:1", "explain", long)

	got := store.BuildPrompt("C1:1", "and then?")
	want := "Previous conversation:\n" +
		"User: run tests\nAssistant: All tests passed\n\n" +
		"User: explain\nAssistant: " + strings.Repeat("x", 200) + "...\n\n" +
		strings.Repeat("-", 50) +
		"\nCurrent message: and then?"
	assert.Equal(t, want, got)
}

func TestForgetAndClear(t *testing.T) {
	t.Parallel()

	store, _, _ := newStore(t)
	store.Add("C1:1", "a", "b")
	store.Add("C2:1", "c", "d")

	assert.True(t, store.Forget("C1:1"))
	assert.False(t, store.Forget("C1:1"))
	assert.Equal(t, 1, store.Len())

	store.Clear()
	assert.Zero(t, store.Len())
	assert.Empty(t, store.History("C2:1"))
}

func TestCloseStopsTimersAndTracking(t *testing.T) {
	t.Parallel()

	timers := &manualTimers{}
	store := New(Options{AfterFunc: timers.AfterFunc})
	store.Add("C1:1", "a", "b")
	store.Close()

	assert.Zero(t, store.Len())
	for _, timer := range timers.pending {
		assert.True(t, timer.stopped)
	}
	store.Add("C1:1", "late", "write")
	assert.Zero(t, store.Len(), "closed store keeps nothing")
}

func TestRealTimerExpiry(t *testing.T) {
	t.Parallel()

	store := New(Options{TTL: 20 * time.Millisecond})
	defer store.Close()
	store.Add("C1:1", "a", "b")
	require.Eventually(t, func() bool { return store.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
