// Package contextstore keeps a short rolling history of exchanges per thread
// so a fresh agent session can be primed with recent conversation.
package contextstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ship-commander/threadbridge/internal/telemetry/invariants"
)

const (
	DefaultTTL          = 30 * time.Minute
	DefaultMaxExchanges = 10

	historyMarker       = "Previous conversation:\n"
	separator           = "--------------------------------------------------"
	currentMarker       = "\nCurrent message: "
	maxAssistantPreview = 200
)

// Exchange is one user message and the reply it produced.
type Exchange struct {
	User      string
	Assistant string
	At        time.Time
}

// ThreadContext is the history for one thread. Its fields are guarded by the
// store lock; read exchanges through Store.History.
type ThreadContext struct {
	ThreadID     string
	Exchanges    []Exchange
	LastAccessed time.Time
}

// Options configures a Store.
type Options struct {
	TTL          time.Duration
	MaxExchanges int
	Now          func() time.Time
	// AfterFunc schedules expiry; tests replace it to fire timers by hand.
	AfterFunc func(d time.Duration, f func()) Stopper
}

// Stopper is the part of *time.Timer the store needs.
type Stopper interface {
	Stop() bool
}

// Store maps thread ids to contexts that expire after TTL without access.
type Store struct {
	mu        sync.Mutex
	entries   map[string]*entry
	ttl       time.Duration
	max       int
	now       func() time.Time
	afterFunc func(time.Duration, func()) Stopper
	closed    bool
}

type entry struct {
	ctx        *ThreadContext
	timer      Stopper
	generation uint64
}

// New builds a store with defaults for unset options.
func New(opts Options) *Store {
	s := &Store{
		entries:   make(map[string]*entry),
		ttl:       opts.TTL,
		max:       opts.MaxExchanges,
		now:       opts.Now,
		afterFunc: opts.AfterFunc,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.max <= 0 {
		s.max = DefaultMaxExchanges
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.afterFunc == nil {
		s.afterFunc = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
	return s
}

// Get returns the thread's context, creating it when absent, and refreshes its expiry.
// Repeated calls return the same instance until it expires or is forgotten.
func (s *Store) Get(threadID string) *ThreadContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchLocked(threadID).ctx
}

// Add appends an exchange, dropping the oldest beyond the limit.
func (s *Store) Add(threadID, user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.touchLocked(threadID)
	e.ctx.Exchanges = append(e.ctx.Exchanges, Exchange{User: user, Assistant: assistant, At: s.now()})
	if overflow := len(e.ctx.Exchanges) - s.max; overflow > 0 {
		e.ctx.Exchanges = append([]Exchange(nil), e.ctx.Exchanges[overflow:]...)
	}
	invariants.BoundedHistory(context.Background(), "contextstore.add", threadID, len(e.ctx.Exchanges), s.max)
}

// History returns a copy of the thread's exchanges, oldest first, and refreshes expiry.
func (s *Store) History(threadID string) []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.touchLocked(threadID)
	return append([]Exchange(nil), e.ctx.Exchanges...)
}

// BuildPrompt prefixes message with the thread's history. With no history
// the message is returned unchanged.
func (s *Store) BuildPrompt(threadID, message string) string {
	return FormatPrompt(s.History(threadID), message)
}

// FormatPrompt renders history followed by the current message.
func FormatPrompt(history []Exchange, message string) string {
	if len(history) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString(historyMarker)
	for _, ex := range history {
		b.WriteString("User: ")
		b.WriteString(ex.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(preview(ex.Assistant))
		b.WriteString("\n\n")
	}
	b.WriteString(separator)
	b.WriteString(currentMarker)
	b.WriteString(message)
	return b.String()
}

// Forget drops one thread's history and cancels its timer.
func (s *Store) Forget(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[threadID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, threadID)
	return true
}

// Clear drops every thread's history.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}

// Len returns the number of live thread contexts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close clears the store and stops scheduling new timers.
func (s *Store) Close() {
	s.Clear()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) touchLocked(threadID string) *entry {
	now := s.now()
	e, ok := s.entries[threadID]
	if !ok {
		e = &entry{ctx: &ThreadContext{ThreadID: threadID}}
		if !s.closed {
			s.entries[threadID] = e
		}
	} else {
		e.timer.Stop()
	}
	if now.After(e.ctx.LastAccessed) {
		e.ctx.LastAccessed = now
	}
	e.generation++
	if s.closed {
		e.timer = stoppedTimer{}
		return e
	}
	generation := e.generation
	e.timer = s.afterFunc(s.ttl, func() { s.expire(threadID, e, generation) })
	return e
}

// expire removes the entry only if nothing touched it after the timer was armed.
func (s *Store) expire(threadID string, e *entry, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[threadID]
	if !ok || current != e || e.generation != generation {
		return
	}
	delete(s.entries, threadID)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= maxAssistantPreview {
		return text
	}
	return string(runes[:maxAssistantPreview]) + "..."
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }
