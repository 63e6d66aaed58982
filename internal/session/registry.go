// Package session tracks the live task state of each conversation thread.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ship-commander/threadbridge/internal/telemetry/invariants"
)

// ErrTaskRunning rejects a claim on a thread that already has a live task.
var ErrTaskRunning = errors.New("task already running in thread")

// Kind is how a task invocation replies.
type Kind string

const (
	KindSync  Kind = "sync"
	KindAsync Kind = "async"
)

// Process is the subset of a subprocess handle the registry needs.
type Process interface {
	PID() int
}

// ThreadSession is the per-thread entry. Fields are guarded by the entry's
// own mutex; use the accessor methods.
type ThreadSession struct {
	threadID string
	now      func() time.Time

	mu                 sync.Mutex
	resumableSessionID string
	process            Process
	claimed            bool
	taskID             string
	kind               Kind
	startTime          time.Time
	lastActivity       time.Time
}

// Snapshot is a point-in-time copy of an entry, for reporting.
type Snapshot struct {
	ThreadID           string
	ResumableSessionID string
	TaskID             string
	PID                int
	Running            bool
	Kind               Kind
	StartTime          time.Time
	LastActivity       time.Time
}

// ThreadID returns the registry key of the entry.
func (s *ThreadSession) ThreadID() string {
	return s.threadID
}

// Claim reserves the thread for a new task invocation. It fails with
// ErrTaskRunning while another claim or process is live.
func (s *ThreadSession) Claim(taskID string, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed || s.process != nil {
		return ErrTaskRunning
	}
	now := s.now()
	s.claimed = true
	s.taskID = taskID
	s.kind = kind
	s.startTime = now
	s.lastActivity = now
	return nil
}

// Attach records the running process for the current claim.
func (s *ThreadSession) Attach(proc Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.process != nil && proc != nil && s.process != proc {
		invariants.SingleProcess(context.Background(), "session.attach", s.threadID, s.process.PID(), proc.PID())
	}
	s.process = proc
	s.lastActivity = s.now()
}

// Release clears the claim and process handle. The resumable session id is kept.
func (s *ThreadSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = false
	s.process = nil
	s.taskID = ""
	s.lastActivity = s.now()
}

// Process returns the live process handle, or nil when idle.
func (s *ThreadSession) Process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// Busy reports whether a claim or process is live.
func (s *ThreadSession) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed || s.process != nil
}

// ResumableSessionID returns the agent session id learned from an earlier run.
func (s *ThreadSession) ResumableSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumableSessionID
}

// SetResumableSessionID stores id unless one is already known and keepFirst is set.
// It reports whether the stored value changed.
func (s *ThreadSession) SetResumableSessionID(id string, keepFirst bool) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepFirst && s.resumableSessionID != "" {
		return false
	}
	changed := s.resumableSessionID != id
	s.resumableSessionID = id
	return changed
}

// Touch bumps LastActivity.
func (s *ThreadSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := s.now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// LastActivity returns the last time the entry saw stream output or a touch.
func (s *ThreadSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Snapshot copies the entry's fields.
func (s *ThreadSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ThreadID:           s.threadID,
		ResumableSessionID: s.resumableSessionID,
		TaskID:             s.taskID,
		Running:            s.claimed || s.process != nil,
		Kind:               s.kind,
		StartTime:          s.startTime,
		LastActivity:       s.lastActivity,
	}
	if s.process != nil {
		snap.PID = s.process.PID()
	}
	return snap
}

// Registry maps thread ids to sessions. The map lock guards only insert and
// delete; entry fields use the entry lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*ThreadSession
	now     func() time.Time
}

// NewRegistry returns an empty registry. now may be nil.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: make(map[string]*ThreadSession),
		now:     now,
	}
}

// Get returns the entry for threadID without creating one.
func (r *Registry) Get(threadID string) (*ThreadSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[threadID]
	return entry, ok
}

// GetOrCreate returns the existing entry or inserts a fresh one.
func (r *Registry) GetOrCreate(threadID string) *ThreadSession {
	if entry, ok := r.Get(threadID); ok {
		return entry
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[threadID]; ok {
		return entry
	}
	entry := r.newEntry(threadID)
	r.entries[threadID] = entry
	return entry
}

// Put stores entry under threadID, replacing any previous entry. A nil entry
// creates a fresh one.
func (r *Registry) Put(threadID string, entry *ThreadSession) *ThreadSession {
	if entry == nil {
		entry = r.newEntry(threadID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[threadID] = entry
	return entry
}

// Remove deletes the entry for threadID and reports whether one existed.
func (r *Registry) Remove(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[threadID]; !ok {
		return false
	}
	delete(r.entries, threadID)
	return true
}

// RemoveIf deletes threadID only while it still maps to entry.
func (r *Registry) RemoveIf(threadID string, entry *ThreadSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[threadID]
	if !ok || current != entry {
		return false
	}
	delete(r.entries, threadID)
	return true
}

// Entries returns the live entries sorted by thread id.
func (r *Registry) Entries() []*ThreadSession {
	r.mu.RLock()
	out := make([]*ThreadSession, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].threadID < out[j].threadID })
	return out
}

// Snapshot copies every entry, sorted by thread id.
func (r *Registry) Snapshot() []Snapshot {
	entries := r.Entries()
	out := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Snapshot())
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) newEntry(threadID string) *ThreadSession {
	now := r.now()
	return &ThreadSession{
		threadID:     threadID,
		now:          r.now,
		startTime:    now,
		lastActivity: now,
	}
}
