// Package output buffers streamed agent text and decides when it is sent.
package output

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultFlushInterval     = 15 * time.Second
	DefaultThreshold         = 2000
	DefaultHeartbeatInterval = 60 * time.Second

	// DefaultMaxChunkChars keeps a chunk, its header and mrkdwn escaping
	// under Slack's 40000-character message limit.
	DefaultMaxChunkChars = 38000
)

// Chunk is one unit of streamed output. Heartbeats carry Seq 0 and are not
// counted in Stats.
type Chunk struct {
	Seq       int
	Text      string
	Elapsed   time.Duration
	Heartbeat bool
}

// Label renders the elapsed time the way it is shown in chat, e.g. "1m05s".
func (c Chunk) Label() string {
	return FormatElapsed(c.Elapsed)
}

// FormatElapsed renders d rounded to the second.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	if minutes == 0 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm%02ds", minutes, seconds)
}

// Sink receives chunks in order. Emit must not block for long; callers hand
// chunks to the dispatcher.
type Sink interface {
	Emit(Chunk)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Chunk)

// Emit implements Sink.
func (f SinkFunc) Emit(c Chunk) { f(c) }

// Stats summarizes what a scheduler has sent.
type Stats struct {
	Chunks int
	Chars  int
}

// Options configures a Scheduler. Zero values fall back to the defaults.
type Options struct {
	FlushInterval     time.Duration
	Threshold         int
	HeartbeatInterval time.Duration
	MaxChunkChars     int
	Now               func() time.Time
}

// Scheduler accumulates text and flushes it on size, on Tick and on Flush.
// It is owned by a single task goroutine and is not safe for concurrent use.
type Scheduler struct {
	sink              Sink
	flushInterval     time.Duration
	threshold         int
	heartbeatInterval time.Duration
	maxChunkChars     int
	now               func() time.Time

	buf           strings.Builder
	bufChars      int
	started       time.Time
	lastContent   time.Time
	lastHeartbeat time.Time
	seq           int
	stats         Stats
}

// NewScheduler starts the elapsed clock at construction.
func NewScheduler(sink Sink, opts Options) *Scheduler {
	s := &Scheduler{
		sink:              sink,
		flushInterval:     opts.FlushInterval,
		threshold:         opts.Threshold,
		heartbeatInterval: opts.HeartbeatInterval,
		maxChunkChars:     opts.MaxChunkChars,
		now:               opts.Now,
	}
	if s.flushInterval <= 0 {
		s.flushInterval = DefaultFlushInterval
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = DefaultHeartbeatInterval
	}
	if s.maxChunkChars <= 0 {
		s.maxChunkChars = DefaultMaxChunkChars
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sink == nil {
		s.sink = SinkFunc(func(Chunk) {})
	}
	s.started = s.now()
	s.lastContent = s.started
	s.lastHeartbeat = s.started
	return s
}

// FlushInterval is the cadence the owner should call Tick at.
func (s *Scheduler) FlushInterval() time.Duration {
	return s.flushInterval
}

// Append buffers text as a new line and flushes once the buffer reaches the
// size threshold.
func (s *Scheduler) Append(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if s.buf.Len() > 0 {
		s.buf.WriteByte('\n')
		s.bufChars++
	}
	s.buf.WriteString(text)
	s.bufChars += utf8.RuneCountInString(text)
	s.lastContent = s.now()
	if s.bufChars >= s.threshold {
		s.Flush()
	}
}

// Tick flushes buffered text, or emits a heartbeat when nothing new has
// arrived for a heartbeat interval. At most one heartbeat is sent per interval.
func (s *Scheduler) Tick() {
	if s.buf.Len() > 0 {
		s.Flush()
		return
	}
	now := s.now()
	if now.Sub(s.lastContent) < s.heartbeatInterval || now.Sub(s.lastHeartbeat) < s.heartbeatInterval {
		return
	}
	s.lastHeartbeat = now
	elapsed := now.Sub(s.started)
	s.sink.Emit(Chunk{
		Text:      fmt.Sprintf("Still working... (%s elapsed)", FormatElapsed(elapsed)),
		Elapsed:   elapsed,
		Heartbeat: true,
	})
}

// Flush sends the whole buffer as one chunk. Only text over the platform
// message limit is split, preferring line boundaries.
func (s *Scheduler) Flush() {
	if s.buf.Len() == 0 {
		return
	}
	text := s.buf.String()
	s.buf.Reset()
	s.bufChars = 0

	elapsed := s.now().Sub(s.started)
	for _, piece := range splitText(text, s.maxChunkChars) {
		s.seq++
		s.stats.Chunks++
		s.stats.Chars += utf8.RuneCountInString(piece)
		s.sink.Emit(Chunk{Seq: s.seq, Text: piece, Elapsed: elapsed})
	}
}

// Stats reports chunks and characters sent so far.
func (s *Scheduler) Stats() Stats {
	return s.stats
}

// Elapsed is the time since the scheduler was created.
func (s *Scheduler) Elapsed() time.Duration {
	return s.now().Sub(s.started)
}

func splitText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var out []string
	for text != "" {
		runes := []rune(text)
		if len(runes) <= limit {
			out = append(out, text)
			break
		}
		cut := limit
		if idx := lastNewline(runes[:limit]); idx > limit/2 {
			cut = idx + 1
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), "\n"))
		text = string(runes[cut:])
	}
	return out
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}
