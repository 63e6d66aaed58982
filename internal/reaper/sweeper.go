package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/threadbridge/internal/events"
	"github.com/ship-commander/threadbridge/internal/session"
)

const (
	DefaultSweepInterval = 2 * time.Minute
	DefaultThreshold     = 2 * time.Hour
)

// SweepConfig controls sweep cadence and the idle threshold.
type SweepConfig struct {
	Interval  time.Duration
	Threshold time.Duration
	Logger    *log.Logger
	Bus       events.Bus
	// OnReap runs after an entry has been removed and its process stopped.
	OnReap func(threadID string)
}

// SweepReport is published after every sweep.
type SweepReport struct {
	Scanned          int       `json:"scanned"`
	Reaped           []string  `json:"reaped"`
	ProcessesStopped int       `json:"processes_stopped"`
	SweptAt          time.Time `json:"swept_at"`
}

// OrphanPayload is published for each reaped entry.
type OrphanPayload struct {
	ThreadID     string
	PID          int
	LastActivity time.Time
	IdleFor      time.Duration
}

// Sweeper removes registry entries idle for longer than the threshold.
type Sweeper struct {
	registry   *session.Registry
	terminator *Terminator
	bus        events.Bus
	logger     *log.Logger
	onReap     func(threadID string)
	interval   time.Duration
	threshold  time.Duration
	now        func() time.Time
	newTicker  func(time.Duration) *time.Ticker
}

// NewSweeper builds a sweeper with defaults for unset config.
func NewSweeper(registry *session.Registry, terminator *Terminator, cfg SweepConfig) (*Sweeper, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if terminator == nil {
		return nil, errors.New("terminator is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	var bus events.Bus = events.Nop{}
	if cfg.Bus != nil {
		bus = cfg.Bus
	}
	return &Sweeper{
		registry:   registry,
		terminator: terminator,
		bus:        bus,
		logger:     logger.With("component", "sweeper"),
		onReap:     cfg.OnReap,
		interval:   cfg.Interval,
		threshold:  cfg.Threshold,
		now:        time.Now,
		newTicker:  time.NewTicker,
	}, nil
}

// Start sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("sweeper is nil")
	}
	ticker := s.newTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	now := s.now()
	entries := s.registry.Entries()
	report := SweepReport{Scanned: len(entries), Reaped: []string{}, SweptAt: now.UTC()}

	for _, entry := range entries {
		last := entry.LastActivity()
		idle := now.Sub(last)
		if idle <= s.threshold {
			continue
		}
		// Compare-and-delete so an entry replaced since the snapshot survives.
		if !s.registry.RemoveIf(entry.ThreadID(), entry) {
			continue
		}

		proc := entry.Process()
		pid := 0
		if proc != nil {
			pid = proc.PID()
			if stopper, ok := proc.(Process); ok {
				result, err := s.terminator.Terminate(ctx, stopper)
				if err != nil {
					s.logger.Error("terminate orphan failed", "thread", entry.ThreadID(), "pid", pid, "err", err)
				} else if !result.AlreadyExited {
					report.ProcessesStopped++
				}
			}
		}
		entry.Release()

		s.logger.Warn("reaped orphan session", "thread", entry.ThreadID(), "pid", pid, "idle", idle.Round(time.Second))
		s.bus.Publish(events.Event{
			Type:       events.EventTypeOrphanReaped,
			Timestamp:  now.UTC(),
			EntityType: "thread",
			EntityID:   entry.ThreadID(),
			Severity:   events.SeverityWarn,
			Payload: OrphanPayload{
				ThreadID:     entry.ThreadID(),
				PID:          pid,
				LastActivity: last,
				IdleFor:      idle,
			},
		})
		report.Reaped = append(report.Reaped, entry.ThreadID())
		if s.onReap != nil {
			s.onReap(entry.ThreadID())
		}
	}

	s.bus.Publish(events.Event{
		Type:       events.EventTypeSweepCompleted,
		Timestamp:  now.UTC(),
		EntityType: "health",
		EntityID:   "sweeper",
		Severity:   events.SeverityInfo,
		Payload:    report,
	})
	return report
}
