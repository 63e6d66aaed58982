// Package dispatch serializes outbound chat platform calls through a single
// FIFO queue with a minimum gap between operation starts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/threadbridge/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInterval is the minimum gap between one operation finishing and
// the next one starting.
const DefaultInterval = time.Second

// ErrClosed rejects operations submitted to, or still queued in, a closed dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// Op is one outbound call. It receives the submitter's context.
type Op func(ctx context.Context) error

// Options configures a Dispatcher.
type Options struct {
	Interval time.Duration
	Logger   *log.Logger
	Bus      events.Bus
	Tracer   trace.Tracer
}

// FailurePayload is published with EventTypeDispatchFailed.
type FailurePayload struct {
	Name  string
	Error string
}

type job struct {
	ctx        context.Context
	name       string
	op         Op
	result     chan error
	bestEffort bool
}

// Dispatcher runs operations one at a time in submission order. The worker
// goroutine starts when work arrives and exits once the queue drains.
type Dispatcher struct {
	interval time.Duration
	logger   *log.Logger
	bus      events.Bus
	tracer   trace.Tracer

	mu       sync.Mutex
	queue    []*job
	running  bool
	closed   bool
	lastDone time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a dispatcher with defaults for unset options.
func New(opts Options) *Dispatcher {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	var bus events.Bus = events.Nop{}
	if opts.Bus != nil {
		bus = opts.Bus
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("threadbridge/dispatch")
	}
	return &Dispatcher{
		interval: interval,
		logger:   logger.With("component", "dispatch"),
		bus:      bus,
		tracer:   tracer,
		stop:     make(chan struct{}),
	}
}

// Submit enqueues op and returns a channel that receives its result exactly once.
func (d *Dispatcher) Submit(ctx context.Context, name string, op Op) <-chan error {
	return d.enqueue(ctx, name, op, false)
}

// Do enqueues op and waits for its result or for ctx to end.
func (d *Dispatcher) Do(ctx context.Context, name string, op Op) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case err := <-d.Submit(ctx, name, op):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go enqueues op without waiting. Failures are logged and never retried.
func (d *Dispatcher) Go(ctx context.Context, name string, op Op) {
	d.enqueue(ctx, name, op, true)
}

// Pending reports how many operations are waiting to start.
func (d *Dispatcher) Pending() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close rejects every queued operation with ErrClosed and waits for an
// in-flight operation to return. Later submissions fail immediately.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	close(d.stop)
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, j := range pending {
		d.finish(j, ErrClosed)
	}
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(ctx context.Context, name string, op Op, bestEffort bool) <-chan error {
	result := make(chan error, 1)
	if d == nil {
		result <- errors.New("dispatcher is nil")
		return result
	}
	if ctx == nil {
		ctx = context.Background()
	}
	j := &job{
		ctx:        ctx,
		name:       strings.TrimSpace(name),
		op:         op,
		result:     result,
		bestEffort: bestEffort,
	}
	if op == nil {
		d.finish(j, fmt.Errorf("dispatch %s: nil operation", j.name))
		return result
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.finish(j, ErrClosed)
		return result
	}
	d.queue = append(d.queue, j)
	if !d.running {
		d.running = true
		d.wg.Add(1)
		go d.run()
	}
	d.mu.Unlock()
	return result
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(d.queue) == 0 || d.closed {
			d.running = false
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		wait := time.Until(d.lastDone.Add(d.interval))
		d.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-d.stop:
				timer.Stop()
				d.finish(next, ErrClosed)
				continue
			}
		}

		if err := next.ctx.Err(); err != nil {
			d.finish(next, err)
			continue
		}

		err := d.execute(next)
		d.mu.Lock()
		d.lastDone = time.Now()
		d.mu.Unlock()
		d.finish(next, err)
	}
}

func (d *Dispatcher) execute(j *job) (err error) {
	ctx, span := d.tracer.Start(j.ctx, "dispatch.op", trace.WithAttributes(
		attribute.String("operation", j.name),
		attribute.Bool("best_effort", j.bestEffort),
	))
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("dispatch %s: panic: %v", j.name, recovered)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "dispatched")
		}
		span.End()
	}()
	return j.op(ctx)
}

func (d *Dispatcher) finish(j *job, err error) {
	if err != nil && !errors.Is(err, ErrClosed) {
		d.logger.Warn("dispatch failed", "operation", j.name, "best_effort", j.bestEffort, "err", err)
		d.bus.Publish(events.Event{
			Type:       events.EventTypeDispatchFailed,
			EntityType: "dispatch",
			EntityID:   j.name,
			Severity:   events.SeverityWarn,
			Payload:    FailurePayload{Name: j.name, Error: err.Error()},
		})
	}
	j.result <- err
}
