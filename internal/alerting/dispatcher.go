package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"balance-guard/internal/metrics"
)

// DispatcherOptions size the queue and bound each delivery.
type DispatcherOptions struct {
	QueueSize   int
	SendTimeout time.Duration
}

// Dispatcher fans queued notifications out to its notifiers from one
// background worker. Enqueue never blocks.
type Dispatcher struct {
	notifiers   []Notifier
	queue       chan Notification
	sendTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewDispatcher starts the worker. Close must be called to drain it.
func NewDispatcher(notifiers []Notifier, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	d := &Dispatcher{
		notifiers:   notifiers,
		queue:       make(chan Notification, opts.QueueSize),
		sendTimeout: opts.SendTimeout,
		logger:      logger.With().Str("component", "alert_dispatcher").Logger(),
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue hands a notification to the worker. It reports false when the
// notification was dropped (no channels, queue full, or dispatcher closed).
func (d *Dispatcher) Enqueue(note Notification) bool {
	if d == nil || len(d.notifiers) == 0 {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- note:
		return true
	default:
		d.dropped.Add(1)
		metrics.NotificationsDroppedTotal.Inc()
		d.logger.Warn().Str("subject", note.Subject).Msg("notification queue full, dropping")
		return false
	}
}

// ErrNoChannels is returned by Deliver when no notifier is configured.
var ErrNoChannels = errors.New("alerting: no notification channels configured")

// Deliver sends note through every notifier synchronously, bypassing the
// queue. It succeeds when at least one notifier accepted the note. Each send
// is bounded by the dispatcher's send timeout and by ctx.
func (d *Dispatcher) Deliver(ctx context.Context, note Notification) error {
	if d == nil || len(d.notifiers) == 0 {
		return ErrNoChannels
	}

	var errs []error
	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := n.Notify(sendCtx, note)
		cancel()
		if err != nil {
			d.logger.Error().Err(err).Str("subject", note.Subject).Msg("notification delivery failed")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(d.notifiers) {
		return fmt.Errorf("deliver %q: %w", note.Subject, errors.Join(errs...))
	}
	return nil
}

// Dropped returns how many notifications were discarded on a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting notifications and waits for the queue to drain or
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for note := range d.queue {
		for _, n := range d.notifiers {
			ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
			if err := n.Notify(ctx, note); err != nil {
				d.logger.Error().Err(err).Str("subject", note.Subject).Msg("notification delivery failed")
			}
			cancel()
		}
	}
}
