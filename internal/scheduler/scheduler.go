// Package scheduler serializes outbound requests to one upstream provider with a
// minimum spacing between the start of consecutive invocations.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rewired-gh/alphaterm/internal/metrics"
)

// ErrClosed is returned for submissions made after Close.
var ErrClosed = errors.New("scheduler closed")

const defaultQueueSize = 1024

type job struct {
	ctx       context.Context
	run       func(context.Context)
	submitted time.Time
}

// Scheduler dispatches submitted functions in FIFO order, never starting two
// within spacing of each other. Dispatched functions run on their own
// goroutine so a slow or failing call does not hold up the queue.
type Scheduler struct {
	name    string
	spacing time.Duration
	queue   chan *job
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	metrics *metrics.Metrics
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithMetrics records dispatch counts, queue depth and wait times.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithQueueSize overrides the submission buffer.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan *job, n)
		}
	}
}

// New starts a scheduler. Name labels metrics and logs, typically the provider name.
func New(name string, spacing time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:    name,
		spacing: spacing,
		queue:   make(chan *job, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Name returns the scheduler label.
func (s *Scheduler) Name() string {
	return s.name
}

// Spacing returns the minimum delay between dispatches.
func (s *Scheduler) Spacing() time.Duration {
	return s.spacing
}

// Close stops the dispatcher. Pending submissions return ErrClosed.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

type result[T any] struct {
	val T
	err error
}

// Do submits fn and waits for its result. If ctx is cancelled before fn is
// dispatched, fn never runs and the slot is not consumed.
func Do[T any](ctx context.Context, s *Scheduler, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	out := make(chan result[T], 1)
	j := &job{
		ctx:       ctx,
		submitted: time.Now(),
		run: func(ctx context.Context) {
			v, err := fn(ctx)
			out <- result[T]{val: v, err: err}
		},
	}

	select {
	case <-s.done:
		return zero, ErrClosed
	default:
	}

	select {
	case s.queue <- j:
		s.gauge(1)
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrClosed
	}

	select {
	case r := <-out:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrClosed
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	var last time.Time

	for {
		select {
		case <-s.done:
			return
		case j := <-s.queue:
			s.gauge(-1)
			if j.ctx.Err() != nil {
				continue
			}
			if !last.IsZero() {
				if wait := s.spacing - time.Since(last); wait > 0 {
					timer := time.NewTimer(wait)
					select {
					case <-timer.C:
					case <-s.done:
						timer.Stop()
						return
					}
				}
			}
			// cancelled while waiting for its slot
			if j.ctx.Err() != nil {
				continue
			}
			last = time.Now()
			if s.metrics != nil {
				s.metrics.SchedulerDispatched.WithLabelValues(s.name).Inc()
				s.metrics.SchedulerWait.WithLabelValues(s.name).Observe(last.Sub(j.submitted).Seconds())
			}
			go j.run(j.ctx)
		}
	}
}

func (s *Scheduler) gauge(delta float64) {
	if s.metrics != nil {
		s.metrics.SchedulerQueueDepth.WithLabelValues(s.name).Add(delta)
	}
}
