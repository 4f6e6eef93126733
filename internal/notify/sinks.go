package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"classroll/internal/metrics"
	"classroll/internal/queue"
)

// MessageType is the queue message type carrying a notification.
const MessageType = "notification"

// QueueSink publishes notifications onto a queue for the worker to deliver.
type QueueSink struct {
	q queue.Queue
}

func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{q: q}
}

func (s *QueueSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(stamp(n))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.q.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// SendBatch publishes each notification and returns the joined failures.
func (s *QueueSink) SendBatch(ctx context.Context, ns []Notification) error {
	var errs []error
	for _, n := range ns {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BreakerConfig tunes BreakerSink.
type BreakerConfig struct {
	Name             string
	Timeout          time.Duration // per call
	OpenFor          time.Duration
	FailureThreshold uint32
}

// BreakerSink guards another sink with a call timeout and a circuit breaker, so a dead
// sink fails fast instead of stalling the caller.
type BreakerSink struct {
	next    Sink
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerSink(next Sink, cfg BreakerConfig) *BreakerSink {
	if cfg.Name == "" {
		cfg.Name = "notify"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &BreakerSink{next: next, timeout: cfg.Timeout, cb: cb}
}

func (s *BreakerSink) Send(ctx context.Context, n Notification) error {
	return s.call(ctx, func(ctx context.Context) error { return s.next.Send(ctx, n) })
}

func (s *BreakerSink) SendBatch(ctx context.Context, ns []Notification) error {
	if len(ns) == 0 {
		return nil
	}
	return s.call(ctx, func(ctx context.Context) error { return s.next.SendBatch(ctx, ns) })
}

// State reports the breaker state name.
func (s *BreakerSink) State() string { return s.cb.State().String() }

func (s *BreakerSink) call(ctx context.Context, fn func(context.Context) error) error {
	_, err := s.cb.Execute(func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return struct{}{}, fn(cctx)
	})
	if err != nil {
		metrics.NotificationFailures.WithLabelValues(s.cb.Name()).Inc()
	}
	return err
}

// Recorder keeps notifications in memory. Fail makes subsequent sends return err.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, stamp(n))
	return nil
}

func (r *Recorder) SendBatch(ctx context.Context, ns []Notification) error {
	for _, n := range ns {
		if err := r.Send(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Fail sets the error returned by later sends; nil restores delivery.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Sent returns a copy of everything recorded.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// OfType filters recorded notifications by type.
func (r *Recorder) OfType(t Type) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Reset clears the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
