package mailer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWorkers         = 2
	defaultCapacity        = 256
	defaultMaxAttempts     = 3
	defaultRetryDelay      = 2 * time.Second
	defaultDeadLetterLimit = 100
)

var errMissingSender = errors.New("mailer: sender is required")

// Message is one outbound email.
type Message struct {
	To      []string
	Subject string
	Body    string
	Kind    string
}

// Sender delivers a message synchronously.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// Queue accepts messages for asynchronous delivery.
type Queue interface {
	TryEnqueue(message Message) bool
	Enqueue(ctx context.Context, message Message) bool
}

// DeadLetter records a message that exhausted its attempts.
type DeadLetter struct {
	Message   Message
	Attempts  int
	LastError string
	FailedAt  time.Time
}

type DispatcherConfig struct {
	Sender          Sender
	Workers         int
	Capacity        int
	MaxAttempts     int
	RetryDelay      time.Duration
	DeadLetterLimit int
	Logger          *zap.Logger
	Clock           func() time.Time
}

// Dispatcher is an in-process outbound queue. Each accepted message is
// retried until it is delivered or dead-lettered; every failed attempt is
// logged, so no message disappears without a trace.
type Dispatcher struct {
	sender          Sender
	workers         int
	maxAttempts     int
	retryDelay      time.Duration
	deadLetterLimit int
	logger          *zap.Logger
	clock           func() time.Time

	tasks    chan Message
	stopping chan struct{}

	mu          sync.RWMutex
	stopped     bool
	deadMu      sync.Mutex
	deadLetters []DeadLetter

	workerCtx    context.Context
	workerCancel context.CancelFunc
	startOnce    sync.Once
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	deadLetterLimit := cfg.DeadLetterLimit
	if deadLetterLimit <= 0 {
		deadLetterLimit = defaultDeadLetterLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:          cfg.Sender,
		workers:         workers,
		maxAttempts:     maxAttempts,
		retryDelay:      retryDelay,
		deadLetterLimit: deadLetterLimit,
		logger:          logger,
		clock:           clock,
		tasks:           make(chan Message, capacity),
		stopping:        make(chan struct{}),
		workerCtx:       workerCtx,
		workerCancel:    workerCancel,
	}, nil
}

// Start launches the worker pool. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(d.workers)
		for i := 0; i < d.workers; i++ {
			go func() {
				defer d.wg.Done()
				for message := range d.tasks {
					d.deliver(message)
				}
			}()
		}
	})
}

// TryEnqueue queues message without blocking. It reports false when the
// queue is full or stopped.
func (d *Dispatcher) TryEnqueue(message Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.tasks <- message:
		return true
	default:
		return false
	}
}

// Enqueue waits for queue capacity until ctx is done or the dispatcher stops.
func (d *Dispatcher) Enqueue(ctx context.Context, message Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.tasks <- message:
		return true
	case <-ctx.Done():
		return false
	case <-d.stopping:
		return false
	}
}

// Depth returns the number of queued, not yet picked up, messages.
func (d *Dispatcher) Depth() int {
	return len(d.tasks)
}

// Stop rejects new messages and drains the queue. If ctx ends first, pending
// retries are abandoned to the dead-letter list and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.stopping)
		d.mu.Lock()
		d.stopped = true
		close(d.tasks)
		d.mu.Unlock()
	})
	d.Start()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.workerCancel()
		return nil
	case <-ctx.Done():
		d.workerCancel()
		<-done
		return ctx.Err()
	}
}

// DeadLetters returns a copy of the retained dead letters, oldest first.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.deadMu.Lock()
	defer d.deadMu.Unlock()
	return append([]DeadLetter(nil), d.deadLetters...)
}

func (d *Dispatcher) deliver(message Message) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.sender.Send(d.workerCtx, message)
		if lastErr == nil {
			return
		}
		d.logger.Warn("email delivery attempt failed",
			zap.String("kind", message.Kind),
			zap.Strings("to", message.To),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.maxAttempts),
			zap.Error(lastErr))
		if attempt == d.maxAttempts {
			break
		}
		if err := sleepContext(d.workerCtx, d.retryDelay*time.Duration(attempt)); err != nil {
			lastErr = errors.Join(lastErr, err)
			d.deadLetter(message, attempt, lastErr)
			return
		}
	}
	d.deadLetter(message, d.maxAttempts, lastErr)
}

func (d *Dispatcher) deadLetter(message Message, attempts int, err error) {
	d.logger.Error("email dead-lettered",
		zap.String("kind", message.Kind),
		zap.Strings("to", message.To),
		zap.Int("attempts", attempts),
		zap.Error(err))
	d.deadMu.Lock()
	defer d.deadMu.Unlock()
	d.deadLetters = append(d.deadLetters, DeadLetter{
		Message:   message,
		Attempts:  attempts,
		LastError: err.Error(),
		FailedAt:  d.clock().UTC(),
	})
	if overflow := len(d.deadLetters) - d.deadLetterLimit; overflow > 0 {
		d.deadLetters = append([]DeadLetter(nil), d.deadLetters[overflow:]...)
	}
}

var _ Queue = (*Dispatcher)(nil)

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
