package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 256
	deliveryTimeout  = 5 * time.Second
)

// ErrQueueFull reports a mention dropped because the delivery queue was saturated.
var ErrQueueFull = errors.New("notify: queue full")

// ErrClosed reports a mention submitted after Shutdown.
var ErrClosed = errors.New("notify: dispatcher closed")

// Dispatcher delivers mentions on a fixed pool of workers so that comment operations never
// wait on the delivery service.
type Dispatcher struct {
	notifier Notifier
	logger   *zap.Logger
	queue    chan Mention
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closing  bool
}

// NewDispatcher starts workers goroutines draining a queue of queueSize mentions.
func NewDispatcher(notifier Notifier, workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := &Dispatcher{
		notifier: notifier,
		logger:   logger,
		queue:    make(chan Mention, queueSize),
	}
	for range workers {
		dispatcher.wg.Add(1)
		go dispatcher.work()
	}
	return dispatcher
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for mention := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := d.notifier.Notify(ctx, mention); err != nil {
			d.logger.Warn("mention delivery failed",
				zap.String("operation", "notify.deliver"),
				zap.String("mentioned_user_id", mention.MentionedUserID),
				zap.String("comment_id", mention.CommentID),
				zap.Error(err))
		}
		cancel()
	}
}

// Submit enqueues mentions without blocking.
func (d *Dispatcher) Submit(mentions ...Mention) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		return ErrClosed
	}
	for _, mention := range mentions {
		select {
		case d.queue <- mention:
		default:
			d.logger.Warn("mention queue full, dropping notification",
				zap.String("mentioned_user_id", mention.MentionedUserID),
				zap.String("comment_id", mention.CommentID))
			return ErrQueueFull
		}
	}
	return nil
}

// Shutdown stops accepting mentions and waits for queued ones to be delivered.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.closing = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
