// Package realtime fans table-scoped messages out to connected subscribers.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
)

const (
	EventActivityEntry  = "activity.entry"
	EventPresenceUpdate = "presence.update"
	EventTypingUpdate   = "typing.update"

	defaultEntryBuffer  = 256
	defaultSignalBuffer = 64
)

// ErrSubscriberOverflow terminates a subscription that could not keep up with ordered entries.
var ErrSubscriberOverflow = errors.New("realtime: subscriber fell behind")

// ErrDispatcherClosed is reported to subscriptions still open at shutdown.
var ErrDispatcherClosed = errors.New("realtime: dispatcher closed")

// Message is one push to the subscribers of a table. Messages carrying an Entry are
// ordered and never dropped; all others are ephemeral signals.
type Message struct {
	TableID   string
	EventType string
	Entry     *activity.Entry
	Payload   any
	Timestamp time.Time
}

// Ordered reports whether the message belongs to the activity stream.
func (m Message) Ordered() bool {
	return m.Entry != nil
}

// Dispatcher routes messages by table id.
type Dispatcher struct {
	mu           sync.RWMutex
	subscribers  map[string]map[int64]*Subscription
	nextID       int64
	entryBuffer  int
	signalBuffer int
	closed       bool
}

// NewDispatcher constructs a Dispatcher. entryBuffer bounds the ordered backlog per subscriber.
func NewDispatcher(entryBuffer int) *Dispatcher {
	if entryBuffer <= 0 {
		entryBuffer = defaultEntryBuffer
	}
	return &Dispatcher{
		subscribers:  make(map[string]map[int64]*Subscription),
		entryBuffer:  entryBuffer,
		signalBuffer: defaultSignalBuffer,
	}
}

// Subscription receives the messages of one table until it is closed or terminated.
// Its channels are never closed; select on Done.
type Subscription struct {
	id         int64
	tableID    string
	entries    chan Message
	signals    chan Message
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	err        error
	dispatcher *Dispatcher
}

// Entries delivers ordered messages; a subscriber that falls a full buffer behind is terminated.
func (s *Subscription) Entries() <-chan Message {
	return s.entries
}

// Signals delivers droppable messages such as presence and typing updates.
func (s *Subscription) Signals() <-chan Message {
	return s.signals
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended, or nil while it is open or after a plain Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.terminate(nil)
}

func (s *Subscription) terminate(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.done)
		s.dispatcher.unregister(s.tableID, s.id)
	})
}

// Subscribe registers a subscriber for tableID. Cancelling ctx closes it.
func (d *Dispatcher) Subscribe(ctx context.Context, tableID string) *Subscription {
	subscription := &Subscription{
		tableID:    tableID,
		entries:    make(chan Message, d.entryBuffer),
		signals:    make(chan Message, d.signalBuffer),
		done:       make(chan struct{}),
		dispatcher: d,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		subscription.once.Do(func() {
			subscription.err = ErrDispatcherClosed
			close(subscription.done)
		})
		return subscription
	}
	d.nextID++
	subscription.id = d.nextID
	if _, ok := d.subscribers[tableID]; !ok {
		d.subscribers[tableID] = make(map[int64]*Subscription)
	}
	d.subscribers[tableID][subscription.id] = subscription
	d.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-subscription.done:
		}
	}()
	return subscription
}

// Publish never blocks. Signals are dropped for a full subscriber; an ordered message
// that does not fit terminates that subscriber with ErrSubscriberOverflow.
func (d *Dispatcher) Publish(message Message) {
	if message.TableID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TableID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*Subscription, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		if message.Ordered() {
			select {
			case subscriber.entries <- message:
			default:
				subscriber.terminate(ErrSubscriberOverflow)
			}
			continue
		}
		select {
		case subscriber.signals <- message:
		default:
		}
	}
}

// SubscriberCount returns the number of open subscriptions on tableID.
func (d *Dispatcher) SubscriberCount(tableID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[tableID])
}

// Close terminates every subscription and rejects new ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	var all []*Subscription
	for _, subscribers := range d.subscribers {
		for _, subscriber := range subscribers {
			all = append(all, subscriber)
		}
	}
	d.mu.Unlock()
	for _, subscriber := range all {
		subscriber.terminate(ErrDispatcherClosed)
	}
}

func (d *Dispatcher) unregister(tableID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tableID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tableID)
		}
	}
	d.mu.Unlock()
}
