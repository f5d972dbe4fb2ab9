package coordinator

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"go.uber.org/zap"
)

const opSubscribe = "activity.subscribe"

// Stream delivers the entries of one table in append order: first every committed entry
// after the requested id, then live entries as they are appended. Entries is closed when
// the stream ends; Err then reports why.
type Stream struct {
	entries      chan activity.Entry
	subscription *realtime.Subscription
	mu           sync.Mutex
	err          error
	latest       int64
}

// Entries yields ordered activity entries.
func (s *Stream) Entries() <-chan activity.Entry {
	return s.entries
}

// Signals yields ephemeral presence and typing updates. It is never closed.
func (s *Stream) Signals() <-chan realtime.Message {
	return s.subscription.Signals()
}

// Done is closed once the underlying subscription ends.
func (s *Stream) Done() <-chan struct{} {
	return s.subscription.Done()
}

// Err returns the reason the stream ended, or nil for a plain close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LatestAtSubscribe is the newest entry id committed when the stream was opened.
func (s *Stream) LatestAtSubscribe() int64 {
	return s.latest
}

// Close ends the stream.
func (s *Stream) Close() {
	s.subscription.Close()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Subscribe opens a gap-free stream of the entries of tableID with id greater than afterID.
// A subscriber that falls too far behind is terminated with realtime.ErrSubscriberOverflow
// and should resubscribe from the last id it received.
func (c *Coordinator) Subscribe(ctx context.Context, tableID string, afterID int64) (*Stream, error) {
	table, err := normalizeTable(opSubscribe, tableID)
	if err != nil {
		return nil, err
	}

	scope := c.lockScope(table)
	subscription := c.realtime.Subscribe(ctx, table)
	latest, err := c.log.LatestID(ctx, table)
	scope.mu.Unlock()
	if err != nil {
		subscription.Close()
		return nil, err
	}

	stream := &Stream{
		entries:      make(chan activity.Entry),
		subscription: subscription,
		latest:       latest,
	}
	if afterID < 0 {
		afterID = 0
	}
	if afterID > latest {
		afterID = latest
	}
	go c.pump(ctx, stream, table, afterID)
	return stream, nil
}

func (c *Coordinator) pump(ctx context.Context, stream *Stream, tableID string, afterID int64) {
	defer close(stream.entries)
	defer stream.subscription.Close()

	deliver := func(entry activity.Entry) bool {
		select {
		case stream.entries <- entry:
			return true
		case <-stream.subscription.Done():
			stream.fail(stream.subscription.Err())
			return false
		case <-ctx.Done():
			return false
		}
	}

	cursor := afterID
	if cursor < stream.latest {
		backlog, err := c.log.ReadAfter(ctx, tableID, cursor)
		if err != nil {
			c.logger.Warn("activity backlog read failed",
				zap.String("operation", opSubscribe),
				zap.String("table_id", tableID),
				zap.Error(err))
			stream.fail(err)
			return
		}
		for _, entry := range backlog {
			if entry.ID > stream.latest {
				break
			}
			if !deliver(entry) {
				return
			}
			cursor = entry.ID
		}
	}

	for {
		select {
		case message := <-stream.subscription.Entries():
			if message.Entry == nil || message.Entry.ID <= cursor {
				continue
			}
			if !deliver(*message.Entry) {
				return
			}
			cursor = message.Entry.ID
		case <-stream.subscription.Done():
			stream.fail(stream.subscription.Err())
			return
		case <-ctx.Done():
			return
		}
	}
}
