// Package clientstate reconciles a client's local view with the server's authoritative
// activity stream.
package clientstate

import (
	"sync"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
)

// DefaultFeedCapacity is the number of visible entries a feed keeps when none is configured.
const DefaultFeedCapacity = 200

// Mode is the rendering mode of a Feed.
type Mode int

const (
	// Live shows arrivals immediately.
	Live Mode = iota
	// Paused holds arrivals until Resume.
	Paused
)

func (m Mode) String() string {
	if m == Paused {
		return "paused"
	}
	return "live"
}

// Feed is the visible activity list of one subscriber. Visible entries are kept in arrival
// order and capped at the capacity, oldest evicted first. While paused, arrivals wait in a
// side buffer; Resume moves all of them onto the visible list in one step.
type Feed struct {
	mu       sync.Mutex
	capacity int
	mode     Mode
	visible  []activity.Entry
	pending  []activity.Entry
	lastID   int64
}

// NewFeed returns a live feed holding at most capacity entries.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{capacity: capacity}
}

// Push accepts the next entry of the stream. Entries at or below the last accepted id are
// duplicates from a resubscription and are ignored.
func (f *Feed) Push(entry activity.Entry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.ID <= f.lastID {
		return false
	}
	f.lastID = entry.ID
	if f.mode == Paused {
		f.pending = append(f.pending, entry)
		return true
	}
	f.appendVisible(entry)
	return true
}

// Pause stops rendering new arrivals.
func (f *Feed) Pause() {
	f.mu.Lock()
	f.mode = Paused
	f.mu.Unlock()
}

// Resume returns to live mode, moving every pending entry onto the visible list in arrival
// order. It returns how many entries were caught up.
func (f *Feed) Resume() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	caught := len(f.pending)
	f.appendVisible(f.pending...)
	f.pending = nil
	f.mode = Live
	return caught
}

func (f *Feed) appendVisible(entries ...activity.Entry) {
	f.visible = append(f.visible, entries...)
	if overflow := len(f.visible) - f.capacity; overflow > 0 {
		kept := make([]activity.Entry, f.capacity)
		copy(kept, f.visible[overflow:])
		f.visible = kept
	}
}

// Mode reports whether the feed is live or paused.
func (f *Feed) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// Visible returns a copy of the rendered entries, oldest first.
func (f *Feed) Visible() []activity.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]activity.Entry(nil), f.visible...)
}

// PendingCount is the number of entries waiting for Resume.
func (f *Feed) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// LastID is the id to resubscribe after.
func (f *Feed) LastID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID
}
