package server

import "sync"

type connectionKey struct {
	userID  string
	tableID string
}

// connectionTracker counts open channels per (user, table) so the departure of a user is
// recorded only when their last tab closes.
type connectionTracker struct {
	mu     sync.Mutex
	counts map[connectionKey]int
}

func newConnectionTracker() *connectionTracker {
	return &connectionTracker{counts: make(map[connectionKey]int)}
}

func (t *connectionTracker) open(userID, tableID string) {
	t.mu.Lock()
	t.counts[connectionKey{userID: userID, tableID: tableID}]++
	t.mu.Unlock()
}

// close reports whether the closed channel was the user's last one on the table.
func (t *connectionTracker) close(userID, tableID string) bool {
	key := connectionKey{userID: userID, tableID: tableID}
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.counts[key] - 1
	if remaining > 0 {
		t.counts[key] = remaining
		return false
	}
	delete(t.counts, key)
	return true
}

func (t *connectionTracker) count(userID, tableID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[connectionKey{userID: userID, tableID: tableID}]
}
