package journal

import (
	"sync"

	"github.com/eapache/queue"
)

const defaultHistoryCapacity = 256

// History is a bounded ring of the most recent journal entries. Appends past
// the capacity evict the oldest entry.
type History struct {
	mu       sync.RWMutex
	entries  *queue.Queue
	capacity int
}

// NewHistory returns a ring holding at most capacity entries. A non-positive
// capacity picks the default.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &History{entries: queue.New(), capacity: capacity}
}

// Append records one entry, evicting from the front when full.
func (h *History) Append(entry Entry) {
	h.mu.Lock()
	h.entries.Add(entry)
	for h.entries.Length() > h.capacity {
		h.entries.Remove()
	}
	h.mu.Unlock()
}

// Recent returns up to limit entries, oldest first. A non-positive limit or
// one past the stored count returns everything.
func (h *History) Recent(limit int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	length := h.entries.Length()
	if limit <= 0 || limit > length {
		limit = length
	}
	recent := make([]Entry, 0, limit)
	for i := length - limit; i < length; i++ {
		recent = append(recent, h.entries.Get(i).(Entry))
	}
	return recent
}

// Len reports how many entries are stored.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries.Length()
}

// Capacity reports the ring's bound.
func (h *History) Capacity() int {
	return h.capacity
}
