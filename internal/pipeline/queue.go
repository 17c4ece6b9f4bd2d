package pipeline

import (
	"fmt"
	"slices"
	"time"

	"github.com/perkola/aulos/internal/store"
)

// QueuedTrack is one pending playback request.
type QueuedTrack struct {
	Track       store.Track
	Filter      string
	RequestedBy string
	EnqueuedAt  time.Time
}

// queue is the session's FIFO of pending tracks. Callers hold the session
// mutex. The zero value is an unbounded empty queue.
type queue struct {
	items []QueuedTrack
	max   int // capacity enforced on push; 0 means unbounded
}

func (q *queue) push(item QueuedTrack) error {
	if q.max > 0 && len(q.items) >= q.max {
		return fmt.Errorf("%w (%d pending)", ErrQueueFull, len(q.items))
	}
	q.items = append(q.items, item)
	return nil
}

// pushFront reinserts an item at the head, bypassing the capacity check.
func (q *queue) pushFront(item QueuedTrack) {
	q.items = append([]QueuedTrack{item}, q.items...)
}

func (q *queue) pop() (QueuedTrack, bool) {
	if len(q.items) == 0 {
		return QueuedTrack{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *queue) clear() { q.items = nil }

func (q *queue) len() int { return len(q.items) }

func (q *queue) snapshot() []QueuedTrack { return slices.Clone(q.items) }
