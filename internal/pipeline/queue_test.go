package pipeline

import (
	"errors"
	"testing"

	"github.com/perkola/aulos/internal/store"
)

func queued(name string) QueuedTrack {
	return QueuedTrack{Track: store.Track{ID: name, Name: name}}
}

func TestQueueOrder(t *testing.T) {
	t.Parallel()

	var q queue
	for _, name := range []string{"a", "b", "c"} {
		if err := q.push(queued(name)); err != nil {
			t.Fatalf("push(%q) error = %v", name, err)
		}
	}
	q.pushFront(queued("urgent"))

	want := []string{"urgent", "a", "b", "c"}
	for _, name := range want {
		item, ok := q.pop()
		if !ok || item.Track.Name != name {
			t.Fatalf("pop() = %q/%v, want %q", item.Track.Name, ok, name)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("pop() on empty queue = true, want false")
	}
}

func TestQueueCapacity(t *testing.T) {
	t.Parallel()

	q := queue{max: 2}
	if err := q.push(queued("a")); err != nil {
		t.Fatalf("push() error = %v", err)
	}
	if err := q.push(queued("b")); err != nil {
		t.Fatalf("push() error = %v", err)
	}
	if err := q.push(queued("c")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("push() over capacity error = %v, want ErrQueueFull", err)
	}

	// pushFront is for reinsertions and ignores the cap.
	q.pushFront(queued("back"))
	if q.len() != 3 {
		t.Errorf("len() = %d, want 3", q.len())
	}
}

func TestQueueSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	var q queue
	q.push(queued("a"))
	snap := q.snapshot()
	q.clear()

	if len(snap) != 1 || snap[0].Track.Name != "a" {
		t.Errorf("snapshot = %+v, want the pre-clear contents", snap)
	}
	if q.len() != 0 {
		t.Errorf("len() after clear = %d, want 0", q.len())
	}
}
