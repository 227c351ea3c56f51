package stream

import (
	"slices"
	"sync"
)

// watermarks tracks fetched and acknowledged offsets per partition so a
// commit never moves past an offset that is still unacknowledged.
type watermarks struct {
	mu    sync.Mutex
	parts map[int]*partitionMarks
}

type partitionMarks struct {
	inflight []int64 // ascending
	acked    map[int64]bool
}

func newWatermarks() *watermarks {
	return &watermarks{parts: make(map[int]*partitionMarks)}
}

func (w *watermarks) track(partition int, offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pm, ok := w.parts[partition]
	if !ok {
		pm = &partitionMarks{acked: make(map[int64]bool)}
		w.parts[partition] = pm
	}
	i, found := slices.BinarySearch(pm.inflight, offset)
	if found {
		return
	}
	pm.inflight = slices.Insert(pm.inflight, i, offset)
}

// ack records offset as done and returns the highest offset that is now safe
// to commit, if the low watermark moved.
func (w *watermarks) ack(partition int, offset int64) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pm, ok := w.parts[partition]
	if !ok {
		return 0, false
	}
	if _, found := slices.BinarySearch(pm.inflight, offset); !found {
		return 0, false
	}
	pm.acked[offset] = true

	var last int64
	moved := false
	for len(pm.inflight) > 0 && pm.acked[pm.inflight[0]] {
		last = pm.inflight[0]
		delete(pm.acked, last)
		pm.inflight = pm.inflight[1:]
		moved = true
	}
	return last, moved
}

// pending returns the number of fetched but uncommitted offsets.
func (w *watermarks) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, pm := range w.parts {
		n += len(pm.inflight)
	}
	return n
}
