package ingest

import "sync"

// dedupSet remembers recently seen message ids in arrival order. Once the
// capacity is exceeded the oldest ids are trimmed, so a very old duplicate
// can slip through; the admission filter catches those. Media messages are
// processed on separate goroutines, so Observe locks internally.
type dedupSet struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &dedupSet{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Observe records id and reports whether it was already present.
func (d *dedupSet) Observe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	for len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
