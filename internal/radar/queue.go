package radar

import (
	"sync"

	"github.com/kejingjing/sensible/internal/measurement"
)

// Queue is the thread-safe buffer between the serial reader and the
// synchronizer.
type Queue struct {
	mu    sync.Mutex
	items []measurement.Measurement
}

// Push appends m.
func (q *Queue) Push(m measurement.Measurement) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

// DrainAll returns every queued measurement in arrival order and empties the
// queue in the same critical section.
func (q *Queue) DrainAll() []measurement.Measurement {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued measurements.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
