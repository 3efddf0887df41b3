// Package queue implements the three-priority-band FIFO queue (C3): urgent,
// normal, low, each served strictly in submission order within its band,
// with escalation (re-priority) and removal (cancellation) support.
package queue

import (
	"container/list"
	"sync"

	"github.com/dataparency-dev/exchange/types"
)

// Queue holds pending task ids banded by priority. It never bounds its
// size — admission control (ratelimit) is the client's observable failure
// mode instead, per spec.md §5.
type Queue struct {
	mu     sync.Mutex
	bands  map[types.Priority]*list.List
	locate map[string]*list.Element // taskID -> element, for O(1) removal
	band   map[string]types.Priority
}

var order = []types.Priority{types.PriorityUrgent, types.PriorityNormal, types.PriorityLow}

// New builds an empty queue.
func New() *Queue {
	q := &Queue{
		bands:  make(map[types.Priority]*list.List),
		locate: make(map[string]*list.Element),
		band:   make(map[string]types.Priority),
	}
	for _, p := range order {
		q.bands[p] = list.New()
	}
	return q
}

// Enqueue appends taskID to the back of its priority band.
func (q *Queue) Enqueue(taskID string, priority types.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(taskID, priority)
}

func (q *Queue) enqueueLocked(taskID string, priority types.Priority) {
	el := q.bands[priority].PushBack(taskID)
	q.locate[taskID] = el
	q.band[taskID] = priority
}

// Dequeue pops the front of the highest non-empty band (urgent > normal >
// low). Returns ("", false) when every band is empty.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range order {
		b := q.bands[p]
		if el := b.Front(); el != nil {
			b.Remove(el)
			taskID := el.Value.(string)
			delete(q.locate, taskID)
			delete(q.band, taskID)
			return taskID, true
		}
	}
	return "", false
}

// Remove drops taskID from whichever band holds it (used on cancellation).
// Reports whether it was present.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.locate[taskID]
	if !ok {
		return false
	}
	p := q.band[taskID]
	q.bands[p].Remove(el)
	delete(q.locate, taskID)
	delete(q.band, taskID)
	return true
}

// Escalate moves taskID to a new priority band, preserving FIFO order
// within its new band by appending to the back.
func (q *Queue) Escalate(taskID string, newPriority types.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.locate[taskID]
	if !ok {
		return false
	}
	old := q.band[taskID]
	q.bands[old].Remove(el)
	q.enqueueLocked(taskID, newPriority)
	return true
}

// Len reports the total number of queued tasks across all bands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range order {
		n += q.bands[p].Len()
	}
	return n
}
