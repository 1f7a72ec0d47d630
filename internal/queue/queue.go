package queue

import (
	"errors"
	"sync"
	"time"

	"demuxd/internal/models"
)

// ErrClosed is returned when pushing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is the FIFO of fragment groups between the download and the stream loop.
// It is bounded by the download loop's buffering policy, not by the queue itself.
// Every change closes the current Changed channel so any number of waiters wake up.
type Queue struct {
	mutex   sync.Mutex
	groups  []models.FragmentGroup
	changed chan struct{}
	closed  bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{changed: make(chan struct{})}
}

// Push appends a group at the tail.
func (q *Queue) Push(g models.FragmentGroup) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.groups = append(q.groups, g)
	q.broadcastLocked()
	return nil
}

// Pop removes the head group. The boolean is false when the queue is empty.
func (q *Queue) Pop() (models.FragmentGroup, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.groups) == 0 {
		return models.FragmentGroup{}, false
	}
	g := q.groups[0]
	q.groups[0] = models.FragmentGroup{}
	q.groups = q.groups[1:]
	q.broadcastLocked()
	return g, true
}

// Len returns the number of queued groups.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.groups)
}

// Duration returns the media time held by the queued groups.
func (q *Queue) Duration() time.Duration {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	var d time.Duration
	for _, g := range q.groups {
		d += g.Duration
	}
	return d
}

// Flush drops every queued group and returns how many were dropped.
func (q *Queue) Flush() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	n := len(q.groups)
	q.groups = nil
	q.broadcastLocked()
	return n
}

// Changed returns a channel that is closed on the next change or Signal.
func (q *Queue) Changed() <-chan struct{} {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.changed
}

// Signal wakes every waiter without changing the content.
func (q *Queue) Signal() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.broadcastLocked()
}

// Close rejects further pushes and wakes every waiter. Queued groups can still be popped.
func (q *Queue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
