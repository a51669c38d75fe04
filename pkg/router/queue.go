package router

import (
	"context"
	"slices"
	"sync"
)

// turnQueue serializes turns per identity key in arrival order. Turns for
// different keys never wait on each other.
type turnQueue struct {
	mu     sync.Mutex
	queues map[string][]chan struct{}
}

func newTurnQueue() *turnQueue {
	return &turnQueue{queues: map[string][]chan struct{}{}}
}

// acquire waits until every earlier turn for key has finished. The returned
// func must be called to let the next turn run.
func (q *turnQueue) acquire(ctx context.Context, key string) (func(), error) {
	ticket := make(chan struct{})

	q.mu.Lock()
	waiting := q.queues[key]
	q.queues[key] = append(waiting, ticket)
	if len(waiting) == 0 {
		close(ticket)
	}
	q.mu.Unlock()

	select {
	case <-ticket:
		return func() { q.leave(key, ticket) }, nil
	case <-ctx.Done():
		q.leave(key, ticket)
		return nil, ctx.Err()
	}
}

// leave removes ticket from the queue and wakes the next turn when ticket was at the head
func (q *turnQueue) leave(key string, ticket chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[key]
	idx := slices.Index(queue, ticket)
	if idx < 0 {
		return
	}
	queue = slices.Delete(queue, idx, idx+1)
	if len(queue) == 0 {
		delete(q.queues, key)
		return
	}
	q.queues[key] = queue
	if idx == 0 {
		close(queue[0])
	}
}

// pending returns the number of keys with queued or running turns
func (q *turnQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}
