// Package execution runs copy-trading sessions against platform adapters.
package execution

import (
	"context"
	"time"
)

// Task is one queued session awaiting execution.
type Task struct {
	SessionID      string    `json:"session_id"`
	SignalID       string    `json:"signal_id"`
	RelationshipID string    `json:"relationship_id"`
	Platform       string    `json:"platform"`
	CreatedAt      time.Time `json:"created_at"`
}

// Queue buffers tasks before execution.
type Queue struct {
	ch chan Task
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Task, size)}
}

func (q *Queue) Enqueue(t Task) {
	q.ch <- t
}

func (q *Queue) Chan() <-chan Task {
	return q.ch
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Close() {
	close(q.ch)
}

// Drain consumes tasks with a handler until context is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(Task)) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.ch:
			if !ok {
				return
			}
			handler(t)
		}
	}
}
