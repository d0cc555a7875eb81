/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed indicates the queue was closed while an operation was
// blocked on it.
var ErrQueueClosed = errors.New("instruction queue closed")

// Queue is the bounded instruction queue shared by concurrently running
// experiments. Multiple producers (one generator per experiment), a single
// logical consumer. Capacity-based backpressure is the only flow control:
// Put blocks while full, Take blocks while empty, and both unblock on
// context cancellation.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    []Instruction
	capacity int
	closed   bool
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{capacity: capacity}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put appends ins, blocking while the queue is full. Returns ctx.Err() if
// ctx is cancelled before space is available; cancellation is checked
// before blocking so a full queue cannot defer it indefinitely.
func (q *Queue) Put(ctx context.Context, ins Instruction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notFull.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.capacity && !q.closed && ctx.Err() == nil {
		q.notFull.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, ins)
	q.notEmpty.Signal()
	return nil
}

// Take removes and returns the oldest instruction, blocking while empty.
func (q *Queue) Take(ctx context.Context) (Instruction, error) {
	if err := ctx.Err(); err != nil {
		return Instruction{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notEmpty.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.notEmpty.Wait()
	}
	if err := ctx.Err(); err != nil {
		return Instruction{}, err
	}
	if len(q.items) == 0 && q.closed {
		return Instruction{}, ErrQueueClosed
	}
	ins := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return ins, nil
}

// DrainExperiment removes the pending instructions of one experiment,
// leaving siblings' instructions and relative order untouched. An
// experiment-finished sentinel is never removed, so the "exactly one,
// always last" invariant survives an abort racing the final emission.
// Returns the number of instructions removed.
func (q *Queue) DrainExperiment(experimentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, ins := range q.items {
		if ins.ExperimentID == experimentID && ins.Kind != KindExperimentDone {
			removed++
			continue
		}
		kept = append(kept, ins)
	}
	q.items = kept
	if removed > 0 {
		q.notFull.Broadcast()
	}
	return removed
}

// Len reports the number of pending instructions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity reports the configured capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Close wakes all blocked producers and consumers with ErrQueueClosed once
// pending items are exhausted.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}
