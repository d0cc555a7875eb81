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

// ErrBarrierBroken is returned from Await when the barrier was broken by
// Break or by the peer abandoning the rendezvous. A broken barrier always
// means "stop": callers treat it as cancellation, never as retryable.
var ErrBarrierBroken = errors.New("rendezvous barrier broken")

// Rendezvous is a reusable two-party barrier. Both parties must arrive
// before either proceeds. Breaking the barrier releases any waiter with
// ErrBarrierBroken and re-arms a fresh cycle.
type Rendezvous struct {
	mu      sync.Mutex
	current *barrierCycle
}

type barrierCycle struct {
	arrived  int
	released chan struct{}
	broken   chan struct{}
}

// NewRendezvous creates an armed barrier.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{current: newBarrierCycle()}
}

func newBarrierCycle() *barrierCycle {
	return &barrierCycle{
		released: make(chan struct{}),
		broken:   make(chan struct{}),
	}
}

// Await blocks until the second party arrives, the barrier is broken
// (ErrBarrierBroken), or ctx is cancelled. A cancelled waiter breaks the
// barrier so its peer is never left waiting on a rendezvous that cannot
// complete.
func (r *Rendezvous) Await(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	cycle := r.current
	cycle.arrived++
	if cycle.arrived == 2 {
		close(cycle.released)
		r.current = newBarrierCycle()
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	select {
	case <-cycle.released:
		return nil
	case <-cycle.broken:
		return ErrBarrierBroken
	case <-ctx.Done():
		r.mu.Lock()
		// The peer may have released concurrently with cancellation.
		select {
		case <-cycle.released:
			r.mu.Unlock()
			return nil
		default:
		}
		if r.current == cycle {
			close(cycle.broken)
			r.current = newBarrierCycle()
		}
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Break releases any current waiter with ErrBarrierBroken and re-arms.
// Safe to call with no waiters.
func (r *Rendezvous) Break() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current.arrived > 0 {
		close(r.current.broken)
	}
	r.current = newBarrierCycle()
}

// Waiting reports how many parties are currently parked at the barrier.
func (r *Rendezvous) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.arrived
}
