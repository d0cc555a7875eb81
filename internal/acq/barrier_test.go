/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"context"
	"errors"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRendezvousMeet(t *testing.T) {
	r := NewRendezvous()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Await(context.Background()) }()
	waitFor(t, func() bool { return r.Waiting() == 1 })

	if err := r.Await(context.Background()); err != nil {
		t.Fatalf("second party: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("first party: %v", err)
	}
}

func TestRendezvousReusableAcrossCycles(t *testing.T) {
	r := NewRendezvous()

	for cycle := 0; cycle < 3; cycle++ {
		errCh := make(chan error, 1)
		go func() { errCh <- r.Await(context.Background()) }()
		waitFor(t, func() bool { return r.Waiting() == 1 })
		if err := r.Await(context.Background()); err != nil {
			t.Fatalf("cycle %d second party: %v", cycle, err)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("cycle %d first party: %v", cycle, err)
		}
	}
}

func TestRendezvousBreakReleasesWaiter(t *testing.T) {
	r := NewRendezvous()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Await(context.Background()) }()
	waitFor(t, func() bool { return r.Waiting() == 1 })

	r.Break()

	if err := <-errCh; !errors.Is(err, ErrBarrierBroken) {
		t.Fatalf("want ErrBarrierBroken, got %v", err)
	}

	// Broken barrier re-arms and stays usable.
	go func() { errCh <- r.Await(context.Background()) }()
	waitFor(t, func() bool { return r.Waiting() == 1 })
	if err := r.Await(context.Background()); err != nil {
		t.Fatalf("post-break rendezvous: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("post-break waiter: %v", err)
	}
}

func TestRendezvousBreakWithoutWaiters(t *testing.T) {
	r := NewRendezvous()
	r.Break()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Await(context.Background()) }()
	waitFor(t, func() bool { return r.Waiting() == 1 })
	if err := r.Await(context.Background()); err != nil {
		t.Fatalf("rendezvous after idle break: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("waiter after idle break: %v", err)
	}
}

func TestRendezvousCancelledWaiter(t *testing.T) {
	r := NewRendezvous()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Await(ctx) }()
	waitFor(t, func() bool { return r.Waiting() == 1 })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	// The cancelled waiter must not leave a half-armed cycle behind.
	if got := r.Waiting(); got != 0 {
		t.Fatalf("Waiting() = %d after cancelled waiter, want 0", got)
	}
}

func TestRendezvousCancelledBeforeArrival(t *testing.T) {
	r := NewRendezvous()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if got := r.Waiting(); got != 0 {
		t.Fatalf("Waiting() = %d, want 0", got)
	}
}
