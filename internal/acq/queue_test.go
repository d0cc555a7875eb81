/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"context"
	"errors"
	"testing"
)

func TestQueueOrdering(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Put(ctx, NewTimepointDone("exp", i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		ins, err := q.Take(ctx)
		if err != nil {
			t.Fatalf("Take(%d): %v", i, err)
		}
		if ins.TimeIndex != i {
			t.Fatalf("Take(%d) time index = %d", i, ins.TimeIndex)
		}
	}
}

func TestQueuePutBlocksUntilSpace(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	if err := q.Put(ctx, NewTimepointDone("exp", 0)); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- q.Put(ctx, NewTimepointDone("exp", 1)) }()

	select {
	case err := <-errCh:
		t.Fatalf("Put returned before space was available: %v", err)
	default:
	}

	if _, err := q.Take(ctx); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("blocked Put: %v", err)
	}
	ins, err := q.Take(ctx)
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}
	if ins.TimeIndex != 1 {
		t.Fatalf("second Take time index = %d, want 1", ins.TimeIndex)
	}
}

func TestQueuePutCancelledWhileFull(t *testing.T) {
	q := NewQueue(1)
	if err := q.Put(context.Background(), NewTimepointDone("exp", 0)); err != nil {
		t.Fatalf("fill: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Put(ctx, NewTimepointDone("exp", 1)) }()
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("Len() = %d after cancelled Put, want 1", got)
	}
}

func TestQueueTakeCancelledWhileEmpty(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		errCh <- err
	}()
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestQueueDrainExperiment(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()

	puts := []Instruction{
		NewFrameInstruction("a", 0, 0, 0, 0, 0, positionAt(0, 0), nil),
		NewFrameInstruction("b", 0, 0, 0, 0, 0, positionAt(0, 0), nil),
		NewTimepointDone("a", 0),
		NewExperimentDone("a"),
		NewTimepointDone("b", 0),
	}
	for _, ins := range puts {
		if err := q.Put(ctx, ins); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if removed := q.DrainExperiment("a"); removed != 2 {
		t.Fatalf("DrainExperiment removed %d, want 2", removed)
	}

	// Sibling instructions survive in order, and the experiment-finished
	// sentinel is never drained.
	want := []struct {
		exp  string
		kind InstructionKind
	}{
		{"b", KindFrame},
		{"a", KindExperimentDone},
		{"b", KindTimepointDone},
	}
	for i, w := range want {
		ins, err := q.Take(ctx)
		if err != nil {
			t.Fatalf("Take(%d): %v", i, err)
		}
		if ins.ExperimentID != w.exp || ins.Kind != w.kind {
			t.Fatalf("Take(%d) = %s/%s, want %s/%s", i, ins.ExperimentID, ins.Kind, w.exp, w.kind)
		}
	}
}

func TestQueueDrainUnblocksProducer(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	if err := q.Put(ctx, NewFrameInstruction("a", 0, 0, 0, 0, 0, positionAt(0, 0), nil)); err != nil {
		t.Fatalf("fill: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- q.Put(ctx, NewTimepointDone("b", 0)) }()
	waitFor(t, func() bool { return q.Len() == 1 })

	q.DrainExperiment("a")
	if err := <-errCh; err != nil {
		t.Fatalf("blocked Put after drain: %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	if err := q.Put(ctx, NewTimepointDone("exp", 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	q.Close()

	// Pending items drain before the closed error surfaces.
	if _, err := q.Take(ctx); err != nil {
		t.Fatalf("Take of pending item: %v", err)
	}
	if _, err := q.Take(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Take on drained closed queue: want ErrQueueClosed, got %v", err)
	}
	if err := q.Put(ctx, NewTimepointDone("exp", 1)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Put on closed queue: want ErrQueueClosed, got %v", err)
	}
}
