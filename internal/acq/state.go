/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"sync/atomic"
	"time"

	"github.com/friendsincode/lumen_scope/internal/geometry"
)

// Phase is the event generator's state machine position.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseAwaitGate  Phase = "await_gate"
	PhaseEmitting   Phase = "emitting"
	PhaseAwaitWrite Phase = "await_write"
	PhaseAutofocus  Phase = "autofocus"
	PhaseFinished   Phase = "finished"
	PhaseAborted    Phase = "aborted"
)

// validPhaseTransitions defines the generator state machine. Terminal
// states are PhaseFinished and PhaseAborted; PhaseAborted is additionally
// reachable from every non-terminal state via cancellation.
var validPhaseTransitions = map[Phase][]Phase{
	PhaseInit:       {PhaseAwaitGate, PhaseAborted},
	PhaseAwaitGate:  {PhaseEmitting, PhaseAborted},
	PhaseEmitting:   {PhaseAwaitWrite, PhaseAborted},
	PhaseAwaitWrite: {PhaseAutofocus, PhaseAborted},
	PhaseAutofocus:  {PhaseAwaitGate, PhaseFinished, PhaseAborted},
}

// ValidPhaseTransition reports whether the generator may move from one
// phase to another.
func ValidPhaseTransition(from, to Phase) bool {
	for _, allowed := range validPhaseTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// State holds the mutable per-experiment fields. The position list and
// time point count are fixed at construction. nextStart and maxSlice are
// written only by the generator worker and read concurrently by the group
// and status queries, hence the atomics.
type State struct {
	numTimePoints int
	positions     []geometry.XYPosition

	nextStartUnixMilli atomic.Int64
	maxSliceIndex      atomic.Int32
	paused             atomic.Bool
	finished           atomic.Bool
	phase              atomic.Value // Phase
}

// NewState creates experiment state over a fixed position list.
func NewState(numTimePoints int, positions []geometry.XYPosition) *State {
	s := &State{
		numTimePoints: numTimePoints,
		positions:     positions,
	}
	s.phase.Store(PhaseInit)
	return s
}

// NumTimePoints returns the configured time point count.
func (s *State) NumTimePoints() int { return s.numTimePoints }

// Positions returns the fixed, ordered XY position list.
func (s *State) Positions() []geometry.XYPosition { return s.positions }

// NextStartTime returns the earliest instant the next time point may begin.
func (s *State) NextStartTime() time.Time {
	return time.UnixMilli(s.nextStartUnixMilli.Load())
}

// SetNextStartTime publishes the next time point deadline.
func (s *State) SetNextStartTime(t time.Time) {
	s.nextStartUnixMilli.Store(t.UnixMilli())
}

// RecordSliceIndex raises the max-slice watermark; it never decreases.
func (s *State) RecordSliceIndex(idx int) {
	for {
		cur := s.maxSliceIndex.Load()
		if int32(idx) <= cur || s.maxSliceIndex.CompareAndSwap(cur, int32(idx)) {
			return
		}
	}
}

// MaxSliceIndex returns the highest slice index emitted so far.
func (s *State) MaxSliceIndex() int { return int(s.maxSliceIndex.Load()) }

// Paused reports the paused flag.
func (s *State) Paused() bool { return s.paused.Load() }

// SetPaused sets the paused flag.
func (s *State) SetPaused(v bool) { s.paused.Store(v) }

// Finished reports whether the experiment's stream has terminated.
func (s *State) Finished() bool { return s.finished.Load() }

// MarkFinished flips the finished flag; only the first caller wins.
// The winner owns emitting the experiment-finished sentinel.
func (s *State) MarkFinished() bool {
	return s.finished.CompareAndSwap(false, true)
}

// Phase returns the generator's current phase.
func (s *State) Phase() Phase {
	return s.phase.Load().(Phase)
}

// SetPhase records the generator's phase.
func (s *State) SetPhase(p Phase) {
	s.phase.Store(p)
}
