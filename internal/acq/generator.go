/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"context"
	"time"

	"github.com/friendsincode/lumen_scope/internal/autofocus"
	"github.com/friendsincode/lumen_scope/internal/geometry"
	"github.com/rs/zerolog"
)

// generator is the experiment's dedicated event-generation worker. It is
// single-threaded: every phase transition, queue insertion, and rendezvous
// happens on the one goroutine running generate, so cross-time-point
// ordering is total by construction.
type generator struct {
	exp       *Experiment
	settings  *Settings
	state     *State
	queue     *Queue
	gateStart *Rendezvous
	gateWrite *Rendezvous
	policy    VolumePolicy
	group     Group
	autofocus autofocus.Controller
	logger    zerolog.Logger
}

// generate runs the full time point loop. A nil return means every time
// point was emitted and written; any error is a cancellation or fatal
// condition and routes the experiment to PhaseAborted.
func (g *generator) generate(ctx context.Context) error {
	g.state.SetNextStartTime(time.UnixMilli(0))
	numTimePoints := g.state.NumTimePoints()

	for timeIndex := 0; timeIndex < numTimePoints; timeIndex++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.state.SetPhase(PhaseAwaitGate)
		if err := g.awaitGate(ctx); err != nil {
			return err
		}

		g.state.SetPhase(PhaseEmitting)
		if err := g.emitTimepoint(ctx, timeIndex, numTimePoints); err != nil {
			return err
		}

		g.state.SetPhase(PhaseAwaitWrite)
		if err := g.gateWrite.Await(ctx); err != nil {
			return err
		}

		// Let a sibling start generating before autofocus occupies this
		// worker.
		if g.group != nil {
			g.group.TimepointGenerationDone(g.exp)
		}

		g.state.SetPhase(PhaseAutofocus)
		if g.autofocus != nil {
			if err := g.autofocus.Run(ctx, timeIndex); err != nil {
				g.logger.Warn().Err(err).Int("time_index", timeIndex).Msg("autofocus failed, continuing")
			}
		}
	}
	return nil
}

// awaitGate blocks until the scheduled start instant has passed and the
// coordinating group meets this experiment at the start rendezvous. A
// broken rendezvous means the experiment was aborted, not a transient
// error, and is returned as-is.
func (g *generator) awaitGate(ctx context.Context) error {
	if delay := time.Until(g.state.NextStartTime()); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.gateStart.Await(ctx)
}

func (g *generator) emitTimepoint(ctx context.Context, timeIndex, numTimePoints int) error {
	if err := g.emitAutofocusAdjust(ctx, timeIndex); err != nil {
		return err
	}

	// Publish the next deadline before walking positions so peers
	// scheduling against it see the update as soon as possible.
	interval := time.Duration(g.settings.IntervalMillis() * float64(time.Millisecond))
	g.state.SetNextStartTime(time.Now().Add(interval))

	for positionIndex, position := range g.state.Positions() {
		if err := g.emitPosition(ctx, timeIndex, positionIndex, position); err != nil {
			return err
		}
	}

	if timeIndex == numTimePoints-1 {
		// Whoever flips the finished flag owns the one and only
		// experiment-finished sentinel; losing the race to an abort means
		// the sentinel is already on its way.
		if !g.state.MarkFinished() {
			return context.Canceled
		}
		if err := g.queue.Put(ctx, NewExperimentDone(g.exp.ID)); err != nil {
			// The flag is set but the sentinel never landed; the worker's
			// cleanup path must still deliver it.
			return errSentinelOwed
		}
		return nil
	}
	return g.queue.Put(ctx, NewTimepointDone(g.exp.ID, timeIndex))
}

// emitAutofocusAdjust enqueues at most one focus move per time point: the
// controller's last computed position after the first two time points, or
// the configured initial position before that.
func (g *generator) emitAutofocusAdjust(ctx context.Context, timeIndex int) error {
	if g.autofocus == nil {
		return nil
	}
	if timeIndex > 1 {
		ins := NewAutofocusAdjust(g.exp.ID, timeIndex, g.settings.AutofocusZDevice, g.autofocus.CurrentPosition())
		return g.queue.Put(ctx, ins)
	}
	if g.settings.SetInitialAutofocusPosition {
		ins := NewAutofocusAdjust(g.exp.ID, timeIndex, g.settings.AutofocusZDevice, g.settings.InitialAutofocusPosition)
		return g.queue.Put(ctx, ins)
	}
	return nil
}

// emitPosition walks slice indices upward from 0 at one position. The
// above check runs strictly before the below check so a position-dependent
// top is honored before the terminal bottom condition fires.
func (g *generator) emitPosition(ctx context.Context, timeIndex, positionIndex int, position geometry.XYPosition) error {
	zTop := g.policy.Top()
	for sliceIndex := 0; ; sliceIndex++ {
		z := zTop + float64(sliceIndex)*g.settings.ZStep

		if g.policy.SinglePlane() {
			if sliceIndex > 0 {
				break
			}
		} else {
			if g.policy.Above(position, z) || g.beforeTravelRange(z) {
				continue
			}
			if g.policy.Below(position, z) || g.pastTravelRange(z) {
				break
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		g.state.RecordSliceIndex(sliceIndex)

		// Single channel per slice; multi-channel fan-out is a deliberate
		// extension point.
		ins := NewFrameInstruction(g.exp.ID, timeIndex, 0, sliceIndex, positionIndex, z, position, g.settings.PropPairings)
		if err := g.queue.Put(ctx, ins); err != nil {
			return err
		}
	}
	return nil
}

// beforeTravelRange reports whether z falls outside the focus device's
// travel on the side the walk starts from (skip the slice and keep going).
func (g *generator) beforeTravelRange(z float64) bool {
	if !g.settings.ZStageHasLimits {
		return false
	}
	if g.settings.ZStep >= 0 {
		return z < g.settings.ZStageLowerLimit
	}
	return z > g.settings.ZStageUpperLimit
}

// pastTravelRange reports whether z has left the travel range on the far
// side (the walk is over for this position).
func (g *generator) pastTravelRange(z float64) bool {
	if !g.settings.ZStageHasLimits {
		return false
	}
	if g.settings.ZStep >= 0 {
		return z > g.settings.ZStageUpperLimit
	}
	return z < g.settings.ZStageLowerLimit
}
