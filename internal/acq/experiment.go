/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/lumen_scope/internal/autofocus"
	"github.com/friendsincode/lumen_scope/internal/geometry"
	"github.com/friendsincode/lumen_scope/internal/hardware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// errSentinelOwed reports that the generator won the finished flag but was
// cancelled before the experiment-finished sentinel reached the queue. The
// winner's obligation to deliver exactly one sentinel survives cancellation.
var errSentinelOwed = errors.New("finished flag set but experiment-finished sentinel not enqueued")

// Group is the coordinating party arbitrating between sibling experiments
// that share one instruction queue. TimepointGenerationDone must not block
// the generator worker on another experiment's rendezvous; Aborted blocks
// the aborter until the write sink has drained the experiment.
type Group interface {
	TimepointGenerationDone(exp *Experiment)
	Aborted(exp *Experiment)
}

// Collaborators bundles the external parties an experiment consumes.
// Hardware is required only when no spatial mode is configured; Autofocus
// and Group are optional.
type Collaborators struct {
	Hardware  hardware.Status
	Autofocus autofocus.Controller
	Group     Group
	Logger    zerolog.Logger
}

// Experiment owns one acquisition's state, both rendezvous gates, and the
// dedicated event-generation worker. All state writes happen on the worker;
// everything exposed to other threads goes through atomics or the gates.
type Experiment struct {
	ID       string
	settings *Settings
	state    *State
	queue    *Queue

	gateStart *Rendezvous // TimepointGate: generator <-> group
	gateWrite *Rendezvous // WriteCompletionGate: generator <-> sink

	group  Group
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

// NewExperiment validates settings, resolves the XY position list, and
// starts the event generator worker. Any failure here is fatal to the
// experiment before it starts and is surfaced, not retried.
func NewExperiment(ctx context.Context, settings *Settings, queue *Queue, c Collaborators) (*Experiment, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	policy, err := NewVolumePolicy(settings)
	if err != nil {
		return nil, err
	}
	positions, err := resolvePositions(ctx, settings, c.Hardware)
	if err != nil {
		return nil, fmt.Errorf("resolve XY positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: empty position list", ErrInvalidSettings)
	}

	id := uuid.NewString()
	logger := c.Logger.With().
		Str("component", "acq").
		Str("experiment_id", id).
		Str("experiment", settings.Name).
		Logger()

	exp := &Experiment{
		ID:        id,
		settings:  settings,
		state:     NewState(settings.EffectiveTimePoints(), positions),
		queue:     queue,
		gateStart: NewRendezvous(),
		gateWrite: NewRendezvous(),
		group:     c.Group,
		done:      make(chan struct{}),
		logger:    logger,
	}

	var af autofocus.Controller
	if settings.AutofocusEnabled {
		af = c.Autofocus
	}

	gen := &generator{
		exp:       exp,
		settings:  settings,
		state:     exp.state,
		queue:     queue,
		gateStart: exp.gateStart,
		gateWrite: exp.gateWrite,
		policy:    policy,
		group:     c.Group,
		autofocus: af,
		logger:    logger,
	}

	genCtx, cancel := context.WithCancel(context.Background())
	exp.cancel = cancel

	go func() {
		defer close(exp.done)
		err := gen.generate(genCtx)
		switch {
		case err == nil:
			exp.state.SetPhase(PhaseFinished)
			logger.Info().Msg("event generation finished")
		case errors.Is(err, ErrBarrierBroken), errors.Is(err, context.Canceled):
			exp.state.SetPhase(PhaseAborted)
			logger.Info().Msg("event generation cancelled")
		case errors.Is(err, errSentinelOwed):
			// The generator won the finished flag but was cancelled before
			// the sentinel landed. Drain first so the delivery cannot block
			// on a full queue, then deliver: the flag is already set, so
			// nobody else will.
			exp.state.SetPhase(PhaseAborted)
			exp.queue.DrainExperiment(exp.ID)
			if perr := exp.queue.Put(context.Background(), NewExperimentDone(exp.ID)); perr != nil {
				logger.Error().Err(perr).Msg("failed to enqueue experiment-finished sentinel")
			}
			logger.Info().Msg("event generation cancelled during final sentinel delivery")
		default:
			// Fatal (non-cancellation) failure: clean up the stream the
			// way an abort would so downstream consumers still observe a
			// terminal sentinel.
			exp.state.SetPhase(PhaseAborted)
			logger.Error().Err(err).Msg("event generation failed")
			exp.queue.DrainExperiment(exp.ID)
			if exp.state.MarkFinished() {
				if perr := exp.queue.Put(context.Background(), NewExperimentDone(exp.ID)); perr != nil {
					logger.Error().Err(perr).Msg("failed to enqueue experiment-finished sentinel")
				}
			}
			if exp.group != nil {
				exp.group.Aborted(exp)
			}
			exp.gateStart.Break()
		}
	}()

	logger.Info().
		Int("time_points", exp.state.NumTimePoints()).
		Int("positions", len(positions)).
		Str("space_mode", settings.SpaceMode.String()).
		Msg("experiment started")

	return exp, nil
}

func resolvePositions(ctx context.Context, s *Settings, hw hardware.Status) ([]geometry.XYPosition, error) {
	switch s.SpaceMode {
	case SpaceModeSurfaceFixedDistance:
		return s.FixedSurface.XYPositions(s.TileOverlapPercent)
	case SpaceModeVolumeBetweenSurfaces:
		if s.UseTopFootprint {
			return s.TopSurface.XYPositions(s.TileOverlapPercent)
		}
		return s.BottomSurface.XYPositions(s.TileOverlapPercent)
	case SpaceModeSimpleZStack, SpaceModeRegion2D:
		return s.Footprint.XYPositions(s.TileOverlapPercent)
	default:
		if hw == nil {
			return nil, fmt.Errorf("%w: no spatial mode and no hardware status for the stage fallback", ErrInvalidSettings)
		}
		return geometry.SinglePositionFromStage(ctx, hw, s.TileOverlapPercent)
	}
}

// Abort stops the experiment and blocks until fully stopped: the worker
// has exited, this experiment's pending instructions are drained from the
// shared queue (siblings untouched), the experiment-finished sentinel is
// enqueued, the group has confirmed the sink drained, and the start gate
// is released so no party is left waiting. Idempotent once the worker has
// exited with the finished flag set; a set flag alone is not enough, since
// the generator may still be blocked delivering the final sentinel into a
// full queue.
func (e *Experiment) Abort() {
	select {
	case <-e.done:
		if e.state.Finished() {
			return
		}
	default:
	}

	e.cancel()
	<-e.done

	// The worker beat the cancellation: every time point was emitted and
	// the sink already confirmed the final write gate. Nothing to clean.
	if e.state.Phase() == PhaseFinished {
		return
	}

	e.queue.DrainExperiment(e.ID)
	if e.state.MarkFinished() {
		if err := e.queue.Put(context.Background(), NewExperimentDone(e.ID)); err != nil {
			e.logger.Error().Err(err).Msg("failed to enqueue experiment-finished sentinel on abort")
		}
	}
	e.state.SetPhase(PhaseAborted)

	if e.group != nil {
		e.group.Aborted(e)
	}

	// The group must never hang waiting to meet this experiment at the
	// start gate.
	e.gateStart.Break()

	e.logger.Info().Msg("experiment aborted")
}

// ReadyForNextTimepoint is the group's entry to the start rendezvous. It
// returns when the generator also arrives, or with ErrBarrierBroken /
// ctx.Err() when the rendezvous cannot complete.
func (e *Experiment) ReadyForNextTimepoint(ctx context.Context) error {
	return e.gateStart.Await(ctx)
}

// TimepointWritten is called by the write sink after all of one time
// point's frames are durably persisted. It never waits on a generator that
// has already exited, so a sink arriving just after an abort is not left
// parked at a gate nobody else will reach.
func (e *Experiment) TimepointWritten(ctx context.Context) error {
	return e.awaitWriteGate(ctx)
}

// AllWritesFinished is called by the write sink when the experiment's
// stream has ended (finished or aborted). It meets a generator parked at
// (or still heading to) the write gate, and returns without waiting once
// the worker has exited, as it already has after an abort.
func (e *Experiment) AllWritesFinished() {
	_ = e.awaitWriteGate(context.Background())
}

// awaitWriteGate enters the write rendezvous with a context that is
// additionally cancelled when the generator worker exits.
func (e *Experiment) awaitWriteGate(ctx context.Context) error {
	gateCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-gateCtx.Done():
		}
	}()
	return e.gateWrite.Await(gateCtx)
}

// NextScheduledStartTime answers the group's "when do you next want to
// run" query.
func (e *Experiment) NextScheduledStartTime() time.Time {
	return e.state.NextStartTime()
}

// MaxSliceIndex returns the highest slice index emitted so far.
func (e *Experiment) MaxSliceIndex() int { return e.state.MaxSliceIndex() }

// IsPaused reports the paused flag.
func (e *Experiment) IsPaused() bool { return e.state.Paused() }

// SetPaused sets the paused flag.
func (e *Experiment) SetPaused(v bool) { e.state.SetPaused(v) }

// IsFinished reports whether the experiment's stream has terminated.
func (e *Experiment) IsFinished() bool { return e.state.Finished() }

// Phase returns the generator's current phase.
func (e *Experiment) Phase() Phase { return e.state.Phase() }

// Done is closed when the event-generation worker has exited.
func (e *Experiment) Done() <-chan struct{} { return e.done }

// Settings returns the immutable acquisition settings.
func (e *Experiment) Settings() *Settings { return e.settings }

// Positions returns the fixed XY position list.
func (e *Experiment) Positions() []geometry.XYPosition { return e.state.Positions() }

// NumRows returns the grid row count covered by the position list.
func (e *Experiment) NumRows() int { return geometry.NumRows(e.state.Positions()) }

// NumColumns returns the grid column count covered by the position list.
func (e *Experiment) NumColumns() int { return geometry.NumColumns(e.state.Positions()) }
