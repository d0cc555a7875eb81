/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package group coordinates concurrently running experiments that share one
// instruction queue. A single coordinator goroutine meets each experiment's
// generator at its start gate, earliest scheduled deadline first, so sibling
// time points never interleave mid-generation.
package group

import (
	"context"
	"sync"

	"github.com/friendsincode/lumen_scope/internal/acq"
	"github.com/friendsincode/lumen_scope/internal/autofocus"
	"github.com/friendsincode/lumen_scope/internal/hardware"
	"github.com/friendsincode/lumen_scope/internal/telemetry"
	"github.com/rs/zerolog"
)

type member struct {
	exp *acq.Experiment

	// tpDone is signalled when the member's generator finishes one time
	// point's event generation, letting the coordinator pick the next member.
	tpDone chan struct{}

	// drained is closed when the write sink has consumed the member's
	// experiment-finished sentinel.
	drained     chan struct{}
	drainedOnce sync.Once
}

// Coordinator owns the shared queue's producer side arbitration. It
// implements acq.Group for the experiments it launches.
type Coordinator struct {
	queue   *acq.Queue
	hw      hardware.Status
	measure autofocus.MeasureFunc
	logger  zerolog.Logger

	mu           sync.Mutex
	members      map[string]*member
	sinkAttached bool

	wake chan struct{}
}

// NewCoordinator creates a coordinator over the shared instruction queue.
// hw and measure may be nil; experiments needing them fail at launch.
func NewCoordinator(queue *acq.Queue, hw hardware.Status, measure autofocus.MeasureFunc, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		queue:   queue,
		hw:      hw,
		measure: measure,
		logger:  logger.With().Str("component", "group").Logger(),
		members: make(map[string]*member),
		wake:    make(chan struct{}, 1),
	}
}

// Launch validates settings, starts the experiment with this coordinator as
// its group, and registers it for scheduling.
func (c *Coordinator) Launch(ctx context.Context, settings *acq.Settings) (*acq.Experiment, error) {
	var af autofocus.Controller
	if settings.AutofocusEnabled {
		af = autofocus.NewDriftController(
			settings.AutofocusZDevice,
			settings.InitialAutofocusPosition,
			settings.AutofocusMaxDisplacementUm,
			c.measure,
			c.logger,
		)
	}

	exp, err := acq.NewExperiment(ctx, settings, c.queue, acq.Collaborators{
		Hardware:  c.hw,
		Autofocus: af,
		Group:     c,
		Logger:    c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.Add(exp)
	return exp, nil
}

// Add registers an already-running experiment for scheduling.
func (c *Coordinator) Add(exp *acq.Experiment) {
	c.mu.Lock()
	c.members[exp.ID] = &member{
		exp:     exp,
		tpDone:  make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	c.mu.Unlock()
	telemetry.ExperimentsActive.Inc()
	c.signalWake()
}

// Lookup returns the experiment with the given ID, or nil. Finished
// experiments stay visible for status queries.
func (c *Coordinator) Lookup(id string) *acq.Experiment {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.members[id]; ok {
		return m.exp
	}
	return nil
}

// Experiments returns a snapshot of all registered experiments.
func (c *Coordinator) Experiments() []*acq.Experiment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*acq.Experiment, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.exp)
	}
	return out
}

// SetPaused flips an experiment's paused flag and reschedules. Returns
// false if the experiment is unknown.
func (c *Coordinator) SetPaused(id string, paused bool) bool {
	exp := c.Lookup(id)
	if exp == nil {
		return false
	}
	exp.SetPaused(paused)
	c.signalWake()
	return true
}

// AttachSink marks that a write sink is consuming the queue, which makes
// Aborted wait for the sink to drain an aborted experiment's stream.
func (c *Coordinator) AttachSink() {
	c.mu.Lock()
	c.sinkAttached = true
	c.mu.Unlock()
}

// ExperimentClosed is called by the write sink after it consumed an
// experiment's finished sentinel. It releases any Aborted caller and takes
// the member out of scheduling.
func (c *Coordinator) ExperimentClosed(id string) {
	c.mu.Lock()
	m := c.members[id]
	c.mu.Unlock()
	if m == nil {
		return
	}
	m.drainedOnce.Do(func() { close(m.drained) })
	c.signalWake()
	c.logger.Info().Str("experiment_id", id).Msg("experiment stream closed")
}

// TimepointGenerationDone implements acq.Group: the member's generator has
// finished one time point and a sibling may start.
func (c *Coordinator) TimepointGenerationDone(exp *acq.Experiment) {
	c.mu.Lock()
	m := c.members[exp.ID]
	c.mu.Unlock()
	if m == nil {
		return
	}
	select {
	case m.tpDone <- struct{}{}:
	default:
	}
}

// Aborted implements acq.Group: it blocks the aborter until the write sink
// has consumed the aborted experiment's sentinel, so "aborted" means
// "nothing of this experiment is still in flight". Without a sink there is
// nothing to wait for.
func (c *Coordinator) Aborted(exp *acq.Experiment) {
	c.mu.Lock()
	m := c.members[exp.ID]
	attached := c.sinkAttached
	c.mu.Unlock()
	if m == nil || !attached {
		return
	}
	<-m.drained
}

// Run drives the scheduling loop until ctx is cancelled. At most one member
// generates a time point at a time; the next member is always the eligible
// one with the earliest scheduled start.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().Msg("coordinator started")
	for {
		m := c.nextDue()
		if m == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}
		if err := c.runTimepoint(ctx, m); err != nil {
			return err
		}
	}
}

// nextDue picks the eligible member with the earliest next start time.
func (c *Coordinator) nextDue() *member {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *member
	for _, m := range c.members {
		if m.exp.IsFinished() || m.exp.IsPaused() {
			continue
		}
		if best == nil || m.exp.NextScheduledStartTime().Before(best.exp.NextScheduledStartTime()) {
			best = m
		}
	}
	return best
}

// runTimepoint meets one member at its start gate and waits for its time
// point generation to complete. A member that aborts or finishes while we
// wait just falls out of scheduling; only coordinator cancellation is an
// error.
func (c *Coordinator) runTimepoint(ctx context.Context, m *member) error {
	awaitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.exp.Done():
			cancel()
		case <-awaitCtx.Done():
		}
	}()

	if err := m.exp.ReadyForNextTimepoint(awaitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug().Str("experiment_id", m.exp.ID).Err(err).Msg("start gate not met, member leaves scheduling")
		return nil
	}

	select {
	case <-m.tpDone:
	case <-m.exp.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Coordinator) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
