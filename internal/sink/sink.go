/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sink consumes the shared instruction queue: it persists frame and
// focus records, confirms each time point back at the write gate, and closes
// out experiment streams when their finished sentinel arrives.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/friendsincode/lumen_scope/internal/acq"
	"github.com/friendsincode/lumen_scope/internal/events"
	"github.com/friendsincode/lumen_scope/internal/models"
	"github.com/friendsincode/lumen_scope/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ExperimentResolver maps instruction streams back to live experiments.
// Implemented by the group coordinator.
type ExperimentResolver interface {
	Lookup(id string) *acq.Experiment
	ExperimentClosed(id string)
	AttachSink()
}

// Writer is the single logical consumer of the instruction queue.
type Writer struct {
	queue    *acq.Queue
	resolver ExperimentResolver
	db       *gorm.DB
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewWriter creates a write sink. db may be nil for in-memory operation;
// persistence is then skipped, gate confirmation is not.
func NewWriter(queue *acq.Queue, resolver ExperimentResolver, db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Writer {
	return &Writer{
		queue:    queue,
		resolver: resolver,
		db:       db,
		bus:      bus,
		logger:   logger.With().Str("component", "sink").Logger(),
	}
}

// Run consumes instructions until ctx is cancelled or the queue closes.
// Persistence failures are logged and never stall the acquisition; gate
// confirmations always happen.
func (w *Writer) Run(ctx context.Context) error {
	w.resolver.AttachSink()
	w.logger.Info().Msg("write sink started")

	for {
		ins, err := w.queue.Take(ctx)
		if err != nil {
			if errors.Is(err, acq.ErrQueueClosed) {
				return nil
			}
			return err
		}
		telemetry.QueueDepth.Set(float64(w.queue.Len()))
		telemetry.InstructionsConsumed.WithLabelValues(ins.Kind.String()).Inc()

		switch ins.Kind {
		case acq.KindFrame:
			w.handleFrame(ins)
		case acq.KindAutofocusAdjust:
			w.handleAutofocus(ins)
		case acq.KindTimepointDone:
			w.handleTimepointDone(ctx, ins)
		case acq.KindExperimentDone:
			w.handleExperimentDone(ins)
		}
	}
}

func (w *Writer) handleFrame(ins acq.Instruction) {
	if w.db != nil {
		rec := models.FrameRecord{
			ID:            uuid.NewString(),
			ExperimentID:  ins.ExperimentID,
			TimeIndex:     ins.TimeIndex,
			ChannelIndex:  ins.ChannelIndex,
			SliceIndex:    ins.SliceIndex,
			PositionIndex: ins.PositionIndex,
			Z:             ins.Z,
			GridRow:       ins.Position.GridRow,
			GridCol:       ins.Position.GridCol,
			StageX:        ins.Position.X,
			StageY:        ins.Position.Y,
			CreatedAt:     time.Now(),
		}
		if err := w.db.Create(&rec).Error; err != nil {
			w.logger.Error().Err(err).Str("experiment_id", ins.ExperimentID).Msg("persist frame record")
		}
	}
	telemetry.FramesWritten.Inc()
	w.publish(events.EventFrameWritten, events.Payload{
		"experiment_id":  ins.ExperimentID,
		"time_index":     ins.TimeIndex,
		"slice_index":    ins.SliceIndex,
		"position_index": ins.PositionIndex,
		"z":              ins.Z,
	})
}

func (w *Writer) handleAutofocus(ins acq.Instruction) {
	if w.db != nil {
		rec := models.FocusAdjustment{
			ExperimentID: ins.ExperimentID,
			TimeIndex:    ins.TimeIndex,
			Device:       ins.FocusDevice,
			Position:     ins.FocusPosition,
			CreatedAt:    time.Now(),
		}
		if err := w.db.Create(&rec).Error; err != nil {
			w.logger.Error().Err(err).Str("experiment_id", ins.ExperimentID).Msg("persist focus adjustment")
		}
	}
	w.publish(events.EventAutofocusAdjusted, events.Payload{
		"experiment_id": ins.ExperimentID,
		"time_index":    ins.TimeIndex,
		"device":        ins.FocusDevice,
		"position":      ins.FocusPosition,
	})
}

func (w *Writer) handleTimepointDone(ctx context.Context, ins acq.Instruction) {
	exp := w.resolver.Lookup(ins.ExperimentID)
	if exp != nil {
		if err := exp.TimepointWritten(ctx); err != nil {
			w.logger.Warn().Err(err).Str("experiment_id", ins.ExperimentID).Msg("write gate not met")
		}
	}
	w.publish(events.EventTimepointWritten, events.Payload{
		"experiment_id": ins.ExperimentID,
		"time_index":    ins.TimeIndex,
	})
}

// handleExperimentDone closes out a stream. The coordinator is told first so
// an aborter blocked on the drain is released even while the generator is
// still shutting down; only then is a generator parked at the write gate let
// go.
func (w *Writer) handleExperimentDone(ins acq.Instruction) {
	exp := w.resolver.Lookup(ins.ExperimentID)
	w.resolver.ExperimentClosed(ins.ExperimentID)
	if exp == nil {
		return
	}
	exp.AllWritesFinished()

	state := models.ExperimentFinished
	event := events.EventExperimentFinished
	if exp.Phase() == acq.PhaseAborted {
		state = models.ExperimentAborted
		event = events.EventExperimentAborted
		telemetry.AbortsTotal.Inc()
	}
	telemetry.ExperimentsActive.Dec()

	if w.db != nil {
		err := w.db.Model(&models.Experiment{}).
			Where("id = ?", ins.ExperimentID).
			Updates(map[string]any{
				"state":           state,
				"max_slice_index": exp.MaxSliceIndex(),
			}).Error
		if err != nil {
			w.logger.Error().Err(err).Str("experiment_id", ins.ExperimentID).Msg("update experiment record")
		}
	}

	w.publish(event, events.Payload{
		"experiment_id":   ins.ExperimentID,
		"max_slice_index": exp.MaxSliceIndex(),
	})
	w.logger.Info().Str("experiment_id", ins.ExperimentID).Str("state", string(state)).Msg("experiment stream drained")
}

func (w *Writer) publish(eventType events.EventType, payload events.Payload) {
	if w.bus != nil {
		w.bus.Publish(eventType, payload)
	}
}
