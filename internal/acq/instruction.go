/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"fmt"

	"github.com/friendsincode/lumen_scope/internal/geometry"
)

// InstructionKind tags the variants carried on the instruction queue.
type InstructionKind int

const (
	// KindFrame captures one frame at (time, channel, slice, position).
	KindFrame InstructionKind = iota
	// KindAutofocusAdjust moves the focus device before a time point's
	// frames are captured.
	KindAutofocusAdjust
	// KindTimepointDone marks the end of one time point's instructions.
	KindTimepointDone
	// KindExperimentDone marks the permanent end of the experiment's
	// stream. Emitted exactly once, always last, including on abort.
	KindExperimentDone
)

func (k InstructionKind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindAutofocusAdjust:
		return "autofocus_adjust"
	case KindTimepointDone:
		return "timepoint_done"
	case KindExperimentDone:
		return "experiment_done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Instruction is the unit placed on the queue. Immutable once constructed.
// Frame fields are meaningful only for KindFrame; FocusDevice/FocusPosition
// only for KindAutofocusAdjust; TimeIndex for both plus KindTimepointDone.
type Instruction struct {
	Kind         InstructionKind
	ExperimentID string

	TimeIndex     int
	ChannelIndex  int
	SliceIndex    int
	PositionIndex int
	Z             float64
	Position      geometry.XYPosition
	PropPairings  []PropertyPairing

	FocusDevice   string
	FocusPosition float64
}

// NewFrameInstruction builds a capture instruction.
func NewFrameInstruction(experimentID string, timeIndex, channelIndex, sliceIndex, positionIndex int, z float64, pos geometry.XYPosition, pairings []PropertyPairing) Instruction {
	return Instruction{
		Kind:          KindFrame,
		ExperimentID:  experimentID,
		TimeIndex:     timeIndex,
		ChannelIndex:  channelIndex,
		SliceIndex:    sliceIndex,
		PositionIndex: positionIndex,
		Z:             z,
		Position:      pos,
		PropPairings:  pairings,
	}
}

// NewAutofocusAdjust builds an autofocus-adjustment sentinel. It must be
// consumed before ordinary instructions of the same time index.
func NewAutofocusAdjust(experimentID string, timeIndex int, device string, position float64) Instruction {
	return Instruction{
		Kind:          KindAutofocusAdjust,
		ExperimentID:  experimentID,
		TimeIndex:     timeIndex,
		FocusDevice:   device,
		FocusPosition: position,
	}
}

// NewTimepointDone builds a timepoint-finished sentinel.
func NewTimepointDone(experimentID string, timeIndex int) Instruction {
	return Instruction{Kind: KindTimepointDone, ExperimentID: experimentID, TimeIndex: timeIndex}
}

// NewExperimentDone builds the experiment-finished sentinel.
func NewExperimentDone(experimentID string) Instruction {
	return Instruction{Kind: KindExperimentDone, ExperimentID: experimentID}
}
