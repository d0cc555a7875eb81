/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package acq implements the acquisition event-generation and timing
// engine: per-experiment instruction scheduling across time points, stage
// positions, and focal slices, synchronized with sibling experiments and
// the downstream frame writer.
package acq

import (
	"errors"
	"fmt"

	"github.com/friendsincode/lumen_scope/internal/geometry"
)

// SpaceMode selects how XY positions and the slice range are derived.
type SpaceMode int

const (
	// SpaceModeNone images a single plane at the current stage position.
	SpaceModeNone SpaceMode = iota
	// SpaceModeRegion2D images a single plane per position over a footprint.
	SpaceModeRegion2D
	// SpaceModeSimpleZStack walks an explicit Z start/end range.
	SpaceModeSimpleZStack
	// SpaceModeSurfaceFixedDistance walks a fixed distance around one surface.
	SpaceModeSurfaceFixedDistance
	// SpaceModeVolumeBetweenSurfaces walks the volume between two surfaces.
	SpaceModeVolumeBetweenSurfaces
)

func (m SpaceMode) String() string {
	switch m {
	case SpaceModeNone:
		return "none"
	case SpaceModeRegion2D:
		return "region_2d"
	case SpaceModeSimpleZStack:
		return "simple_z_stack"
	case SpaceModeSurfaceFixedDistance:
		return "surface_fixed_distance"
	case SpaceModeVolumeBetweenSurfaces:
		return "volume_between_surfaces"
	default:
		return fmt.Sprintf("space_mode(%d)", int(m))
	}
}

// TimeUnit is the unit of the configured time point interval.
type TimeUnit int

const (
	UnitMilliseconds TimeUnit = iota
	UnitSeconds
	UnitMinutes
)

// ErrInvalidSettings indicates contradictory or incomplete acquisition
// settings. Fatal to the experiment before or as it starts.
var ErrInvalidSettings = errors.New("invalid acquisition settings")

// Settings describes one multi-dimensional acquisition. Read once at
// experiment construction; never mutated afterwards.
type Settings struct {
	Name string

	// Time dimension. When TimeEnabled is false the experiment collapses
	// to a single time point regardless of NumTimePoints.
	TimeEnabled       bool
	NumTimePoints     int
	TimePointInterval float64
	TimeIntervalUnit  TimeUnit

	// Space dimension.
	SpaceMode          SpaceMode
	TileOverlapPercent int
	Footprint          geometry.PositionSource
	FixedSurface       geometry.BoundedSurface
	TopSurface         geometry.BoundedSurface
	BottomSurface      geometry.BoundedSurface
	// UseTopFootprint selects which surface's footprint yields XY positions
	// in between-surfaces mode.
	UseTopFootprint bool

	// Z dimension.
	ZStep   float64
	ZStart  float64
	ZEnd    float64
	ZOrigin float64
	// Fixed-distance offsets around the single surface.
	DistanceAboveFixedSurface float64
	DistanceBelowFixedSurface float64
	// Offsets around the top/bottom surfaces in between-surfaces mode.
	DistanceAboveTopSurface    float64
	DistanceBelowBottomSurface float64

	// Focus device travel limits, checked independently of the volume
	// predicates when ZStageHasLimits is set.
	ZStageHasLimits  bool
	ZStageLowerLimit float64
	ZStageUpperLimit float64

	// Channels. The slice walk emits channel index 0 only; the list is kept
	// for the autofocus channel lookup and future fan-out.
	ChannelNames         []string
	AutofocusChannelName string

	// Autofocus.
	AutofocusEnabled            bool
	AutofocusZDevice            string
	AutofocusMaxDisplacementUm  float64
	SetInitialAutofocusPosition bool
	InitialAutofocusPosition    float64

	// Device property pairings applied with every frame instruction.
	PropPairings []PropertyPairing
}

// PropertyPairing is one device property set alongside a capture.
type PropertyPairing struct {
	Device   string
	Property string
	Value    string
}

// EffectiveTimePoints returns the number of time points the experiment will
// actually run.
func (s *Settings) EffectiveTimePoints() int {
	if !s.TimeEnabled {
		return 1
	}
	return s.NumTimePoints
}

// IntervalMillis converts the configured interval to milliseconds.
func (s *Settings) IntervalMillis() float64 {
	switch s.TimeIntervalUnit {
	case UnitSeconds:
		return s.TimePointInterval * 1000
	case UnitMinutes:
		return s.TimePointInterval * 60000
	default:
		return s.TimePointInterval
	}
}

// Validate checks the settings for contradictions that would make the
// experiment unrunnable.
func (s *Settings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidSettings)
	}
	if s.TimeEnabled && s.NumTimePoints < 1 {
		return fmt.Errorf("%w: numTimePoints must be >= 1 when time is enabled", ErrInvalidSettings)
	}
	switch s.SpaceMode {
	case SpaceModeNone:
		// Single position from the stage; nothing else required.
	case SpaceModeRegion2D:
		if s.Footprint == nil {
			return fmt.Errorf("%w: region_2d requires a footprint", ErrInvalidSettings)
		}
	case SpaceModeSimpleZStack:
		if s.Footprint == nil {
			return fmt.Errorf("%w: simple_z_stack requires a footprint", ErrInvalidSettings)
		}
		if s.ZStep == 0 {
			return fmt.Errorf("%w: zStep must be nonzero", ErrInvalidSettings)
		}
		if (s.ZEnd-s.ZStart)*sign(s.ZStep) < 0 {
			return fmt.Errorf("%w: z range start=%v end=%v unreachable with step=%v", ErrInvalidSettings, s.ZStart, s.ZEnd, s.ZStep)
		}
	case SpaceModeSurfaceFixedDistance:
		if s.FixedSurface == nil {
			return fmt.Errorf("%w: surface_fixed_distance requires a surface", ErrInvalidSettings)
		}
		if s.ZStep == 0 {
			return fmt.Errorf("%w: zStep must be nonzero", ErrInvalidSettings)
		}
	case SpaceModeVolumeBetweenSurfaces:
		if s.TopSurface == nil || s.BottomSurface == nil {
			return fmt.Errorf("%w: volume_between_surfaces requires top and bottom surfaces", ErrInvalidSettings)
		}
		if s.ZStep == 0 {
			return fmt.Errorf("%w: zStep must be nonzero", ErrInvalidSettings)
		}
	default:
		return fmt.Errorf("%w: unknown space mode %d", ErrInvalidSettings, int(s.SpaceMode))
	}
	if s.ZStageHasLimits && s.ZStageLowerLimit > s.ZStageUpperLimit {
		return fmt.Errorf("%w: z stage lower limit above upper limit", ErrInvalidSettings)
	}
	return nil
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
