/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package geometry defines the spatial collaborators the acquisition engine
// consumes: XY stage position descriptors, interpolated surfaces, and
// position sources. Surface interpolation itself lives outside this service.
package geometry

import (
	"context"
	"fmt"

	"github.com/friendsincode/lumen_scope/internal/hardware"
)

// XYPosition describes one stage position in an acquisition grid.
// Immutable once constructed.
type XYPosition struct {
	Name        string
	X           float64
	Y           float64
	GridRow     int
	GridCol     int
	FrameWidth  int // tile width minus overlap, px
	FrameHeight int // tile height minus overlap, px
	PixelSize   string
}

// Surface answers volume-membership queries for an interpolated sample
// surface. ReferenceZ is the Z of the surface's first interpolation point,
// which bounds the shallowest slice of any position over it.
type Surface interface {
	ReferenceZ() float64
	IsCompletelyAbove(pos XYPosition, z float64) bool
	IsCompletelyBelow(pos XYPosition, z float64) bool
}

// PositionSource produces the ordered XY positions covering a footprint or
// surface at the given tile overlap percentage.
type PositionSource interface {
	XYPositions(tileOverlapPercent int) ([]XYPosition, error)
}

// BoundedSurface is a surface whose footprint can also yield the XY
// positions covering it.
type BoundedSurface interface {
	Surface
	PositionSource
}

// SinglePositionFromStage synthesizes a one-position list from the current
// stage location and camera frame size. Used when no spatial mode is
// configured.
func SinglePositionFromStage(ctx context.Context, hw hardware.Status, tileOverlapPercent int) ([]XYPosition, error) {
	x, y, err := hw.StagePosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stage position: %w", err)
	}

	fullWidth := hw.FrameWidth()
	fullHeight := hw.FrameHeight()
	overlapX := fullWidth * tileOverlapPercent / 100
	overlapY := fullHeight * tileOverlapPercent / 100

	return []XYPosition{{
		Name:        "stage-origin",
		X:           x,
		Y:           y,
		GridRow:     0,
		GridCol:     0,
		FrameWidth:  fullWidth - overlapX,
		FrameHeight: fullHeight - overlapY,
		PixelSize:   hw.PixelSizeLabel(),
	}}, nil
}

// NumRows returns the grid row count covered by positions.
func NumRows(positions []XYPosition) int {
	maxIndex := 0
	for _, p := range positions {
		if p.GridRow > maxIndex {
			maxIndex = p.GridRow
		}
	}
	if len(positions) == 0 {
		return 0
	}
	return maxIndex + 1
}

// NumColumns returns the grid column count covered by positions.
func NumColumns(positions []XYPosition) int {
	maxIndex := 0
	for _, p := range positions {
		if p.GridCol > maxIndex {
			maxIndex = p.GridCol
		}
	}
	if len(positions) == 0 {
		return 0
	}
	return maxIndex + 1
}
