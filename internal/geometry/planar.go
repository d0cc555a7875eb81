/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package geometry

// PlanarSurface is a flat surface at a constant Z. It exists for the
// hardware simulator and for tests; real interpolated surfaces come from
// the external geometry service.
type PlanarSurface struct {
	Z float64
}

// ReferenceZ returns the plane's Z coordinate.
func (p PlanarSurface) ReferenceZ() float64 { return p.Z }

// IsCompletelyAbove reports whether z is shallower than the plane.
func (p PlanarSurface) IsCompletelyAbove(_ XYPosition, z float64) bool { return z < p.Z }

// IsCompletelyBelow reports whether z is deeper than the plane.
func (p PlanarSurface) IsCompletelyBelow(_ XYPosition, z float64) bool { return z > p.Z }

// BoundedPlane pairs a flat surface with a fixed footprint so it can serve
// as a BoundedSurface in simulations.
type BoundedPlane struct {
	PlanarSurface
	Footprint StaticPositions
}

// XYPositions returns the plane's footprint positions.
func (b BoundedPlane) XYPositions(overlap int) ([]XYPosition, error) {
	return b.Footprint.XYPositions(overlap)
}

// StaticPositions is a fixed position list implementing PositionSource.
type StaticPositions []XYPosition

// XYPositions returns the list unchanged; overlap is already baked in.
func (s StaticPositions) XYPositions(_ int) ([]XYPosition, error) {
	return append([]XYPosition(nil), s...), nil
}
