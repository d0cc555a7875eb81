/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"fmt"

	"github.com/friendsincode/lumen_scope/internal/geometry"
)

// VolumePolicy is the mode-specific rule set for the slice walk: the top Z
// coordinate, the above/below-volume predicates, and whether only slice 0
// is ever taken. Selected once per experiment; Above and Below may be
// position-dependent for surface-relative modes and are evaluated per
// position per slice.
type VolumePolicy interface {
	Top() float64
	Above(pos geometry.XYPosition, z float64) bool
	Below(pos geometry.XYPosition, z float64) bool
	SinglePlane() bool
}

// NewVolumePolicy selects the policy for the configured spatial mode.
func NewVolumePolicy(s *Settings) (VolumePolicy, error) {
	switch s.SpaceMode {
	case SpaceModeSurfaceFixedDistance:
		if s.FixedSurface == nil {
			return nil, fmt.Errorf("%w: surface_fixed_distance without a surface", ErrInvalidSettings)
		}
		return &surfaceFixedPolicy{
			surface:     s.FixedSurface,
			aboveOffset: s.DistanceAboveFixedSurface,
			belowOffset: s.DistanceBelowFixedSurface,
		}, nil
	case SpaceModeVolumeBetweenSurfaces:
		if s.TopSurface == nil || s.BottomSurface == nil {
			return nil, fmt.Errorf("%w: volume_between_surfaces without both surfaces", ErrInvalidSettings)
		}
		return &betweenSurfacesPolicy{
			top:         s.TopSurface,
			bottom:      s.BottomSurface,
			aboveOffset: s.DistanceAboveTopSurface,
			belowOffset: s.DistanceBelowBottomSurface,
		}, nil
	case SpaceModeSimpleZStack:
		return &rangePolicy{start: s.ZStart, end: s.ZEnd, dir: sign(s.ZStep)}, nil
	case SpaceModeRegion2D, SpaceModeNone:
		return planePolicy{origin: s.ZOrigin}, nil
	default:
		return nil, fmt.Errorf("%w: unknown space mode %d", ErrInvalidSettings, int(s.SpaceMode))
	}
}

// surfaceFixedPolicy images a fixed distance around a single interpolated
// surface. The effective top is position-dependent, so the above test must
// run before the below test at every slice.
type surfaceFixedPolicy struct {
	surface     geometry.Surface
	aboveOffset float64
	belowOffset float64
}

func (p *surfaceFixedPolicy) Top() float64 { return p.surface.ReferenceZ() - p.aboveOffset }

func (p *surfaceFixedPolicy) Above(pos geometry.XYPosition, z float64) bool {
	return p.surface.IsCompletelyAbove(pos, z+p.aboveOffset)
}

func (p *surfaceFixedPolicy) Below(pos geometry.XYPosition, z float64) bool {
	return p.surface.IsCompletelyBelow(pos, z-p.belowOffset)
}

func (p *surfaceFixedPolicy) SinglePlane() bool { return false }

// betweenSurfacesPolicy images the volume bounded by a top and a bottom
// surface.
type betweenSurfacesPolicy struct {
	top         geometry.Surface
	bottom      geometry.Surface
	aboveOffset float64
	belowOffset float64
}

func (p *betweenSurfacesPolicy) Top() float64 { return p.top.ReferenceZ() - p.aboveOffset }

func (p *betweenSurfacesPolicy) Above(pos geometry.XYPosition, z float64) bool {
	return p.top.IsCompletelyAbove(pos, z+p.aboveOffset)
}

func (p *betweenSurfacesPolicy) Below(pos geometry.XYPosition, z float64) bool {
	return p.bottom.IsCompletelyBelow(pos, z-p.belowOffset)
}

func (p *betweenSurfacesPolicy) SinglePlane() bool { return false }

// rangePolicy walks an explicit Z start/end range. dir carries the sign of
// zStep so a descending walk (negative step) treats "before start" as
// above and "past end" as below.
type rangePolicy struct {
	start float64
	end   float64
	dir   float64
}

func (p *rangePolicy) Top() float64 { return p.start }

func (p *rangePolicy) Above(_ geometry.XYPosition, z float64) bool {
	return (z-p.start)*p.dir < 0
}

func (p *rangePolicy) Below(_ geometry.XYPosition, z float64) bool {
	return (z-p.end)*p.dir > 0
}

func (p *rangePolicy) SinglePlane() bool { return false }

// planePolicy is the single-plane / no-geometry case: only slice 0 at the
// acquisition origin Z.
type planePolicy struct {
	origin float64
}

func (p planePolicy) Top() float64                                { return p.origin }
func (p planePolicy) Above(_ geometry.XYPosition, _ float64) bool { return false }
func (p planePolicy) Below(_ geometry.XYPosition, _ float64) bool { return false }
func (p planePolicy) SinglePlane() bool                           { return true }
