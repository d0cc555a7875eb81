/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"errors"
	"testing"

	"github.com/friendsincode/lumen_scope/internal/geometry"
)

func TestSettingsValidate(t *testing.T) {
	footprint := geometry.StaticPositions{positionAt(0, 0)}
	plane := geometry.BoundedPlane{
		PlanarSurface: geometry.PlanarSurface{Z: 10},
		Footprint:     footprint,
	}

	tests := []struct {
		name    string
		s       Settings
		wantErr bool
	}{
		{
			name: "valid z stack",
			s:    Settings{Name: "run", SpaceMode: SpaceModeSimpleZStack, Footprint: footprint, ZStart: 0, ZEnd: 10, ZStep: 1},
		},
		{
			name: "valid descending z stack",
			s:    Settings{Name: "run", SpaceMode: SpaceModeSimpleZStack, Footprint: footprint, ZStart: 0, ZEnd: -10, ZStep: -2},
		},
		{
			name:    "missing name",
			s:       Settings{SpaceMode: SpaceModeNone},
			wantErr: true,
		},
		{
			name:    "time enabled with zero time points",
			s:       Settings{Name: "run", TimeEnabled: true, SpaceMode: SpaceModeNone},
			wantErr: true,
		},
		{
			name:    "z stack without footprint",
			s:       Settings{Name: "run", SpaceMode: SpaceModeSimpleZStack, ZStart: 0, ZEnd: 10, ZStep: 1},
			wantErr: true,
		},
		{
			name:    "zero z step",
			s:       Settings{Name: "run", SpaceMode: SpaceModeSimpleZStack, Footprint: footprint, ZStart: 0, ZEnd: 10},
			wantErr: true,
		},
		{
			name:    "unreachable range",
			s:       Settings{Name: "run", SpaceMode: SpaceModeSimpleZStack, Footprint: footprint, ZStart: 0, ZEnd: 10, ZStep: -1},
			wantErr: true,
		},
		{
			name: "valid fixed surface",
			s:    Settings{Name: "run", SpaceMode: SpaceModeSurfaceFixedDistance, FixedSurface: plane, ZStep: 1},
		},
		{
			name:    "fixed surface missing",
			s:       Settings{Name: "run", SpaceMode: SpaceModeSurfaceFixedDistance, ZStep: 1},
			wantErr: true,
		},
		{
			name:    "between surfaces missing bottom",
			s:       Settings{Name: "run", SpaceMode: SpaceModeVolumeBetweenSurfaces, TopSurface: plane, ZStep: 1},
			wantErr: true,
		},
		{
			name:    "inverted stage limits",
			s:       Settings{Name: "run", SpaceMode: SpaceModeNone, ZStageHasLimits: true, ZStageLowerLimit: 10, ZStageUpperLimit: 0},
			wantErr: true,
		},
		{
			name:    "unknown space mode",
			s:       Settings{Name: "run", SpaceMode: SpaceMode(42)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSettings) {
					t.Fatalf("want ErrInvalidSettings, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestSettingsEffectiveTimePoints(t *testing.T) {
	s := Settings{TimeEnabled: false, NumTimePoints: 50}
	if got := s.EffectiveTimePoints(); got != 1 {
		t.Fatalf("time disabled: EffectiveTimePoints() = %d, want 1", got)
	}
	s.TimeEnabled = true
	if got := s.EffectiveTimePoints(); got != 50 {
		t.Fatalf("time enabled: EffectiveTimePoints() = %d, want 50", got)
	}
}

func TestSettingsIntervalMillis(t *testing.T) {
	tests := []struct {
		name     string
		interval float64
		unit     TimeUnit
		want     float64
	}{
		{"milliseconds", 250, UnitMilliseconds, 250},
		{"seconds", 1.5, UnitSeconds, 1500},
		{"minutes", 2, UnitMinutes, 120000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Settings{TimePointInterval: tt.interval, TimeIntervalUnit: tt.unit}
			if got := s.IntervalMillis(); got != tt.want {
				t.Fatalf("IntervalMillis() = %v, want %v", got, tt.want)
			}
		})
	}
}
