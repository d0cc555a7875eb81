/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package hardware exposes the status queries the acquisition engine needs
// from the stage/camera layer. The real hardware abstraction lives outside
// this service; Sim stands in for it during development and tests.
package hardware

import (
	"context"
	"sync"
)

// Status answers stage and camera queries used during acquisition setup.
type Status interface {
	StagePosition(ctx context.Context) (x, y float64, err error)
	FrameWidth() int
	FrameHeight() int
	PixelSizeLabel() string
}

// Sim is an in-memory Status implementation.
type Sim struct {
	mu        sync.Mutex
	x, y      float64
	width     int
	height    int
	pixelSize string
}

// NewSim creates a simulated stage/camera with the given frame size.
func NewSim(width, height int, pixelSize string) *Sim {
	return &Sim{width: width, height: height, pixelSize: pixelSize}
}

// MoveTo sets the simulated stage position.
func (s *Sim) MoveTo(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.x, s.y = x, y
}

// StagePosition returns the simulated stage position.
func (s *Sim) StagePosition(_ context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, nil
}

// FrameWidth returns the camera frame width in pixels.
func (s *Sim) FrameWidth() int { return s.width }

// FrameHeight returns the camera frame height in pixels.
func (s *Sim) FrameHeight() int { return s.height }

// PixelSizeLabel returns the active pixel size configuration label.
func (s *Sim) PixelSizeLabel() string { return s.pixelSize }
