/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package autofocus defines the synchronous autofocus contract the
// acquisition engine consumes. The focus-scoring algorithm itself is an
// external collaborator; DriftController only tracks and clamps the
// focus-axis position it reports.
package autofocus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Controller is called synchronously by the event generator after each
// time point's writes complete. Run errors are logged by the caller and
// never abort the experiment.
type Controller interface {
	Run(ctx context.Context, timeIndex int) error
	CurrentPosition() float64
}

// MeasureFunc computes a corrected focus position for a time index.
// Supplied by the external focus-scoring implementation.
type MeasureFunc func(ctx context.Context, timeIndex int) (float64, error)

// DriftController tracks the focus-axis position between time points,
// bounding each correction by a maximum displacement.
type DriftController struct {
	device          string
	maxDisplacement float64
	measure         MeasureFunc
	logger          zerolog.Logger

	mu       sync.Mutex
	position float64
}

// NewDriftController creates a controller starting at initial µm on the
// given focus device.
func NewDriftController(device string, initial, maxDisplacementUm float64, measure MeasureFunc, logger zerolog.Logger) *DriftController {
	return &DriftController{
		device:          device,
		maxDisplacement: maxDisplacementUm,
		measure:         measure,
		position:        initial,
		logger:          logger.With().Str("component", "autofocus").Logger(),
	}
}

// Run measures a corrected focus position for timeIndex and stores it,
// clamped to the configured maximum displacement from the current value.
func (c *DriftController) Run(ctx context.Context, timeIndex int) error {
	if c.measure == nil {
		return nil
	}
	target, err := c.measure(ctx, timeIndex)
	if err != nil {
		return fmt.Errorf("measure focus at time index %d: %w", timeIndex, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delta := target - c.position
	if c.maxDisplacement > 0 {
		if delta > c.maxDisplacement {
			delta = c.maxDisplacement
		} else if delta < -c.maxDisplacement {
			delta = -c.maxDisplacement
		}
	}
	c.position += delta
	c.logger.Debug().
		Int("time_index", timeIndex).
		Float64("position", c.position).
		Str("device", c.device).
		Msg("focus position updated")
	return nil
}

// CurrentPosition returns the last computed focus position.
func (c *DriftController) CurrentPosition() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Device returns the focus axis this controller drives.
func (c *DriftController) Device() string { return c.device }
