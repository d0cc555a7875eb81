/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/lumen_scope/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.Experiment{},
		&models.FrameRecord{},
		&models.FocusAdjustment{},
	); err != nil {
		return err
	}

	if err := closeDanglingExperiments(database); err != nil {
		return err
	}

	return nil
}

// closeDanglingExperiments marks experiments left in the running state by a
// previous process as aborted. An experiment never survives its process, so
// a running record at startup can only be a crash leftover.
func closeDanglingExperiments(database *gorm.DB) error {
	err := database.Model(&models.Experiment{}).
		Where("state = ?", models.ExperimentRunning).
		Update("state", models.ExperimentAborted).Error
	if err != nil {
		return fmt.Errorf("close dangling experiments: %w", err)
	}
	return nil
}
