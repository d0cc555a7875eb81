package models

import (
	"time"
)

// ExperimentState enumerates persisted experiment lifecycle states.
type ExperimentState string

const (
	ExperimentRunning  ExperimentState = "running"
	ExperimentFinished ExperimentState = "finished"
	ExperimentAborted  ExperimentState = "aborted"
)

// Experiment is the persisted record of one acquisition run.
type Experiment struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	Name          string `gorm:"index"`
	SpaceMode     string `gorm:"type:varchar(32)"`
	NumTimePoints int
	NumPositions  int
	ZStep         float64
	State         ExperimentState `gorm:"type:varchar(16);index"`
	MaxSliceIndex int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FrameRecord is the durable record of one captured frame, written by the
// sink as capture instructions are consumed.
type FrameRecord struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	ExperimentID  string `gorm:"type:uuid;index"`
	TimeIndex     int    `gorm:"index"`
	ChannelIndex  int
	SliceIndex    int
	PositionIndex int
	Z             float64
	GridRow       int
	GridCol       int
	StageX        float64
	StageY        float64
	CreatedAt     time.Time
}

// FocusAdjustment records an autofocus-driven focus axis move.
type FocusAdjustment struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ExperimentID string `gorm:"type:uuid;index"`
	TimeIndex    int
	Device       string `gorm:"type:varchar(64)"`
	Position     float64
	CreatedAt    time.Time
}
