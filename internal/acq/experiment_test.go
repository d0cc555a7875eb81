/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package acq

import (
	"context"
	"testing"
	"time"

	"github.com/friendsincode/lumen_scope/internal/geometry"
	"github.com/friendsincode/lumen_scope/internal/hardware"
	"github.com/rs/zerolog"
)

func positionAt(x, y float64) geometry.XYPosition {
	return geometry.XYPosition{
		Name:        "pos",
		X:           x,
		Y:           y,
		FrameWidth:  512,
		FrameHeight: 512,
		PixelSize:   "40x",
	}
}

type stubGroup struct{}

func (stubGroup) TimepointGenerationDone(*Experiment) {}
func (stubGroup) Aborted(*Experiment)                 {}

// stubFocus records Run calls and reports 100+timeIndex as its position.
type stubFocus struct {
	pos float64
}

func (f *stubFocus) Run(_ context.Context, timeIndex int) error {
	f.pos = 100 + float64(timeIndex)
	return nil
}

func (f *stubFocus) CurrentPosition() float64 { return f.pos }

// groupPump stands in for the coordinating group: it meets the generator at
// the start gate for every time point until the experiment ends.
func groupPump(exp *Experiment) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-exp.Done()
		cancel()
	}()
	for exp.ReadyForNextTimepoint(ctx) == nil {
	}
}

// consumeAll stands in for the write sink: it drains the queue, confirms
// each time point at the write gate, and returns every instruction seen once
// the experiment-finished sentinel arrives.
func consumeAll(t *testing.T, exp *Experiment, q *Queue) []Instruction {
	t.Helper()
	ctx := context.Background()
	var got []Instruction
	for {
		ins, err := q.Take(ctx)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		got = append(got, ins)
		switch ins.Kind {
		case KindTimepointDone:
			if err := exp.TimepointWritten(ctx); err != nil {
				t.Fatalf("TimepointWritten: %v", err)
			}
		case KindExperimentDone:
			exp.AllWritesFinished()
			<-exp.Done()
			return got
		}
	}
}

func kindCounts(instructions []Instruction) map[InstructionKind]int {
	counts := make(map[InstructionKind]int)
	for _, ins := range instructions {
		counts[ins.Kind]++
	}
	return counts
}

func TestExperimentZStackRun(t *testing.T) {
	settings := &Settings{
		Name:          "zstack",
		TimeEnabled:   true,
		NumTimePoints: 2,
		SpaceMode:     SpaceModeSimpleZStack,
		Footprint:     geometry.StaticPositions{positionAt(0, 0), positionAt(100, 0)},
		ZStart:        0,
		ZEnd:          4,
		ZStep:         2,
	}
	q := NewQueue(64)
	exp, err := NewExperiment(context.Background(), settings, q, Collaborators{Group: stubGroup{}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewExperiment: %v", err)
	}
	go groupPump(exp)

	got := consumeAll(t, exp, q)

	// 2 time points x 2 positions x 3 slices.
	counts := kindCounts(got)
	if counts[KindFrame] != 12 {
		t.Errorf("frames = %d, want 12", counts[KindFrame])
	}
	if counts[KindTimepointDone] != 1 {
		t.Errorf("timepoint sentinels = %d, want 1", counts[KindTimepointDone])
	}
	if counts[KindExperimentDone] != 1 {
		t.Errorf("experiment sentinels = %d, want 1", counts[KindExperimentDone])
	}
	if last := got[len(got)-1]; last.Kind != KindExperimentDone {
		t.Errorf("last instruction = %s, want %s", last.Kind, KindExperimentDone)
	}

	// Time indexes never decrease across the stream.
	lastTime := 0
	for i, ins := range got {
		if ins.Kind == KindExperimentDone {
			continue
		}
		if ins.TimeIndex < lastTime {
			t.Fatalf("instruction %d time index %d after %d", i, ins.TimeIndex, lastTime)
		}
		lastTime = ins.TimeIndex
	}

	if got := exp.MaxSliceIndex(); got != 2 {
		t.Errorf("MaxSliceIndex() = %d, want 2", got)
	}
	if got := exp.Phase(); got != PhaseFinished {
		t.Errorf("Phase() = %s, want %s", got, PhaseFinished)
	}
	if !exp.IsFinished() {
		t.Error("IsFinished() = false after run")
	}
}

func TestExperimentDescendingZRange(t *testing.T) {
	settings := &Settings{
		Name:        "descending",
		TimeEnabled: false,
		SpaceMode:   SpaceModeSimpleZStack,
		Footprint:   geometry.StaticPositions{positionAt(0, 0)},
		ZStart:      0,
		ZEnd:        -10,
		ZStep:       -2,
	}
	q := NewQueue(64)
	exp, err := NewExperiment(context.Background(), settings, q, Collaborators{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewExperiment: %v", err)
	}
	go groupPump(exp)

	got := consumeAll(t, exp, q)

	wantZ := []float64{0, -2, -4, -6, -8, -10}
	var gotZ []float64
	for _, ins := range got {
		if ins.Kind == KindFrame {
			gotZ = append(gotZ, ins.Z)
		}
	}
	if len(gotZ) != len(wantZ) {
		t.Fatalf("frame count = %d, want %d (z values %v)", len(gotZ), len(wantZ), gotZ)
	}
	for i, z := range wantZ {
		if gotZ[i] != z {
			t.Errorf("frame %d z = %v, want %v", i, gotZ[i], z)
		}
	}
}

func TestExperimentRegion2DSinglePlane(t *testing.T) {
	settings := &Settings{
		Name:      "region",
		SpaceMode: SpaceModeRegion2D,
		Footprint: geometry.StaticPositions{positionAt(0, 0), positionAt(100, 0), positionAt(200, 0)},
		ZOrigin:   17,
	}
	q := NewQueue(64)
	exp, err := NewExperiment(context.Background(), settings, q, Collaborators{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewExperiment: %v", err)
	}
	go groupPump(exp)

	got := consumeAll(t, exp, q)

	frames := 0
	for _, ins := range got {
		if ins.Kind != KindFrame {
			continue
		}
		frames++
		if ins.SliceIndex != 0 {
			t.Errorf("slice index = %d, want 0", ins.SliceIndex)
		}
		if ins.Z != 17 {
			t.Errorf("z = %v, want 17", ins.Z)
		}
	}
	if frames != 3 {
		t.Errorf("frames = %d, want one per position (3)", frames)
	}
	if got := exp.MaxSliceIndex(); got != 0 {
		t.Errorf("MaxSliceIndex() = %d, want 0", got)
	}
}

func TestExperimentAutofocusAdjustPerTimepoint(t *testing.T) {
	settings := &Settings{
		Name:                        "focus",
		TimeEnabled:                 true,
		NumTimePoints:               3,
		SpaceMode:                   SpaceModeRegion2D,
		Footprint:                   geometry.StaticPositions{positionAt(0, 0)},
		AutofocusEnabled:            true,
		AutofocusZDevice:            "ZDrive",
		SetInitialAutofocusPosition: true,
		InitialAutofocusPosition:    7,
	}
	q := NewQueue(64)
	exp, err := NewExperiment(context.Background(), settings, q, Collaborators{
		Autofocus: &stubFocus{},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewExperiment: %v", err)
	}
	go groupPump(exp)

	got := consumeAll(t, exp, q)

	var adjusts []Instruction
	timepointStart := true
	for _, ins := range got {
		if ins.Kind == KindAutofocusAdjust {
			if !timepointStart {
				t.Error("autofocus adjust not at the head of its time point")
			}
			adjusts = append(adjusts, ins)
		}
		timepointStart = ins.Kind == KindTimepointDone
	}
	if len(adjusts) != 3 {
		t.Fatalf("adjusts = %d, want 3", len(adjusts))
	}

	// First two time points use the configured initial position; later ones
	// use the controller's last computed position.
	wantPos := []float64{7, 7, 101}
	for i, ins := range adjusts {
		if ins.FocusPosition != wantPos[i] {
			t.Errorf("adjust %d position = %v, want %v", i, ins.FocusPosition, wantPos[i])
		}
		if ins.FocusDevice != "ZDrive" {
			t.Errorf("adjust %d device = %q, want ZDrive", i, ins.FocusDevice)
		}
	}
}

func TestExperimentAbortUnblocksFullQueue(t *testing.T) {
	settings := &Settings{
		Name:        "abort",
		TimeEnabled: false,
		SpaceMode:   SpaceModeSimpleZStack,
		Footprint:   geometry.StaticPositions{positionAt(0, 0)},
		ZStart:      0,
		ZEnd:        50,
		ZStep:       1,
	}
	q := NewQueue(2)
	exp, err := NewExperiment(context.Background(), settings, q, Collaborators{Group: stubGroup{}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewExperiment: %v", err)
	}
	go groupPump(exp)

	// Nothing consumes, so the generator wedges on the full queue.
	waitFor(t, func() bool { return q.Len() == q.Capacity() })

	exp.Abort()

	// The pending frames were drained and replaced by the sole
	// experiment-finished sentinel.
	ins, err := q.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if ins.Kind != KindExperimentDone {
		t.Fatalf("post-abort instruction = %s, want %s", ins.Kind, KindExperimentDone)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue length after sentinel = %d, want 0", got)
	}
	if got := exp.Phase(); got != PhaseAborted {
		t.Errorf("Phase() = %s, want %s", got, PhaseAborted)
	}
	if !exp.IsFinished() {
		t.Error("IsFinished() = false after abort")
	}

	// Repeated aborts are no-ops once finished.
	exp.Abort()
	if got := q.Len(); got != 0 {
		t.Fatalf("second Abort enqueued %d extra instructions", got)
	}
}

func TestExperimentAbortDuringFinalSentinelDelivery(t *testing.T) {
	settings := &Settings{
		Name:      "final-sentinel",
		SpaceMode: SpaceModeRegion2D,
		Footprint: geometry.StaticPositions{positionAt(0, 0)},
	}
	q := NewQueue(1)
	exp, err := NewExperiment(context.Background(), settings, q, Collaborators{Group: stubGroup{}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewExperiment: %v", err)
	}
	go groupPump(exp)

	// Nothing consumes: the sole frame fills the queue, the finished flag
	// is already set, and the generator wedges delivering the final
	// experiment-finished sentinel.
	waitFor(t, func() bool { return exp.IsFinished() && q.Len() == 1 })

	exp.Abort()

	// Abort must not return until the worker has actually stopped.
	select {
	case <-exp.Done():
	default:
		t.Fatal("Abort returned while the worker was still running")
	}

	// The stale frame was drained and the owed sentinel delivered, exactly
	// once.
	ins, err := q.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if ins.Kind != KindExperimentDone {
		t.Fatalf("post-abort instruction = %s, want %s", ins.Kind, KindExperimentDone)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue length after sentinel = %d, want 0", got)
	}
	if got := exp.Phase(); got != PhaseAborted {
		t.Errorf("Phase() = %s, want %s", got, PhaseAborted)
	}

	exp.Abort()
	if got := q.Len(); got != 0 {
		t.Fatalf("second Abort enqueued %d extra instructions", got)
	}
}

func TestExperimentZeroIntervalRunsBackToBack(t *testing.T) {
	settings := &Settings{
		Name:              "back-to-back",
		TimeEnabled:       true,
		NumTimePoints:     3,
		TimePointInterval: 0,
		SpaceMode:         SpaceModeRegion2D,
		Footprint:         geometry.StaticPositions{positionAt(0, 0)},
	}
	q := NewQueue(16)
	exp, err := NewExperiment(context.Background(), settings, q, Collaborators{Group: stubGroup{}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewExperiment: %v", err)
	}
	start := time.Now()
	go groupPump(exp)

	got := consumeAll(t, exp, q)

	// A zero interval must never park the generator on a timer: the next
	// rendezvous is attempted immediately, so three time points complete in
	// far less than any plausible timer granularity would allow.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("3 zero-interval time points took %v", elapsed)
	}

	var frameTimes []int
	for _, ins := range got {
		if ins.Kind == KindFrame {
			frameTimes = append(frameTimes, ins.TimeIndex)
		}
	}
	want := []int{0, 1, 2}
	if len(frameTimes) != len(want) {
		t.Fatalf("frame time indexes = %v, want %v", frameTimes, want)
	}
	for i, ti := range want {
		if frameTimes[i] != ti {
			t.Errorf("frame %d time index = %d, want %d", i, frameTimes[i], ti)
		}
	}
}

func TestExperimentStageFallbackPosition(t *testing.T) {
	sim := hardware.NewSim(1024, 1024, "20x")
	sim.MoveTo(12.5, -3)

	settings := &Settings{Name: "fallback", SpaceMode: SpaceModeNone, ZOrigin: 5}
	q := NewQueue(8)
	exp, err := NewExperiment(context.Background(), settings, q, Collaborators{Hardware: sim, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewExperiment: %v", err)
	}
	go groupPump(exp)

	got := consumeAll(t, exp, q)
	var frames []Instruction
	for _, ins := range got {
		if ins.Kind == KindFrame {
			frames = append(frames, ins)
		}
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Position.X != 12.5 || frames[0].Position.Y != -3 {
		t.Errorf("frame position = (%v, %v), want (12.5, -3)", frames[0].Position.X, frames[0].Position.Y)
	}
	if frames[0].Z != 5 {
		t.Errorf("frame z = %v, want 5", frames[0].Z)
	}
}

func TestNewExperimentRejectsBadInput(t *testing.T) {
	q := NewQueue(8)

	if _, err := NewExperiment(context.Background(), &Settings{Name: "no-hw", SpaceMode: SpaceModeNone}, q, Collaborators{Logger: zerolog.Nop()}); err == nil {
		t.Error("no hardware in stage-fallback mode: want error")
	}
	if _, err := NewExperiment(context.Background(), &Settings{SpaceMode: SpaceModeNone}, q, Collaborators{Logger: zerolog.Nop()}); err == nil {
		t.Error("invalid settings: want error")
	}
	empty := &Settings{Name: "empty", SpaceMode: SpaceModeRegion2D, Footprint: geometry.StaticPositions{}}
	if _, err := NewExperiment(context.Background(), empty, q, Collaborators{Logger: zerolog.Nop()}); err == nil {
		t.Error("empty position list: want error")
	}
}
