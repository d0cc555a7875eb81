/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/lumen_scope/internal/acq"
	"github.com/friendsincode/lumen_scope/internal/events"
	"github.com/friendsincode/lumen_scope/internal/geometry"
	"github.com/friendsincode/lumen_scope/internal/logbuffer"
	"github.com/friendsincode/lumen_scope/internal/models"
	"github.com/friendsincode/lumen_scope/internal/version"
)

// errSurfaceMode rejects acquisition modes whose geometry comes from the
// external surface-interpolation service, which has no HTTP binding yet.
var errSurfaceMode = errors.New("surface-relative modes require a registered surface, which the HTTP API cannot supply")

type createExperimentRequest struct {
	Name             string             `json:"name"`
	Time             *timeSettings      `json:"time,omitempty"`
	Space            spaceSettings      `json:"space"`
	Autofocus        *autofocusSettings `json:"autofocus,omitempty"`
	Channels         []string           `json:"channels,omitempty"`
	PropertyPairings []propertyPairing  `json:"property_pairings,omitempty"`
}

type timeSettings struct {
	NumTimePoints int     `json:"num_time_points"`
	Interval      float64 `json:"interval"`
	IntervalUnit  string  `json:"interval_unit"` // ms, s, min
}

type spaceSettings struct {
	Mode               string     `json:"mode"`
	TileOverlapPercent int        `json:"tile_overlap_percent"`
	ZStart             float64    `json:"z_start"`
	ZEnd               float64    `json:"z_end"`
	ZStep              float64    `json:"z_step"`
	ZOrigin            float64    `json:"z_origin"`
	ZStageHasLimits    bool       `json:"z_stage_has_limits"`
	ZStageLowerLimit   float64    `json:"z_stage_lower_limit"`
	ZStageUpperLimit   float64    `json:"z_stage_upper_limit"`
	Positions          []position `json:"positions"`
}

type position struct {
	Name        string  `json:"name"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	GridRow     int     `json:"grid_row"`
	GridCol     int     `json:"grid_col"`
	FrameWidth  int     `json:"frame_width"`
	FrameHeight int     `json:"frame_height"`
	PixelSize   string  `json:"pixel_size"`
}

type autofocusSettings struct {
	ZDevice           string   `json:"z_device"`
	MaxDisplacementUm float64  `json:"max_displacement_um"`
	InitialPosition   *float64 `json:"initial_position,omitempty"`
	ChannelName       string   `json:"channel_name"`
}

type propertyPairing struct {
	Device   string `json:"device"`
	Property string `json:"property"`
	Value    string `json:"value"`
}

// toSettings converts the request body into engine settings.
func (req *createExperimentRequest) toSettings() (*acq.Settings, error) {
	s := &acq.Settings{
		Name:               req.Name,
		TileOverlapPercent: req.Space.TileOverlapPercent,
		ZStart:             req.Space.ZStart,
		ZEnd:               req.Space.ZEnd,
		ZStep:              req.Space.ZStep,
		ZOrigin:            req.Space.ZOrigin,
		ZStageHasLimits:    req.Space.ZStageHasLimits,
		ZStageLowerLimit:   req.Space.ZStageLowerLimit,
		ZStageUpperLimit:   req.Space.ZStageUpperLimit,
		ChannelNames:       req.Channels,
	}

	switch req.Space.Mode {
	case "", "none":
		s.SpaceMode = acq.SpaceModeNone
	case "region_2d":
		s.SpaceMode = acq.SpaceModeRegion2D
	case "simple_z_stack":
		s.SpaceMode = acq.SpaceModeSimpleZStack
	case "surface_fixed_distance", "volume_between_surfaces":
		return nil, errSurfaceMode
	default:
		return nil, fmt.Errorf("%w: unknown space mode %q", acq.ErrInvalidSettings, req.Space.Mode)
	}

	if len(req.Space.Positions) > 0 {
		footprint := make(geometry.StaticPositions, 0, len(req.Space.Positions))
		for _, p := range req.Space.Positions {
			footprint = append(footprint, geometry.XYPosition{
				Name:        p.Name,
				X:           p.X,
				Y:           p.Y,
				GridRow:     p.GridRow,
				GridCol:     p.GridCol,
				FrameWidth:  p.FrameWidth,
				FrameHeight: p.FrameHeight,
				PixelSize:   p.PixelSize,
			})
		}
		s.Footprint = footprint
	}

	if req.Time != nil {
		s.TimeEnabled = true
		s.NumTimePoints = req.Time.NumTimePoints
		s.TimePointInterval = req.Time.Interval
		switch req.Time.IntervalUnit {
		case "", "ms":
			s.TimeIntervalUnit = acq.UnitMilliseconds
		case "s":
			s.TimeIntervalUnit = acq.UnitSeconds
		case "min":
			s.TimeIntervalUnit = acq.UnitMinutes
		default:
			return nil, fmt.Errorf("%w: unknown interval unit %q", acq.ErrInvalidSettings, req.Time.IntervalUnit)
		}
	}

	if req.Autofocus != nil {
		s.AutofocusEnabled = true
		s.AutofocusZDevice = req.Autofocus.ZDevice
		s.AutofocusMaxDisplacementUm = req.Autofocus.MaxDisplacementUm
		s.AutofocusChannelName = req.Autofocus.ChannelName
		if req.Autofocus.InitialPosition != nil {
			s.SetInitialAutofocusPosition = true
			s.InitialAutofocusPosition = *req.Autofocus.InitialPosition
		}
	}

	for _, p := range req.PropertyPairings {
		s.PropPairings = append(s.PropPairings, acq.PropertyPairing{
			Device:   p.Device,
			Property: p.Property,
			Value:    p.Value,
		})
	}

	return s, nil
}

type experimentStatus struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phase         string    `json:"phase"`
	Finished      bool      `json:"finished"`
	Paused        bool      `json:"paused"`
	SpaceMode     string    `json:"space_mode"`
	TimePoints    int       `json:"time_points"`
	Positions     int       `json:"positions"`
	MaxSliceIndex int       `json:"max_slice_index"`
	NextStart     time.Time `json:"next_start"`
}

func statusFor(exp *acq.Experiment) experimentStatus {
	return experimentStatus{
		ID:            exp.ID,
		Name:          exp.Settings().Name,
		Phase:         string(exp.Phase()),
		Finished:      exp.IsFinished(),
		Paused:        exp.IsPaused(),
		SpaceMode:     exp.Settings().SpaceMode.String(),
		TimePoints:    exp.Settings().EffectiveTimePoints(),
		Positions:     len(exp.Positions()),
		MaxSliceIndex: exp.MaxSliceIndex(),
		NextStart:     exp.NextScheduledStartTime(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings, err := req.toSettings()
	if err != nil {
		status := http.StatusUnprocessableEntity
		if !errors.Is(err, acq.ErrInvalidSettings) && !errors.Is(err, errSurfaceMode) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}

	exp, err := s.coord.Launch(r.Context(), settings)
	if err != nil {
		if errors.Is(err, acq.ErrInvalidSettings) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("launch experiment")
		writeError(w, http.StatusInternalServerError, "failed to start experiment")
		return
	}

	if s.db != nil {
		rec := models.Experiment{
			ID:            exp.ID,
			Name:          settings.Name,
			SpaceMode:     settings.SpaceMode.String(),
			NumTimePoints: settings.EffectiveTimePoints(),
			NumPositions:  len(exp.Positions()),
			ZStep:         settings.ZStep,
			State:         models.ExperimentRunning,
		}
		if err := s.db.Create(&rec).Error; err != nil {
			s.logger.Error().Err(err).Str("experiment_id", exp.ID).Msg("persist experiment record")
		}
	}

	s.bus.Publish(events.EventExperimentStarted, events.Payload{
		"experiment_id": exp.ID,
		"name":          settings.Name,
	})

	writeJSON(w, http.StatusCreated, statusFor(exp))
}

func (s *Server) handleListExperiments(w http.ResponseWriter, _ *http.Request) {
	exps := s.coord.Experiments()
	out := make([]experimentStatus, 0, len(exps))
	for _, exp := range exps {
		out = append(out, statusFor(exp))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp := s.coord.Lookup(chi.URLParam(r, "id"))
	if exp == nil {
		writeError(w, http.StatusNotFound, "unknown experiment")
		return
	}
	writeJSON(w, http.StatusOK, statusFor(exp))
}

// handleAbortExperiment blocks until the abort protocol completes: worker
// stopped, queue drained, sentinel enqueued, sink confirmed.
func (s *Server) handleAbortExperiment(w http.ResponseWriter, r *http.Request) {
	exp := s.coord.Lookup(chi.URLParam(r, "id"))
	if exp == nil {
		writeError(w, http.StatusNotFound, "unknown experiment")
		return
	}
	exp.Abort()
	writeJSON(w, http.StatusOK, statusFor(exp))
}

func (s *Server) handlePauseExperiment(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true, events.EventExperimentPaused)
}

func (s *Server) handleResumeExperiment(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false, events.EventExperimentResumed)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool, event events.EventType) {
	id := chi.URLParam(r, "id")
	if !s.coord.SetPaused(id, paused) {
		writeError(w, http.StatusNotFound, "unknown experiment")
		return
	}
	s.bus.Publish(event, events.Payload{"experiment_id": id})
	writeJSON(w, http.StatusOK, statusFor(s.coord.Lookup(id)))
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		writeJSON(w, http.StatusOK, []logbuffer.LogEntry{})
		return
	}

	params := logbuffer.QueryParams{
		Level:        r.URL.Query().Get("level"),
		Component:    r.URL.Query().Get("component"),
		ExperimentID: r.URL.Query().Get("experiment_id"),
		Search:       r.URL.Query().Get("q"),
		Descending:   r.URL.Query().Get("order") == "desc",
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			params.Limit = limit
		}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if since, err := time.Parse(time.RFC3339, v); err == nil {
			params.Since = since
		}
	}

	writeJSON(w, http.StatusOK, s.logBuffer.Query(params))
}

func (s *Server) handleLogComponents(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.logBuffer.GetComponentsForExperiment(r.URL.Query().Get("experiment_id")))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"version":     version.Version,
		"environment": s.cfg.Environment,
	}
	if s.updates != nil {
		info := s.updates.Info()
		out["update_available"] = info.UpdateAvailable
		if info.UpdateAvailable {
			out["latest_version"] = info.LatestVersion
			out["release_url"] = info.ReleaseURL
		}
		if !info.CheckedAt.IsZero() {
			out["update_checked_at"] = info.CheckedAt
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
