package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/vjranagit/luxlogger/pkg/report"
	"github.com/vjranagit/luxlogger/pkg/sensor"
	"github.com/vjranagit/luxlogger/pkg/storage"
	"github.com/vjranagit/luxlogger/pkg/types"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Status is the latest reading reduced to the headline heat pump values.
type Status struct {
	Timestamp           time.Time     `json:"timestamp"`
	SensorCount         int           `json:"sensor_count"`
	FlowTemperature     *float64      `json:"flow_temperature"`
	ReturnTemperature   *float64      `json:"return_temperature"`
	AmbientTemperature  *float64      `json:"ambient_temperature"`
	HotWaterTemperature *float64      `json:"hot_water_temperature"`
	SystemFlags         SystemFlags   `json:"system_flags"`
	Store               storage.Stats `json:"store"`
	Pending             int           `json:"pending"`
}

// SystemFlags are the controller state sensors.
type SystemFlags struct {
	PumpActive     *float64 `json:"pump_active"`
	HeatingActive  *float64 `json:"heating_active"`
	HotWaterActive *float64 `json:"hot_water_active"`
	ErrorState     *float64 `json:"error_state"`
}

func lookup(v *types.Values, id string) *float64 {
	if f, ok := v.Get(id); ok {
		return &f
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	latest, ok, err := s.store.Latest(ctx)
	if err != nil {
		s.logger.Error("status lookup failed", "request_id", r.Header.Get(RequestIDHeader), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read latest reading")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no sensor data found")
		return
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("store stats failed", "error", err)
	}

	v := latest.Values
	writeJSON(w, http.StatusOK, Status{
		Timestamp:           latest.Timestamp,
		SensorCount:         v.Len(),
		FlowTemperature:     lookup(v, sensor.FlowTemperature),
		ReturnTemperature:   lookup(v, sensor.ReturnTemperature),
		AmbientTemperature:  lookup(v, sensor.AmbientTemperature),
		HotWaterTemperature: lookup(v, sensor.HotWaterTemperature),
		SystemFlags: SystemFlags{
			PumpActive:     lookup(v, sensor.PumpActive),
			HeatingActive:  lookup(v, sensor.HeatingActive),
			HotWaterActive: lookup(v, sensor.HotWaterActive),
			ErrorState:     lookup(v, sensor.ErrorState),
		},
		Store:   stats,
		Pending: s.store.Pending(),
	})
}

// parseTime accepts RFC3339, a plain date or unix seconds.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return types.TimeFromKey(f), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// timeRange reads start and end, defaulting to the last 24 hours.
func (s *Server) timeRange(r *http.Request) (time.Time, time.Time, error) {
	end := s.now()
	start := end.Add(-24 * time.Hour)
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return start, end, err
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return start, end, err
		}
		end = t
	}
	if end.Before(start) {
		return start, end, errors.New("end is before start")
	}
	return start, end, nil
}

type readingJSON struct {
	Timestamp time.Time     `json:"timestamp"`
	Key       float64       `json:"key"`
	Values    *types.Values `json:"values"`
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := s.store.Query(r.Context(), start, end)
	if err != nil {
		s.logger.Error("readings query failed", "request_id", r.Header.Get(RequestIDHeader), "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]readingJSON, len(points))
	for i, p := range points {
		out[i] = readingJSON{Timestamp: p.Timestamp, Key: p.Key(), Values: p.Values}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"start":    start,
		"end":      end,
		"count":    len(out),
		"readings": out,
	})
}

func (s *Server) handleSensorSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	start, end, err := s.timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := s.store.Query(r.Context(), start, end)
	if err != nil {
		s.logger.Error("summary query failed", "request_id", r.Header.Get(RequestIDHeader), "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	sum, err := Summarize(id, points)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sum.Count == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no values for sensor %q in range", id))
		return
	}
	sum.Start, sum.End = start, end
	writeJSON(w, http.StatusOK, sum)
}

type reportJSON struct {
	report.Info
	SizeHuman string `json:"size_human"`
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	list, err := s.renderer.List()
	if err != nil {
		s.logger.Error("listing reports failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}

	var total int64
	byKind := map[report.Kind][]reportJSON{}
	for _, kind := range report.Kinds {
		byKind[kind] = []reportJSON{}
	}
	for _, info := range list {
		total += info.Size
		byKind[info.Kind] = append(byKind[info.Kind], reportJSON{Info: info, SizeHuman: humanize.Bytes(uint64(info.Size))})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"daily_reports":    byKind[report.KindDaily],
		"weekly_reports":   byKind[report.KindWeekly],
		"total_size":       total,
		"total_size_human": humanize.Bytes(uint64(total)),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind := report.Kind(vars["kind"])
	if kind != report.KindDaily && kind != report.KindWeekly {
		writeError(w, http.StatusBadRequest, "invalid report type")
		return
	}
	path, err := s.renderer.Path(kind, vars["filename"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open report")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open report")
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}
