// Package api serves the JSON view of a running pipeline: counters, the
// latest position fix, calibration progress and the history kept in the
// database, plus a websocket feed of live fixes.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/banshee-data/uwb.locator/internal/db"
	"github.com/banshee-data/uwb.locator/internal/httputil"
	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/device"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

const (
	defaultListLimit = 100
	maxListLimit     = 10000
)

// StatsSource reports pipeline counters.
type StatsSource interface {
	Stats() pipeline.Stats
}

// CalibrationSource reports the state of a calibration run in progress.
type CalibrationSource interface {
	State() calibration.State
}

// Commander sends commands to the device channels of a running pipeline.
// *pipeline.Pipeline satisfies it.
type Commander interface {
	Channels() int
	Send(ctx context.Context, i int, steps []device.Step) error
}

// Options configures a Server. Every field is optional; endpoints whose
// source is missing answer 404.
type Options struct {
	Anchors     []pipeline.Anchor
	DB          *db.DB
	Stats       StatsSource
	Calibration CalibrationSource
	Devices     Commander
}

// Server answers the /api routes. It is an EstimateSink: every fix
// published to it becomes the latest position and is broadcast to websocket
// clients.
type Server struct {
	opts Options
	hub  *Hub

	mu    sync.Mutex
	last  *pipeline.Fix
	fixes uint64
}

// NewServer returns a Server over opts.
func NewServer(opts Options) *Server {
	return &Server{opts: opts, hub: NewHub()}
}

// Hub returns the websocket hub fed by PublishFix.
func (s *Server) Hub() *Hub { return s.hub }

// PublishFix implements pipeline.EstimateSink.
func (s *Server) PublishFix(_ context.Context, f pipeline.Fix) error {
	s.mu.Lock()
	s.last = &f
	s.fixes++
	s.mu.Unlock()

	msg, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.hub.Broadcast(msg)
	return nil
}

func (s *Server) lastFix() (pipeline.Fix, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return pipeline.Fix{}, s.fixes, false
	}
	return *s.last, s.fixes, true
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

var (
	statusOK       = color.New(color.FgGreen, color.Bold).SprintFunc()
	statusRedirect = color.New(color.FgYellow).SprintFunc()
	statusError    = color.New(color.FgRed, color.Bold).SprintFunc()
	uriColor       = color.New(color.FgCyan).SprintFunc()
)

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return statusOK(code)
	case statusCode >= 300 && statusCode < 400:
		return statusRedirect(code)
	case statusCode >= 400:
		return statusError(code)
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Diagf(
			"[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			uriColor(r.RequestURI),
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Attach(mux)
	return mux
}

// Attach registers the API routes on mux.
func (s *Server) Attach(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/anchors", s.listAnchors)
	mux.HandleFunc("/api/position", s.showPosition)
	mux.HandleFunc("/api/fixes", s.listFixes)
	mux.HandleFunc("/api/samples", s.listSamples)
	mux.HandleFunc("/api/calibration", s.showCalibration)
	mux.HandleFunc("/api/calibration/runs", s.listCalibrationRuns)
	mux.HandleFunc("/api/calibration/runs/", s.showCalibrationRun)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.Handle("/api/ws", s.hub)
}

// sendCommandHandler writes one allow-listed command to a device channel.
// Form values: channel (default 0) and command.
func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	if s.opts.Devices == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no devices attached")
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing command")
		return
	}
	if !device.IsAllowedCommand(command) {
		httputil.WriteJSONError(w, http.StatusForbidden, "command not allowed")
		return
	}
	channel := 0
	if v := r.FormValue("channel"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n >= s.opts.Devices.Channels() {
			httputil.WriteJSONError(w, http.StatusBadRequest, "invalid channel")
			return
		}
		channel = n
	}
	step := device.Step{Command: command}
	if err := s.opts.Devices.Send(r.Context(), channel, []device.Step{step}); err != nil {
		monitoring.Opsf("api: command %q on channel %d: %v", command, channel, err)
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "failed to send command")
		return
	}
	monitoring.Diagf("api: sent %q to channel %d", command, channel)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"channel": channel, "command": command})
}

// allowGet rejects anything but GET and reports whether to continue.
func (s *Server) allowGet(w http.ResponseWriter, r *http.Request) bool {
	return httputil.RequireMethod(w, r, http.MethodGet)
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.opts.DB == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no database configured")
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	return httputil.QueryLimit(r, defaultListLimit, maxListLimit)
}

type statusResponse struct {
	Pipeline  *pipeline.Stats `json:"pipeline,omitempty"`
	Fixes     uint64          `json:"fixes"`
	LastFix   *time.Time      `json:"last_fix,omitempty"`
	Clients   int             `json:"ws_clients"`
	Anchors   int             `json:"anchors"`
	Calibrate bool            `json:"calibrating"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	resp := statusResponse{
		Clients:   s.hub.Clients(),
		Anchors:   len(s.opts.Anchors),
		Calibrate: s.opts.Calibration != nil,
	}
	if s.opts.Stats != nil {
		st := s.opts.Stats.Stats()
		resp.Pipeline = &st
	}
	f, n, ok := s.lastFix()
	resp.Fixes = n
	if ok {
		resp.LastFix = &f.Time
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) listAnchors(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	anchors := s.opts.Anchors
	if anchors == nil {
		anchors = []pipeline.Anchor{}
	}
	httputil.WriteJSON(w, http.StatusOK, anchors)
}

func (s *Server) showPosition(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	f, _, ok := s.lastFix()
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no position fix yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, f)
}

func (s *Server) listFixes(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) || !s.requireDB(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	fixes, err := s.opts.DB.RecentFixes(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to load fixes")
		monitoring.Opsf("api: recent fixes: %v", err)
		return
	}
	if fixes == nil {
		fixes = []pipeline.Fix{}
	}
	httputil.WriteJSON(w, http.StatusOK, fixes)
}

func (s *Server) listSamples(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) || !s.requireDB(w) {
		return
	}
	anchor, err := ranging.ParseAnchorID(r.URL.Query().Get("anchor"))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "anchor: "+err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	samples, err := s.opts.DB.Samples(r.Context(), anchor, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to load samples")
		monitoring.Opsf("api: samples for %s: %v", anchor, err)
		return
	}
	if samples == nil {
		samples = []ranging.Sample{}
	}
	httputil.WriteJSON(w, http.StatusOK, samples)
}

func (s *Server) showCalibration(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	if s.opts.Calibration == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no calibration running")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.opts.Calibration.State())
}

func (s *Server) listCalibrationRuns(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) || !s.requireDB(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.opts.DB.CalibrationRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to load calibration runs")
		monitoring.Opsf("api: calibration runs: %v", err)
		return
	}
	if runs == nil {
		runs = []db.CalibrationRunRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

type calibrationRunResponse struct {
	db.CalibrationRunRecord
	History []calibration.HistoryEntry `json:"history"`
}

func (s *Server) showCalibrationRun(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) || !s.requireDB(w) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/calibration/runs/")
	if id == "" || strings.Contains(id, "/") {
		httputil.WriteJSONError(w, http.StatusNotFound, "unknown calibration run")
		return
	}
	run, err := s.opts.DB.CalibrationRun(r.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.WriteJSONError(w, http.StatusNotFound, "unknown calibration run")
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to load calibration run")
		monitoring.Opsf("api: calibration run %s: %v", id, err)
		return
	}
	history, err := s.opts.DB.CalibrationIterations(r.Context(), id)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to load calibration history")
		monitoring.Opsf("api: calibration history %s: %v", id, err)
		return
	}
	if history == nil {
		history = []calibration.HistoryEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, calibrationRunResponse{CalibrationRunRecord: run, History: history})
}
