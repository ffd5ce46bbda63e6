// Package api serves the operator HTTP interface: entity snapshots, listener
// control, registry maintenance, metrics and the live feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
	"github.com/hervehildenbrand/rid-radar/pkg/supervisor"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Engine is the part of *engine.Engine the API reads and drives.
type Engine interface {
	Detections() []*models.Detection
	Detection(id string) (*models.Detection, bool)
	History(id string) []models.Position
	Rings() []models.AlertRing
	LastStatus() *models.StatusMessage
	Clear(ctx context.Context) (int, error)
	Remove(ctx context.Context, id string) (bool, error)
	Sweep(ctx context.Context) error
	Stats() map[string]interface{}
}

// Supervisor is the part of *supervisor.Supervisor the API drives.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop()
	SetBackground(background bool)
	Background() bool
	State() supervisor.State
	Err() error
	Stats() map[string]interface{}
}

// Options wires the server's collaborators. Feed and Gatherer are optional.
type Options struct {
	Addr       string
	Engine     Engine
	Supervisor Supervisor
	// Feed serves the websocket live feed on /ws.
	Feed     http.Handler
	Gatherer prometheus.Gatherer
	// Stats adds extra sections to /api/stats, e.g. fan-out counters.
	Stats map[string]func() map[string]interface{}
}

// Server is the HTTP API.
type Server struct {
	logger     *zap.Logger
	engine     Engine
	supervisor Supervisor
	stats      map[string]func() map[string]interface{}
	router     chi.Router
	server     *http.Server

	// ctx outlives requests; listeners started over the API run on it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the router.
func New(logger *zap.Logger, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:     logger.Named("api"),
		engine:     opts.Engine,
		supervisor: opts.Supervisor,
		stats:      opts.Stats,
		ctx:        ctx,
		cancel:     cancel,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Feed != nil {
		r.Handle("/ws", opts.Feed)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/detections", s.handleListDetections)
		r.Get("/detections/{id}", s.handleGetDetection)
		r.Delete("/detections/{id}", s.handleDeleteDetection)
		r.Post("/clear", s.handleClear)
		r.Post("/sweep", s.handleSweep)
		r.Get("/rings", s.handleRings)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)

		r.Post("/listener/start", s.handleListenerStart)
		r.Post("/listener/stop", s.handleListenerStop)
		r.Post("/background", s.handleBackground)
	})

	s.router = r
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API stopped", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP API shutdown", zap.Error(err))
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	State      string `json:"state"`
	Background bool   `json:"background"`
	Error      string `json:"error,omitempty"`
}

// handleHealth handles GET /health. It reports 503 unless the listener is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.supervisor.State()
	resp := healthResponse{
		Status:     "ok",
		State:      string(state),
		Background: s.supervisor.Background(),
	}
	status := http.StatusOK
	if state != supervisor.Listening {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if err := s.supervisor.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// handleListDetections handles GET /api/detections[?kind=drone]
func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	kind := models.Kind(strings.ToLower(r.URL.Query().Get("kind")))

	all := s.engine.Detections()
	out := make([]*models.Detection, 0, len(all))
	for _, d := range all {
		if kind == "" || d.Kind() == kind {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

type detectionResponse struct {
	*models.Detection
	Kind    models.Kind       `json:"kind"`
	History []models.Position `json:"history"`
}

// handleGetDetection handles GET /api/detections/{id}
func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.engine.Detection(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown entity "+id)
		return
	}
	history := s.engine.History(id)
	if history == nil {
		history = []models.Position{}
	}
	writeJSON(w, http.StatusOK, detectionResponse{Detection: d, Kind: d.Kind(), History: history})
}

// handleDeleteDetection handles DELETE /api/detections/{id}
func (s *Server) handleDeleteDetection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.engine.Remove(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown entity "+id)
		return
	}
	s.logger.Info("Entity removed by operator", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleClear handles POST /api/clear
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info("Registry cleared by operator", zap.Int("removed", n))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// handleSweep handles POST /api/sweep
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Sweep(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRings handles GET /api/rings
func (s *Server) handleRings(w http.ResponseWriter, r *http.Request) {
	rings := s.engine.Rings()
	if rings == nil {
		rings = []models.AlertRing{}
	}
	sort.Slice(rings, func(i, j int) bool { return rings[i].Key < rings[j].Key })
	writeJSON(w, http.StatusOK, rings)
}

type statusResponse struct {
	Listener   string                `json:"listener"`
	Background bool                  `json:"background"`
	Error      string                `json:"error,omitempty"`
	Sensor     *models.StatusMessage `json:"sensor,omitempty"`
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Listener:   string(s.supervisor.State()),
		Background: s.supervisor.Background(),
		Sensor:     s.engine.LastStatus(),
	}
	if err := s.supervisor.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"engine":     s.engine.Stats(),
		"supervisor": s.supervisor.Stats(),
	}
	for name, fn := range s.stats {
		stats[name] = fn()
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListenerStart handles POST /api/listener/start
func (s *Server) handleListenerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Start(s.ctx); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.supervisor.State())})
}

// handleListenerStop handles POST /api/listener/stop
func (s *Server) handleListenerStop(w http.ResponseWriter, r *http.Request) {
	s.supervisor.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.supervisor.State())})
}

type backgroundRequest struct {
	Background *bool `json:"background"`
}

// handleBackground handles POST /api/background {"background": true}
func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	var req backgroundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.Background == nil {
		writeError(w, http.StatusBadRequest, "background is required")
		return
	}
	s.supervisor.SetBackground(*req.Background)
	writeJSON(w, http.StatusOK, map[string]bool{"background": s.supervisor.Background()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
