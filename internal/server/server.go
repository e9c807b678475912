// Package server exposes a read-only HTTP view of the failover daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"edgefailover/internal/history"
	"edgefailover/internal/logging"
	"edgefailover/internal/metrics"
	"edgefailover/internal/models"
	"edgefailover/internal/monitor"
)

const (
	statusTimeout       = 2 * time.Second
	defaultTimelineSpan = time.Hour
)

// StatusProvider returns the controller snapshot. *failover.Controller implements it.
type StatusProvider interface {
	Status(ctx context.Context) (models.FailoverStatus, error)
}

// TransitionLog lists recorded failover events, newest first.
type TransitionLog interface {
	Recent(limit int) []models.FailoverEvent
}

// Options wires the server to the running components.
type Options struct {
	Addr         string
	Controller   StatusProvider
	Sources      []monitor.VerdictSource
	Journal      TransitionLog
	HistoryLimit int
	Logger       logging.Logger
}

// Server wraps HTTP serving of the status API.
type Server struct {
	httpServer   *http.Server
	controller   StatusProvider
	sources      []monitor.VerdictSource
	journal      TransitionLog
	historyLimit int
	hub          *Hub
	logger       logging.Logger
}

type sourceStatus struct {
	Source  models.Source          `json:"source"`
	Latest  *models.HealthVerdict  `json:"latest,omitempty"`
	Tracker models.HysteresisState `json:"tracker"`
}

type statusResponse struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Failover    models.FailoverStatus `json:"failover"`
	Sources     []sourceStatus        `json:"sources"`
}

// New creates a configured HTTP server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = 200
	}

	s := &Server{
		controller:   opts.Controller,
		sources:      opts.Sources,
		journal:      opts.Journal,
		historyLimit: limit,
		hub:          NewHub(),
		logger:       logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Hub returns the event hub that feeds /api/events.
func (s *Server) Hub() *Hub { return s.hub }

// Run blocks and serves HTTP traffic. It returns nil after Shutdown.
func (s *Server) Run() error {
	s.logger.Info("status server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts the server down and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Get("/uptime", s.handleUptime)
		r.Get("/timeline", s.handleTimeline)
		r.Get("/transitions", s.handleTransitions)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

func (s *Server) snapshot(ctx context.Context) (statusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	st, err := s.controller.Status(ctx)
	if err != nil {
		return statusResponse{}, err
	}
	resp := statusResponse{
		GeneratedAt: time.Now().UTC(),
		Failover:    st,
		Sources:     make([]sourceStatus, 0, len(s.sources)),
	}
	for _, src := range s.sources {
		item := sourceStatus{Source: src.Source(), Tracker: src.State()}
		if latest, ok := src.Latest(); ok {
			item.Latest = &latest
		}
		resp.Sources = append(resp.Sources, item)
	}
	return resp, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	selected, ok := s.selectSources(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	limit := parseLimit(r, s.historyLimit)

	out := make(map[models.Source][]models.HealthVerdict, len(selected))
	for _, src := range selected {
		verdicts := src.History()
		if len(verdicts) > limit {
			verdicts = verdicts[len(verdicts)-limit:]
		}
		if verdicts == nil {
			verdicts = []models.HealthVerdict{}
		}
		out[src.Source()] = verdicts
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Time{}
	if minutes := parsePositive(r, "minutes", 0); minutes > 0 {
		cutoff = time.Now().Add(-time.Duration(minutes) * time.Minute)
	}
	bySource := make(map[models.Source][]models.HealthVerdict, len(s.sources))
	for _, src := range s.sources {
		bySource[src.Source()] = src.HistorySince(cutoff)
	}
	summary := metrics.ComputeAvailability(bySource)
	if summary == nil {
		summary = []metrics.SourceAvailability{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	selected, ok := s.selectSources(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	span := defaultTimelineSpan
	if minutes := parsePositive(r, "minutes", 0); minutes > 0 {
		span = time.Duration(minutes) * time.Minute
	}
	points := parsePositive(r, "points", history.DefaultTimelinePoints)
	if points > 1440 {
		points = 1440
	}

	end := time.Now().UTC()
	start := end.Add(-span)
	bySource := make(map[models.Source][]models.HealthVerdict, len(selected))
	for _, src := range selected {
		// One extra span back lets the first bucket inherit a verdict taken just before start.
		bySource[src.Source()] = src.HistorySince(start.Add(-span))
	}
	timelines := history.BuildSourceTimelines(bySource, start, end, points)
	if timelines == nil {
		timelines = []models.SourceTimeline{}
	}
	writeJSON(w, http.StatusOK, timelines)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []models.FailoverEvent{})
		return
	}
	writeJSON(w, http.StatusOK, s.journal.Recent(parseLimit(r, s.historyLimit)))
}

func (s *Server) selectSources(r *http.Request) ([]monitor.VerdictSource, bool) {
	want := strings.TrimSpace(r.URL.Query().Get("source"))
	if want == "" {
		return s.sources, true
	}
	for _, src := range s.sources {
		if string(src.Source()) == want {
			return []monitor.VerdictSource{src}, true
		}
	}
	return nil, false
}

func parseLimit(r *http.Request, fallback int) int {
	value := parsePositive(r, "limit", fallback)
	if value > fallback {
		return fallback
	}
	return value
}

func parsePositive(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
