// Package server exposes the admin HTTP surface: health, metrics and
// read-only views of sessions, models and recent turns.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cortexhub/cortex-chatgate/internal/config"
	"github.com/cortexhub/cortex-chatgate/internal/healthring"
	"github.com/cortexhub/cortex-chatgate/internal/inference"
	"github.com/cortexhub/cortex-chatgate/internal/journal"
	"github.com/cortexhub/cortex-chatgate/internal/metrics"
	"github.com/cortexhub/cortex-chatgate/internal/session"
	"github.com/cortexhub/cortex-chatgate/internal/store"
)

// Version is reported by /health. Set at build time.
var Version = "dev"

// ProfileLister lists stored profiles.
type ProfileLister interface {
	ListProfiles(ctx context.Context) ([]store.Profile, error)
}

// EngineLister lists inference engines.
type EngineLister interface {
	ListEngines() []inference.Engine
}

// TurnLister returns the newest journal entries.
type TurnLister interface {
	Recent(ctx context.Context, n int64) ([]journal.TurnEvent, error)
}

// Deps are the collaborators behind the endpoints. Journal may be nil.
type Deps struct {
	Profiles   ProfileLister
	Catalog    *inference.Catalog
	Engines    EngineLister
	HealthRing *healthring.HealthRing
	Journal    TurnLister
}

// Server represents the HTTP server
type Server struct {
	cfg        *config.Config
	deps       Deps
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Services  map[string]ServiceHealth `json:"services"`
	Timestamp string                   `json:"timestamp"`
}

// ServiceHealth represents a service health status
type ServiceHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// StatusResponse represents the full system status
type StatusResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	Sessions  map[string]int  `json:"sessions"`
	Engines   []EngineInfo    `json:"engines"`
	Channels  map[string]bool `json:"channels"`
	Timestamp string          `json:"timestamp"`
}

// SessionsResponse represents the sessions list
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SessionInfo is a profile summary. It never includes context content.
type SessionInfo struct {
	UserID        string  `json:"user_id"`
	State         string  `json:"state"`
	DisplayName   string  `json:"display_name,omitempty"`
	ModelID       string  `json:"model_id"`
	ThinkMode     bool    `json:"think_mode"`
	Temperature   float64 `json:"temperature"`
	ContextWindow int     `json:"context_window"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// ModelInfo describes a catalog entry.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Engine      string `json:"engine"`
	Multimodal  bool   `json:"multimodal"`
	ThinkToggle bool   `json:"think_toggle"`
	Default     bool   `json:"default"`
	Vision      bool   `json:"vision"`
}

// EngineInfo for API response
type EngineInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// New creates a new HTTP server
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.instrument("/health", s.healthHandler))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/status", s.instrument("/api/v1/status", s.statusHandler))
	mux.HandleFunc("/api/v1/sessions", s.instrument("/api/v1/sessions", s.sessionsHandler))
	mux.HandleFunc("/api/v1/models", s.instrument("/api/v1/models", s.listModelsHandler))
	mux.HandleFunc("/api/v1/inference/engines", s.instrument("/api/v1/inference/engines", s.listEnginesHandler))
	mux.HandleFunc("/api/v1/turns", s.instrument("/api/v1/turns", s.turnsHandler))
	if deps.HealthRing != nil {
		mux.HandleFunc("/api/v1/healthring/status", s.instrument("/api/v1/healthring/status", deps.HealthRing.GetStatusHandler()))
		mux.HandleFunc("/api/v1/healthring/", s.instrument("/api/v1/healthring/", deps.HealthRing.GetMemberHandler()))
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency under a fixed endpoint
// label.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.RequestCount.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// healthHandler handles health check requests. Any backend that failed
// its last probe makes the gateway degraded.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := map[string]ServiceHealth{
		"http": {Healthy: true, Message: "HTTP server running"},
	}
	healthy := true
	if s.deps.HealthRing != nil {
		for name, ms := range s.deps.HealthRing.Status() {
			sh := ServiceHealth{Healthy: ms.Status != healthring.StatusDown, Message: ms.Status}
			if n := len(ms.History); n > 0 && ms.History[n-1].Error != "" {
				sh.Message = ms.History[n-1].Error
			}
			services[name] = sh
			healthy = healthy && sh.Healthy
		}
	}

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	}
	code := http.StatusOK
	if !healthy {
		response.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

// statusHandler handles full system status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts := map[string]int{}
	if s.deps.Profiles != nil {
		profiles, err := s.deps.Profiles.ListProfiles(r.Context())
		if err != nil {
			s.logger.Error("Failed to list profiles", "error", err)
			http.Error(w, "Failed to retrieve sessions", http.StatusInternalServerError)
			return
		}
		for i := range profiles {
			counts[session.StateOf(&profiles[i]).String()]++
		}
	}

	response := StatusResponse{
		Status:    "healthy",
		Version:   Version,
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sessions:  counts,
		Engines:   s.engines(),
		Channels: map[string]bool{
			"telegram": s.cfg.Channels.Telegram.Enabled,
			"discord":  s.cfg.Channels.Discord.Enabled,
			"webchat":  s.cfg.Channels.WebChat.Enabled,
		},
	}
	if s.deps.HealthRing != nil && !s.deps.HealthRing.Healthy() {
		response.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, response)
}

// sessionsHandler handles sessions list
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Profiles == nil {
		writeJSON(w, http.StatusOK, SessionsResponse{Sessions: []SessionInfo{}})
		return
	}

	profiles, err := s.deps.Profiles.ListProfiles(r.Context())
	if err != nil {
		s.logger.Error("Failed to list profiles", "error", err)
		http.Error(w, "Failed to retrieve sessions", http.StatusInternalServerError)
		return
	}

	sessions := make([]SessionInfo, 0, len(profiles))
	for i := range profiles {
		p := &profiles[i]
		sessions = append(sessions, SessionInfo{
			UserID:        p.UserID,
			State:         session.StateOf(p).String(),
			DisplayName:   p.DisplayName,
			ModelID:       p.ModelID,
			ThinkMode:     p.ThinkMode,
			Temperature:   p.Temperature,
			ContextWindow: p.ContextWindow,
			CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:     p.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// listModelsHandler lists the model catalog
func (s *Server) listModelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	list := []ModelInfo{}
	if c := s.deps.Catalog; c != nil {
		def, vision := c.Default().ID, c.Vision().ID
		for _, m := range c.List() {
			list = append(list, ModelInfo{
				ID:          m.ID,
				Name:        m.Name,
				Engine:      m.Engine,
				Multimodal:  m.Multimodal,
				ThinkToggle: m.ThinkToggle,
				Default:     m.ID == def,
				Vision:      m.ID == vision,
			})
		}
	}
	writeJSON(w, http.StatusOK, list)
}

// listEnginesHandler lists available inference engines
func (s *Server) listEnginesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engines())
}

func (s *Server) engines() []EngineInfo {
	list := []EngineInfo{}
	if s.deps.Engines == nil {
		return list
	}
	for _, e := range s.deps.Engines.ListEngines() {
		list = append(list, EngineInfo{Name: e.Name, Type: e.Type, URL: e.URL})
	}
	return list
}

// turnsHandler returns the newest journal events, newest first.
func (s *Server) turnsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Journal == nil {
		http.Error(w, "Turn journal disabled", http.StatusNotFound)
		return
	}

	n := int64(50)
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 || parsed > 1000 {
			http.Error(w, "n must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	events, err := s.deps.Journal.Recent(r.Context(), n)
	if err != nil {
		s.logger.Error("Failed to read journal", "error", err)
		http.Error(w, "Failed to read journal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
