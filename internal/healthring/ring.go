// Package healthring keeps a bounded probe history for every backend the
// gateway depends on.
package healthring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cortexhub/cortex-chatgate/internal/metrics"
)

// Member statuses.
const (
	StatusUnknown = "unknown"
	StatusUp      = "up"
	StatusDown    = "down"
)

// Probe checks one backend. A nil error means healthy.
type Probe func(ctx context.Context) error

type HealthCheckResult struct {
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

type MemberStatus struct {
	Name    string              `json:"name"`
	Status  string              `json:"status"`
	History []HealthCheckResult `json:"history"`
}

type HealthRing struct {
	mu          sync.RWMutex
	members     map[string]*MemberStatus
	probes      map[string]Probe
	timeout     time.Duration
	historySize int
	logger      *slog.Logger
}

// NewHealthRing creates an empty ring. historySize bounds each member's
// history; timeout bounds a single probe.
func NewHealthRing(historySize int, timeout time.Duration, logger *slog.Logger) *HealthRing {
	if historySize <= 0 {
		historySize = 32
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthRing{
		members:     make(map[string]*MemberStatus),
		probes:      make(map[string]Probe),
		timeout:     timeout,
		historySize: historySize,
		logger:      logger.With("component", "healthring"),
	}
}

// Register adds or replaces a member.
func (h *HealthRing) Register(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
	h.members[name] = &MemberStatus{
		Name:    name,
		Status:  StatusUnknown,
		History: make([]HealthCheckResult, 0, h.historySize),
	}
}

// Check probes every member concurrently and records the results.
func (h *HealthRing) Check(ctx context.Context) {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.RUnlock()

	var g errgroup.Group
	for name, probe := range probes {
		g.Go(func() error {
			h.record(name, h.performCheck(ctx, probe))
			return nil
		})
	}
	g.Wait()
}

func (h *HealthRing) performCheck(ctx context.Context, probe Probe) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	res := HealthCheckResult{
		Timestamp: start,
		Success:   err == nil,
		Latency:   time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (h *HealthRing) record(name string, res HealthCheckResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status, ok := h.members[name]
	if !ok {
		return
	}
	prev := status.Status
	status.Status = StatusUp
	up := 1.0
	if !res.Success {
		status.Status = StatusDown
		up = 0
	}
	status.History = append(status.History, res)
	if len(status.History) > h.historySize {
		status.History = status.History[len(status.History)-h.historySize:]
	}
	metrics.BackendUp.WithLabelValues(name).Set(up)

	if prev != status.Status && prev != StatusUnknown {
		h.logger.Warn("backend status changed", "name", name, "from", prev, "to", status.Status, "error", res.Error)
	} else {
		h.logger.Debug("Health check for member", "name", name, "status", status.Status)
	}
}

// Status returns a copy of every member.
func (h *HealthRing) Status() map[string]*MemberStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := make(map[string]*MemberStatus, len(h.members))
	for k, v := range h.members {
		m[k] = copyStatus(v)
	}
	return m
}

// Healthy reports whether no member is down. Unprobed members count as
// healthy.
func (h *HealthRing) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.members {
		if m.Status == StatusDown {
			return false
		}
	}
	return true
}

// Names lists registered members in order.
func (h *HealthRing) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.members))
	for name := range h.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *HealthRing) GetMemberStatus(name string) (*MemberStatus, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.members[name]
	if !ok {
		return nil, fmt.Errorf("member %q not found", name)
	}
	return copyStatus(s), nil
}

func copyStatus(s *MemberStatus) *MemberStatus {
	c := *s
	c.History = append([]HealthCheckResult(nil), s.History...)
	return &c
}

func (h *HealthRing) GetStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.Status()); err != nil {
			http.Error(w, "Encode error", http.StatusInternalServerError)
			return
		}
	}
}

func (h *HealthRing) GetMemberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/api/v1/healthring/")
		if name == "" {
			http.Error(w, "Member name required", http.StatusBadRequest)
			return
		}
		member, err := h.GetMemberStatus(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(member); err != nil {
			http.Error(w, "Encode error", http.StatusInternalServerError)
			return
		}
	}
}
