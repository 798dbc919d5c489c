package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bias-lab/biaslab-go/internal/calibration"
	"github.com/bias-lab/biaslab-go/internal/db"
	"github.com/bias-lab/biaslab-go/internal/monitor"
)

// OpsStats exposes in-process performance. *monitor.Tracker implements it.
type OpsStats interface {
	Snapshot() monitor.OpsSnapshot
	Performance() []monitor.PerformancePoint
	Throughput() []monitor.ThroughputPoint
}

// OpsStore reads persisted operations data. *analysis.Service implements it.
type OpsStore interface {
	Portfolio(ctx context.Context, limit int) ([]db.SourceStat, error)
	OpsLog(ctx context.Context, limit int) ([]db.OpsLogEntry, error)
}

// Calibrator runs one calibration cycle. *calibration.Loop implements it.
type Calibrator interface {
	RunOnce(ctx context.Context) (*calibration.Result, error)
}

// HealthChecker reports dependency health. *monitor.Checker implements it.
type HealthChecker interface {
	Check(ctx context.Context) monitor.HealthReport
}

// OpsHandler serves the operations API and health endpoints.
type OpsHandler struct {
	stats      OpsStats
	store      OpsStore
	calibrator Calibrator
	health     HealthChecker
	logger     *slog.Logger
}

// NewOpsHandler creates an OpsHandler.
func NewOpsHandler(stats OpsStats, store OpsStore, calibrator Calibrator, health HealthChecker, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{stats: stats, store: store, calibrator: calibrator, health: health, logger: logger}
}

// Healthz handles GET /healthz
func (h *OpsHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	rep := h.health.Check(r.Context())
	code := http.StatusOK
	if !rep.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Metrics handles GET /api/ops/metrics
func (h *OpsHandler) Metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

// Performance handles GET /api/ops/performance
func (h *OpsHandler) Performance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Performance())
}

// Throughput handles GET /api/ops/throughput
func (h *OpsHandler) Throughput(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Throughput())
}

// Portfolio handles GET /api/ops/portfolio
func (h *OpsHandler) Portfolio(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	stats, err := h.store.Portfolio(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if stats == nil {
		stats = []db.SourceStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// Log handles GET /api/ops/log
func (h *OpsHandler) Log(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.store.OpsLog(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []db.OpsLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Calibrate handles POST /api/ops/calibrate
func (h *OpsHandler) Calibrate(w http.ResponseWriter, r *http.Request) {
	res, err := h.calibrator.RunOnce(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
