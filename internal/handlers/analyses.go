package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bias-lab/biaslab-go/internal/analysis"
	"github.com/bias-lab/biaslab-go/internal/bias"
	"github.com/bias-lab/biaslab-go/internal/db"
	"github.com/bias-lab/biaslab-go/internal/sse"
)

// keepaliveInterval spaces SSE comment frames on idle streams.
const keepaliveInterval = 15 * time.Second

// AnalysisService is the analysis API. *analysis.Service implements it.
type AnalysisService interface {
	Analyze(ctx context.Context, in analysis.Input, progress bias.ProgressFunc) (*db.Analysis, error)
	AnalyzeBatch(ctx context.Context, urls []string) ([]analysis.BatchItem, error)
	Submit(ctx context.Context, in analysis.Input) (*analysis.Job, error)
	Job(id string) (*analysis.Job, error)
	JobEvents(id string) (*analysis.Job, <-chan sse.Event, func(), error)
	AnalysisEvents() (<-chan sse.Event, func())
	Get(ctx context.Context, id string) (*db.Analysis, error)
	Recent(ctx context.Context, limit int) ([]db.Analysis, error)
	SubmitFeedback(ctx context.Context, id string, in analysis.FeedbackInput) (*db.Feedback, error)
}

// AnalysisHandler serves the /v1 analysis API.
type AnalysisHandler struct {
	svc    AnalysisService
	logger *slog.Logger
}

// NewAnalysisHandler creates an AnalysisHandler.
func NewAnalysisHandler(svc AnalysisService, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{svc: svc, logger: logger}
}

// Analyze handles POST /v1/analyze
func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var in analysis.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	an, err := h.svc.Analyze(r.Context(), in, nil)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, an)
}

type batchRequest struct {
	URLs []string `json:"urls"`
}

type batchResult struct {
	URL      string       `json:"url"`
	Status   int          `json:"status"`
	Analysis *db.Analysis `json:"analysis,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// AnalyzeBatch handles POST /v1/analyze/batch
func (h *AnalysisHandler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	items, err := h.svc.AnalyzeBatch(r.Context(), req.URLs)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]batchResult, len(items))
	for i, it := range items {
		out[i] = batchResult{URL: it.URL, Status: http.StatusOK, Analysis: it.Analysis}
		if it.Err != nil {
			out[i].Status = statusFor(it.Err)
			out[i].Error = it.Error
			if out[i].Status == http.StatusInternalServerError {
				h.logger.Error("batch item failed", "url", it.URL, "err", it.Err)
				out[i].Error = "internal error"
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// SubmitJob handles POST /v1/jobs
func (h *AnalysisHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var in analysis.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	job, err := h.svc.Submit(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// GetJob handles GET /v1/jobs/{id}
func (h *AnalysisHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// JobEvents handles GET /v1/jobs/{id}/events
// It sends the job's current progress, then streams live events until the
// job finishes or the client disconnects.
func (h *AnalysisHandler) JobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	job, events, cancel, err := h.svc.JobEvents(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer cancel()

	sseHeaders(w)
	switch job.Status {
	case analysis.JobComplete:
		writeEvent(w, analysis.EventResult, job.Result)
		flusher.Flush()
		return
	case analysis.JobFailed:
		writeEvent(w, analysis.EventError, map[string]string{"error": job.Error})
		flusher.Flush()
		return
	}
	writeEvent(w, analysis.EventProgress, map[string]any{"progress": job.Progress, "step": job.Step})
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			event.WriteTo(w)
			flusher.Flush()
			if event.Type == analysis.EventResult || event.Type == analysis.EventError {
				return
			}
		case <-keepalive.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// ListAnalyses handles GET /v1/analyses
func (h *AnalysisHandler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []db.Analysis{}
	}
	writeJSON(w, http.StatusOK, list)
}

// StreamAnalyses handles GET /v1/analyses/stream
// Every analysis stored by any instance is pushed as an "analysis" event.
func (h *AnalysisHandler) StreamAnalyses(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	events, cancel := h.svc.AnalysisEvents()
	defer cancel()

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			event.WriteTo(w)
			flusher.Flush()
		case <-keepalive.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// GetAnalysis handles GET /v1/analyses/{id}
func (h *AnalysisHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	an, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, an)
}

// SubmitFeedback handles POST /v1/analyses/{id}/feedback
func (h *AnalysisHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var in analysis.FeedbackInput
	if !decodeJSON(w, r, &in) {
		return
	}
	fb, err := h.svc.SubmitFeedback(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}
