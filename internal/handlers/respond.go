package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bias-lab/biaslab-go/internal/analysis"
	"github.com/bias-lab/biaslab-go/internal/article"
	"github.com/bias-lab/biaslab-go/internal/tasks"
)

// maxBodyBytes bounds request bodies; text submissions are the largest.
const maxBodyBytes = 1 << 20

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, analysis.ErrInvalidURL),
		errors.Is(err, analysis.ErrEmptyInput),
		errors.Is(err, analysis.ErrBatchSize),
		errors.Is(err, analysis.ErrInvalidFeedback),
		errors.Is(err, article.ErrBlockedHost):
		return http.StatusBadRequest
	case errors.Is(err, analysis.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, article.ErrNotArticle):
		return http.StatusUnprocessableEntity
	case errors.Is(err, article.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with err's status. Internal errors are logged and
// reported generically.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "request_id", requestID(r), "err", err)
		jsonError(w, "internal error", code)
		return
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	jsonError(w, err.Error(), code)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// queryLimit parses ?limit=, returning 0 when absent.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeEvent(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
