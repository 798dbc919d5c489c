package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serve(a *KeyAuth, headers map[string]string) int {
	h := a.RequireKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/analyses", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRequireKey(t *testing.T) {
	a := NewKeyAuth([]string{"alpha", " beta "}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.True(t, a.Enabled())

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"bearer", map[string]string{"Authorization": "Bearer alpha"}, http.StatusOK},
		{"bearer lowercase scheme", map[string]string{"Authorization": "bearer beta"}, http.StatusOK},
		{"api key header", map[string]string{"X-API-Key": "beta"}, http.StatusOK},
		{"wrong key", map[string]string{"X-API-Key": "gamma"}, http.StatusUnauthorized},
		{"basic scheme", map[string]string{"Authorization": "Basic alpha"}, http.StatusUnauthorized},
		{"missing", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serve(a, tt.headers))
		})
	}
}

func TestRequireKeyDisabled(t *testing.T) {
	a := NewKeyAuth(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, a.Enabled())
	assert.Equal(t, http.StatusOK, serve(a, nil))
	assert.Equal(t, http.StatusOK, serve(a, nil))
}
