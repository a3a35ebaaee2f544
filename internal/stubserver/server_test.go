package stubserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/chimerakang/authkit-go/fake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newServer(t *testing.T) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "stub_sample_total", Help: "sample"}))
	b := fake.New(fake.WithUser("ada", "ada@example.com", "correct-horse", "Ada", true))
	return New(b,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithGatherer(reg),
	).Handler()
}

func post(t *testing.T, h http.Handler, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	h := newServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stub_sample_total")
}

func TestLoginLogout(t *testing.T) {
	h := newServer(t)

	w := post(t, h, "/api/auth/login/", map[string]string{"username": "ada", "password": "correct-horse"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
		User    struct {
			IsStaff bool `json:"is_staff"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Access)
	assert.True(t, resp.User.IsStaff)

	w = post(t, h, "/api/auth/logout/", map[string]string{"refresh": resp.Refresh}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code, "logout requires a bearer token")

	w = post(t, h, "/api/auth/logout/", map[string]string{"refresh": resp.Refresh}, resp.Access)
	assert.Equal(t, http.StatusResetContent, w.Code)

	w = post(t, h, "/api/auth/token/refresh/", map[string]string{"refresh": resp.Refresh}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token_not_valid")
}

func TestStatusMapping(t *testing.T) {
	h := newServer(t)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"bad credentials", "/api/auth/login/", map[string]string{"username": "ada", "password": "nope"}, http.StatusUnauthorized},
		{"validation", "/api/auth/register/", map[string]string{"username": "ada", "email": "x", "password": "1"}, http.StatusBadRequest},
		{"missing refresh", "/api/auth/token/refresh/", map[string]string{}, http.StatusBadRequest},
		{"exchange rejected", "/api/auth/google/convert/", map[string]string{"provider": "google"}, http.StatusNotFound},
		{"register ok", "/api/auth/register/", map[string]string{"username": "grace", "email": "grace@example.com", "password": "long-enough"}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, tt.path, tt.body, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
