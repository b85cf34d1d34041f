package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestLiveness(t *testing.T) {
	w := serve(t, NewHandler(), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness_AllUp(t *testing.T) {
	h := NewHandler(
		WithCheck(Check{Name: "redis", Probe: func(context.Context) error { return nil }, Critical: true}),
		WithCheck(Check{Name: "vault", Probe: func(context.Context) error { return nil }}),
	)

	w := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string                       `json:"status"`
		Checks map[string]map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "up", body.Checks["redis"]["status"])
	assert.Equal(t, "up", body.Checks["vault"]["status"])
}

func TestReadiness_CriticalDown(t *testing.T) {
	h := NewHandler(
		WithCheck(Check{
			Name:     "redis",
			Probe:    func(context.Context) error { return errors.New("connection refused") },
			Critical: true,
		}),
	)

	w := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
}

func TestReadiness_NonCriticalDownStaysReady(t *testing.T) {
	h := NewHandler(
		WithCheck(Check{Name: "redis", Probe: func(context.Context) error { return nil }, Critical: true}),
		WithCheck(Check{Name: "vault", Probe: func(context.Context) error { return errors.New("sealed") }}),
	)

	w := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sealed")
}

func TestReadiness_NoChecks(t *testing.T) {
	w := serve(t, NewHandler(), "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
}
