package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_CriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("database", true, func(context.Context) error { return errors.New("connection refused") })
	r.Register("reconciliation", false, func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[0].Detail)
	assert.True(t, statuses[1].Healthy)
}

func TestRegistry_NonCriticalFailureIsReported(t *testing.T) {
	r := NewRegistry()
	r.Register("reconciliation", false, func(context.Context) error { return errors.New("timer stopped") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.False(t, statuses[0].Healthy)
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline exceeded")
}

func TestRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	reg.Register("database", true, func(context.Context) error { return nil })
	router := gin.New()
	reg.RegisterRoutes(router, "test")

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	reg.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)
}
