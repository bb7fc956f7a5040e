package middlewares

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestReadinessMiddleware_GatesUntilWired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var ready atomic.Bool
	r := gin.New()
	r.Use(ReadinessMiddleware(&ready))
	r.POST("/api/reconciliations", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reconciliations", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("before wiring: status = %d, want 503", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("healthz must answer while not ready: status = %d", w.Code)
	}

	ready.Store(true)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reconciliations", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("after wiring: status = %d, want 200", w.Code)
	}
}
