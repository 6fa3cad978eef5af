package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func corsRouter(allowedOrigins string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(allowedOrigins))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORS_Wildcard(t *testing.T) {
	r := corsRouter("*")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

func TestCORS_OriginList(t *testing.T) {
	r := corsRouter("http://portal.example, http://staging.portal.example")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://portal.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://portal.example" {
		t.Errorf("expected echoed origin, got %q", got)
	}
	if w.Header().Get("Vary") != "Origin" {
		t.Error("missing Vary header for listed origin")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin got CORS headers: %q", got)
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	r := corsRouter("*")

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://portal.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", w.Code)
	}
}

func TestRequireRole_GatesByContextRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/sessions",
		func(c *gin.Context) { c.Set(ContextUserRole, "attendee") },
		RequireRole("teacher", "admin"),
		func(c *gin.Context) { c.Status(http.StatusCreated) },
	)
	r.POST("/teacher-sessions",
		func(c *gin.Context) { c.Set(ContextUserRole, "teacher") },
		RequireRole("teacher", "admin"),
		func(c *gin.Context) { c.Status(http.StatusCreated) },
	)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("attendee passed the role gate: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/teacher-sessions", nil))
	if w.Code != http.StatusCreated {
		t.Errorf("teacher blocked by the role gate: %d", w.Code)
	}
}
