package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiter_PerDevice(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimiter(rate.Limit(0.001), 1, nil))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(device string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if device != "" {
			req.Header.Set(DeviceHeader, device)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("ESP-001"))
	assert.Equal(t, http.StatusTooManyRequests, do("ESP-001"))
	assert.Equal(t, http.StatusOK, do("ESP-002"), "another device has its own bucket")
	assert.Equal(t, http.StatusOK, do(""))
	assert.Equal(t, http.StatusTooManyRequests, do(""))
}

func TestKeyedRateLimiter_ReusesBuckets(t *testing.T) {
	l := NewKeyedRateLimiter(rate.Limit(1), 1)
	assert.Same(t, l.Limiter("a"), l.Limiter("a"))
	l.Limiter("b")
	assert.Equal(t, 2, l.Len())
}

func TestResponseCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rc := NewResponseCache(time.Minute)
	calls := 0

	r := gin.New()
	r.GET("/firmware", rc.Cached(), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"calls": calls})
	})
	r.GET("/missing", rc.Cached(), func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})
	r.POST("/firmware", rc.Invalidates(), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	first := get("/firmware")
	second := get("/firmware")
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, 1, calls)

	get("/missing")
	assert.Equal(t, 1, rc.Len(), "errors are not cached")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/firmware", nil))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 0, rc.Len())

	get("/firmware")
	assert.Equal(t, 2, calls)
}
