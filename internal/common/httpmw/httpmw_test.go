package httpmw

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edisys/edigw/internal/common/logger"
)

func TestBodyLimitSurfacesMaxBytesError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(BodyLimit(16))

	var readErr error
	router.POST("/", func(c *gin.Context) {
		_, readErr = io.ReadAll(c.Request.Body)
		c.Status(http.StatusOK)
	})

	t.Run("under the cap", func(t *testing.T) {
		readErr = nil
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.NoError(t, readErr)
	})

	t.Run("over the cap", func(t *testing.T) {
		readErr = nil
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 64)))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		var maxErr *http.MaxBytesError
		require.Error(t, readErr)
		assert.True(t, errors.As(readErr, &maxErr), "handlers rely on the error type to answer 413")
	})
}

func TestRequestIDGenerated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())

	var ctxID string
	router.GET("/", func(c *gin.Context) {
		ctxID, _ = c.Request.Context().Value(logger.RequestIDKey).(string)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.NotEmpty(t, ctxID)
	assert.Equal(t, ctxID, w.Header().Get("X-Request-ID"))
}

func TestRequestIDPreservesClientValue(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())

	var ctxID string
	router.GET("/", func(c *gin.Context) {
		ctxID, _ = c.Request.Context().Value(logger.RequestIDKey).(string)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-chosen")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "client-chosen", ctxID)
	assert.Equal(t, "client-chosen", w.Header().Get("X-Request-ID"))
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequestLogger(log, "edi-gateway"))
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusTeapot, "short and stout")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())
}
