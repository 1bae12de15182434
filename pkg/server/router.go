package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.recoveryMiddleware(), s.metricsMiddleware(), s.loggingMiddleware())

	router.GET("/healthz", s.handleHealth)
	router.GET("/stats", s.handleStats)

	assets := router.Group("/assets")
	{
		assets.GET("", s.handleListAssets)
		assets.GET("/:id", s.handleGetAsset)
		assets.POST("/:id/load", s.handleLoad)
		assets.POST("/:id/reload", s.handleReload)
	}

	return router
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			s.errorCount.Add(1)
		}
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Health checks are polled constantly.
		if c.FullPath() == "/healthz" {
			return
		}
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("handler panic", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		s.errorCount.Add(1)
		respondError(c, http.StatusInternalServerError, codeInternal, errInternal)
	})
}
