// Package server — локальный статусный HTTP сервер клиента: снимки
// потокового состояния, предобработанный markdown и метрики Prometheus.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"zhengxin-client/internal/config"
	"zhengxin-client/internal/markdown"
	"zhengxin-client/internal/stream"
)

// Server — обертка над gin с жизненным циклом graceful shutdown.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// New собирает роутер и сервер.
func New(cfg config.ServerConfig, store stream.Store, logger zerolog.Logger) *Server {
	log := logger.With().Str("component", "StatusServer").Logger()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/projects/:id/stream", func(c *gin.Context) {
		data, ok := store.GetProjectData(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no streaming data for project"})
			return
		}
		c.JSON(http.StatusOK, data)
	})

	router.GET("/projects/:id/preview", func(c *gin.Context) {
		data, ok := store.GetProjectData(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no streaming data for project"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"project_id":    data.ProjectID,
			"is_generating": data.IsGenerating,
			"progress":      data.Progress,
			"markdown":      markdown.Preprocess(data.ReportContent),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		stream.MetricsRegistry(), promhttp.HandlerOpts{},
	)))

	return &Server{
		httpServer: &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: router,
		},
		logger: log,
	}
}

// Handler возвращает роутер (для httptest).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run запускает сервер и блокируется до ошибки или остановки.
func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Status server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown останавливает сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger — access-лог запросов через zerolog.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
