package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"djp.chapter42.de/renderq/internal/data"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EngineStatus reports whether the rendering engine answers.
type EngineStatus interface {
	SystemStats(ctx context.Context) (json.RawMessage, error)
}

const healthTimeout = 5 * time.Second

type routerOptions struct {
	engine EngineStatus
}

type RouterOption func(*routerOptions)

// WithEngineStatus makes /health check the engine and include its system stats.
func WithEngineStatus(s EngineStatus) RouterOption {
	return func(o *routerOptions) { o.engine = s }
}

// NewRouter wires the REST API and the event stream.
func NewRouter(jobs JobService, events EventSource, corsCfg data.CORSConfig, log *zap.Logger, opts ...RouterOption) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	var o routerOptions
	for _, opt := range opts {
		opt(&o)
	}

	router := gin.New()
	router.Use(RequestID(), Logger(log), Recovery(log))
	router.Use(cors.New(corsConfig(corsCfg)))

	h := NewJobHandler(jobs, log)
	router.POST("/jobs", h.Create)
	router.POST("/jobs/batch", h.CreateBatch)
	router.GET("/jobs", h.List)
	router.GET("/jobs/:id", h.Get)
	router.POST("/jobs/:id/cancel", h.Cancel)

	q := router.Group("/queue")
	q.GET("/stats", h.Stats)
	q.POST("/pause", h.Pause)
	q.POST("/resume", h.Resume)
	q.POST("/clear", h.Clear)

	router.GET("/events", EventStream(events, log))
	router.GET("/health", health(o.engine, log))

	return router
}

func health(engine EngineStatus, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if engine == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		stats, err := engine.SystemStats(ctx)
		if err != nil {
			log.Warn("Engine nicht erreichbar", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "system_stats": stats})
	}
}

func corsConfig(cfg data.CORSConfig) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, RequestIDHeader)
	c.ExposeHeaders = []string{RequestIDHeader}
	if cfg.MaxAge > 0 {
		c.MaxAge = cfg.MaxAge
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.AllowedOrigins
	}
	return c
}
