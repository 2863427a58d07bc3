package api

import (
	"net/http"
	"time"

	"copytrade-core/internal/aggregate"
	"copytrade-core/internal/dispatch"
	"copytrade-core/internal/events"
	"copytrade-core/internal/execution"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/signal"
	"copytrade-core/pkg/cache"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/platform"

	"github.com/gin-gonic/gin"
)

// Server wires the command and query endpoints around the engine components.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	Queries    *db.Queries
	Loader     *cache.Loader
	Governor   *risk.Governor
	Normalizer *signal.Normalizer
	Dispatcher *dispatch.Dispatcher
	Aggregator *aggregate.Aggregator
	Registry   *platform.Registry
	Queue      *execution.PersistentQueue
	Metrics    *monitor.SystemMetrics
	JWTSecret  string
	Meta       SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Version   string
	Platforms []string
	Execution bool
}

func NewServer(bus *events.Bus, queries *db.Queries, loader *cache.Loader,
	governor *risk.Governor, normalizer *signal.Normalizer, dispatcher *dispatch.Dispatcher,
	aggregator *aggregate.Aggregator, registry *platform.Registry, queue *execution.PersistentQueue,
	metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Bus:        bus,
		Queries:    queries,
		Loader:     loader,
		Governor:   governor,
		Normalizer: normalizer,
		Dispatcher: dispatcher,
		Aggregator: aggregator,
		Registry:   registry,
		Queue:      queue,
		Metrics:    metrics,
		JWTSecret:  jwtSecret,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getSystemMetrics)
		api.GET("/queue/metrics", s.getQueueMetrics)

		// Everything below verifies a bearer token issued elsewhere.
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/signals", s.ingestSignal)
			protected.GET("/signals", s.listSignals)

			protected.GET("/masters", s.listMasters)
			protected.GET("/masters/:id", s.getMaster)
			protected.GET("/masters/:id/metrics", s.getMasterMetrics)

			protected.POST("/relationships", s.follow)
			protected.GET("/relationships", s.listRelationships)
			protected.GET("/relationships/:id", s.getRelationship)
			protected.DELETE("/relationships/:id", s.unfollow)
			protected.POST("/relationships/:id/start", s.startRelationship)
			protected.POST("/relationships/:id/pause", s.pauseRelationship)
			protected.POST("/relationships/:id/stop", s.stopRelationship)
			protected.PUT("/relationships/:id/limits", s.updateRelationshipLimits)
			protected.GET("/relationships/:id/metrics", s.getRelationshipMetrics)

			protected.GET("/sessions", s.listSessions)
			protected.GET("/sessions/:id", s.getSession)
			protected.GET("/sessions/:id/results", s.listSessionResults)

			protected.GET("/platforms/:name/metrics", s.getPlatformMetrics)
			protected.POST("/platforms/:name/availability", s.setPlatformAvailability)

			protected.PUT("/risk-limits", s.updateGlobalLimits)
			protected.GET("/risk-limits", s.getGlobalLimits)
			protected.POST("/risk/circuit-breaker", s.setCircuitBreaker)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
