package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/aggregator"
	"github.com/surf-session-core/internal/browser"
	"github.com/surf-session-core/internal/config"
	"github.com/surf-session-core/internal/metrics"
	"github.com/surf-session-core/internal/profile"
	"github.com/surf-session-core/internal/registry"
	"github.com/surf-session-core/internal/selector"
	"github.com/surf-session-core/internal/types"
	"golang.org/x/time/rate"
)

// Services are the components the API drives. Aggregator may be nil.
type Services struct {
	Profiles   *profile.Store
	Proxies    *registry.Registry
	Selector   *selector.Selector
	Browser    *browser.Manager
	Aggregator *aggregator.Aggregator
}

type Server struct {
	config      *config.Config
	services    Services
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

// RateLimiter keeps one token bucket per client IP. Buckets idle for longer
// than idleTTL are dropped by a sweep that runs at most once per sweepEvery.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*client
	rate       rate.Limit
	burst      int
	idleTTL    time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients:    make(map[string]*client),
		rate:       rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:      burst,
		idleTTL:    10 * time.Minute,
		sweepEvery: time.Minute,
		now:        time.Now,
	}
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.sweepEvery {
		rl.sweep(now)
	}

	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// sweep drops idle clients. Caller holds rl.mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for k, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, k)
		}
	}
	rl.lastSweep = now
}

// Len is the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func NewServer(cfg *config.Config, services Services, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		services:    services,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled && s.metrics != nil {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(s.metrics.Handler()))
	}

	// Protected endpoints
	protected := s.router.Group("/v1")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/operations", s.handleListOperations)
	protected.POST("/operations/:operation", s.handleOperation)
	protected.GET("/stat", s.handleStat)
	protected.POST("/reload", s.handleReload)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // proxy.test_all probes sequentially
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.metrics == nil {
			c.Next()
			return
		}

		start := time.Now()
		method := c.Request.Method

		c.Next()

		// Route templates keep label cardinality bounded; operations are a closed set
		endpoint := c.FullPath()
		if op := c.Param("operation"); op != "" && Operation(op).Valid() {
			endpoint = "/v1/operations/" + op
		}
		if endpoint == "" {
			endpoint = "unmatched"
		}

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, endpoint, status)
		s.metrics.RecordAPIDuration(method, endpoint, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleListOperations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": Operations()})
}

func (s *Server) handleOperation(c *gin.Context) {
	op := Operation(c.Param("operation"))
	handler, ok := operationTable[op]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Unknown operation: " + string(op),
		})
		return
	}

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
			return
		}
	}

	result, err := handler(s, c.Request.Context(), body)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.WithField("operation", op).Errorf("Operation failed: %v", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) handleStat(c *gin.Context) {
	response := gin.H{
		"proxies":         s.services.Proxies.Statistics(),
		"profiles":        len(s.services.Profiles.List()),
		"active_sessions": len(s.services.Browser.ActiveSessions()),
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReload(c *gin.Context) {
	if s.services.Aggregator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Aggregator is disabled",
		})
		return
	}

	log.Info("Manual reload triggered via API")

	go func() {
		if _, err := s.services.Aggregator.Aggregate(context.Background()); err != nil {
			log.Errorf("Reload aggregation failed: %v", err)
			return
		}
		log.Info("Reload complete")
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Reload triggered",
	})
}

// statusFor maps sentinel errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrParse):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
