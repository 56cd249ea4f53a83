// Package server assembles the dashboard API: report store client, cache,
// aggregation service, websocket hub, ingestion consumer and HTTP router.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/aggregation"
	"github.com/dmarcwatch/dashboard-api/internal/cache"
	"github.com/dmarcwatch/dashboard-api/internal/config"
	"github.com/dmarcwatch/dashboard-api/internal/handlers"
	"github.com/dmarcwatch/dashboard-api/internal/ingest"
	"github.com/dmarcwatch/dashboard-api/internal/metrics"
	"github.com/dmarcwatch/dashboard-api/internal/realtime"
	"github.com/dmarcwatch/dashboard-api/internal/store"
)

// Server owns the process lifecycle.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	http      *http.Server
	hub       *realtime.Hub
	simulator *realtime.Simulator
	consumer  *ingest.Consumer
}

// NewServer wires all components from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	reportStore, err := store.NewElastic(cfg.Elasticsearch, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create report store client: %w", err)
	}

	var responseCache cache.Cache = cache.Disabled{}
	var relay *redis.Client
	if cfg.Cache.Enabled {
		redisCache := cache.NewRedis(cfg.Redis, logger)
		responseCache = redisCache
		relay = redisCache.Client()
	}

	hub := realtime.NewHub(cfg.Realtime, relay, logger)
	service := aggregation.NewService(reportStore, responseCache, *cfg, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(handlers.CORSMiddleware(cfg.Server.CORS.Origins))

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(func() float64 {
			return float64(hub.ConnectedClients())
		})
		service.SetCacheObserver(collector)
		hub.SetEmitObserver(func(t realtime.UpdateType) {
			collector.LiveUpdateEmitted(string(t))
		})
		router.Use(collector.Middleware())
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	handler := handlers.NewHandler(service, hub, logger)
	handler.RegisterRoutes(router)

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		hub:    hub,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.HTTP.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.Server.HTTP.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.HTTP.WriteTimeout) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.HTTP.IdleTimeout) * time.Second,
		},
	}

	if cfg.Realtime.Simulator.Enabled {
		srv.simulator = realtime.NewSimulator(cfg.Realtime.Simulator, hub, logger)
	}
	if cfg.Kafka.Enabled {
		srv.consumer = ingest.NewConsumer(cfg.Kafka, hub, logger)
	}

	return srv, nil
}

// Start runs the server until SIGINT/SIGTERM, then drains connections.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.hub.Run(ctx)
	go s.hub.RunRelay(ctx)
	if s.simulator != nil {
		go s.simulator.Run(ctx)
	}
	if s.consumer != nil {
		go s.consumer.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		s.logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancel()
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.logger.Warn("failed to close ingestion consumer", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.Server.HTTP.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
