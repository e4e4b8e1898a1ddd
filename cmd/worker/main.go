package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"geoattend/internal/alert"
	"geoattend/internal/attendance"
	"geoattend/internal/clock"
	"geoattend/internal/config"
	"geoattend/internal/logging"
	"geoattend/internal/queue"
	"geoattend/internal/store"
)

// Worker consumes commit events and keeps attendance alerts current.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("", "").Fatal("load config", zap.Error(err))
	}
	log := logging.New(cfg.Env, cfg.LogLevel).Named("worker")
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	st, err := store.Open(ctx, store.Options{
		Backend:       cfg.Store.Backend,
		DatabaseURL:   cfg.Store.DatabaseURL,
		SQLitePath:    cfg.Store.SQLitePath,
		MongoURI:      cfg.Store.MongoURI,
		MongoDatabase: cfg.Store.MongoDatabase,
	})
	if err != nil {
		log.Fatal("store connect failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	var stream <-chan queue.Message
	if cfg.QueueBackend == "redis" {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		if !redisClient.Healthy(ctx) {
			log.Warn("redis not reachable, consumer will retry", zap.String("addr", cfg.RedisAddr))
		}
		stream, err = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey).Consume(ctx)
		if err != nil {
			log.Fatal("queue consume init failed", zap.Error(err))
		}
	} else {
		log.Info("no shared queue configured, alerts refresh on interval only",
			zap.String("queue_backend", cfg.QueueBackend))
	}

	repo := attendance.NewRepository(st)
	monitor := alert.NewMonitor(repo, cfg.Verification.Alerts, clock.Real(), cfg.AlertInterval, log)

	srv := metricsServer(cfg.WorkerPort, st)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	log.Info("worker started", zap.Duration("interval", cfg.AlertInterval), zap.String("metrics_addr", srv.Addr))
	monitor.Run(ctx, stream)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}

func metricsServer(port string, st store.Store) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "store": true})
	})
	return &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
