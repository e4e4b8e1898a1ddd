package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"geoattend/internal/alert"
	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/clock"
	"geoattend/internal/cloudinary"
	"geoattend/internal/config"
	"geoattend/internal/face"
	"geoattend/internal/geo"
	"geoattend/internal/handler"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/keylock"
	"geoattend/internal/logging"
	"geoattend/internal/qr"
	"geoattend/internal/queue"
	"geoattend/internal/refimage"
	"geoattend/internal/session"
	"geoattend/internal/store"
	"geoattend/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("", "").Fatal("load config", zap.Error(err))
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.Options{
		Backend:       cfg.Store.Backend,
		DatabaseURL:   cfg.Store.DatabaseURL,
		SQLitePath:    cfg.Store.SQLitePath,
		MongoURI:      cfg.Store.MongoURI,
		MongoDatabase: cfg.Store.MongoDatabase,
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	log.Info("store ready", zap.String("backend", cfg.Store.Backend))

	checks := map[string]handler.HealthCheck{}
	var redisClient *store.Redis
	if cfg.LockBackend == "redis" || cfg.QueueBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		checks["redis"] = func(c *gin.Context) bool { return redisClient.Healthy(c.Request.Context()) }
	}

	var locks keylock.Locker = keylock.NewKeyedMutex()
	if cfg.LockBackend == "redis" {
		locks = keylock.NewRedisLocker(redisClient.Client, "geoattend:lock:", 10*time.Second)
	}

	var events queue.Queue
	switch cfg.QueueBackend {
	case "memory":
		events = queue.NewInMemory(64)
	case "redis":
		events = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	clk := clock.Real()
	v := cfg.Verification
	repo := attendance.NewRepository(st)
	ledger := attendance.NewLedger(repo, locks, clk, v.StaleAfter, log)
	registry := session.NewRegistry(st, locks, clk, log.Named("session"), v.RotationInterval)
	defer registry.Close()

	if cfg.ResumeSessions {
		n, err := registry.Resume(ctx, v.StaleAfter)
		if err != nil {
			log.Warn("resume sessions failed", zap.Error(err))
		} else if n > 0 {
			log.Info("resumed token rotation", zap.Int("sessions", n))
		}
	}

	var uploader refimage.Uploader
	cdn := cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
	if cfg.Cloudinary.URL != "" {
		if cdn, err = cloudinary.ParseURL(cfg.Cloudinary.URL, cfg.Cloudinary.Folder); err != nil {
			return err
		}
	}
	if cdn.Configured() {
		uploader = cdn
		log.Info("cloudinary configured", zap.String("cloud", cdn.CloudName))
	} else {
		log.Info("cloudinary not configured, reference images stay inline")
	}
	images := refimage.New(uploader, nil)

	deps := verify.Deps{
		Validator: qr.NewValidator(registry, clk, v.Freshness),
		Sessions:  registry,
		Users:     repo,
		Ledger:    ledger,
		Refs:      images,
		Scorer:    face.NewScorer(v.FaceThreshold),
		Geofence:  geo.NewVerifier(v.GeofenceRadiusMeters),
		Clock:     clk,
		Log:       log.Named("verify"),
	}
	if events != nil {
		deps.Events = events
	}
	orch := verify.New(deps, verify.Options{ScanTimeout: v.ScanTimeout, LocationTimeout: v.LocationTimeout})

	monitor := alert.NewMonitor(repo, v.Alerts, clk, cfg.AlertInterval, log.Named("alert"))
	if cfg.QueueBackend == "memory" {
		// nothing outside this process can drain an in-memory queue
		stream, err := events.Consume(ctx)
		if err != nil {
			return err
		}
		go monitor.Run(ctx, stream)
	}

	h := handler.New(handler.Deps{
		Registry: registry,
		Ledger:   ledger,
		Verifier: orch,
		Images:   images,
		Signer: auth.Signer{
			Key:        cfg.JWTSigningKey,
			Issuer:     cfg.JWTIssuer,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		Clock:            clk,
		Log:              log.Named("http"),
		Monitor:          monitor,
		RotationInterval: v.RotationInterval,
		OpenRegistration: !cfg.Production(),
		Checks:           checks,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())

	var limit gin.HandlerFunc
	if cfg.RateLimitPerMin > 0 {
		limit = httpmiddleware.NewLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin, clk).GinMiddleware()
	}
	h.Routes(r, limit)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
