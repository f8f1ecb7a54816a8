package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/router-for-me/GuestGuard/internal/config"
	"github.com/router-for-me/GuestGuard/internal/db"
	"github.com/router-for-me/GuestGuard/internal/guard"
	"github.com/router-for-me/GuestGuard/internal/http/api/admin"
	"github.com/router-for-me/GuestGuard/internal/http/api/front"
	"github.com/router-for-me/GuestGuard/internal/metrics"
	"github.com/router-for-me/GuestGuard/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 5 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// Service holds the wired admission components behind the HTTP router.
type Service struct {
	Engine  *guard.Engine
	Quota   *guard.QuotaManager
	Router  *gin.Engine
	Records *store.Manager
}

// Close releases the Redis connection held by the record manager.
func (s *Service) Close() error {
	if s == nil || s.Records == nil {
		return nil
	}
	return s.Records.Close()
}

// NewService wires the record store, engine, quota manager, and routes.
// conn may be nil, in which case records live in process memory.
func NewService(cfg config.Config, conn *gorm.DB, reg *prometheus.Registry, opts ...guard.Option) *Service {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	var fallback store.Backend
	if conn != nil {
		fallback = store.NewGormBackend(conn)
	}
	records := store.NewManager(store.RedisSettings{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}, fallback, nil, nil)
	records.OnFallback(m.ObserveStoreFallback)

	opts = append([]guard.Option{guard.WithMetrics(m)}, opts...)
	engine := guard.NewEngine(store.NewRecordStore(records), guard.ConfigFrom(cfg), opts...)
	quota := guard.NewQuotaManager(engine)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	front.RegisterFrontRoutes(r, quota)
	admin.RegisterAdminRoutes(r, engine, conn, cfg.Admin.Token)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	return &Service{Engine: engine, Quota: quota, Router: r, Records: records}
}

// RunServer loads config, opens the database, and serves until ctx is done.
// A positive port overrides the configured one.
func RunServer(ctx context.Context, appCfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if errLog := configureLogging(cfg.Log); errLog != nil {
		return errLog
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	dsn := cfg.DSN()
	if dsn == "" {
		return config.ErrMissingDatabaseDSN
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc := NewService(cfg, conn, reg)
	defer func() {
		if errClose := svc.Close(); errClose != nil {
			log.Errorf("close record store error: %v", errClose)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           svc.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.WithFields(log.Fields{
		"addr":   srv.Addr,
		"config": configPath,
		"db":     db.DialectForDSN(dsn),
		"redis":  cfg.Redis.Enabled,
	}).Info("starting guest admission server")
	if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return fmt.Errorf("app: listen: %w", errListen)
	}
	return nil
}

func configureLogging(cfg config.LogConfig) error {
	level, errParse := log.ParseLevel(cfg.Level)
	if errParse != nil {
		return fmt.Errorf("app: log level: %w", errParse)
	}
	log.SetLevel(level)
	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
