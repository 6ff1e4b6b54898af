package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/auth"
	"call-coordinator/internal/calllog"
	"call-coordinator/internal/calls"
	"call-coordinator/internal/callstatus"
	"call-coordinator/internal/config"
	"call-coordinator/internal/events"
	"call-coordinator/internal/httpapi"
	"call-coordinator/internal/lock"
	"call-coordinator/internal/messaging"
	"call-coordinator/internal/migrations"
	"call-coordinator/internal/session"
	"call-coordinator/internal/signaling"
	"call-coordinator/internal/users"
	"call-coordinator/pkg/logger"
	"call-coordinator/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
)

const serviceName = "call-coordinator"

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Env:     cfg.App.Env,
		Service: serviceName,
		Level:   cfg.App.LogLevel,
	})
	if err != nil {
		slog.Error("logger init failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(log)
	rootCtx = logger.With(rootCtx, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := migrations.Up(rootCtx, db); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Messaging: Redis timeline, persist queue, Postgres store.
	var (
		queue messaging.Queue
		nc    *nats.Conn
	)
	if cfg.NATS.Enabled() {
		nc, err = messaging.ConnectNATS(rootCtx, cfg.NATS.URL, serviceName)
		if err != nil {
			log.Error("nats init failed", "err", err)
			os.Exit(1)
		}
		queue, err = messaging.NewJetStreamQueue(nc, messaging.JetStreamConfig{
			Stream:  cfg.NATS.Stream,
			Subject: cfg.NATS.Subject,
		})
		if err != nil {
			log.Error("jetstream init failed", "err", err)
			os.Exit(1)
		}
	} else {
		log.Warn("NATS_URL not set; persist queue is in-process")
		queue = messaging.NewMemoryQueue()
	}
	msgStore := messaging.NewPostgresStore(db)
	msgSvc := messaging.NewService(messaging.NewRedisTimeline(rdb), queue, msgStore)

	var workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(rootCtx)
	defer stopWorkers()
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := messaging.NewPersistWorker(queue, msgStore).Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("persist worker failed", "err", err)
		}
	}()

	// Lifecycle events.
	var pub events.Publisher = events.Nop{}
	if cfg.MQTT.Enabled() {
		pub, err = events.NewMQTTPublisher(rootCtx, events.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			log.Error("mqtt init failed", "err", err)
			os.Exit(1)
		}
	}

	// The hub delivers call-log messages, so it exists before the engine;
	// the relay drives the engine, so it comes after. Deferred engine work
	// is not tied to the signal context; engine.Close cancels it.
	hub := signaling.NewHub()
	engine := session.NewEngine(
		calls.NewRedisStore(rdb, cfg.Call.RecordRetention),
		callstatus.NewRedisStore(rdb, cfg.Call.StatusTTL),
		lock.NewRedisLocker(rdb),
		calllog.NewSynthesizer(msgSvc, hub),
		session.Options{
			LockTTL:          cfg.Call.LockTTL,
			LockReleaseDelay: cfg.Call.LockReleaseDelay,
			RingTimeout:      cfg.Call.RingTimeout,
			BaseContext:      logger.With(context.Background(), log),
		},
	)
	relay := signaling.NewRelay(hub, engine, users.NewPostgresDirectory(db), msgSvc)
	engine.AddListener(relay)
	engine.AddListener(events.NewCallPublisher(pub, cfg.MQTT.TopicPrefix))

	auditRepo := audit.NewPostgresRepo(db)
	h := httpapi.Handlers{
		Calls:     engine,
		Signaling: relay,
		Upgrader:  signaling.Upgrader(httpapi.OriginChecker(cfg.App.AllowedOrigins)),
		Audit:     audit.NewService(auditRepo),
		AuditLog:  auditRepo,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, h, authManager)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No Read/WriteTimeout: websocket connections are long-lived and
		// manage their own deadlines.
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Websockets are hijacked and not tracked by Shutdown; close them first.
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	engine.Close()

	stopWorkers()
	workers.Wait()
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn("nats drain failed", "err", err)
		}
	}
	if err := pub.Close(); err != nil {
		log.Warn("event publisher close failed", "err", err)
	}
	log.Info("shutdown complete")
}
