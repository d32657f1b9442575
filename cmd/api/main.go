package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"therapy-calls/internal/audit"
	"therapy-calls/internal/auth"
	"therapy-calls/internal/calls"
	"therapy-calls/internal/config"
	"therapy-calls/internal/httpapi"
	"therapy-calls/internal/pricing"
	"therapy-calls/internal/push"
	"therapy-calls/internal/reporting"
	"therapy-calls/internal/signaling"
	"therapy-calls/internal/wallet"
	"therapy-calls/pkg/logger"
	"therapy-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return err
	}
	defer rdb.Close()

	busy, err := utils.NewConcurrencyCap(rdb, "therapist:live:", cfg.Calls.MaxLivePerTherapist, cfg.Calls.SlotTTL)
	if err != nil {
		return err
	}

	h := httpapi.Handlers{
		Auth:    authManager,
		Calls:   calls.NewStore(db),
		Wallet:  wallet.NewService(db),
		Prices:  pricing.DefaultTable(),
		Busy:    busy,
		Audit:   audit.NewService(audit.NewPostgresRepo(db)),
		Reports: reporting.NewService(reporting.NewPostgresRepo(db)),
	}

	// Push wake-ups are optional; signaling alone still delivers calls.
	if cfg.NATS.URL != "" {
		nc, err := push.Connect(cfg.NATS.URL, push.Options{Name: "therapy-calls-api", Logger: log})
		if err != nil {
			return err
		}
		defer nc.Close()
		h.Push = push.NewPublisher(nc)
	}

	hub := signaling.NewHub(signaling.HubOptions{Logger: log})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, hub, db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown; they
		// end when the process exits.
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
