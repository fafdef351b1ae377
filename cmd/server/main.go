package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/example/park-rides/internal/analytics"
	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/booking"
	"github.com/example/park-rides/internal/catalog"
	"github.com/example/park-rides/internal/config"
	"github.com/example/park-rides/internal/consistency"
	"github.com/example/park-rides/internal/events"
	"github.com/example/park-rides/internal/faq"
	"github.com/example/park-rides/internal/geo"
	httpapi "github.com/example/park-rides/internal/http"
	"github.com/example/park-rides/internal/logging"
	"github.com/example/park-rides/internal/messages"
	"github.com/example/park-rides/internal/notify"
	"github.com/example/park-rides/internal/payments"
	"github.com/example/park-rides/internal/queue"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/tickets"
)

func main() {
	var (
		envFile = flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
		addr    = flag.String("addr", "", "listen address, overrides HTTP_ADDR")
		migrate = flag.Bool("migrate", false, "create the postgres schema on startup")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *migrate {
		cfg.RunMigrations = true
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		// the redis store closes the client itself
		if cfg.StoreBackend != config.BackendRedis {
			defer rc.Close()
		}
	}

	store, err := storage.Open(ctx, storage.OpenOptions{
		Backend:     cfg.StoreBackend,
		MaxRetries:  cfg.TxMaxRetries,
		Redis:       rc,
		RedisPrefix: cfg.RedisPrefix,
		PGDSN:       cfg.PGDSN,
		Migrate:     cfg.RunMigrations,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var locator geo.Locator = geo.NewIndex()
	if rc != nil {
		locator = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		pub = kp
		logger.Info("publishing events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	opts := []booking.Option{booking.WithEvents(pub)}
	if cfg.StripeAPIKey != "" {
		opts = append(opts, booking.WithPayments(payments.NewStripeClient(cfg.StripeAPIKey), cfg.PaymentCurrency))
		logger.Info("package payments enabled", "currency", cfg.PaymentCurrency)
	}

	fan := notify.NewFanOut(store, logger)
	cat := catalog.New(store, fan, locator, pub, logger)
	rec := booking.NewRecorder(store, logger, opts...)
	signer := tickets.NewSigner(cfg.TicketSecret)
	sweeper := consistency.NewSweeper(store, logger)

	if n, err := cat.Reindex(ctx); err != nil {
		logger.Warn("ride location reindex failed", "error", err)
	} else {
		logger.Info("ride locations indexed", "rides", n)
	}

	if cfg.SweepSchedule != "" {
		c, err := sweeper.Schedule(ctx, cfg.SweepSchedule)
		if err != nil {
			return err
		}
		defer c.Stop()
	}

	api := httpapi.NewServer(httpapi.Deps{
		Users:     &auth.Users{Store: store, Logger: logger},
		Tokens:    auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		Catalog:   cat,
		Queue:     queue.NewManager(store, pub, logger),
		Bookings:  rec,
		Notify:    fan,
		Messages:  messages.NewService(store, logger),
		FAQ:       faq.NewService(store, logger),
		Analytics: analytics.NewService(store, logger),
		Tickets:   tickets.NewIssuer(rec, signer),
		Signer:    signer,
		Sweeper:   sweeper,
		Ready: func(ctx context.Context) error {
			if p, ok := store.(pinger); ok {
				return p.Ping(ctx)
			}
			return nil
		},
	}, httpapi.Options{
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		TrustedProxies: cfg.TrustedProxies,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("park-rides listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	api.Shutdown()
	return srv.Shutdown(shutdownCtx)
}
