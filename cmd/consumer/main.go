package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	flag "github.com/spf13/pflag"

	"github.com/example/park-rides/internal/config"
	"github.com/example/park-rides/internal/events"
	"github.com/example/park-rides/internal/logging"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "park_stats_messages_consumed_total",
		Help: "Total park events consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "park_stats_messages_invalid_total",
		Help: "Total undecodable events",
	})
	redisUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "park_stats_redis_updates_total",
		Help: "Total successful stats updates",
	})
	redisErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "park_stats_redis_errors_total",
		Help: "Total stats updates that failed after retries",
	})
)

func main() {
	var (
		metricsAddr = flag.String("metrics-addr", ":2112", "address to serve prometheus metrics on")
		envFile     = flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "json")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	stats := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid event", "offset", m.Offset, "error", err)
			continue
		}

		if err := updateStatsWithRetry(ctx, stats, cfg.StatsPrefix, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("stats update failed", "type", ev.Type, "key", ev.Key(), "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeEvent(b []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.Type == "" {
		return ev, errors.New("event without type")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev, nil
}

// StatsUpdater is the subset of redis the consumer writes through.
type StatsUpdater interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return r.c.HIncrBy(ctx, key, field, incr).Err()
}

// statFields lists the hash increments one event produces:
//
//	{prefix}{type}        total, plus one field per ride or package id
//	{prefix}daily:{date}  one field per event type
func statFields(prefix string, ev events.Event) [][2]string {
	typeKey := prefix + string(ev.Type)
	out := [][2]string{{typeKey, "total"}}
	if id := ev.Key(); id != "" && id != ev.UserID {
		out = append(out, [2]string{typeKey, id})
	}
	out = append(out, [2]string{prefix + "daily:" + ev.At.UTC().Format("2006-01-02"), string(ev.Type)})
	return out
}

// updateStatsWithRetry applies every increment for ev, retrying a failed one
// with doubling delay. Increments already applied are not repeated.
func updateStatsWithRetry(ctx context.Context, rc StatsUpdater, prefix string, ev events.Event, attempts int, delay time.Duration) error {
	for _, kf := range statFields(prefix, ev) {
		wait := delay
		for i := 0; ; i++ {
			err := rc.HIncrBy(ctx, kf[0], kf[1], 1)
			if err == nil {
				break
			}
			if i == attempts-1 {
				return fmt.Errorf("hincrby %s %s: %w", kf[0], kf[1], err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
	}
	return nil
}
