package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/tidwall/gjson"

	"github.com/fcartres/proyectofinal-sub001/internal/config"
	"github.com/fcartres/proyectofinal-sub001/internal/events"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total rating messages that could not be decoded",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// The consumer mirrors driver rating aggregates into redis hashes so read
// paths can show them without touching the database.
func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

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

		u, ok, err := decodeRatingUpdate(m)
		if !ok {
			continue
		}
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid rating message", "error", err, "offset", m.Offset)
			continue
		}

		if err := updateRedisWithRetry(ctx, radapter, u, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", u.UserID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

type ratingUpdate struct {
	events.RatingUpdate
	At time.Time
}

var errMalformed = errors.New("malformed rating update")

// decodeRatingUpdate reports ok=false for events of other types. The type
// header is preferred; older producers only set it in the body.
func decodeRatingUpdate(m kafka.Message) (ratingUpdate, bool, error) {
	typ := ""
	for _, h := range m.Headers {
		if h.Key == "type" {
			typ = string(h.Value)
			break
		}
	}
	if !gjson.ValidBytes(m.Value) {
		if typ == string(events.RatingUpdated) {
			return ratingUpdate{}, true, errMalformed
		}
		return ratingUpdate{}, false, nil
	}
	res := gjson.GetManyBytes(m.Value, "type", "payload.user_id", "payload.average", "payload.count", "at")
	if typ == "" {
		typ = res[0].String()
	}
	if typ != string(events.RatingUpdated) {
		return ratingUpdate{}, false, nil
	}
	if !res[1].Exists() || res[1].Int() <= 0 || !res[2].Exists() {
		return ratingUpdate{}, true, errMalformed
	}
	u := ratingUpdate{
		RatingUpdate: events.RatingUpdate{
			UserID:  res[1].Int(),
			Average: res[2].Float(),
			Count:   int(res[3].Int()),
		},
		At: res[4].Time(),
	}
	if u.At.IsZero() {
		u.At = m.Time
	}
	return u, true, nil
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func driverKey(id int64) string { return "driver:meta:" + strconv.FormatInt(id, 10) }

// updateRedisWithRetry writes the aggregate with exponential backoff between attempts.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, u ratingUpdate, attempts int, delay time.Duration) error {
	values := map[string]interface{}{
		"rating":     strconv.FormatFloat(u.Average, 'f', 2, 64),
		"count":      u.Count,
		"updated_at": u.At.UTC().Format(time.RFC3339),
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.HSet(ctx, driverKey(u.UserID), values); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("hset %s: %w", driverKey(u.UserID), err)
}
