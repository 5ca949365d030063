package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/rider-relay/internal/config"
	"github.com/example/rider-relay/internal/geo"
	"github.com/example/rider-relay/internal/logging"
	"github.com/example/rider-relay/internal/models"
	"github.com/example/rider-relay/internal/relay"
	"github.com/example/rider-relay/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trail_consumer_messages_consumed_total",
		Help: "Total rider location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trail_consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	mirrorUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trail_consumer_redis_updates_total",
		Help: "Total successful redis geo updates",
	})
	mirrorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trail_consumer_redis_errors_total",
		Help: "Total redis geo updates that failed after retries",
	})
	mirrorSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trail_consumer_redis_skipped_total",
		Help: "Total samples outside the redis geo latitude range",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trail_consumer_store_errors_total",
		Help: "Total trail points that could not be persisted",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, mirrorUpdates, mirrorErrors, mirrorSkipped, storeErrors)
}

func main() {
	cfg, err := config.LoadTrailConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "trail_consumer")
	if err := run(cfg, logger); err != nil {
		logger.Error("trail_consumer_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.TrailConsumerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	p := &processor{
		mirror:   geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.GeoTTL),
		attempts: cfg.RetryAttempts,
		delay:    cfg.RetryDelay,
		logger:   logger,
	}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migration_applied", "table", "rider_location_trail")
		}
		p.store = ps
	}

	// start metrics and health server
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
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics_server_stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer_listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, p, logger)
	logger.Info("consumer_stopped")
	return nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends, backing off on broker errors.
func consume(ctx context.Context, r messageReader, p *processor, logger *slog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			logger.Warn("kafka_read_error", "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
		msgsConsumed.Inc()
		p.handle(ctx, m.Value)
	}
}

type processor struct {
	mirror   geo.Mirror
	store    storage.TrailStore
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

var errInvalidMessage = errors.New("invalid trail message")

func (p *processor) handle(ctx context.Context, value []byte) error {
	var s models.LocationSample
	if err := json.Unmarshal(value, &s); err != nil {
		msgsInvalid.Inc()
		p.logger.Warn("invalid_message", "error", err)
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if err := relay.ValidateSample(s); err != nil {
		msgsInvalid.Inc()
		p.logger.Warn("invalid_message", "rider_id", s.RiderID, "error", err)
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}

	var errs []error
	if err := updateMirrorWithRetry(ctx, p.mirror, s, p.attempts, p.delay); errors.Is(err, geo.ErrOutsideIndexRange) {
		mirrorSkipped.Inc()
		p.logger.Debug("redis_update_skipped", "rider_id", s.RiderID, "lat", s.Lat)
	} else if err != nil {
		mirrorErrors.Inc()
		p.logger.Error("redis_update_failed", "rider_id", s.RiderID, "error", err)
		errs = append(errs, err)
	} else {
		mirrorUpdates.Inc()
	}
	if p.store != nil {
		if err := p.store.AppendPoint(ctx, s); err != nil {
			storeErrors.Inc()
			p.logger.Error("trail_append_failed", "rider_id", s.RiderID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// updateMirrorWithRetry writes the sample to the geo mirror, doubling delay
// between up to attempts tries. Samples the index cannot hold are not retried.
func updateMirrorWithRetry(ctx context.Context, m geo.Mirror, s models.LocationSample, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := m.Upsert(ctx, s)
		if errors.Is(err, geo.ErrOutsideIndexRange) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
}
