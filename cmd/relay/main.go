package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-relay/internal/auth"
	"github.com/example/rider-relay/internal/config"
	"github.com/example/rider-relay/internal/eta"
	"github.com/example/rider-relay/internal/geo"
	httpapi "github.com/example/rider-relay/internal/http"
	"github.com/example/rider-relay/internal/ingest"
	"github.com/example/rider-relay/internal/logging"
	"github.com/example/rider-relay/internal/models"
	"github.com/example/rider-relay/internal/orderfeed"
	"github.com/example/rider-relay/internal/relay"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("relay_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.RelayConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	deps := httpapi.Deps{Logger: logger}
	if cfg.Auth.Enabled {
		var (
			v   *auth.Validator
			err error
		)
		if rdb != nil {
			v, err = auth.NewValidator(cfg.Auth.JWTSecret, rdb, cfg.Auth.RevocationKey, logger)
		} else {
			v, err = auth.NewValidator(cfg.Auth.JWTSecret, nil, cfg.Auth.RevocationKey, logger)
		}
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		deps.Auth = v
	}
	if rdb != nil {
		deps.Nearby = geo.NewRedisGeo(rdb, cfg.RedisGeoKey, cfg.GeoTTL)
		deps.Ready = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	etaOpts := eta.EstimatorOptions{SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		etaOpts.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := eta.NewEstimator(etaOpts)

	var (
		trail     *ingest.TrailPublisher
		onAccept  func(models.LocationSample)
		trailDone = make(chan struct{})
	)
	trailCtx, stopTrail := context.WithCancel(context.Background())
	defer stopTrail()
	if len(cfg.KafkaBrokers) > 0 {
		trail = ingest.NewKafkaTrailPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.TrailBuffer, logger)
		onAccept = func(s models.LocationSample) { trail.Enqueue(s) }
		go func() {
			trail.Run(trailCtx)
			close(trailDone)
		}()
	} else {
		close(trailDone)
	}

	hub := relay.NewHub(relay.Options{
		GraceWindow: cfg.GraceWindow,
		IdleTimeout: cfg.IdleTimeout,
		StaleAfter:  cfg.StaleAfter,
		ETA:         estimator.Estimate,
		Logger:      logger,
		OnAccepted:  onAccept,
	})
	deps.Hub = hub

	if cfg.AMQPURL != "" {
		feed := orderfeed.NewConsumer(cfg.AMQPURL, cfg.OrderStatusQueue, hub, logger)
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Error("order_feed_stopped", "error", err)
			}
		}()
	}
	go reapIdle(ctx, hub, cfg.PingInterval)

	server := httpapi.NewServer(cfg, deps)
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           server,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	logger.Info("relay_listening", "addr", ln.Addr().String(), "auth", cfg.Auth.Enabled, "trail", trail != nil)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("relay_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	hub.Shutdown()
	if err := server.WaitSessions(shutdownCtx); err != nil {
		logger.Warn("sessions_still_open", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown", "error", err)
	}
	stopTrail()
	<-trailDone
	if trail != nil {
		if err := trail.Close(); err != nil {
			logger.Warn("trail_close", "error", err)
		}
	}
	return nil
}

func reapIdle(ctx context.Context, hub *relay.Hub, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hub.ReapIdle()
		}
	}
}
