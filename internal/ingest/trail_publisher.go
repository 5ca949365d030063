package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/example/rider-relay/internal/models"
	"github.com/example/rider-relay/internal/observability"
)

const (
	maxBatch      = 100
	writeTimeout  = 5 * time.Second
	drainTimeout  = 3 * time.Second
	maxWriteTries = 3
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TrailPublisher hands accepted samples to the trail topic. Enqueue never
// blocks the relay; Run owns all broker I/O.
type TrailPublisher struct {
	writer  messageWriter
	queue   chan models.LocationSample
	logger  *slog.Logger
	backoff func() backoff.BackOff
}

func NewKafkaTrailPublisher(brokers []string, topic string, buffer int, logger *slog.Logger) *TrailPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newTrailPublisher(w, buffer, logger)
}

func newTrailPublisher(w messageWriter, buffer int, logger *slog.Logger) *TrailPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TrailPublisher{
		writer: w,
		queue:  make(chan models.LocationSample, buffer),
		logger: logger,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, maxWriteTries-1)
		},
	}
}

// Enqueue reports false when the buffer is full and the sample was dropped.
func (p *TrailPublisher) Enqueue(s models.LocationSample) bool {
	select {
	case p.queue <- s:
		return true
	default:
		observability.TrailDropped.Inc()
		return false
	}
}

// Run batches queued samples into the writer until ctx is done, then flushes
// what is left within a short deadline.
func (p *TrailPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			p.flush(flushCtx)
			cancel()
			return
		case s := <-p.queue:
			batch := p.collect(s)
			p.write(ctx, batch)
		}
	}
}

func (p *TrailPublisher) collect(first models.LocationSample) []models.LocationSample {
	batch := []models.LocationSample{first}
	for len(batch) < maxBatch {
		select {
		case s := <-p.queue:
			batch = append(batch, s)
		default:
			return batch
		}
	}
	return batch
}

func (p *TrailPublisher) flush(ctx context.Context) {
	for {
		select {
		case s := <-p.queue:
			p.write(ctx, p.collect(s))
		default:
			return
		}
	}
}

func (p *TrailPublisher) write(ctx context.Context, batch []models.LocationSample) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, s := range batch {
		b, err := json.Marshal(s)
		if err != nil {
			p.logger.Error("trail_encode_failed", "rider_id", s.RiderID, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(s.RiderID), Value: b})
	}
	if len(msgs) == 0 {
		return
	}

	op := func() error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := p.writer.WriteMessages(wctx, msgs...); err != nil {
			return fmt.Errorf("write %d trail messages: %w", len(msgs), err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(p.backoff(), ctx)); err != nil {
		observability.TrailErrors.Add(float64(len(msgs)))
		p.logger.Warn("trail_write_failed", "count", len(msgs), "error", err)
		return
	}
	observability.TrailPublished.Add(float64(len(msgs)))
}

func (p *TrailPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
