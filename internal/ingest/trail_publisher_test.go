package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-relay/internal/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	failures int
	calls    int
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func (f *fakeWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTrailPublisherEnqueueDropsWhenFull(t *testing.T) {
	p := newTrailPublisher(&fakeWriter{}, 2, quietLogger())
	assert.True(t, p.Enqueue(models.LocationSample{RiderID: "r1"}))
	assert.True(t, p.Enqueue(models.LocationSample{RiderID: "r2"}))
	assert.False(t, p.Enqueue(models.LocationSample{RiderID: "r3"}))
}

func TestTrailPublisherWritesKeyedByRider(t *testing.T) {
	w := &fakeWriter{}
	p := newTrailPublisher(w, 16, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.True(t, p.Enqueue(models.LocationSample{RiderID: "r1", Lat: 26.85, Lng: 80.94, Timestamp: 1000, OrderID: "42"}))
	require.Eventually(t, func() bool { return len(w.written()) == 1 }, time.Second, 5*time.Millisecond)

	got := w.written()[0]
	assert.Equal(t, "r1", string(got.Key))
	var s models.LocationSample
	require.NoError(t, json.Unmarshal(got.Value, &s))
	assert.Equal(t, int64(1000), s.Timestamp)
	assert.Equal(t, "42", s.OrderID)

	cancel()
	<-done
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestTrailPublisherRetriesTransientErrors(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newTrailPublisher(w, 16, quietLogger())

	p.write(context.Background(), []models.LocationSample{{RiderID: "r1"}, {RiderID: "r2"}})
	assert.Equal(t, 3, w.calls)
	assert.Len(t, w.written(), 2)
}

func TestTrailPublisherGivesUpAfterMaxTries(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newTrailPublisher(w, 16, quietLogger())

	p.write(context.Background(), []models.LocationSample{{RiderID: "r1"}})
	assert.Equal(t, maxWriteTries, w.calls)
	assert.Empty(t, w.written())
}

func TestTrailPublisherFlushesOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	p := newTrailPublisher(w, 16, quietLogger())
	for i := 0; i < 5; i++ {
		p.Enqueue(models.LocationSample{RiderID: "r1", Timestamp: int64(i)})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)
	assert.Len(t, w.written(), 5)
}
