package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-relay/internal/models"
)

var errBrokenSink = errors.New("broken sink")

// fakeSink records every message it accepts.
type fakeSink struct {
	mu      sync.Mutex
	msgs    []models.Message
	closed  string
	failing bool
}

func (f *fakeSink) Send(m models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing || f.closed != "" {
		return errBrokenSink
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeSink) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed == "" {
		f.closed = reason
	}
}

func (f *fakeSink) messages(event string) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.msgs {
		if event == "" || m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// pushed returns everything except the connect greeting.
func (f *fakeSink) pushed() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.msgs {
		if m.Event != models.EventConnect {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSink) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("c%02d", n)
	}
}

func testHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.NewID == nil {
		opts.NewID = sequentialIDs()
	}
	return NewHub(opts)
}

func sample(rider string, lat, lng float64, ts int64, order string) models.LocationSample {
	return models.LocationSample{RiderID: rider, Lat: lat, Lng: lng, Timestamp: ts, OrderID: order}
}
