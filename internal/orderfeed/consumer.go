package orderfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/rider-relay/internal/models"
)

const consumerTag = "rider-relay"

var (
	ErrInvalidStatus    = errors.New("invalid order status update")
	errDeliveriesClosed = errors.New("amqp deliveries closed")
)

// StatusSink receives decoded order status updates.
type StatusSink interface {
	UpdateOrderStatus(st models.OrderStatus) int
}

type statusMessage struct {
	OrderID models.FlexID `json:"orderId"`
	Status  string        `json:"status"`
	ETA     *float64      `json:"eta"`
	Dropoff *models.Coord `json:"dropoff"`
}

// Decode parses an order service update. fallbackID is used when the body
// carries no order id, e.g. when the id comes from a URL path.
func Decode(body []byte, fallbackID string) (models.OrderStatus, error) {
	var m statusMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return models.OrderStatus{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}
	st := models.OrderStatus{
		OrderID: strings.TrimSpace(string(m.OrderID)),
		Status:  strings.TrimSpace(m.Status),
		ETA:     m.ETA,
		Dropoff: m.Dropoff,
	}
	if st.OrderID == "" {
		st.OrderID = strings.TrimSpace(fallbackID)
	}
	switch {
	case st.OrderID == "":
		return st, fmt.Errorf("%w: missing orderId", ErrInvalidStatus)
	case st.Status == "":
		return st, fmt.Errorf("%w: missing status", ErrInvalidStatus)
	case st.ETA != nil && (*st.ETA < 0 || math.IsNaN(*st.ETA) || math.IsInf(*st.ETA, 0)):
		return st, fmt.Errorf("%w: eta must be a non-negative number", ErrInvalidStatus)
	case st.Dropoff != nil && (math.Abs(st.Dropoff.Lat) > 90 || math.Abs(st.Dropoff.Lng) > 180):
		return st, fmt.Errorf("%w: dropoff out of range", ErrInvalidStatus)
	}
	return st, nil
}

// Consumer reads order status updates from a RabbitMQ queue with manual acks
// and reconnects with exponential backoff until its context ends.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	sink     StatusSink
	logger   *slog.Logger
}

func NewConsumer(url, queue string, sink StatusSink, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{url: url, queue: queue, prefetch: 32, sink: sink, logger: logger}
}

func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return c.consumeOnce(ctx, b)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.logger.Warn("order_feed_reconnect", "error", err, "retry_in", next)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) consumeOnce(ctx context.Context, b backoff.BackOff) error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare %s: %w", c.queue, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", c.queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	b.Reset()
	c.logger.Info("order_feed_consuming", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumerTag, false)
			return nil
		case cerr := <-closed:
			if cerr != nil {
				return fmt.Errorf("amqp channel closed: %w", cerr)
			}
			return errDeliveriesClosed
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handle(d)
		}
	}
}

func (c *Consumer) handle(d amqp.Delivery) {
	st, err := Decode(d.Body, "")
	if err != nil {
		c.logger.Warn("order_status_rejected", "error", err)
		_ = d.Nack(false, false)
		return
	}
	c.sink.UpdateOrderStatus(st)
	_ = d.Ack(false)
}
