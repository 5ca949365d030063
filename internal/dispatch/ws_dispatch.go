package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-relay/internal/models"
)

var (
	ErrSessionClosed  = errors.New("ws session closed")
	ErrSendBufferFull = errors.New("ws send buffer full")
)

const closeReasonWriteFailed = "write_failed"

type Options struct {
	SendBuffer   int
	WriteWait    time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

// WSSession is the outbound half of one websocket client. Send only queues;
// WritePump owns every data write to the socket.
type WSSession struct {
	conn   *websocket.Conn
	send   chan models.Message
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string

	writeWait    time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

func NewWSSession(conn *websocket.Conn, opts Options) *WSSession {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WSSession{
		conn:         conn,
		send:         make(chan models.Message, opts.SendBuffer),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
		writeWait:    opts.WriteWait,
		pingInterval: opts.PingInterval,
		logger:       opts.Logger,
	}
}

// Send queues msg without blocking. A full queue means the client cannot keep
// up and the caller should drop it.
func (s *WSSession) Send(msg models.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close asks the pump to flush what is queued, send a close frame carrying
// reason and release the socket. Only the first call has an effect.
func (s *WSSession) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *WSSession) Done() <-chan struct{} { return s.done }

// Exited is closed once WritePump has released the socket.
func (s *WSSession) Exited() <-chan struct{} { return s.exited }

func (s *WSSession) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *WSSession) WritePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.exited)
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				s.logger.Warn("ws_write_failed", "event", msg.Event, "error", err)
				s.Close(closeReasonWriteFailed)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.writeWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("ws_ping_failed", "error", err)
				s.Close(closeReasonWriteFailed)
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *WSSession) flush() {
	if s.Reason() == closeReasonWriteFailed {
		return
	}
	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				return
			}
		default:
			frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.Reason())
			_ = s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(s.writeWait))
			return
		}
	}
}

func (s *WSSession) write(msg models.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}
