package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-relay/internal/auth"
	"github.com/example/rider-relay/internal/dispatch"
	"github.com/example/rider-relay/internal/models"
	"github.com/example/rider-relay/internal/observability"
	"github.com/example/rider-relay/internal/relay"
)

const reasonClientClosed = "client_closed"

// checkOrigin allows every origin when none are configured. Requests without
// an Origin header come from non-browser clients and are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func writeConnectError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, models.Message{Event: models.EventConnectError, Data: map[string]string{"reason": reason}})
}

// handleWS runs the handshake, registers the connection with the hub and
// serves its read loop until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role, ok := models.ParseRole(q.Get("role"))
	if !ok {
		writeConnectError(w, http.StatusBadRequest, "invalid_role")
		return
	}
	riderID := strings.TrimSpace(q.Get("riderId"))
	if riderID != "" && role != models.RoleRider {
		writeConnectError(w, http.StatusBadRequest, "rider_id_not_allowed")
		return
	}

	// subject is the rider id the token pins this connection to, if any
	var subject string
	if s.auth != nil {
		token := auth.TokenFromRequest(r)
		if role != models.RoleCustomer || token != "" {
			claims, err := s.auth.Validate(r.Context(), token)
			if err != nil {
				s.logger.Info("ws_auth_failed", "role", role, "error", err)
				writeConnectError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			riderID, err = auth.Authorize(claims, role, riderID)
			if err != nil {
				s.logger.Info("ws_auth_failed", "role", role, "error", err)
				writeConnectError(w, http.StatusForbidden, "forbidden")
				return
			}
			if role == models.RoleRider {
				subject = riderID
			}
		}
	}

	if !s.checkOrigin(r) {
		writeConnectError(w, http.StatusForbidden, "origin_not_allowed")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the request
		s.logger.Debug("ws_upgrade_failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	buffer := s.cfg.SendBuffer
	if role == models.RoleAdmin {
		// room for the fleet snapshot on top of live traffic
		buffer += s.hub.Stats().RidersOnline
	}
	session := dispatch.NewWSSession(conn, dispatch.Options{
		SendBuffer:   buffer,
		WriteWait:    s.cfg.WriteWait,
		PingInterval: s.cfg.PingInterval,
		Logger:       s.logger,
	})
	go session.WritePump()

	reg, err := s.hub.Register(role, riderID, session)
	if err != nil {
		s.logger.Warn("ws_register_failed", "role", role, "error", err)
		session.Close(relay.ReasonShutdown)
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()
	s.readLoop(conn, reg.Conn.ID, subject, session)
}

func (s *Server) readLoop(conn *websocket.Conn, connID, subject string, session *dispatch.WSSession) {
	defer func() {
		s.hub.Deregister(connID)
		session.Close(reasonClientClosed)
	}()

	// the idle reaper normally fires first and says goodbye; the read
	// deadline only catches sockets the reaper could not reach
	deadline := func() time.Time { return time.Now().Add(s.cfg.IdleTimeout + s.cfg.PingInterval) }
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		s.hub.Touch(connID)
		return conn.SetReadDeadline(deadline())
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws_read_error", "connection_id", connID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(deadline())
		s.hub.Touch(connID)

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			observability.InboundEvents.WithLabelValues("malformed").Inc()
			continue
		}
		s.dispatchEvent(connID, subject, session, env)
	}
}

func (s *Server) dispatchEvent(connID, subject string, session *dispatch.WSSession, env models.Envelope) {
	switch env.Event {
	case models.EventRiderJoin:
		var ref models.RiderRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			s.rejectEvent(connID, env.Event, err)
			return
		}
		if subject != "" && strings.TrimSpace(ref.RiderID) != subject {
			s.rejectEvent(connID, env.Event, relay.ErrIdentityMismatch)
			return
		}
		if _, err := s.hub.BindRider(connID, ref.RiderID); err != nil {
			s.rejectEvent(connID, env.Event, err)
			return
		}
	case models.EventRiderLocation:
		s.hub.Ingest(connID, env.Data)
	case models.EventOrderJoin, models.EventOrderLeave:
		var ref models.OrderRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			s.rejectEvent(connID, env.Event, err)
			return
		}
		var err error
		if env.Event == models.EventOrderJoin {
			err = s.hub.JoinRoom(connID, string(ref.OrderID))
		} else {
			err = s.hub.LeaveRoom(connID, string(ref.OrderID))
		}
		if err != nil {
			s.rejectEvent(connID, env.Event, err)
			return
		}
	case models.EventPing:
		if err := session.Send(models.Message{Event: models.EventPong}); err != nil && !errors.Is(err, dispatch.ErrSessionClosed) {
			s.logger.Debug("pong_failed", "connection_id", connID, "error", err)
		}
	default:
		observability.InboundEvents.WithLabelValues("unknown").Inc()
		return
	}
	observability.InboundEvents.WithLabelValues(env.Event).Inc()
}

func (s *Server) rejectEvent(connID, event string, err error) {
	observability.InboundEvents.WithLabelValues("rejected").Inc()
	s.logger.Debug("event_rejected", "connection_id", connID, "event", event, "error", err)
}
