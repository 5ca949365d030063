package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rider-relay/internal/auth"
	"github.com/example/rider-relay/internal/config"
	"github.com/example/rider-relay/internal/geo"
	"github.com/example/rider-relay/internal/orderfeed"
	"github.com/example/rider-relay/internal/relay"
)

const maxBodyBytes = 64 << 10

// NearbyFinder answers radius queries against the rider geo mirror.
type NearbyFinder interface {
	Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]geo.NearbyRider, error)
}

// Deps are the collaborators a Server is wired with. Only Hub is required.
type Deps struct {
	Hub    *relay.Hub
	Auth   *auth.Validator
	Nearby NearbyFinder
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	hub    *relay.Hub
	auth   *auth.Validator
	nearby NearbyFinder
	ready  func(ctx context.Context) error
	logger *slog.Logger
	cfg    config.RelayConfig

	upgrader websocket.Upgrader
	sessions sync.WaitGroup
	mux      *mux.Router
}

func NewServer(cfg config.RelayConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:    deps.Hub,
		auth:   deps.Auth,
		nearby: deps.Nearby,
		ready:  deps.Ready,
		logger: logger,
		cfg:    cfg,
		mux:    mux.NewRouter(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/internal/rider/locations", s.handleRiderLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/orders/{orderId}/status", s.handleOrderStatus).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireAdmin)
	api.HandleFunc("/riders/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/riders/{riderId}/presence", s.handlePresence).Methods(http.MethodGet)
	api.HandleFunc("/relay/stats", s.handleStats).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// WaitSessions blocks until every websocket read loop has returned or ctx ends.
func (s *Server) WaitSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleRiderLocation ingests one sample from a trusted producer. Accepted
// samples answer 202, dropped ones 204 with the reason in a header.
func (s *Server) handleRiderLocation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	_, res := s.hub.Ingest("", body)
	if !res.Accepted {
		w.Header().Set("X-Drop-Reason", string(res.Reason))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "delivered": res.Delivered})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	st, err := orderfeed.Decode(body, orderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if st.OrderID != orderID {
		writeError(w, http.StatusBadRequest, "orderId does not match path")
		return
	}
	delivered := s.hub.UpdateOrderStatus(st)
	writeJSON(w, http.StatusOK, map[string]any{"orderId": st.OrderID, "delivered": delivered})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	e, ok := s.hub.Presence(mux.Vars(r)["riderId"])
	if !ok {
		writeError(w, http.StatusNotFound, "rider not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.nearby == nil {
		writeError(w, http.StatusServiceUnavailable, "geo mirror not configured")
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius := 3000.0
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, http.StatusBadRequest, "radius must be a positive number of meters")
			return
		}
		radius = f
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	riders, err := s.nearby.Nearby(ctx, lat, lng, radius, limit)
	if err != nil {
		s.logger.Error("nearby_query_failed", "error", err)
		writeError(w, http.StatusBadGateway, "geo mirror unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"riders": riders})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
