package relay

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/rider-relay/internal/models"
	"github.com/example/rider-relay/internal/observability"
)

// Disconnect reasons sent to clients before a forced close.
const (
	ReasonEvicted     = "evicted"
	ReasonIdleTimeout = "idle_timeout"
	ReasonSendFailed  = "send_failed"
	ReasonShutdown    = "shutdown"
)

// ETAFunc estimates seconds from a rider position to a dropoff. It runs under
// the hub lock and must not block on I/O.
type ETAFunc func(from, to models.Coord) (float64, bool)

// Options tunes a Hub. Zero values fall back to sensible defaults.
type Options struct {
	GraceWindow time.Duration
	IdleTimeout time.Duration
	StaleAfter  time.Duration
	ETA         ETAFunc
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string

	// OnAccepted sees every sample that updated presence. Runs under the hub
	// lock, so it must not block.
	OnAccepted func(models.LocationSample)
}

// Hub serializes every relay event behind one mutex: registrations, room
// membership, presence updates and fan-out. Pushes go through non-blocking
// sinks, so the lock is never held across network I/O.
type Hub struct {
	mu       sync.Mutex
	reg      *Registry
	presence *PresenceStore
	router   Router
	orders   map[string]models.OrderStatus
	grace    map[string]*graceTimer
	graceSeq uint64
	closed   bool

	graceWindow time.Duration
	idleTimeout time.Duration
	staleAfter  time.Duration
	eta         ETAFunc
	onAccepted  func(models.LocationSample)
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

type graceTimer struct {
	t   *time.Timer
	seq uint64
}

// Registration is the outcome of a successful Register.
type Registration struct {
	Conn    *Connection
	Evicted *Connection
}

// PublishResult describes what happened to one sample.
type PublishResult struct {
	Accepted  bool
	Reason    DropReason
	Delivered int
	Failed    []string
}

// Stats is a point-in-time view for the admin API.
type Stats struct {
	Connections  map[models.Role]int `json:"connections"`
	Rooms        int                 `json:"rooms"`
	RidersOnline int                 `json:"ridersOnline"`
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	reg := NewRegistry()
	return &Hub{
		reg:         reg,
		presence:    NewPresenceStore(),
		router:      NewRouter(reg),
		orders:      make(map[string]models.OrderStatus),
		grace:       make(map[string]*graceTimer),
		graceWindow: opts.GraceWindow,
		idleTimeout: opts.IdleTimeout,
		staleAfter:  opts.StaleAfter,
		eta:         opts.ETA,
		onAccepted:  opts.OnAccepted,
		logger:      opts.Logger,
		now:         opts.Now,
		newID:       opts.NewID,
	}
}

// Register opens a connection for role. A rider id supplied at handshake is
// bound immediately; an existing connection for the same rider is evicted.
// The connection is greeted with a connect event; admin connections then
// receive the current fleet snapshot before any live update.
func (h *Hub) Register(role models.Role, riderID string, sink Sink) (Registration, error) {
	if !role.Valid() {
		return Registration{}, fmt.Errorf("%w: unknown role %q", ErrRoleForbidden, role)
	}
	riderID = strings.TrimSpace(riderID)
	if riderID != "" && role != models.RoleRider {
		return Registration{}, fmt.Errorf("%w: rider id on %s connection", ErrRoleForbidden, role)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Registration{}, ErrClosed
	}

	c := newConnection(h.newID(), role, riderID, sink, h.now())
	evicted := h.reg.Register(c)
	h.finishEviction(evicted, c)
	if riderID != "" {
		h.cancelGrace(riderID)
	}
	observability.ConnectionsActive.WithLabelValues(string(role)).Inc()
	observability.ConnectionsTotal.WithLabelValues(string(role)).Inc()
	h.logger.Info("ws_registered", "connection_id", c.ID, "role", role, "rider_id", riderID)

	greeting := models.Message{Event: models.EventConnect, Data: models.ConnectPayload{ConnectionID: c.ID, Role: role, RiderID: riderID}}
	if !h.deliver(c, greeting) {
		h.deregisterLocked(c.ID, ReasonSendFailed)
		return Registration{Conn: c, Evicted: evicted}, nil
	}
	if role == models.RoleAdmin {
		h.pushAdminSnapshot(c)
	}
	return Registration{Conn: c, Evicted: evicted}, nil
}

// BindRider handles rider:join, declaring the rider identity of a connection.
func (h *Hub) BindRider(connID, riderID string) (*Connection, error) {
	riderID = strings.TrimSpace(riderID)
	if riderID == "" {
		return nil, fmt.Errorf("%w: empty rider id", ErrIdentityMismatch)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.reg.Get(connID)
	if !ok {
		return nil, ErrNotOpen
	}
	prev := c.riderID
	evicted, err := h.reg.BindRider(connID, riderID)
	if err != nil {
		return nil, err
	}
	h.finishEviction(evicted, c)
	h.cancelGrace(riderID)
	if prev != "" && prev != riderID {
		h.scheduleGrace(prev)
	}
	h.logger.Info("rider_bound", "connection_id", connID, "rider_id", riderID)
	return evicted, nil
}

// Deregister removes a connection that went away on its own. It is idempotent.
func (h *Hub) Deregister(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deregisterLocked(connID, "")
}

// JoinRoom subscribes the connection to an order room and immediately pushes
// the last known position of every rider bound to that order. Because the
// snapshot is queued under the hub lock, no later live update can overtake it.
func (h *Hub) JoinRoom(connID, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ErrInvalidRoom
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.reg.Get(connID)
	if !ok || c.State() != StateOpen {
		return ErrNotOpen
	}
	c.lastSeen = h.now()
	if err := h.reg.JoinRoom(connID, OrderRoom(orderID)); err != nil {
		return err
	}
	h.logger.Debug("room_joined", "connection_id", connID, "order_id", orderID)

	if st, ok := h.orders[orderID]; ok {
		if !h.deliver(c, h.orderStatusMessage(st)) {
			h.deregisterLocked(connID, ReasonSendFailed)
			return nil
		}
	}
	for _, e := range h.presence.RidersForOrder(orderID) {
		if !h.deliver(c, h.orderLocationMessage(e.Sample, orderID, true)) {
			h.deregisterLocked(connID, ReasonSendFailed)
			return nil
		}
	}
	return nil
}

func (h *Hub) LeaveRoom(connID, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ErrInvalidRoom
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.reg.Get(connID)
	if !ok || c.State() != StateOpen {
		return ErrNotOpen
	}
	c.lastSeen = h.now()
	return h.reg.LeaveRoom(connID, OrderRoom(orderID))
}

// Ingest parses a raw rider:location payload and publishes it. An empty
// connID marks a trusted internal producer with no connection identity.
func (h *Hub) Ingest(connID string, payload []byte) (models.LocationSample, PublishResult) {
	observability.SamplesReceived.Inc()
	s, err := ParseSample(payload, h.now())
	if err != nil {
		reason := ReasonOf(err)
		h.recordDrop(reason, connID, "", err)
		return models.LocationSample{}, PublishResult{Reason: reason}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return s, h.publishLocked(connID, s)
}

// Publish runs a typed sample through validation, presence, routing and push.
func (h *Hub) Publish(connID string, s models.LocationSample) PublishResult {
	observability.SamplesReceived.Inc()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.publishLocked(connID, s)
}

func (h *Hub) publishLocked(connID string, s models.LocationSample) PublishResult {
	if h.closed {
		h.recordDrop(DropNotOpen, connID, s.RiderID, ErrClosed)
		return PublishResult{Reason: DropNotOpen}
	}
	if connID != "" {
		c, ok := h.reg.Get(connID)
		switch {
		case !ok || c.State() != StateOpen:
			h.recordDrop(DropNotOpen, connID, s.RiderID, ErrNotOpen)
			return PublishResult{Reason: DropNotOpen}
		case c.Role != models.RoleRider:
			h.recordDrop(DropForbidden, connID, s.RiderID, ErrRoleForbidden)
			return PublishResult{Reason: DropForbidden}
		case c.riderID == "":
			h.recordDrop(DropUnbound, connID, s.RiderID, ErrIdentityMismatch)
			return PublishResult{Reason: DropUnbound}
		case c.riderID != s.RiderID:
			h.recordDrop(DropIdentity, connID, s.RiderID, ErrIdentityMismatch)
			return PublishResult{Reason: DropIdentity}
		}
		c.lastSeen = h.now()
	}
	if err := ValidateSample(s); err != nil {
		reason := ReasonOf(err)
		h.recordDrop(reason, connID, s.RiderID, err)
		return PublishResult{Reason: reason}
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = h.now()
	}
	if !h.presence.Update(s) {
		h.recordDrop(DropStale, connID, s.RiderID, nil)
		return PublishResult{Reason: DropStale}
	}
	observability.SamplesAccepted.Inc()
	observability.RidersOnline.Set(float64(h.presence.OnlineCount()))
	if h.onAccepted != nil {
		h.onAccepted(s)
	}
	if connID == "" && h.graceWindow > 0 {
		// HTTP-ingested riders have no connection to drop, so every sample
		// restarts their offline countdown instead.
		h.scheduleGrace(s.RiderID)
	}

	start := time.Now()
	targets := h.router.Resolve(s)
	res := PublishResult{Accepted: true}
	failed := make(map[string]struct{})

	adminMsg := models.Message{Event: models.EventAdminRiderLocation, Data: h.riderLocationPayload(s, false)}
	for _, c := range targets.Admins {
		if h.deliver(c, adminMsg) {
			res.Delivered++
		} else {
			failed[c.ID] = struct{}{}
		}
	}
	if len(targets.Order) > 0 {
		orderMsg := h.orderLocationMessage(s, s.OrderID, false)
		for _, c := range targets.Order {
			if h.deliver(c, orderMsg) {
				res.Delivered++
			} else {
				failed[c.ID] = struct{}{}
			}
		}
	}
	for id := range failed {
		res.Failed = append(res.Failed, id)
		h.deregisterLocked(id, ReasonSendFailed)
	}
	observability.FanoutSize.Observe(float64(targets.Len()))
	observability.FanoutLatency.Observe(time.Since(start).Seconds())
	return res
}

// Touch records inbound activity (any frame or heartbeat) for the connection.
func (h *Hub) Touch(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.Touch(connID, h.now())
}

// ReapIdle forcibly deregisters connections silent for longer than the idle
// timeout and returns their ids.
func (h *Hub) ReapIdle() []string {
	if h.idleTimeout <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.reg.Idle(h.now().Add(-h.idleTimeout))
	for _, id := range ids {
		h.deregisterLocked(id, ReasonIdleTimeout)
	}
	if len(ids) > 0 {
		h.logger.Info("idle_reaped", "count", len(ids))
	}
	return ids
}

// UpdateOrderStatus stores the order service's opaque status for an order and
// forwards it to the order room. Terminal statuses are forwarded once and then
// forgotten together with the order's rider bindings.
func (h *Hub) UpdateOrderStatus(st models.OrderStatus) int {
	st.OrderID = strings.TrimSpace(st.OrderID)
	if st.OrderID == "" {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	if prev, ok := h.orders[st.OrderID]; ok && st.Dropoff == nil {
		st.Dropoff = prev.Dropoff
	}
	observability.OrderStatusUpdates.Inc()

	h.orders[st.OrderID] = st
	msg := h.orderStatusMessage(st)
	delivered := 0
	var failed []string
	for _, c := range h.reg.Members(OrderRoom(st.OrderID)) {
		if h.deliver(c, msg) {
			delivered++
		} else {
			failed = append(failed, c.ID)
		}
	}
	for _, id := range failed {
		h.deregisterLocked(id, ReasonSendFailed)
	}
	if st.Terminal() {
		delete(h.orders, st.OrderID)
		h.presence.UnbindOrder(st.OrderID)
	}
	h.logger.Info("order_status", "order_id", st.OrderID, "status", st.Status, "delivered", delivered)
	return delivered
}

func (h *Hub) Presence(riderID string) (models.PresenceEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presence.Get(riderID)
}

// Rooms lists the rooms a connection currently belongs to.
func (h *Hub) Rooms(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg.Rooms(connID)
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Connections:  h.reg.CountByRole(),
		Rooms:        h.reg.RoomCount(),
		RidersOnline: h.presence.OnlineCount(),
	}
}

// Shutdown disconnects every connection and rejects further events.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, g := range h.grace {
		g.t.Stop()
		delete(h.grace, id)
	}
	for _, c := range h.reg.All() {
		h.deregisterLocked(c.ID, ReasonShutdown)
	}
	h.logger.Info("relay_shutdown")
}

func (h *Hub) deregisterLocked(connID, reason string) bool {
	c, ok := h.reg.Deregister(connID)
	if !ok {
		return false
	}
	observability.ConnectionsActive.WithLabelValues(string(c.Role)).Dec()
	if reason != "" {
		_ = c.sink.Send(models.Message{Event: models.EventDisconnect, Data: models.DisconnectPayload{Reason: reason}})
		c.sink.Close(reason)
	}
	if c.riderID != "" && !h.closed {
		h.scheduleGrace(c.riderID)
	}
	h.logger.Info("ws_deregistered", "connection_id", connID, "role", c.Role, "rider_id", c.riderID, "reason", reason)
	return true
}

func (h *Hub) finishEviction(evicted, by *Connection) {
	if evicted == nil {
		return
	}
	observability.ConnectionsActive.WithLabelValues(string(evicted.Role)).Dec()
	observability.Evictions.Inc()
	_ = evicted.sink.Send(models.Message{Event: models.EventDisconnect, Data: models.DisconnectPayload{Reason: ReasonEvicted}})
	evicted.sink.Close(ReasonEvicted)
	h.logger.Info("rider_evicted", "rider_id", evicted.riderID, "connection_id", evicted.ID, "replaced_by", by.ID)
}

// scheduleGrace starts the offline countdown for a rider that has no active
// connection left.
func (h *Hub) scheduleGrace(riderID string) {
	if _, ok := h.reg.RiderConnection(riderID); ok {
		return
	}
	if h.graceWindow <= 0 {
		h.markOfflineLocked(riderID)
		return
	}
	h.cancelGrace(riderID)
	h.graceSeq++
	seq := h.graceSeq
	h.grace[riderID] = &graceTimer{
		seq: seq,
		t:   time.AfterFunc(h.graceWindow, func() { h.expireGrace(riderID, seq) }),
	}
}

func (h *Hub) cancelGrace(riderID string) {
	if g, ok := h.grace[riderID]; ok {
		g.t.Stop()
		delete(h.grace, riderID)
	}
}

func (h *Hub) expireGrace(riderID string, seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.grace[riderID]
	if !ok || g.seq != seq {
		return
	}
	delete(h.grace, riderID)
	if h.closed {
		return
	}
	if _, ok := h.reg.RiderConnection(riderID); ok {
		return
	}
	h.markOfflineLocked(riderID)
}

func (h *Hub) markOfflineLocked(riderID string) {
	if !h.presence.MarkOffline(riderID) {
		return
	}
	observability.RidersOnline.Set(float64(h.presence.OnlineCount()))
	h.logger.Info("rider_offline", "rider_id", riderID)
	msg := models.Message{Event: models.EventAdminRiderStatus, Data: models.RiderStatusPayload{RiderID: riderID, Online: false}}
	var failed []string
	for _, c := range h.reg.Admins() {
		if !h.deliver(c, msg) {
			failed = append(failed, c.ID)
		}
	}
	for _, id := range failed {
		h.deregisterLocked(id, ReasonSendFailed)
	}
}

func (h *Hub) pushAdminSnapshot(c *Connection) {
	for _, e := range h.presence.Online() {
		msg := models.Message{Event: models.EventAdminRiderLocation, Data: h.riderLocationPayload(e.Sample, true)}
		if !h.deliver(c, msg) {
			h.deregisterLocked(c.ID, ReasonSendFailed)
			return
		}
	}
}

// deliver pushes one message to one connection and isolates its failure.
func (h *Hub) deliver(c *Connection, msg models.Message) bool {
	if err := c.sink.Send(msg); err != nil {
		observability.PushFailures.WithLabelValues(msg.Event).Inc()
		h.logger.Warn("push_failed", "connection_id", c.ID, "event", msg.Event, "error", err)
		return false
	}
	observability.PushesTotal.WithLabelValues(msg.Event).Inc()
	return true
}

func (h *Hub) recordDrop(reason DropReason, connID, riderID string, err error) {
	observability.SamplesDropped.WithLabelValues(string(reason)).Inc()
	args := []any{"reason", reason, "connection_id", connID, "rider_id", riderID}
	if err != nil {
		args = append(args, "error", err)
	}
	h.logger.Debug("sample_dropped", args...)
}

func (h *Hub) isStale(s models.LocationSample) bool {
	return h.staleAfter > 0 && h.now().Sub(s.ReceivedAt) > h.staleAfter
}

func (h *Hub) riderLocationPayload(s models.LocationSample, snapshot bool) models.RiderLocationPayload {
	return models.RiderLocationPayload{
		RiderID:    s.RiderID,
		Lat:        s.Lat,
		Lng:        s.Lng,
		Timestamp:  s.Timestamp,
		OrderID:    s.OrderID,
		ReceivedAt: s.ReceivedAt,
		Stale:      snapshot && h.isStale(s),
	}
}

func (h *Hub) orderLocationMessage(s models.LocationSample, orderID string, snapshot bool) models.Message {
	p := models.OrderLocationPayload{
		OrderID:   orderID,
		RiderID:   s.RiderID,
		Lat:       s.Lat,
		Lng:       s.Lng,
		Timestamp: s.Timestamp,
		Stale:     snapshot && h.isStale(s),
	}
	if st, ok := h.orders[orderID]; ok {
		p.Status = st.Status
		p.ETA = st.ETA
		if p.ETA == nil && st.Dropoff != nil && h.eta != nil {
			if v, ok := h.eta(s.Coord(), *st.Dropoff); ok {
				p.ETA = &v
			}
		}
	}
	return models.Message{Event: models.EventOrderRiderLocation, Data: p}
}

func (h *Hub) orderStatusMessage(st models.OrderStatus) models.Message {
	p := models.OrderStatusPayload{OrderID: st.OrderID, Status: st.Status, ETA: st.ETA}
	if p.ETA == nil && st.Dropoff != nil && h.eta != nil {
		for _, e := range h.presence.RidersForOrder(st.OrderID) {
			if v, ok := h.eta(e.Sample.Coord(), *st.Dropoff); ok {
				p.ETA = &v
				break
			}
		}
	}
	return models.Message{Event: models.EventOrderStatus, Data: p}
}
