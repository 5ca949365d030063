package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is the declared kind of a realtime connection.
type Role string

const (
	RoleRider    Role = "rider"
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRider, RoleAdmin, RoleCustomer:
		return true
	}
	return false
}

// ParseRole normalizes a handshake role string.
func ParseRole(v string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(v)))
	return r, r.Valid()
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LocationSample is one GPS report from a rider. Timestamp is the producer
// clock in epoch milliseconds; ReceivedAt is stamped by the relay.
type LocationSample struct {
	RiderID    string    `json:"riderId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Timestamp  int64     `json:"timestamp"`
	OrderID    string    `json:"orderId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lng: s.Lng} }

// PresenceEntry is the latest known state of a rider.
type PresenceEntry struct {
	RiderID string         `json:"riderId"`
	Sample  LocationSample `json:"sample"`
	Online  bool           `json:"online"`
}

// OrderStatus is the opaque order metadata reported by the order service.
type OrderStatus struct {
	OrderID string   `json:"orderId"`
	Status  string   `json:"status"`
	ETA     *float64 `json:"eta,omitempty"`
	Dropoff *Coord   `json:"dropoff,omitempty"`
}

// Terminal reports whether no further location updates are expected for the order.
func (o OrderStatus) Terminal() bool {
	switch strings.ToLower(o.Status) {
	case "delivered", "cancelled", "canceled":
		return true
	}
	return false
}

// Inbound event names.
const (
	EventRiderJoin     = "rider:join"
	EventRiderLocation = "rider:location"
	EventOrderJoin     = "order:join"
	EventOrderLeave    = "order:leave"
	EventPing          = "ping"
)

// Outbound event names.
const (
	EventConnect            = "connect"
	EventDisconnect         = "disconnect"
	EventConnectError       = "connect_error"
	EventPong               = "pong"
	EventAdminRiderLocation = "admin:riderLocation"
	EventAdminRiderStatus   = "admin:riderStatus"
	EventOrderRiderLocation = "order:riderLocation"
	EventOrderStatus        = "order:status"
)

// Envelope is the inbound wire frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is the outbound wire frame.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type ConnectPayload struct {
	ConnectionID string `json:"connectionId"`
	Role         Role   `json:"role"`
	RiderID      string `json:"riderId,omitempty"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type RiderLocationPayload struct {
	RiderID    string    `json:"riderId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Timestamp  int64     `json:"timestamp"`
	OrderID    string    `json:"orderId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	Stale      bool      `json:"stale,omitempty"`
}

type RiderStatusPayload struct {
	RiderID string `json:"riderId"`
	Online  bool   `json:"online"`
}

type OrderLocationPayload struct {
	OrderID   string   `json:"orderId"`
	RiderID   string   `json:"riderId"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp"`
	Status    string   `json:"status,omitempty"`
	ETA       *float64 `json:"eta,omitempty"`
	Stale     bool     `json:"stale,omitempty"`
}

type OrderStatusPayload struct {
	OrderID string   `json:"orderId"`
	Status  string   `json:"status"`
	ETA     *float64 `json:"eta,omitempty"`
}

type OrderRef struct {
	OrderID FlexID `json:"orderId"`
}

type RiderRef struct {
	RiderID string `json:"riderId"`
}
