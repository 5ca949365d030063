package relay

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/rider-relay/internal/models"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDisconnected
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Sink is the outbound side of a connection. Send must not block: it either
// queues the message or reports why it could not.
type Sink interface {
	Send(msg models.Message) error
	Close(reason string)
}

const orderRoomPrefix = "order:"

// OrderRoom returns the room key for an order.
func OrderRoom(orderID string) string { return orderRoomPrefix + orderID }

// ParseOrderRoom extracts the order id from a room key.
func ParseOrderRoom(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, orderRoomPrefix)
	return id, ok && id != ""
}

// Connection is one live client channel. Only the Registry mutates it.
type Connection struct {
	ID          string
	Role        models.Role
	ConnectedAt time.Time

	riderID  string
	rooms    map[string]struct{}
	lastSeen time.Time
	state    atomic.Int32
	sink     Sink
}

func newConnection(id string, role models.Role, riderID string, sink Sink, now time.Time) *Connection {
	c := &Connection{
		ID:          id,
		Role:        role,
		ConnectedAt: now,
		riderID:     riderID,
		rooms:       make(map[string]struct{}),
		lastSeen:    now,
		sink:        sink,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State may be read from any goroutine.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// Registry indexes connections by id, rider id and room. Like PresenceStore it
// relies on Hub for serialization.
type Registry struct {
	conns  map[string]*Connection
	riders map[string]string
	admins map[string]struct{}
	rooms  map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		riders: make(map[string]string),
		admins: make(map[string]struct{}),
		rooms:  make(map[string]map[string]struct{}),
	}
}

// Register opens c. If c carries a rider id already bound to another
// connection, that connection is removed, marked Evicted and returned.
func (r *Registry) Register(c *Connection) *Connection {
	var evicted *Connection
	if c.riderID != "" {
		evicted = r.claimRider(c.riderID, c.ID)
	}
	r.conns[c.ID] = c
	if c.Role == models.RoleAdmin {
		r.admins[c.ID] = struct{}{}
	}
	c.setState(StateOpen)
	return evicted
}

// BindRider attaches riderID to an open rider connection, evicting any other
// holder of the same rider id.
func (r *Registry) BindRider(connID, riderID string) (*Connection, error) {
	c, ok := r.conns[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if c.Role != models.RoleRider {
		return nil, ErrRoleForbidden
	}
	if c.riderID == riderID {
		return nil, nil
	}
	if c.riderID != "" {
		delete(r.riders, c.riderID)
	}
	evicted := r.claimRider(riderID, connID)
	c.riderID = riderID
	return evicted, nil
}

func (r *Registry) claimRider(riderID, connID string) *Connection {
	prevID, ok := r.riders[riderID]
	r.riders[riderID] = connID
	if !ok || prevID == connID {
		return nil
	}
	prev, ok := r.conns[prevID]
	if !ok {
		return nil
	}
	r.remove(prev)
	prev.setState(StateEvicted)
	return prev
}

// Deregister removes the connection and all its room memberships. A second
// call for the same id is a no-op returning false.
func (r *Registry) Deregister(connID string) (*Connection, bool) {
	c, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	r.remove(c)
	c.setState(StateDisconnected)
	return c, true
}

func (r *Registry) remove(c *Connection) {
	for room := range c.rooms {
		r.leave(c, room)
	}
	delete(r.conns, c.ID)
	delete(r.admins, c.ID)
	if c.riderID != "" && r.riders[c.riderID] == c.ID {
		delete(r.riders, c.riderID)
	}
}

// JoinRoom adds the connection to room, creating the room on first join.
func (r *Registry) JoinRoom(connID, room string) error {
	if room == "" {
		return ErrInvalidRoom
	}
	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	c.rooms[room] = struct{}{}
	return nil
}

// LeaveRoom removes the connection from room, deleting the room once empty.
func (r *Registry) LeaveRoom(connID, room string) error {
	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	r.leave(c, room)
	return nil
}

func (r *Registry) leave(c *Connection, room string) {
	delete(c.rooms, room)
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) Get(connID string) (*Connection, bool) {
	c, ok := r.conns[connID]
	return c, ok
}

// RiderConnection returns the active connection bound to riderID.
func (r *Registry) RiderConnection(riderID string) (*Connection, bool) {
	id, ok := r.riders[riderID]
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// RiderOf returns the rider id bound to the connection, if any.
func (r *Registry) RiderOf(connID string) string {
	if c, ok := r.conns[connID]; ok {
		return c.riderID
	}
	return ""
}

// Members lists the connections in room, sorted for stable iteration.
func (r *Registry) Members(room string) []*Connection {
	return r.collect(r.rooms[room])
}

// Admins lists every admin connection.
func (r *Registry) Admins() []*Connection {
	return r.collect(r.admins)
}

func (r *Registry) collect(ids map[string]struct{}) []*Connection {
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rooms returns the room keys the connection belongs to.
func (r *Registry) Rooms(connID string) []string {
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) HasRoom(room string) bool {
	_, ok := r.rooms[room]
	return ok
}

func (r *Registry) Touch(connID string, now time.Time) bool {
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	c.lastSeen = now
	return true
}

// Idle returns the ids of connections last seen before cutoff.
func (r *Registry) Idle(cutoff time.Time) []string {
	var out []string
	for id, c := range r.conns {
		if c.lastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) All() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) CountByRole() map[models.Role]int {
	out := map[models.Role]int{models.RoleRider: 0, models.RoleAdmin: 0, models.RoleCustomer: 0}
	for _, c := range r.conns {
		out[c.Role]++
	}
	return out
}

func (r *Registry) RoomCount() int { return len(r.rooms) }
