package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-relay/internal/models"
)

func mustRegister(t *testing.T, h *Hub, role models.Role, rider string) (*Connection, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	reg, err := h.Register(role, rider, sink)
	require.NoError(t, err)
	return reg.Conn, sink
}

func TestHubFanOutCompleteness(t *testing.T) {
	h := testHub(Options{})
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")

	var admins, room, other []*fakeSink
	for i := 0; i < 3; i++ {
		_, s := mustRegister(t, h, models.RoleAdmin, "")
		admins = append(admins, s)
	}
	for i := 0; i < 4; i++ {
		c, s := mustRegister(t, h, models.RoleCustomer, "")
		require.NoError(t, h.JoinRoom(c.ID, "42"))
		room = append(room, s)
	}
	for i := 0; i < 2; i++ {
		c, s := mustRegister(t, h, models.RoleCustomer, "")
		require.NoError(t, h.JoinRoom(c.ID, "7"))
		other = append(other, s)
	}

	res := h.Publish(rider.ID, sample("r1", 26.85, 80.94, 1000, "42"))
	require.True(t, res.Accepted)
	assert.Equal(t, 7, res.Delivered)
	assert.Empty(t, res.Failed)

	for _, s := range admins {
		msgs := s.messages(models.EventAdminRiderLocation)
		require.Len(t, msgs, 1)
		p := msgs[0].Data.(models.RiderLocationPayload)
		assert.Equal(t, "r1", p.RiderID)
		assert.Equal(t, "42", p.OrderID)
	}
	for _, s := range room {
		msgs := s.messages(models.EventOrderRiderLocation)
		require.Len(t, msgs, 1)
		p := msgs[0].Data.(models.OrderLocationPayload)
		assert.Equal(t, "42", p.OrderID)
		assert.Equal(t, 26.85, p.Lat)
	}
	for _, s := range other {
		assert.Empty(t, s.pushed())
	}
}

func TestHubIsolatesBrokenSubscriber(t *testing.T) {
	h := testHub(Options{})
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")

	var sinks []*fakeSink
	var broken *Connection
	for i := 0; i < 5; i++ {
		c, s := mustRegister(t, h, models.RoleCustomer, "")
		require.NoError(t, h.JoinRoom(c.ID, "42"))
		sinks = append(sinks, s)
		if i == 2 {
			s.failing = true
			broken = c
		}
	}

	res := h.Publish(rider.ID, sample("r1", 1, 1, 10, "42"))
	require.True(t, res.Accepted)
	assert.Equal(t, 4, res.Delivered)
	assert.Equal(t, []string{broken.ID}, res.Failed)

	for i, s := range sinks {
		if i == 2 {
			assert.Equal(t, ReasonSendFailed, s.closeReason())
			continue
		}
		assert.Len(t, s.messages(models.EventOrderRiderLocation), 1)
	}
	assert.Equal(t, StateDisconnected, broken.State())
	assert.Empty(t, h.Rooms(broken.ID))
	assert.Equal(t, 4, h.Stats().Connections[models.RoleCustomer])
}

func TestHubLateJoinSnapshot(t *testing.T) {
	h := testHub(Options{})
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")

	require.True(t, h.Publish(rider.ID, sample("r1", 26.85, 80.94, 1000, "42")).Accepted)
	res := h.Publish(rider.ID, sample("r1", 26.86, 80.95, 900, "42"))
	assert.False(t, res.Accepted)
	assert.Equal(t, DropStale, res.Reason)

	e, ok := h.Presence("r1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), e.Sample.Timestamp)
	assert.Equal(t, 26.85, e.Sample.Lat)

	cust, sink := mustRegister(t, h, models.RoleCustomer, "")
	require.NoError(t, h.JoinRoom(cust.ID, "42"))

	msgs := sink.messages(models.EventOrderRiderLocation)
	require.Len(t, msgs, 1)
	p := msgs[0].Data.(models.OrderLocationPayload)
	assert.Equal(t, 26.85, p.Lat)
	assert.Equal(t, 80.94, p.Lng)
	assert.Equal(t, "r1", p.RiderID)

	// the next live update lands after the snapshot
	require.True(t, h.Publish(rider.ID, sample("r1", 26.87, 80.96, 1100, "42")).Accepted)
	msgs = sink.messages(models.EventOrderRiderLocation)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1100), msgs[1].Data.(models.OrderLocationPayload).Timestamp)
}

func TestHubLateJoinSkipsRiderThatMovedOrder(t *testing.T) {
	h := testHub(Options{})
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")

	require.True(t, h.Publish(rider.ID, sample("r1", 1, 1, 1000, "42")).Accepted)
	require.True(t, h.Publish(rider.ID, sample("r1", 10, 10, 2000, "43")).Accepted)

	old, oldSink := mustRegister(t, h, models.RoleCustomer, "")
	require.NoError(t, h.JoinRoom(old.ID, "42"))
	assert.Empty(t, oldSink.pushed(), "a rider now on order 43 is not part of order 42")

	cur, curSink := mustRegister(t, h, models.RoleCustomer, "")
	require.NoError(t, h.JoinRoom(cur.ID, "43"))
	msgs := curSink.messages(models.EventOrderRiderLocation)
	require.Len(t, msgs, 1)
	p := msgs[0].Data.(models.OrderLocationPayload)
	assert.Equal(t, "43", p.OrderID)
	assert.Equal(t, 10.0, p.Lat)
}

func TestHubIngestRejectsOverflowingTimestamp(t *testing.T) {
	h := testHub(Options{})
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")

	_, res := h.Ingest(rider.ID, []byte(`{"riderId":"r1","lat":1,"lng":1,"timestamp":1000}`))
	require.True(t, res.Accepted)

	_, res = h.Ingest(rider.ID, []byte(`{"riderId":"r1","lat":2,"lng":2,"timestamp":1e19}`))
	assert.False(t, res.Accepted)
	assert.Equal(t, DropMalformed, res.Reason)

	_, res = h.Ingest(rider.ID, []byte(`{"riderId":"r1","lat":3,"lng":3,"timestamp":5}`))
	assert.False(t, res.Accepted)
	assert.Equal(t, DropStale, res.Reason)

	e, ok := h.Presence("r1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), e.Sample.Timestamp)
}

func TestHubJoinUnknownRoomIsTolerated(t *testing.T) {
	h := testHub(Options{})
	cust, sink := mustRegister(t, h, models.RoleCustomer, "")

	require.NoError(t, h.JoinRoom(cust.ID, "nope"))
	assert.Empty(t, sink.pushed())
	assert.Equal(t, []string{"order:nope"}, h.Rooms(cust.ID))
	assert.ErrorIs(t, h.JoinRoom(cust.ID, " "), ErrInvalidRoom)
}

func TestHubEvictionOnReconnect(t *testing.T) {
	h := testHub(Options{GraceWindow: time.Hour})
	a, sinkA := mustRegister(t, h, models.RoleRider, "r1")
	require.NoError(t, h.JoinRoom(a.ID, "42"))

	reg, err := h.Register(models.RoleRider, "r1", &fakeSink{})
	require.NoError(t, err)
	b := reg.Conn
	require.NotNil(t, reg.Evicted)
	assert.Equal(t, a.ID, reg.Evicted.ID)

	assert.Equal(t, StateEvicted, a.State())
	disc := sinkA.messages(models.EventDisconnect)
	require.Len(t, disc, 1)
	assert.Equal(t, ReasonEvicted, disc[0].Data.(models.DisconnectPayload).Reason)
	assert.Equal(t, ReasonEvicted, sinkA.closeReason())
	assert.Empty(t, h.Rooms(a.ID))
	assert.Empty(t, h.Rooms(b.ID), "new connection inherits no rooms")
	assert.Equal(t, 1, h.Stats().Connections[models.RoleRider])

	// the evicted side's late events are dropped
	assert.False(t, h.Deregister(a.ID))
	assert.Equal(t, DropNotOpen, h.Publish(a.ID, sample("r1", 1, 1, 1, "")).Reason)
	assert.True(t, h.Publish(b.ID, sample("r1", 1, 1, 1, "")).Accepted)
}

func TestHubBindRiderViaJoinEvent(t *testing.T) {
	h := testHub(Options{})
	a, sinkA := mustRegister(t, h, models.RoleRider, "")
	assert.Equal(t, DropUnbound, h.Publish(a.ID, sample("r1", 1, 1, 1, "")).Reason)

	_, err := h.BindRider(a.ID, "r1")
	require.NoError(t, err)
	assert.True(t, h.Publish(a.ID, sample("r1", 1, 1, 1, "")).Accepted)
	assert.Equal(t, DropIdentity, h.Publish(a.ID, sample("r2", 1, 1, 2, "")).Reason)

	b, _ := mustRegister(t, h, models.RoleRider, "")
	evicted, err := h.BindRider(b.ID, "r1")
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, a.ID, evicted.ID)
	assert.Equal(t, ReasonEvicted, sinkA.closeReason())

	cust, _ := mustRegister(t, h, models.RoleCustomer, "")
	_, err = h.BindRider(cust.ID, "r3")
	assert.ErrorIs(t, err, ErrRoleForbidden)
	assert.Equal(t, DropForbidden, h.Publish(cust.ID, sample("r3", 1, 1, 1, "")).Reason)
}

func TestHubRegisterGreetsFirst(t *testing.T) {
	h := testHub(Options{})
	rider, rs := mustRegister(t, h, models.RoleRider, "r1")
	h.Publish(rider.ID, sample("r1", 1, 1, 1, ""))

	_, as := mustRegister(t, h, models.RoleAdmin, "")
	msgs := as.messages("")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.EventConnect, msgs[0].Event)
	assert.Equal(t, models.EventAdminRiderLocation, msgs[1].Event)

	greeting := rs.messages(models.EventConnect)
	require.Len(t, greeting, 1)
	assert.Equal(t, models.ConnectPayload{ConnectionID: rider.ID, Role: models.RoleRider, RiderID: "r1"}, greeting[0].Data)
}

func TestHubRegisterRejectsBadRoles(t *testing.T) {
	h := testHub(Options{})
	_, err := h.Register(models.Role("driver"), "", &fakeSink{})
	assert.ErrorIs(t, err, ErrRoleForbidden)
	_, err = h.Register(models.RoleAdmin, "r1", &fakeSink{})
	assert.ErrorIs(t, err, ErrRoleForbidden)
}

func TestHubGraceWindowMarksOffline(t *testing.T) {
	h := testHub(Options{GraceWindow: 20 * time.Millisecond})
	_, adminSink := mustRegister(t, h, models.RoleAdmin, "")
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")
	require.True(t, h.Publish(rider.ID, sample("r1", 1, 1, 1, "")).Accepted)

	require.True(t, h.Deregister(rider.ID))
	assert.False(t, h.Deregister(rider.ID))

	e, _ := h.Presence("r1")
	assert.True(t, e.Online, "presence survives inside the grace window")

	assert.Eventually(t, func() bool {
		e, _ := h.Presence("r1")
		return !e.Online
	}, time.Second, 5*time.Millisecond)

	status := adminSink.messages(models.EventAdminRiderStatus)
	require.Len(t, status, 1)
	assert.Equal(t, models.RiderStatusPayload{RiderID: "r1", Online: false}, status[0].Data)
}

func TestHubReconnectInsideGraceKeepsPresence(t *testing.T) {
	h := testHub(Options{GraceWindow: 30 * time.Millisecond})
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")
	require.True(t, h.Publish(rider.ID, sample("r1", 1, 1, 1, "")).Accepted)
	require.True(t, h.Deregister(rider.ID))

	mustRegister(t, h, models.RoleRider, "r1")
	time.Sleep(80 * time.Millisecond)

	e, ok := h.Presence("r1")
	require.True(t, ok)
	assert.True(t, e.Online)
}

func TestHubZeroGraceMarksOfflineImmediately(t *testing.T) {
	h := testHub(Options{})
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")
	require.True(t, h.Publish(rider.ID, sample("r1", 1, 1, 1, "")).Accepted)
	h.Deregister(rider.ID)

	e, _ := h.Presence("r1")
	assert.False(t, e.Online)
	assert.Equal(t, 0, h.Stats().RidersOnline)
}

func TestHubReapIdle(t *testing.T) {
	clock := newFakeClock()
	h := testHub(Options{IdleTimeout: time.Minute, Now: clock.Now})
	quiet, quietSink := mustRegister(t, h, models.RoleCustomer, "")
	chatty, _ := mustRegister(t, h, models.RoleCustomer, "")

	clock.Advance(45 * time.Second)
	require.True(t, h.Touch(chatty.ID))
	clock.Advance(30 * time.Second)

	assert.Equal(t, []string{quiet.ID}, h.ReapIdle())
	assert.Equal(t, ReasonIdleTimeout, quietSink.closeReason())
	disc := quietSink.messages(models.EventDisconnect)
	require.Len(t, disc, 1)
	assert.Equal(t, StateOpen, chatty.State())
	assert.False(t, h.Touch(quiet.ID))
}

func TestHubAdminSnapshotOnRegister(t *testing.T) {
	clock := newFakeClock()
	h := testHub(Options{StaleAfter: 10 * time.Second, Now: clock.Now})
	r1, _ := mustRegister(t, h, models.RoleRider, "r1")
	r2, _ := mustRegister(t, h, models.RoleRider, "r2")
	require.True(t, h.Publish(r1.ID, sample("r1", 1, 1, 1, "")).Accepted)
	clock.Advance(20 * time.Second)
	require.True(t, h.Publish(r2.ID, sample("r2", 2, 2, 2, "")).Accepted)

	_, sink := mustRegister(t, h, models.RoleAdmin, "")
	msgs := sink.messages(models.EventAdminRiderLocation)
	require.Len(t, msgs, 2)
	first := msgs[0].Data.(models.RiderLocationPayload)
	second := msgs[1].Data.(models.RiderLocationPayload)
	assert.Equal(t, "r1", first.RiderID)
	assert.True(t, first.Stale)
	assert.Equal(t, "r2", second.RiderID)
	assert.False(t, second.Stale)
}

func TestHubOrderStatus(t *testing.T) {
	eta := func(from, to models.Coord) (float64, bool) { return 120, true }
	h := testHub(Options{ETA: eta})
	rider, _ := mustRegister(t, h, models.RoleRider, "r1")
	cust, sink := mustRegister(t, h, models.RoleCustomer, "")
	require.NoError(t, h.JoinRoom(cust.ID, "42"))

	n := h.UpdateOrderStatus(models.OrderStatus{OrderID: "42", Status: "picked_up", Dropoff: &models.Coord{Lat: 2, Lng: 2}})
	assert.Equal(t, 1, n)
	st := sink.messages(models.EventOrderStatus)
	require.Len(t, st, 1)
	assert.Equal(t, "picked_up", st[0].Data.(models.OrderStatusPayload).Status)

	require.True(t, h.Publish(rider.ID, sample("r1", 1, 1, 10, "42")).Accepted)
	loc := sink.messages(models.EventOrderRiderLocation)
	require.Len(t, loc, 1)
	p := loc[0].Data.(models.OrderLocationPayload)
	assert.Equal(t, "picked_up", p.Status)
	require.NotNil(t, p.ETA)
	assert.Equal(t, 120.0, *p.ETA)

	// terminal status is forwarded once, then the order is forgotten
	h.UpdateOrderStatus(models.OrderStatus{OrderID: "42", Status: "delivered"})
	require.Len(t, sink.messages(models.EventOrderStatus), 2)

	late, lateSink := mustRegister(t, h, models.RoleCustomer, "")
	require.NoError(t, h.JoinRoom(late.ID, "42"))
	assert.Empty(t, lateSink.pushed())
	assert.Equal(t, []string{"order:42"}, h.Rooms(cust.ID), "membership is untouched")
}

func TestHubHTTPIngestWithoutConnection(t *testing.T) {
	h := testHub(Options{})
	_, adminSink := mustRegister(t, h, models.RoleAdmin, "")

	s, res := h.Ingest("", []byte(`{"riderId":"r5","lat":10,"lng":20,"timestamp":5}`))
	require.True(t, res.Accepted)
	assert.Equal(t, "r5", s.RiderID)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, adminSink.messages(models.EventAdminRiderLocation), 1)

	_, res = h.Ingest("", []byte(`{"riderId":"r5","lat":100,"lng":20}`))
	assert.Equal(t, DropOutOfRange, res.Reason)
	assert.Len(t, adminSink.messages(models.EventAdminRiderLocation), 1, "rejected samples never fan out")
}

func TestHubShutdown(t *testing.T) {
	h := testHub(Options{GraceWindow: time.Hour})
	_, s1 := mustRegister(t, h, models.RoleAdmin, "")
	_, s2 := mustRegister(t, h, models.RoleRider, "r1")

	h.Shutdown()
	assert.Equal(t, ReasonShutdown, s1.closeReason())
	assert.Equal(t, ReasonShutdown, s2.closeReason())

	_, err := h.Register(models.RoleAdmin, "", &fakeSink{})
	assert.ErrorIs(t, err, ErrClosed)
	h.Shutdown()
}

func TestHubOnAcceptedSeesOnlyAcceptedSamples(t *testing.T) {
	var seen []int64
	h := testHub(Options{OnAccepted: func(s models.LocationSample) { seen = append(seen, s.Timestamp) }})
	c, _ := mustRegister(t, h, models.RoleRider, "r1")

	h.Publish(c.ID, sample("r1", 1, 1, 10, ""))
	h.Publish(c.ID, sample("r1", 1, 1, 5, ""))
	h.Publish(c.ID, sample("r1", 91, 1, 20, ""))
	h.Publish(c.ID, sample("r1", 1, 1, 11, ""))

	assert.Equal(t, []int64{10, 11}, seen)
}
