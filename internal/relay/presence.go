package relay

import (
	"sort"

	"github.com/example/rider-relay/internal/models"
)

// PresenceStore holds the latest sample per rider and which riders are bound
// to which orders. A rider is bound to at most one order, the one named by its
// latest accepted sample. It is not safe for concurrent use; Hub serializes
// access.
type PresenceStore struct {
	entries     map[string]*models.PresenceEntry
	orderRiders map[string]map[string]struct{}
	riderOrder  map[string]string
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		entries:     make(map[string]*models.PresenceEntry),
		orderRiders: make(map[string]map[string]struct{}),
		riderOrder:  make(map[string]string),
	}
}

// Update stores s when it is not older than the stored sample for the rider.
// It returns false, leaving state untouched, for an out-of-order sample.
func (p *PresenceStore) Update(s models.LocationSample) bool {
	e, ok := p.entries[s.RiderID]
	if ok && s.Timestamp < e.Sample.Timestamp {
		return false
	}
	if !ok {
		e = &models.PresenceEntry{RiderID: s.RiderID}
		p.entries[s.RiderID] = e
	}
	e.Sample = s
	e.Online = true
	p.bind(s.RiderID, s.OrderID)
	return true
}

// bind moves riderID onto orderID, releasing any previous order. An empty
// orderID leaves the rider unbound.
func (p *PresenceStore) bind(riderID, orderID string) {
	prev, ok := p.riderOrder[riderID]
	if ok && prev == orderID {
		return
	}
	if ok {
		if riders := p.orderRiders[prev]; riders != nil {
			delete(riders, riderID)
			if len(riders) == 0 {
				delete(p.orderRiders, prev)
			}
		}
		delete(p.riderOrder, riderID)
	}
	if orderID == "" {
		return
	}
	riders, ok := p.orderRiders[orderID]
	if !ok {
		riders = make(map[string]struct{}, 1)
		p.orderRiders[orderID] = riders
	}
	riders[riderID] = struct{}{}
	p.riderOrder[riderID] = orderID
}

func (p *PresenceStore) Get(riderID string) (models.PresenceEntry, bool) {
	e, ok := p.entries[riderID]
	if !ok {
		return models.PresenceEntry{}, false
	}
	return *e, true
}

// MarkOffline flips the rider offline, keeping its last sample. It reports
// whether the rider was online before the call.
func (p *PresenceStore) MarkOffline(riderID string) bool {
	e, ok := p.entries[riderID]
	if !ok || !e.Online {
		return false
	}
	e.Online = false
	return true
}

// RidersForOrder returns the presence entries of riders whose latest sample
// was published under orderID.
func (p *PresenceStore) RidersForOrder(orderID string) []models.PresenceEntry {
	riders := p.orderRiders[orderID]
	out := make([]models.PresenceEntry, 0, len(riders))
	for id := range riders {
		if e, ok := p.entries[id]; ok {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiderID < out[j].RiderID })
	return out
}

// UnbindOrder forgets every rider binding for orderID.
func (p *PresenceStore) UnbindOrder(orderID string) {
	for id := range p.orderRiders[orderID] {
		delete(p.riderOrder, id)
	}
	delete(p.orderRiders, orderID)
}

// Online returns every online rider ordered by rider id.
func (p *PresenceStore) Online() []models.PresenceEntry {
	out := make([]models.PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.Online {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiderID < out[j].RiderID })
	return out
}

func (p *PresenceStore) OnlineCount() int {
	n := 0
	for _, e := range p.entries {
		if e.Online {
			n++
		}
	}
	return n
}
