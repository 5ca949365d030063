package relay

import "github.com/example/rider-relay/internal/models"

// Targets is the resolved subscriber set for one sample.
type Targets struct {
	Admins []*Connection
	Order  []*Connection
}

func (t Targets) Len() int { return len(t.Admins) + len(t.Order) }

// Router resolves subscribers straight from the registry's current indexes,
// so membership changes apply to the very next event.
type Router struct {
	reg *Registry
}

func NewRouter(reg *Registry) Router { return Router{reg: reg} }

// Resolve returns every admin connection plus, for samples carrying an order
// id, every member of that order's room. An admin that joined the room is in
// both lists and receives one push of each event type.
func (rt Router) Resolve(s models.LocationSample) Targets {
	t := Targets{Admins: rt.reg.Admins()}
	if s.OrderID != "" {
		t.Order = rt.reg.Members(OrderRoom(s.OrderID))
	}
	return t
}
