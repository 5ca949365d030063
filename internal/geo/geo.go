package geo

import (
	"context"
	"math"

	"github.com/example/rider-relay/internal/models"
)

// Mirror keeps the last known rider position in an external geo index.
type Mirror interface {
	Upsert(ctx context.Context, s models.LocationSample) error
}

// NearbyRider is one hit of a radius query against the mirror.
type NearbyRider struct {
	RiderID   string  `json:"riderId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	DistanceM float64 `json:"distanceM"`
	Timestamp int64   `json:"timestamp,omitempty"`
	OrderID   string  `json:"orderId,omitempty"`
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}
