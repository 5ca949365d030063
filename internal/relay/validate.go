package relay

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/example/rider-relay/internal/models"
)

// rawSample mirrors the rider:location payload with pointer fields so that
// missing values can be told apart from zero values.
type rawSample struct {
	RiderID   *string       `json:"riderId"`
	Lat       *float64      `json:"lat"`
	Lng       *float64      `json:"lng"`
	Timestamp *float64      `json:"timestamp"`
	OrderID   models.FlexID `json:"orderId"`
}

// maxTimestampMs bounds producer timestamps to integers a float64 carries
// exactly, well clear of int64 overflow.
const maxTimestampMs = 1 << 53

// ParseSample decodes and validates a rider:location payload. A missing
// timestamp defaults to the receipt time.
func ParseSample(data []byte, receivedAt time.Time) (models.LocationSample, error) {
	var raw rawSample
	if len(data) == 0 {
		return models.LocationSample{}, reject(DropMalformed, "empty payload")
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.LocationSample{}, reject(DropMalformed, "%v", err)
	}
	switch {
	case raw.RiderID == nil:
		return models.LocationSample{}, reject(DropMalformed, "riderId missing")
	case raw.Lat == nil:
		return models.LocationSample{}, reject(DropMalformed, "lat missing")
	case raw.Lng == nil:
		return models.LocationSample{}, reject(DropMalformed, "lng missing")
	}

	s := models.LocationSample{
		RiderID:    strings.TrimSpace(*raw.RiderID),
		Lat:        *raw.Lat,
		Lng:        *raw.Lng,
		OrderID:    raw.OrderID.String(),
		ReceivedAt: receivedAt,
	}
	if raw.Timestamp != nil {
		ts := *raw.Timestamp
		if math.IsNaN(ts) || ts < 0 || ts > maxTimestampMs {
			return models.LocationSample{}, reject(DropMalformed, "timestamp %v", ts)
		}
		s.Timestamp = int64(ts)
	} else {
		s.Timestamp = receivedAt.UnixMilli()
	}
	if err := ValidateSample(s); err != nil {
		return models.LocationSample{}, err
	}
	return s, nil
}

// ValidateSample checks the shape and geographic range of an already typed sample.
func ValidateSample(s models.LocationSample) error {
	if s.RiderID == "" {
		return reject(DropMalformed, "riderId empty")
	}
	if math.IsNaN(s.Lat) || math.IsNaN(s.Lng) || math.IsInf(s.Lat, 0) || math.IsInf(s.Lng, 0) {
		return reject(DropMalformed, "coordinates not finite")
	}
	if s.Timestamp < 0 || s.Timestamp > maxTimestampMs {
		return reject(DropMalformed, "timestamp %d", s.Timestamp)
	}
	if s.Lat < -90 || s.Lat > 90 {
		return reject(DropOutOfRange, "lat %v", s.Lat)
	}
	if s.Lng < -180 || s.Lng > 180 {
		return reject(DropOutOfRange, "lng %v", s.Lng)
	}
	return nil
}
