package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PointObservation is a normalized fire observation at a single point.
// Attributes carries provider fields untouched; on the wire they sit at the
// top level next to latitude, longitude, date and source.
type PointObservation struct {
	Latitude   float64
	Longitude  float64
	Date       string
	Source     string
	Attributes map[string]any
}

// Reserved JSON keys owned by PointObservation itself.
const (
	FieldLatitude  = "latitude"
	FieldLongitude = "longitude"
	FieldDate      = "date"
	FieldSource    = "source"
)

// HasCoordinates reports whether the observation has finite, in-range coordinates.
func (p PointObservation) HasCoordinates() bool {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) || math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// MarshalJSON flattens Attributes into the object. Reserved keys always win.
func (p PointObservation) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Attributes)+4)
	for k, v := range p.Attributes {
		out[k] = v
	}
	out[FieldLatitude] = p.Latitude
	out[FieldLongitude] = p.Longitude
	out[FieldDate] = p.Date
	out[FieldSource] = p.Source
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON. Coordinates may be numbers or
// numeric strings.
func (p *PointObservation) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lat, err := coordinate(raw[FieldLatitude])
	if err != nil {
		return fmt.Errorf("latitude: %w", err)
	}
	lon, err := coordinate(raw[FieldLongitude])
	if err != nil {
		return fmt.Errorf("longitude: %w", err)
	}
	date, _ := raw[FieldDate].(string)
	source, _ := raw[FieldSource].(string)
	for _, k := range []string{FieldLatitude, FieldLongitude, FieldDate, FieldSource} {
		delete(raw, k)
	}
	*p = PointObservation{
		Latitude:  lat,
		Longitude: lon,
		Date:      date,
		Source:    source,
	}
	if len(raw) > 0 {
		p.Attributes = raw
	}
	return nil
}

// ParseCoordinate parses a coordinate string, rejecting NaN and infinities.
func ParseCoordinate(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite coordinate %q", s)
	}
	return v, nil
}

func coordinate(v any) (float64, error) {
	switch c := v.(type) {
	case float64:
		return c, nil
	case string:
		return ParseCoordinate(c)
	case nil:
		return 0, fmt.Errorf("missing")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
