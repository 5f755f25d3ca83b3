package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/firewatch-np/fire-feed-service/internal/models"
)

// SourceKind identifies an upstream provider.
type SourceKind int

const (
	// SourceSatellite is NASA FIRMS active fire detections.
	SourceSatellite SourceKind = iota + 1
	// SourceIncidentPortal is the BIPAD disaster incident portal.
	SourceIncidentPortal
)

// Source tags stored on every normalized record and used as the cache key source.
const (
	SatelliteSourceID      = "NASA_FIRMS"
	IncidentPortalSourceID = "BIPAD"
)

// ErrUnknownSource is returned by ParseSourceKind for identifiers no strategy handles.
var ErrUnknownSource = errors.New("unknown source")

// String returns the canonical source identifier.
func (k SourceKind) String() string {
	switch k {
	case SourceSatellite:
		return SatelliteSourceID
	case SourceIncidentPortal:
		return IncidentPortalSourceID
	default:
		return "unknown"
	}
}

var sourceAliases = map[string]SourceKind{
	"nasa_firms": SourceSatellite,
	"firms":      SourceSatellite,
	"satellite":  SourceSatellite,
	"bipad":      SourceIncidentPortal,
	"realtime":   SourceIncidentPortal,
	"incident":   SourceIncidentPortal,
}

// LookupSourceKind reports the SourceKind a known alias (case-insensitive) names.
func LookupSourceKind(id string) (SourceKind, bool) {
	k, ok := sourceAliases[strings.ToLower(strings.TrimSpace(id))]
	return k, ok
}

// ParseSourceKind is LookupSourceKind for configuration, where an unknown
// identifier is an error.
func ParseSourceKind(id string) (SourceKind, error) {
	if k, ok := LookupSourceKind(id); ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSource, id)
}

// Source builds the upstream request for a day and normalizes the response
// body into point observations. Adding a provider means adding a Source.
type Source interface {
	Kind() SourceKind
	// BuildRequest returns the GET request covering the trailing one-day window ending at day.
	BuildRequest(ctx context.Context, day time.Time) (*http.Request, error)
	// Normalize converts a 2xx body into records. Rows without usable coordinates are dropped.
	Normalize(body []byte, requestedDate string) ([]models.PointObservation, error)
}
