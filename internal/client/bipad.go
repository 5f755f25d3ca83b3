package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/firewatch-np/fire-feed-service/internal/models"
	"github.com/firewatch-np/fire-feed-service/internal/validation"
)

// BIPAD request defaults. Hazard 12 is forest fire.
const (
	DefaultBIPADBaseURL = "https://bipadportal.gov.np"
	DefaultBIPADHazard  = "12"
	bipadOffset         = "+05:45"
)

// Defaults applied to portal incidents missing the field.
const (
	defaultIncidentDescription = "No details available"
	defaultIncidentSeverity    = "medium"
)

// PortalSourceAttr holds the portal's own data source for an incident, since
// the source field of every record is the provider tag.
const PortalSourceAttr = "portal_source"

// BIPADSource fetches incidents from the BIPAD portal as JSON.
type BIPADSource struct {
	BaseURL string
	Hazard  string
}

// NewBIPADSource returns a BIPADSource filtered to forest-fire incidents.
func NewBIPADSource(baseURL string) *BIPADSource {
	if baseURL == "" {
		baseURL = DefaultBIPADBaseURL
	}
	return &BIPADSource{BaseURL: strings.TrimRight(baseURL, "/"), Hazard: DefaultBIPADHazard}
}

func (s *BIPADSource) Kind() SourceKind { return SourceIncidentPortal }

// BuildRequest asks for incidents from the start of day-1 to the end of day,
// Nepal time, newest first, unpaginated.
func (s *BIPADSource) BuildRequest(ctx context.Context, day time.Time) (*http.Request, error) {
	u, err := url.Parse(s.BaseURL + "/api/v1/incident/")
	if err != nil {
		return nil, fmt.Errorf("invalid portal URL: %w", err)
	}
	from := day.AddDate(0, 0, -1).Format(validation.DateLayout)
	to := day.Format(validation.DateLayout)

	q := url.Values{}
	for _, empty := range []string{"rainBasin", "rainStation", "riverBasin", "riverStation", "inventoryItems"} {
		q.Set(empty, "")
	}
	q.Set("hazard", s.Hazard)
	q.Set("incident_on__gt", from+"T00:00:00"+bipadOffset)
	q.Set("incident_on__lt", to+"T23:59:59"+bipadOffset)
	q.Set("expand", "loss,event,wards")
	q.Set("ordering", "-incident_on")
	q.Set("limit", "-1")
	q.Set("data_source", "drr_api")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Normalize flattens results[]. Coordinates come from point.coordinates ([lon, lat]);
// incidents without them are discarded.
func (s *BIPADSource) Normalize(body []byte, requestedDate string) ([]models.PointObservation, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrUnexpectedPayload)
	}
	results := gjson.GetBytes(body, "results")
	if !results.IsArray() {
		return nil, fmt.Errorf("%w: response has no results array", ErrUnexpectedPayload)
	}

	out := make([]models.PointObservation, 0)
	results.ForEach(func(_, incident gjson.Result) bool {
		if obs, ok := bipadIncident(incident, requestedDate); ok {
			out = append(out, obs)
		}
		return true
	})
	return out, nil
}

func bipadIncident(incident gjson.Result, requestedDate string) (models.PointObservation, bool) {
	if !incident.IsObject() {
		return models.PointObservation{}, false
	}
	lon, lat := incident.Get("point.coordinates.0"), incident.Get("point.coordinates.1")
	if lon.Type != gjson.Number || lat.Type != gjson.Number || lon.Float() == 0 || lat.Float() == 0 {
		return models.PointObservation{}, false
	}

	attrs, _ := incident.Value().(map[string]any)
	if attrs == nil {
		attrs = make(map[string]any)
	}
	if v, ok := attrs[models.FieldSource]; ok {
		attrs[PortalSourceAttr] = v
	}
	if t := incident.Get("title").String(); t == "" {
		attrs["title"] = incident.Get("titleNe").String()
	}
	if d := incident.Get("description").String(); d == "" {
		attrs["description"] = defaultIncidentDescription
	}
	if sev := incident.Get("severity").String(); sev == "" {
		attrs["severity"] = defaultIncidentSeverity
	}
	if loss := incident.Get("loss"); !loss.Exists() || loss.Type == gjson.Null {
		attrs["loss"] = map[string]any{}
	}
	if created := datePart(incident.Get("createdOn").String()); created != "" {
		attrs["incident_date"] = created
	}

	date := datePart(incident.Get("incidentOn").String())
	if date == "" {
		date = datePart(incident.Get("createdOn").String())
	}
	if date == "" {
		date = requestedDate
	}
	obs := models.PointObservation{
		Latitude:   lat.Float(),
		Longitude:  lon.Float(),
		Date:       date,
		Source:     IncidentPortalSourceID,
		Attributes: attrs,
	}
	return obs, obs.HasCoordinates()
}

// datePart returns the YYYY-MM-DD prefix of an ISO timestamp, or "".
func datePart(ts string) string {
	if len(ts) < len(validation.DateLayout) {
		return ""
	}
	d := ts[:len(validation.DateLayout)]
	if _, err := time.Parse(validation.DateLayout, d); err != nil {
		return ""
	}
	return d
}
