package client

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/firewatch-np/fire-feed-service/internal/models"
	"github.com/firewatch-np/fire-feed-service/internal/validation"
)

// FIRMS request defaults for the Nepal country feed.
const (
	DefaultFIRMSBaseURL = "https://firms.modaps.eosdis.nasa.gov"
	DefaultFIRMSDataset = "MODIS_NRT"
	DefaultFIRMSCountry = "NPL"
	firmsDayWindow      = 2
)

// FIRMSSource fetches NASA FIRMS country detections as CSV.
type FIRMSSource struct {
	BaseURL string
	Dataset string
	Country string
	// KeyFunc returns the MAP key. It is called on every request so a key
	// added after startup is picked up; an empty key is ErrConfigMissing.
	KeyFunc func() string
}

// NewFIRMSSource returns a FIRMSSource with the Nepal MODIS defaults.
func NewFIRMSSource(baseURL string, keyFunc func() string) *FIRMSSource {
	if baseURL == "" {
		baseURL = DefaultFIRMSBaseURL
	}
	return &FIRMSSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Dataset: DefaultFIRMSDataset,
		Country: DefaultFIRMSCountry,
		KeyFunc: keyFunc,
	}
}

func (s *FIRMSSource) Kind() SourceKind { return SourceSatellite }

// BuildRequest covers [day-1, day] via the dayWindow=2 form anchored at day-1.
func (s *FIRMSSource) BuildRequest(ctx context.Context, day time.Time) (*http.Request, error) {
	key := ""
	if s.KeyFunc != nil {
		key = strings.TrimSpace(s.KeyFunc())
	}
	if key == "" {
		return nil, fmt.Errorf("%w: FIRMS_MAP_KEY is not set", ErrConfigMissing)
	}
	from := day.AddDate(0, 0, -1).Format(validation.DateLayout)
	u := fmt.Sprintf("%s/api/country/csv/%s/%s/%s/%d/%s", s.BaseURL, key, s.Dataset, s.Country, firmsDayWindow, from)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")
	return req, nil
}

// Normalize parses the CSV table. Every column except latitude/longitude is kept
// as a string attribute; date is acq_date, or requestedDate when the row has none.
func (s *FIRMSSource) Normalize(body []byte, requestedDate string) ([]models.PointObservation, error) {
	body = bytes.TrimPrefix(body, []byte("\ufeff"))
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []models.PointObservation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read csv header: %v", ErrUnexpectedPayload, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	latIdx, lonIdx := indexOf(header, models.FieldLatitude), indexOf(header, models.FieldLongitude)
	if latIdx < 0 || lonIdx < 0 {
		return nil, fmt.Errorf("%w: csv header lacks latitude/longitude columns", ErrUnexpectedPayload)
	}

	out := make([]models.PointObservation, 0)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A single malformed line (bad quoting) is dropped like a bad-coordinate row.
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, fmt.Errorf("%w: read csv: %v", ErrUnexpectedPayload, err)
		}
		if isBlankRow(row) {
			continue
		}
		obs, ok := firmsRow(header, row, latIdx, lonIdx, requestedDate)
		if !ok {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func firmsRow(header, row []string, latIdx, lonIdx int, requestedDate string) (models.PointObservation, bool) {
	if latIdx >= len(row) || lonIdx >= len(row) {
		return models.PointObservation{}, false
	}
	lat, err := models.ParseCoordinate(row[latIdx])
	if err != nil {
		return models.PointObservation{}, false
	}
	lon, err := models.ParseCoordinate(row[lonIdx])
	if err != nil {
		return models.PointObservation{}, false
	}
	attrs := make(map[string]any, len(header))
	for i, name := range header {
		if i == latIdx || i == lonIdx || name == "" || i >= len(row) {
			continue
		}
		attrs[name] = row[i]
	}
	date := strings.TrimSpace(stringAttr(attrs, "acq_date"))
	if date == "" {
		date = requestedDate
	}
	obs := models.PointObservation{
		Latitude:   lat,
		Longitude:  lon,
		Date:       date,
		Source:     SatelliteSourceID,
		Attributes: attrs,
	}
	return obs, obs.HasCoordinates()
}

// Redact hides the MAP key in s, e.g. a request URL quoted in a transport error.
func (s *FIRMSSource) Redact(text string) string {
	if s.KeyFunc == nil {
		return text
	}
	if key := strings.TrimSpace(s.KeyFunc()); key != "" {
		return strings.ReplaceAll(text, key, "REDACTED")
	}
	return text
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}
