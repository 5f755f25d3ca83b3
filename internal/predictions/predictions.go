// Package predictions proxies the fire-probability model backend.
package predictions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/observability"
	"github.com/firewatch-np/fire-feed-service/internal/validation"
)

// DefaultBackendURL is the hosted model backend.
const DefaultBackendURL = "https://livefire-api.onrender.com"

// HighRiskThreshold is the fire_prob above which a prediction is High risk.
const HighRiskThreshold = 0.95

// Risk levels written to each prediction's risk_level.
const (
	RiskHigh   = "High"
	RiskMedium = "Medium"
)

const maxModelIDLen = 64

// ErrInvalidModelID is returned for model identifiers that cannot be put in a path.
var ErrInvalidModelID = errors.New("invalid model id")

// Prediction is one backend prediction object, passed through as-is apart from risk_level.
type Prediction map[string]any

// Client fetches predictions from the backend.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *zap.Logger
}

// NewClient returns a Client for baseURL (DefaultBackendURL when empty).
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBackendURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
		logger:  logger,
	}
}

// Get returns the predictions for date, for one model when modelID is set. The
// error is non-nil only for invalid input; backend failures and non-array
// payloads yield an empty slice.
func (c *Client) Get(ctx context.Context, date, modelID string) ([]Prediction, error) {
	d, _, err := validation.ValidateDate(date)
	if err != nil {
		return nil, err
	}
	path := "/predictions/" + d
	if modelID != "" {
		id, err := validation.ValidateSource(modelID, maxModelIDLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidModelID, err)
		}
		if strings.Trim(id, ".") == "" {
			return nil, ErrInvalidModelID
		}
		path += "/" + url.PathEscape(id)
	}
	logger := observability.LoggerOr(ctx, c.logger).With(zap.String("date", d), zap.String("model_id", modelID))

	body, err := c.fetch(ctx, path)
	if err != nil {
		observability.PredictionRequestsTotal.WithLabelValues("error").Inc()
		logger.Warn("prediction backend call failed", zap.Error(err))
		return []Prediction{}, nil
	}
	preds, err := decode(body)
	if err != nil {
		observability.PredictionRequestsTotal.WithLabelValues("invalid_payload").Inc()
		logger.Warn("prediction backend returned unexpected payload", zap.Error(err))
		return []Prediction{}, nil
	}
	observability.PredictionRequestsTotal.WithLabelValues("success").Inc()
	logger.Debug("predictions served", zap.Int("count", len(preds)))
	return preds, nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("backend status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// decode keeps the array's objects and sets risk_level on each. Non-object
// elements are skipped.
func decode(body []byte) ([]Prediction, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response is not valid JSON")
	}
	arr := gjson.ParseBytes(body)
	if !arr.IsArray() {
		return nil, errors.New("response is not an array")
	}
	out := make([]Prediction, 0)
	for _, item := range arr.Array() {
		if !item.IsObject() {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(item.Raw)))
		dec.UseNumber()
		var p Prediction
		if err := dec.Decode(&p); err != nil {
			continue
		}
		p["risk_level"] = RiskLevel(item.Get("fire_prob").Float())
		out = append(out, p)
	}
	return out, nil
}

// RiskLevel maps a fire probability to a risk level.
func RiskLevel(fireProb float64) string {
	if fireProb > HighRiskThreshold {
		return RiskHigh
	}
	return RiskMedium
}
