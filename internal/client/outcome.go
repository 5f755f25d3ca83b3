package client

import "github.com/firewatch-np/fire-feed-service/internal/models"

// Outcome classifies how an upstream fetch ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimedOut
	OutcomeNetworkError
	// OutcomeUpstreamRejected covers non-2xx statuses and bodies that could not be normalized.
	OutcomeUpstreamRejected
	OutcomeConfigurationMissing
	OutcomeCircuitOpen
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeUpstreamRejected:
		return "upstream_rejected"
	case OutcomeConfigurationMissing:
		return "configuration_missing"
	case OutcomeCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// FetchResult is either normalized records (Outcome == OutcomeSuccess) or a
// failure outcome with its cause. Records is never nil on success.
type FetchResult struct {
	Records []models.PointObservation
	Outcome Outcome
	Err     error
}

// OK reports whether the fetch succeeded.
func (r FetchResult) OK() bool { return r.Outcome == OutcomeSuccess }

func success(records []models.PointObservation) FetchResult {
	if records == nil {
		records = []models.PointObservation{}
	}
	return FetchResult{Records: records, Outcome: OutcomeSuccess}
}

func failure(err error) FetchResult {
	return FetchResult{Outcome: ClassifyOutcome(err), Err: err}
}
