package telemetry

import "time"

// LatencyPoint is one bucket of the request-duration series.
type LatencyPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Avg       float64   `json:"avg"`
	P95       float64   `json:"p95"`
}

// SeriesPoint is one bucket of the throughput or error-rate series.
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series holds the three ordered series returned for one metrics query.
type Series struct {
	Latency    []LatencyPoint `json:"latency"`
	Throughput []SeriesPoint  `json:"throughput"`
	ErrorRate  []SeriesPoint  `json:"errorRate"`
}

// QueryOptions scopes a metrics query. RunHistoryId is required for a
// non-empty result; FlowId/StepId narrow to one tagged series; RunAt/EndAt
// close the time window; Interval buckets the series.
type QueryOptions struct {
	RunHistoryId string
	FlowId       string
	StepId       string
	Interval     time.Duration
	RunAt        *time.Time
	EndAt        *time.Time
}
