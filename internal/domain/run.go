package domain

import "time"

// RunStatus is the lifecycle status of a run. RUNNING is the only
// non-terminal status.
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
	RunStatusAborted RunStatus = "ABORTED"
)

// IsTerminal reports whether the status will never change again.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// MetricSummary holds the aggregate metrics computed for a run or for one
// (flow, step) pair once the run window is closed.
type MetricSummary struct {
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	P95LatencyMs float64 `json:"p95LatencyMs"`
	Throughput   float64 `json:"throughput"`
	ErrorRate    float64 `json:"errorRate"`
}

// RunHistory is one execution instance of a scenario. It is created when a
// run starts and mutated only by the run coordinator; it is the single
// source of truth for run state across process restarts.
type RunHistory struct {
	Id              string     `db:"id" json:"id"`
	ScenarioId      string     `db:"scenario_id" json:"scenarioId"`
	Status          RunStatus  `db:"status" json:"status"`
	RunAt           *time.Time `db:"run_at" json:"runAt"`
	EndAt           *time.Time `db:"end_at" json:"endAt"`
	Progress        int        `db:"progress" json:"progress"`
	VirtualUsers    int        `db:"vus" json:"vus"`
	DurationSeconds int        `db:"duration" json:"duration"`
	AvgLatencyMs    float64    `db:"avg_latency_ms" json:"avgLatencyMs"`
	P95LatencyMs    float64    `db:"p95_latency_ms" json:"p95LatencyMs"`
	Throughput      float64    `db:"throughput" json:"throughput"`
	ErrorRate       float64    `db:"error_rate" json:"errorRate"`
}

// RunMetric is the aggregate metrics for one (flow, step) pair of a finished
// run, recorded once at completion.
type RunMetric struct {
	RunHistoryId string  `db:"run_history_id" json:"runHistoryId"`
	FlowId       string  `db:"flow_id" json:"flowId"`
	StepId       string  `db:"step_id" json:"stepId"`
	AvgLatencyMs float64 `db:"avg_latency_ms" json:"avgLatencyMs"`
	P95LatencyMs float64 `db:"p95_latency_ms" json:"p95LatencyMs"`
	Throughput   float64 `db:"throughput" json:"throughput"`
	ErrorRate    float64 `db:"error_rate" json:"errorRate"`
}
