package telemetry

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	client "github.com/influxdata/influxdb/client/v2"
	"github.com/influxdata/influxdb/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
)

func TestQueryMetrics_MissingRunIdYieldsEmptySeries(t *testing.T) {
	session := &fakeSession{}
	engine := NewWithSession(session, "k6")

	series, err := engine.QueryMetrics(QueryOptions{})

	require.NoError(t, err)
	assert.Empty(t, series.Latency)
	assert.Empty(t, series.Throughput)
	assert.Empty(t, series.ErrorRate)
	assert.Zero(t, session.queries, "nothing should be queried without a run id")
}

func TestQueryMetrics_ShapesThreeSeries(t *testing.T) {
	session := &fakeSession{
		responses: map[string]*client.Response{
			"http_req_duration": seriesResponse(
				[]string{"time", "mean", "p95"},
				[][]interface{}{{"2026-08-28T10:00:00Z", 12.5, 40.0}, {"2026-08-28T10:00:05Z", 13.0, 42.0}},
			),
			"http_reqs": seriesResponse(
				[]string{"time", "value"},
				[][]interface{}{{"2026-08-28T10:00:00Z", 50.0}},
			),
			"errors": seriesResponse(
				[]string{"time", "value"},
				[][]interface{}{{"2026-08-28T10:00:00Z", 0.1}},
			),
		},
	}
	engine := NewWithSession(session, "k6")

	series, err := engine.QueryMetrics(QueryOptions{RunHistoryId: "r1", Interval: 5 * time.Second})

	require.NoError(t, err)
	require.Len(t, series.Latency, 2)
	assert.Equal(t, 12.5, series.Latency[0].Avg)
	assert.Equal(t, 42.0, series.Latency[1].P95)
	require.Len(t, series.Throughput, 1)
	assert.Equal(t, 10.0, series.Throughput[0].Value, "50 requests over a 5s bucket")
	require.Len(t, series.ErrorRate, 1)
	assert.Equal(t, 0.1, series.ErrorRate[0].Value)
}

func TestQueryMetrics_FiltersByFlowAndStepTags(t *testing.T) {
	session := &fakeSession{}
	engine := NewWithSession(session, "k6")

	_, err := engine.QueryMetrics(QueryOptions{RunHistoryId: "r1", FlowId: "flow-a", StepId: "step-1"})

	require.NoError(t, err)
	for _, command := range session.commands {
		assert.Contains(t, command, "run_history_id = 'r1'")
		assert.Contains(t, command, "flow_id = 'flow-a'")
		assert.Contains(t, command, "step_id = 'step-1'")
	}
}

func TestGetRunAt_PollsUntilFirstDataPointAppears(t *testing.T) {
	session := &fakeSession{
		emptyBefore: 2,
		responses: map[string]*client.Response{
			"http_reqs": seriesResponse(
				[]string{"time", "value"},
				[][]interface{}{{"2026-08-28T10:00:00Z", 1.0}},
			),
		},
	}
	engine := &influxEngine{session: session, database: "k6", pollAttempts: 5, pollDelay: time.Millisecond}

	runAt, err := engine.GetRunAt(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), runAt.UTC())
	assert.Equal(t, 3, session.queries)
}

func TestGetRunAt_ExhaustedBudgetIsTelemetryTimeout(t *testing.T) {
	session := &fakeSession{emptyBefore: 100}
	engine := &influxEngine{session: session, database: "k6", pollAttempts: 3, pollDelay: time.Millisecond}

	_, err := engine.GetRunAt(context.Background(), "r1")

	var timeout *surgeerrors.ErrTelemetryTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "getRunAt", timeout.Operation)
}

func TestGetEndAt_FailsImmediatelyWithoutData(t *testing.T) {
	session := &fakeSession{emptyBefore: 100}
	engine := NewWithSession(session, "k6")

	_, err := engine.GetEndAt("r1")

	var timeout *surgeerrors.ErrTelemetryTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 1, session.queries)
}

func TestSummarize_ComputesThroughputFromElapsedSeconds(t *testing.T) {
	session := &fakeSession{
		responses: map[string]*client.Response{
			"http_req_duration": seriesResponse(
				[]string{"time", "mean", "p95"},
				[][]interface{}{{"2026-08-28T10:00:00Z", 20.0, 55.0}},
			),
			"http_reqs": seriesResponse(
				[]string{"time", "value"},
				[][]interface{}{{"2026-08-28T10:00:00Z", 600.0}},
			),
			"errors": seriesResponse(
				[]string{"time", "value"},
				[][]interface{}{{"2026-08-28T10:00:00Z", 0.05}},
			),
		},
	}
	engine := NewWithSession(session, "k6")

	runAt := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	endAt := runAt.Add(60 * time.Second)
	summary, err := engine.Summarize("r1", "", "", runAt, endAt)

	require.NoError(t, err)
	assert.Equal(t, 20.0, summary.AvgLatencyMs)
	assert.Equal(t, 55.0, summary.P95LatencyMs)
	assert.Equal(t, 10.0, summary.Throughput, "600 requests over 60s")
	assert.Equal(t, 0.05, summary.ErrorRate)
}

// fakeSession satisfies client.Client for query shaping tests. It answers by
// measurement name and can return empty results for the first emptyBefore
// queries to exercise polling.
type fakeSession struct {
	responses   map[string]*client.Response
	emptyBefore int
	queries     int
	commands    []string
}

func (f *fakeSession) Query(q client.Query) (*client.Response, error) {
	f.queries++
	f.commands = append(f.commands, q.Command)
	if f.queries <= f.emptyBefore {
		return &client.Response{}, nil
	}
	for measurement, response := range f.responses {
		if strings.Contains(q.Command, `"`+measurement+`"`) {
			return response, nil
		}
	}
	return &client.Response{}, nil
}

func (f *fakeSession) QueryCtx(ctx context.Context, q client.Query) (*client.Response, error) {
	return f.Query(q)
}

func (f *fakeSession) Ping(timeout time.Duration) (time.Duration, string, error) {
	return 0, "", nil
}

func (f *fakeSession) Write(bp client.BatchPoints) error { return nil }

func (f *fakeSession) WriteCtx(ctx context.Context, bp client.BatchPoints) error { return nil }

func (f *fakeSession) WriteRawCtx(ctx context.Context, bp client.BatchPoints, reqBody io.Reader) error {
	return nil
}

func (f *fakeSession) QueryAsChunk(q client.Query) (*client.ChunkedResponse, error) {
	return nil, nil
}

func (f *fakeSession) Close() error { return nil }

func seriesResponse(columns []string, values [][]interface{}) *client.Response {
	return &client.Response{
		Results: []client.Result{
			{
				Series: []models.Row{
					{Columns: columns, Values: values},
				},
			},
		},
	}
}
