// Package telemetry is the query/write adapter to the InfluxDB time-series
// store the load generator reports into. It owns connection setup, query
// templating, and shaping raw rows into latency/throughput/error-rate series.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	client "github.com/influxdata/influxdb/client/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/domain"
)

const (
	measurementDuration = "http_req_duration"
	measurementRequests = "http_reqs"
	measurementErrors   = "errors"

	defaultInterval = 5 * time.Second

	runAtPollAttempts = 30
	runAtPollDelay    = time.Second
)

// Engine answers metric queries for runs. The telemetry store is the only
// source of truth for when traffic actually started and stopped; cluster
// scheduling delay means this differs from when the job was submitted.
type Engine interface {
	QueryMetrics(opts QueryOptions) (*Series, error)
	GetRunAt(ctx context.Context, runHistoryId string) (time.Time, error)
	GetEndAt(runHistoryId string) (time.Time, error)
	Summarize(runHistoryId, flowId, stepId string, runAt, endAt time.Time) (*domain.MetricSummary, error)
	WriteMetric(measurement string, value float64, tags map[string]string) error
	Close() error
}

type Config struct {
	Addr     string
	Username string
	Password string
	Database string
}

type influxEngine struct {
	session      client.Client
	database     string
	pollAttempts int
	pollDelay    time.Duration
}

// New connects to InfluxDB and ensures the configured database exists.
func New(config Config) (Engine, error) {
	session, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     config.Addr,
		Username: config.Username,
		Password: config.Password,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create influx client for %s", config.Addr)
	}

	engine := &influxEngine{
		session:      session,
		database:     config.Database,
		pollAttempts: runAtPollAttempts,
		pollDelay:    runAtPollDelay,
	}
	response, err := session.Query(client.NewQuery(
		fmt.Sprintf("CREATE DATABASE %q", config.Database), "", ""))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create influx database %s", config.Database)
	}
	if response.Error() != nil {
		return nil, errors.Wrapf(response.Error(), "cannot create influx database %s", config.Database)
	}
	return engine, nil
}

// NewWithSession wires an existing session, used by tests.
func NewWithSession(session client.Client, database string) Engine {
	return &influxEngine{
		session:      session,
		database:     database,
		pollAttempts: runAtPollAttempts,
		pollDelay:    runAtPollDelay,
	}
}

func (e *influxEngine) Close() error {
	return e.session.Close()
}

// QueryMetrics issues the three parameterized series queries for one run. A
// missing run id yields three empty series rather than an error; there is
// nothing to query yet.
func (e *influxEngine) QueryMetrics(opts QueryOptions) (*Series, error) {
	if opts.RunHistoryId == "" {
		return &Series{
			Latency:    []LatencyPoint{},
			Throughput: []SeriesPoint{},
			ErrorRate:  []SeriesPoint{},
		}, nil
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	where := e.whereClause(opts)
	group := fmt.Sprintf("GROUP BY time(%ds), flow_id, step_id fill(none)", int(interval.Seconds()))

	durationRows, err := e.query(fmt.Sprintf(
		`SELECT mean(value) AS mean, percentile(value, 95) AS p95 FROM %q %s %s ORDER BY time ASC`,
		measurementDuration, where, group))
	if err != nil {
		return nil, err
	}
	requestRows, err := e.query(fmt.Sprintf(
		`SELECT count(value) AS value FROM %q %s %s ORDER BY time ASC`,
		measurementRequests, where, group))
	if err != nil {
		return nil, err
	}
	errorRows, err := e.query(fmt.Sprintf(
		`SELECT mean(value) AS value FROM %q %s %s ORDER BY time ASC`,
		measurementErrors, where, group))
	if err != nil {
		return nil, err
	}

	series := &Series{
		Latency:    []LatencyPoint{},
		Throughput: []SeriesPoint{},
		ErrorRate:  []SeriesPoint{},
	}
	for _, row := range durationRows {
		timestamp, err := rowTime(row)
		if err != nil {
			return nil, err
		}
		series.Latency = append(series.Latency, LatencyPoint{
			Timestamp: timestamp,
			Avg:       rowFloat(row, "mean"),
			P95:       rowFloat(row, "p95"),
		})
	}
	for _, row := range requestRows {
		timestamp, err := rowTime(row)
		if err != nil {
			return nil, err
		}
		series.Throughput = append(series.Throughput, SeriesPoint{
			Timestamp: timestamp,
			Value:     rowFloat(row, "value") / interval.Seconds(),
		})
	}
	for _, row := range errorRows {
		timestamp, err := rowTime(row)
		if err != nil {
			return nil, err
		}
		series.ErrorRate = append(series.ErrorRate, SeriesPoint{
			Timestamp: timestamp,
			Value:     rowFloat(row, "value"),
		})
	}
	return series, nil
}

// GetRunAt polls for the first data point of a run. Ingestion lags job start,
// so the poll retries on empty results, yielding between attempts.
func (e *influxEngine) GetRunAt(ctx context.Context, runHistoryId string) (time.Time, error) {
	for attempt := 0; attempt < e.pollAttempts; attempt++ {
		runAt, found, err := e.firstPointTime(runHistoryId, "first")
		if err != nil {
			return time.Time{}, err
		}
		if found {
			return runAt, nil
		}
		select {
		case <-ctx.Done():
			return time.Time{}, errors.WithStack(ctx.Err())
		case <-time.After(e.pollDelay):
		}
	}
	return time.Time{}, &surgeerrors.ErrTelemetryTimeout{RunId: runHistoryId, Operation: "getRunAt"}
}

// GetEndAt expects data to already exist and fails immediately if none is
// found.
func (e *influxEngine) GetEndAt(runHistoryId string) (time.Time, error) {
	endAt, found, err := e.firstPointTime(runHistoryId, "last")
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return time.Time{}, &surgeerrors.ErrTelemetryTimeout{RunId: runHistoryId, Operation: "getEndAt"}
	}
	return endAt, nil
}

// Summarize computes the aggregate metrics over the closed [runAt, endAt]
// window, optionally narrowed to one (flow, step) pair.
func (e *influxEngine) Summarize(runHistoryId, flowId, stepId string, runAt, endAt time.Time) (*domain.MetricSummary, error) {
	where := e.whereClause(QueryOptions{
		RunHistoryId: runHistoryId,
		FlowId:       flowId,
		StepId:       stepId,
		RunAt:        &runAt,
		EndAt:        &endAt,
	})

	durationRows, err := e.query(fmt.Sprintf(
		`SELECT mean(value) AS mean, percentile(value, 95) AS p95 FROM %q %s`, measurementDuration, where))
	if err != nil {
		return nil, err
	}
	requestRows, err := e.query(fmt.Sprintf(
		`SELECT count(value) AS value FROM %q %s`, measurementRequests, where))
	if err != nil {
		return nil, err
	}
	errorRows, err := e.query(fmt.Sprintf(
		`SELECT mean(value) AS value FROM %q %s`, measurementErrors, where))
	if err != nil {
		return nil, err
	}

	summary := &domain.MetricSummary{}
	if len(durationRows) > 0 {
		summary.AvgLatencyMs = rowFloat(durationRows[0], "mean")
		summary.P95LatencyMs = rowFloat(durationRows[0], "p95")
	}
	if len(errorRows) > 0 {
		summary.ErrorRate = rowFloat(errorRows[0], "value")
	}
	elapsed := endAt.Sub(runAt).Seconds()
	if len(requestRows) > 0 && elapsed > 0 {
		summary.Throughput = rowFloat(requestRows[0], "value") / elapsed
	}
	return summary, nil
}

func (e *influxEngine) WriteMetric(measurement string, value float64, tags map[string]string) error {
	batch, err := client.NewBatchPoints(client.BatchPointsConfig{Database: e.database})
	if err != nil {
		return errors.Wrap(err, "creation of batch points failed")
	}
	point, err := client.NewPoint(measurement, tags, map[string]interface{}{"value": value}, time.Now())
	if err != nil {
		return errors.Wrapf(err, "cannot create point for measurement %q", measurement)
	}
	batch.AddPoint(point)
	if err := e.session.Write(batch); err != nil {
		return errors.Wrapf(err, "cannot write measurement %q", measurement)
	}
	return nil
}

func (e *influxEngine) firstPointTime(runHistoryId string, aggregate string) (time.Time, bool, error) {
	rows, err := e.query(fmt.Sprintf(
		`SELECT %s(value) AS value FROM %q WHERE run_history_id = '%s'`,
		aggregate, measurementRequests, escapeTag(runHistoryId)))
	if err != nil {
		return time.Time{}, false, err
	}
	if len(rows) == 0 {
		return time.Time{}, false, nil
	}
	timestamp, err := rowTime(rows[0])
	if err != nil {
		return time.Time{}, false, err
	}
	return timestamp, true, nil
}

func (e *influxEngine) whereClause(opts QueryOptions) string {
	conditions := []string{fmt.Sprintf("run_history_id = '%s'", escapeTag(opts.RunHistoryId))}
	if opts.FlowId != "" {
		conditions = append(conditions, fmt.Sprintf("flow_id = '%s'", escapeTag(opts.FlowId)))
	}
	if opts.StepId != "" {
		conditions = append(conditions, fmt.Sprintf("step_id = '%s'", escapeTag(opts.StepId)))
	}
	if opts.RunAt != nil {
		conditions = append(conditions, fmt.Sprintf("time >= '%s'", opts.RunAt.UTC().Format(time.RFC3339Nano)))
	} else {
		conditions = append(conditions, "time > now() - 1h")
	}
	if opts.EndAt != nil {
		conditions = append(conditions, fmt.Sprintf("time <= '%s'", opts.EndAt.UTC().Format(time.RFC3339Nano)))
	}
	return "WHERE " + strings.Join(conditions, " AND ")
}

// row is one flattened result row: column name to value plus the timestamp
// column.
type row map[string]interface{}

func (e *influxEngine) query(command string) ([]row, error) {
	log.WithField("database", e.database).Debugf("influx query: %s", command)
	response, err := e.session.Query(client.NewQuery(command, e.database, ""))
	if err != nil {
		return nil, errors.Wrapf(err, "influx query failed: %s", command)
	}
	if response.Error() != nil {
		return nil, errors.Wrapf(response.Error(), "influx query failed: %s", command)
	}

	rows := []row{}
	for _, result := range response.Results {
		for _, series := range result.Series {
			for _, values := range series.Values {
				flattened := row{}
				for i, column := range series.Columns {
					if i < len(values) {
						flattened[column] = values[i]
					}
				}
				rows = append(rows, flattened)
			}
		}
	}
	return rows, nil
}

func rowTime(r row) (time.Time, error) {
	raw, ok := r["time"]
	if !ok {
		return time.Time{}, errors.New("influx row has no time column")
	}
	switch v := raw.(type) {
	case string:
		timestamp, err := time.Parse(time.RFC3339Nano, v)
		return timestamp, errors.WithStack(err)
	case json.Number:
		nanos, err := v.Int64()
		if err != nil {
			return time.Time{}, errors.WithStack(err)
		}
		return time.Unix(0, nanos), nil
	default:
		return time.Time{}, errors.Errorf("unexpected influx time value %v", raw)
	}
}

func rowFloat(r row, column string) float64 {
	raw, ok := r[column]
	if !ok || raw == nil {
		return 0
	}
	switch v := raw.(type) {
	case json.Number:
		value, err := v.Float64()
		if err != nil {
			return 0
		}
		return value
	case float64:
		return v
	default:
		return 0
	}
}

func escapeTag(value string) string {
	return strings.ReplaceAll(value, "'", `\'`)
}
