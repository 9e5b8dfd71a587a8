package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/domain"
)

type SQLRunHistoryRepository struct {
	goquDb *goqu.Database
}

func NewSQLRunHistoryRepository(goquDb *goqu.Database) *SQLRunHistoryRepository {
	return &SQLRunHistoryRepository{goquDb: goquDb}
}

type runHistoryRow struct {
	Id         string       `db:"id"`
	ScenarioId string       `db:"scenario_id"`
	Status     string       `db:"status"`
	RunAt      sql.NullTime `db:"run_at"`
	EndAt      sql.NullTime `db:"end_at"`
	Progress   int          `db:"progress"`
	Vus        int          `db:"vus"`
	Duration   int          `db:"duration"`
	AvgLatency float64      `db:"avg_latency_ms"`
	P95Latency float64      `db:"p95_latency_ms"`
	Throughput float64      `db:"throughput"`
	ErrorRate  float64      `db:"error_rate"`
}

func (r *SQLRunHistoryRepository) Create(ctx context.Context, run *domain.RunHistory) error {
	_, err := r.goquDb.
		Insert(runHistoryTable).
		Rows(toRunHistoryRow(run)).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SQLRunHistoryRepository) Get(ctx context.Context, id string) (*domain.RunHistory, error) {
	rows, err := r.queryRuns(ctx, runHistory_id.Eq(id))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &surgeerrors.ErrNotFound{Type: "run history", Value: id}
	}
	return rows[0], nil
}

func (r *SQLRunHistoryRepository) FindRunning(ctx context.Context, scenarioId string) ([]*domain.RunHistory, error) {
	return r.queryRuns(ctx, goqu.And(
		runHistory_scenarioId.Eq(scenarioId),
		runHistory_status.Eq(string(domain.RunStatusRunning)),
	))
}

func (r *SQLRunHistoryRepository) FindAllRunning(ctx context.Context) ([]*domain.RunHistory, error) {
	return r.queryRuns(ctx, runHistory_status.Eq(string(domain.RunStatusRunning)))
}

func (r *SQLRunHistoryRepository) SetRunAt(ctx context.Context, id string, runAt time.Time) error {
	return r.update(ctx, id, goqu.Record{"run_at": runAt})
}

func (r *SQLRunHistoryRepository) SetProgress(ctx context.Context, id string, progress int) error {
	return r.update(ctx, id, goqu.Record{"progress": progress})
}

func (r *SQLRunHistoryRepository) Complete(ctx context.Context, id string, status domain.RunStatus, endAt time.Time) (bool, error) {
	// Guarded on status so a terminal row can never flip again.
	result, err := r.goquDb.
		Update(runHistoryTable).
		Set(goqu.Record{"status": string(status), "end_at": endAt}).
		Where(goqu.And(
			runHistory_id.Eq(id),
			runHistory_status.Eq(string(domain.RunStatusRunning)),
		)).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return updated > 0, nil
}

func (r *SQLRunHistoryRepository) UpdateAggregates(ctx context.Context, id string, summary domain.MetricSummary) error {
	return r.update(ctx, id, goqu.Record{
		"avg_latency_ms": summary.AvgLatencyMs,
		"p95_latency_ms": summary.P95LatencyMs,
		"throughput":     summary.Throughput,
		"error_rate":     summary.ErrorRate,
	})
}

func (r *SQLRunHistoryRepository) InsertMetrics(ctx context.Context, metrics []*domain.RunMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(metrics))
	for _, metric := range metrics {
		rows = append(rows, goqu.Record{
			"run_history_id": metric.RunHistoryId,
			"flow_id":        metric.FlowId,
			"step_id":        metric.StepId,
			"avg_latency_ms": metric.AvgLatencyMs,
			"p95_latency_ms": metric.P95LatencyMs,
			"throughput":     metric.Throughput,
			"error_rate":     metric.ErrorRate,
		})
	}
	_, err := r.goquDb.
		Insert(runMetricTable).
		Rows(rows...).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SQLRunHistoryRepository) update(ctx context.Context, id string, record goqu.Record) error {
	_, err := r.goquDb.
		Update(runHistoryTable).
		Set(record).
		Where(runHistory_id.Eq(id)).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SQLRunHistoryRepository) queryRuns(ctx context.Context, where goqu.Expression) ([]*domain.RunHistory, error) {
	rows := make([]*runHistoryRow, 0)
	err := r.goquDb.
		From(runHistoryTable).
		Where(where).
		Order(runHistory_runAt.Desc().NullsLast()).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	runs := make([]*domain.RunHistory, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toRunHistory())
	}
	return runs, nil
}

func toRunHistoryRow(run *domain.RunHistory) goqu.Record {
	record := goqu.Record{
		"id":             run.Id,
		"scenario_id":    run.ScenarioId,
		"status":         string(run.Status),
		"progress":       run.Progress,
		"vus":            run.VirtualUsers,
		"duration":       run.DurationSeconds,
		"avg_latency_ms": run.AvgLatencyMs,
		"p95_latency_ms": run.P95LatencyMs,
		"throughput":     run.Throughput,
		"error_rate":     run.ErrorRate,
	}
	if run.RunAt != nil {
		record["run_at"] = *run.RunAt
	}
	if run.EndAt != nil {
		record["end_at"] = *run.EndAt
	}
	return record
}

func (row *runHistoryRow) toRunHistory() *domain.RunHistory {
	run := &domain.RunHistory{
		Id:              row.Id,
		ScenarioId:      row.ScenarioId,
		Status:          domain.RunStatus(row.Status),
		Progress:        row.Progress,
		VirtualUsers:    row.Vus,
		DurationSeconds: row.Duration,
		AvgLatencyMs:    row.AvgLatency,
		P95LatencyMs:    row.P95Latency,
		Throughput:      row.Throughput,
		ErrorRate:       row.ErrorRate,
	}
	if row.RunAt.Valid {
		runAt := row.RunAt.Time
		run.RunAt = &runAt
	}
	if row.EndAt.Valid {
		endAt := row.EndAt.Time
		run.EndAt = &endAt
	}
	return run
}
