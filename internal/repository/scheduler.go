package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/domain"
)

type SQLSchedulerRepository struct {
	goquDb *goqu.Database
}

func NewSQLSchedulerRepository(goquDb *goqu.Database) *SQLSchedulerRepository {
	return &SQLSchedulerRepository{goquDb: goquDb}
}

type schedulerRow struct {
	Id             string         `db:"id"`
	ScenarioId     string         `db:"scenario_id"`
	TimeStart      sql.NullTime   `db:"time_start"`
	TimeEnd        sql.NullTime   `db:"time_end"`
	Timezone       string         `db:"timezone"`
	CronExpression string         `db:"cron_expression"`
	Config         string         `db:"config"`
	IsActive       bool           `db:"is_active"`
	UserId         sql.NullString `db:"user_id"`
}

func (r *SQLSchedulerRepository) Create(ctx context.Context, scheduler *domain.Scheduler) error {
	record, err := toSchedulerRecord(scheduler)
	if err != nil {
		return err
	}
	_, err = r.goquDb.
		Insert(schedulerTable).
		Rows(record).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SQLSchedulerRepository) Update(ctx context.Context, scheduler *domain.Scheduler) error {
	record, err := toSchedulerRecord(scheduler)
	if err != nil {
		return err
	}
	delete(record, "id")
	_, err = r.goquDb.
		Update(schedulerTable).
		Set(record).
		Where(scheduler_id.Eq(scheduler.Id)).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SQLSchedulerRepository) Delete(ctx context.Context, id string) error {
	_, err := r.goquDb.
		Delete(schedulerTable).
		Where(scheduler_id.Eq(id)).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SQLSchedulerRepository) FindOne(ctx context.Context, id, userId string) (*domain.Scheduler, error) {
	rows, err := r.querySchedulers(ctx, goqu.And(
		scheduler_id.Eq(id),
		scenario_userId.Eq(userId),
	))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &surgeerrors.ErrNotFound{Type: "scheduler", Value: id}
	}
	return rows[0].toScheduler()
}

func (r *SQLSchedulerRepository) FindForUser(ctx context.Context, userId string) ([]*domain.Scheduler, error) {
	rows, err := r.querySchedulers(ctx, scenario_userId.Eq(userId))
	if err != nil {
		return nil, err
	}
	schedulers := make([]*domain.Scheduler, 0, len(rows))
	for _, row := range rows {
		scheduler, err := row.toScheduler()
		if err != nil {
			return nil, err
		}
		schedulers = append(schedulers, scheduler)
	}
	return schedulers, nil
}

func (r *SQLSchedulerRepository) FindActive(ctx context.Context) ([]*ScheduledScenario, error) {
	rows, err := r.querySchedulers(ctx, goqu.And(
		scheduler_isActive.IsTrue(),
		goqu.Or(
			scheduler_timeEnd.IsNull(),
			scheduler_timeEnd.Gt(time.Now()),
		),
	))
	if err != nil {
		return nil, err
	}
	scheduled := make([]*ScheduledScenario, 0, len(rows))
	for _, row := range rows {
		scheduler, err := row.toScheduler()
		if err != nil {
			return nil, err
		}
		scheduled = append(scheduled, &ScheduledScenario{
			Scheduler: scheduler,
			UserId:    row.UserId.String,
		})
	}
	return scheduled, nil
}

func (r *SQLSchedulerRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.goquDb.
		Update(schedulerTable).
		Set(goqu.Record{"is_active": active}).
		Where(scheduler_id.Eq(id)).
		Executor().
		ExecContext(ctx)
	return errors.WithStack(err)
}

func (r *SQLSchedulerRepository) querySchedulers(ctx context.Context, where goqu.Expression) ([]*schedulerRow, error) {
	rows := make([]*schedulerRow, 0)
	err := r.goquDb.
		From(schedulerTable).
		LeftJoin(scenarioTable, goqu.On(scheduler_scenarioId.Eq(scenario_id))).
		Select(
			goqu.I("scheduler.id"),
			goqu.I("scheduler.scenario_id"),
			goqu.I("scheduler.time_start"),
			goqu.I("scheduler.time_end"),
			goqu.I("scheduler.timezone"),
			goqu.I("scheduler.cron_expression"),
			goqu.I("scheduler.config"),
			goqu.I("scheduler.is_active"),
			scenario_userId,
		).
		Where(where).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	return rows, errors.WithStack(err)
}

func toSchedulerRecord(scheduler *domain.Scheduler) (goqu.Record, error) {
	config, err := json.Marshal(scheduler.Config)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	record := goqu.Record{
		"id":              scheduler.Id,
		"scenario_id":     scheduler.ScenarioId,
		"timezone":        scheduler.Timezone,
		"cron_expression": scheduler.CronExpression,
		"config":          string(config),
		"is_active":       scheduler.IsActive,
	}
	if scheduler.TimeStart != nil {
		record["time_start"] = *scheduler.TimeStart
	}
	if scheduler.TimeEnd != nil {
		record["time_end"] = *scheduler.TimeEnd
	}
	return record, nil
}

func (row *schedulerRow) toScheduler() (*domain.Scheduler, error) {
	config := domain.RecurrenceConfig{}
	if row.Config != "" {
		if err := json.Unmarshal([]byte(row.Config), &config); err != nil {
			return nil, errors.Wrapf(err, "corrupt recurrence config for scheduler %s", row.Id)
		}
	}
	scheduler := &domain.Scheduler{
		Id:             row.Id,
		ScenarioId:     row.ScenarioId,
		Timezone:       row.Timezone,
		CronExpression: row.CronExpression,
		Config:         config,
		IsActive:       row.IsActive,
	}
	if row.TimeStart.Valid {
		timeStart := row.TimeStart.Time
		scheduler.TimeStart = &timeStart
	}
	if row.TimeEnd.Valid {
		timeEnd := row.TimeEnd.Time
		scheduler.TimeEnd = &timeEnd
	}
	return scheduler, nil
}
