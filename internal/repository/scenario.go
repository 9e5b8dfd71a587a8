package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/domain"
)

type SQLScenarioRepository struct {
	goquDb *goqu.Database
}

func NewSQLScenarioRepository(goquDb *goqu.Database) *SQLScenarioRepository {
	return &SQLScenarioRepository{goquDb: goquDb}
}

type scenarioRow struct {
	Id       string         `db:"id"`
	UserId   string         `db:"user_id"`
	Name     sql.NullString `db:"name"`
	Vus      int            `db:"vus"`
	Duration int            `db:"duration"`
	Flows    string         `db:"flows"`
}

func (r *SQLScenarioRepository) FindOne(ctx context.Context, id, userId string) (*domain.Scenario, error) {
	rows := make([]*scenarioRow, 0)
	err := r.goquDb.
		From(scenarioTable).
		Select(scenario_id, scenario_userId, scenario_name, scenario_vus, scenario_duration, scenario_flows).
		Where(goqu.And(scenario_id.Eq(id), scenario_userId.Eq(userId))).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(rows) == 0 {
		return nil, &surgeerrors.ErrNotFound{Type: "scenario", Value: id}
	}
	return rows[0].toScenario()
}

func (r *SQLScenarioRepository) Get(ctx context.Context, id string) (*domain.Scenario, error) {
	rows := make([]*scenarioRow, 0)
	err := r.goquDb.
		From(scenarioTable).
		Select(scenario_id, scenario_userId, scenario_name, scenario_vus, scenario_duration, scenario_flows).
		Where(scenario_id.Eq(id)).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(rows) == 0 {
		return nil, &surgeerrors.ErrNotFound{Type: "scenario", Value: id}
	}
	return rows[0].toScenario()
}

func (row *scenarioRow) toScenario() (*domain.Scenario, error) {
	flows := []domain.Flow{}
	if row.Flows != "" {
		if err := json.Unmarshal([]byte(row.Flows), &flows); err != nil {
			return nil, errors.Wrapf(err, "corrupt flow definition for scenario %s", row.Id)
		}
	}
	return &domain.Scenario{
		Id:              row.Id,
		UserId:          row.UserId,
		Name:            row.Name.String,
		VirtualUsers:    row.Vus,
		DurationSeconds: row.Duration,
		Flows:           flows,
	}, nil
}
