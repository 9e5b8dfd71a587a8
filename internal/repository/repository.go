// Package repository holds the Postgres-backed persistence for scenarios,
// run histories, run metrics, and schedulers. The persisted RunHistory row is
// the single source of truth for run state across process restarts.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"

	"github.com/surgeproject/surge/internal/domain"
)

type ScenarioRepository interface {
	// FindOne loads a scenario with resolved flows and steps. Returns
	// surgeerrors.ErrNotFound when the scenario is absent or not owned by the
	// caller.
	FindOne(ctx context.Context, id, userId string) (*domain.Scenario, error)
	// Get loads a scenario regardless of owner, used when resynchronizing
	// runs after a restart.
	Get(ctx context.Context, id string) (*domain.Scenario, error)
}

type RunHistoryRepository interface {
	Create(ctx context.Context, run *domain.RunHistory) error
	Get(ctx context.Context, id string) (*domain.RunHistory, error)
	FindRunning(ctx context.Context, scenarioId string) ([]*domain.RunHistory, error)
	FindAllRunning(ctx context.Context) ([]*domain.RunHistory, error)
	SetRunAt(ctx context.Context, id string, runAt time.Time) error
	SetProgress(ctx context.Context, id string, progress int) error
	// Complete flips the row to a terminal status, recording endAt in the
	// same statement. Rows already terminal are left untouched; the boolean
	// reports whether this call performed the flip.
	Complete(ctx context.Context, id string, status domain.RunStatus, endAt time.Time) (bool, error)
	UpdateAggregates(ctx context.Context, id string, summary domain.MetricSummary) error
	InsertMetrics(ctx context.Context, metrics []*domain.RunMetric) error
}

// ScheduledScenario pairs a scheduler row with the owning user of its
// scenario, resolved by join.
type ScheduledScenario struct {
	Scheduler *domain.Scheduler
	UserId    string
}

type SchedulerRepository interface {
	Create(ctx context.Context, scheduler *domain.Scheduler) error
	Update(ctx context.Context, scheduler *domain.Scheduler) error
	Delete(ctx context.Context, id string) error
	FindOne(ctx context.Context, id, userId string) (*domain.Scheduler, error)
	FindForUser(ctx context.Context, userId string) ([]*domain.Scheduler, error)
	// FindActive returns every active scheduler whose window has not elapsed,
	// with the owning user resolved.
	FindActive(ctx context.Context) ([]*ScheduledScenario, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// Open connects to Postgres through the pgx stdlib driver and wraps the
// connection for goqu.
func Open(connectionString string) (*goqu.Database, error) {
	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "cannot reach postgres")
	}
	return goqu.New("postgres", db), nil
}
