package cronschedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/domain"
	"github.com/surgeproject/surge/internal/repository"
)

const (
	testUserId     = "user-1"
	testScenarioId = "scenario-1"
)

func TestCreate_PersistsAndRegisters(t *testing.T) {
	service, repo, _ := newTestService(t)

	created, err := service.Create(context.Background(), &domain.Scheduler{
		ScenarioId: testScenarioId,
		Config:     domain.RecurrenceConfig{Type: domain.RecurrenceEveryXHours, Hours: 3},
	}, testUserId)
	require.NoError(t, err)

	assert.NotEmpty(t, created.Id)
	assert.Equal(t, "0 */3 * * *", created.CronExpression)
	assert.True(t, created.IsActive)
	assert.NotNil(t, repo.get(created.Id))
	assert.True(t, service.isRegistered(created.Id))
}

func TestCreate_RejectsInvertedWindow(t *testing.T) {
	service, _, _ := newTestService(t)
	start := time.Now().Add(time.Hour)
	end := time.Now()

	_, err := service.Create(context.Background(), &domain.Scheduler{
		ScenarioId: testScenarioId,
		TimeStart:  &start,
		TimeEnd:    &end,
		Config:     domain.RecurrenceConfig{Type: domain.RecurrenceEveryDay},
	}, testUserId)

	assert.Error(t, err)
}

func TestCreate_RejectsForeignScenario(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.Create(context.Background(), &domain.Scheduler{
		ScenarioId: testScenarioId,
		Config:     domain.RecurrenceConfig{Type: domain.RecurrenceEveryDay},
	}, "someone-else")

	assert.True(t, surgeerrors.IsNotFound(err))
}

func TestUpdate_SwapsRegistration(t *testing.T) {
	service, repo, _ := newTestService(t)
	created, err := service.Create(context.Background(), &domain.Scheduler{
		ScenarioId: testScenarioId,
		Config:     domain.RecurrenceConfig{Type: domain.RecurrenceEveryXHours, Hours: 3},
	}, testUserId)
	require.NoError(t, err)

	created.Config = domain.RecurrenceConfig{Type: domain.RecurrenceEveryXHours, Hours: 6}
	updated, err := service.Update(context.Background(), created, testUserId)
	require.NoError(t, err)

	assert.Equal(t, "0 */6 * * *", updated.CronExpression)
	assert.Equal(t, "0 */6 * * *", repo.get(created.Id).CronExpression)
	assert.True(t, service.isRegistered(created.Id))
}

func TestUpdate_DeactivationRemovesRegistration(t *testing.T) {
	service, _, _ := newTestService(t)
	created, err := service.Create(context.Background(), &domain.Scheduler{
		ScenarioId: testScenarioId,
		Config:     domain.RecurrenceConfig{Type: domain.RecurrenceEveryXHours, Hours: 3},
	}, testUserId)
	require.NoError(t, err)

	created.IsActive = false
	_, err = service.Update(context.Background(), created, testUserId)
	require.NoError(t, err)

	assert.False(t, service.isRegistered(created.Id))
}

func TestDelete_RemovesRowAndRegistration(t *testing.T) {
	service, repo, _ := newTestService(t)
	created, err := service.Create(context.Background(), &domain.Scheduler{
		ScenarioId: testScenarioId,
		Config:     domain.RecurrenceConfig{Type: domain.RecurrenceEveryDay},
	}, testUserId)
	require.NoError(t, err)

	require.NoError(t, service.Delete(context.Background(), created.Id, testUserId))

	assert.Nil(t, repo.get(created.Id))
	assert.False(t, service.isRegistered(created.Id))
}

func TestStart_RegistersActiveSchedulers(t *testing.T) {
	service, repo, _ := newTestService(t)
	repo.put(&domain.Scheduler{
		Id:             "sched-1",
		ScenarioId:     testScenarioId,
		CronExpression: "0 9 * * *",
		IsActive:       true,
	})

	require.NoError(t, service.Start(context.Background()))

	assert.True(t, service.isRegistered("sched-1"))
}

func TestFire_StartsRun(t *testing.T) {
	service, _, runner := newTestService(t)

	service.fire(&domain.Scheduler{Id: "sched-1", ScenarioId: testScenarioId}, testUserId)

	assert.Equal(t, []string{testScenarioId}, runner.startedScenarios())
}

func TestFire_ElapsedWindowDeactivates(t *testing.T) {
	service, repo, runner := newTestService(t)
	timeEnd := time.Now().Add(-time.Hour)
	scheduler := &domain.Scheduler{
		Id:         "sched-1",
		ScenarioId: testScenarioId,
		TimeEnd:    &timeEnd,
		IsActive:   true,
	}
	repo.put(scheduler)

	service.fire(scheduler, testUserId)

	assert.Empty(t, runner.startedScenarios())
	assert.False(t, repo.get("sched-1").IsActive)
	assert.False(t, service.isRegistered("sched-1"))
}

func TestFire_BeforeWindowOpensSkips(t *testing.T) {
	service, _, runner := newTestService(t)
	timeStart := time.Now().Add(time.Hour)

	service.fire(&domain.Scheduler{
		Id:         "sched-1",
		ScenarioId: testScenarioId,
		TimeStart:  &timeStart,
	}, testUserId)

	assert.Empty(t, runner.startedScenarios())
}

func (s *Service) isRegistered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func newTestService(t *testing.T) (*Service, *fakeSchedulerRepository, *fakeRunner) {
	t.Helper()
	repo := &fakeSchedulerRepository{rows: map[string]*domain.Scheduler{}}
	runner := &fakeRunner{}
	scenarios := &fakeScenarioRepository{scenario: &domain.Scenario{Id: testScenarioId, UserId: testUserId}}
	service := NewService(repo, scenarios, runner)
	t.Cleanup(service.Close)
	return service, repo, runner
}

type fakeScenarioRepository struct {
	scenario *domain.Scenario
}

func (r *fakeScenarioRepository) FindOne(ctx context.Context, id, userId string) (*domain.Scenario, error) {
	if r.scenario == nil || r.scenario.Id != id || r.scenario.UserId != userId {
		return nil, &surgeerrors.ErrNotFound{Type: "scenario", Value: id}
	}
	return r.scenario, nil
}

func (r *fakeScenarioRepository) Get(ctx context.Context, id string) (*domain.Scenario, error) {
	if r.scenario == nil || r.scenario.Id != id {
		return nil, &surgeerrors.ErrNotFound{Type: "scenario", Value: id}
	}
	return r.scenario, nil
}

type fakeSchedulerRepository struct {
	mu   sync.Mutex
	rows map[string]*domain.Scheduler
}

func (r *fakeSchedulerRepository) Create(ctx context.Context, scheduler *domain.Scheduler) error {
	r.put(scheduler)
	return nil
}

func (r *fakeSchedulerRepository) Update(ctx context.Context, scheduler *domain.Scheduler) error {
	r.put(scheduler)
	return nil
}

func (r *fakeSchedulerRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *fakeSchedulerRepository) FindOne(ctx context.Context, id, userId string) (*domain.Scheduler, error) {
	scheduler := r.get(id)
	if scheduler == nil {
		return nil, &surgeerrors.ErrNotFound{Type: "scheduler", Value: id}
	}
	return scheduler, nil
}

func (r *fakeSchedulerRepository) FindForUser(ctx context.Context, userId string) ([]*domain.Scheduler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	schedulers := []*domain.Scheduler{}
	for _, scheduler := range r.rows {
		copied := *scheduler
		schedulers = append(schedulers, &copied)
	}
	return schedulers, nil
}

func (r *fakeSchedulerRepository) FindActive(ctx context.Context) ([]*repository.ScheduledScenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := []*repository.ScheduledScenario{}
	for _, scheduler := range r.rows {
		if !scheduler.IsActive || scheduler.WindowElapsed(time.Now()) {
			continue
		}
		copied := *scheduler
		active = append(active, &repository.ScheduledScenario{Scheduler: &copied, UserId: testUserId})
	}
	return active, nil
}

func (r *fakeSchedulerRepository) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if scheduler, ok := r.rows[id]; ok {
		scheduler.IsActive = active
	}
	return nil
}

func (r *fakeSchedulerRepository) put(scheduler *domain.Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *scheduler
	r.rows[scheduler.Id] = &copied
}

func (r *fakeSchedulerRepository) get(id string) *domain.Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	scheduler, ok := r.rows[id]
	if !ok {
		return nil
	}
	copied := *scheduler
	return &copied
}

type fakeRunner struct {
	mu      sync.Mutex
	started []string
}

func (r *fakeRunner) Start(ctx context.Context, scenarioId, userId string) (*domain.RunHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, scenarioId)
	return &domain.RunHistory{Id: "run-1", ScenarioId: scenarioId, Status: domain.RunStatusRunning}, nil
}

func (r *fakeRunner) startedScenarios() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	started := make([]string, len(r.started))
	copy(started, r.started)
	return started
}
