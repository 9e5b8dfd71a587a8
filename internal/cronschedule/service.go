// Package cronschedule turns persisted schedulers into cron registrations
// that fire scenario runs. Registrations are in-memory only and rebuilt at
// startup from the active rows, so a restart never loses a schedule.
package cronschedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/domain"
	"github.com/surgeproject/surge/internal/repository"
)

// Runner launches a run for a scenario. Satisfied by the run coordinator;
// schedule-triggered runs go through the same idempotent start path as
// manual ones.
type Runner interface {
	Start(ctx context.Context, scenarioId, userId string) (*domain.RunHistory, error)
}

type Service struct {
	schedulers repository.SchedulerRepository
	scenarios  repository.ScenarioRepository
	runner     Runner
	cron       *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewService(
	schedulers repository.SchedulerRepository,
	scenarios repository.ScenarioRepository,
	runner Runner,
) *Service {
	return &Service{
		schedulers: schedulers,
		scenarios:  scenarios,
		runner:     runner,
		cron:       cron.New(),
		entries:    map[string]cron.EntryID{},
	}
}

// Start registers every active scheduler whose window has not elapsed and
// starts the cron loop.
func (s *Service) Start(ctx context.Context) error {
	active, err := s.schedulers.FindActive(ctx)
	if err != nil {
		return err
	}
	for _, scheduled := range active {
		if err := s.register(scheduled.Scheduler, scheduled.UserId); err != nil {
			log.WithError(err).Errorf("cannot register scheduler %s", scheduled.Scheduler.Id)
		}
	}
	s.cron.Start()
	log.Infof("cron scheduler started with %d registrations", len(active))
	return nil
}

// Close stops the cron loop and waits for in-flight firings to return.
func (s *Service) Close() {
	<-s.cron.Stop().Done()
}

// Create validates, persists, and registers a new scheduler. The caller must
// own the target scenario.
func (s *Service) Create(ctx context.Context, scheduler *domain.Scheduler, userId string) (*domain.Scheduler, error) {
	if _, err := s.scenarios.FindOne(ctx, scheduler.ScenarioId, userId); err != nil {
		return nil, err
	}
	if err := validateWindow(scheduler); err != nil {
		return nil, err
	}

	expression, err := ExpressionFromConfig(scheduler.Config, scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	if scheduler.Id == "" {
		scheduler.Id = uuid.NewString()
	}
	scheduler.CronExpression = expression
	scheduler.IsActive = true

	if err := s.schedulers.Create(ctx, scheduler); err != nil {
		return nil, err
	}
	if err := s.register(scheduler, userId); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// Update re-derives the cron expression and swaps the live registration.
func (s *Service) Update(ctx context.Context, scheduler *domain.Scheduler, userId string) (*domain.Scheduler, error) {
	if _, err := s.schedulers.FindOne(ctx, scheduler.Id, userId); err != nil {
		return nil, err
	}
	if err := validateWindow(scheduler); err != nil {
		return nil, err
	}

	expression, err := ExpressionFromConfig(scheduler.Config, scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	scheduler.CronExpression = expression

	if err := s.schedulers.Update(ctx, scheduler); err != nil {
		return nil, err
	}
	s.deregister(scheduler.Id)
	if scheduler.IsActive && !scheduler.WindowElapsed(time.Now()) {
		if err := s.register(scheduler, userId); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

// Delete removes the scheduler row and its live registration. Deleting a
// scheduler that was never registered is fine.
func (s *Service) Delete(ctx context.Context, id, userId string) error {
	if _, err := s.schedulers.FindOne(ctx, id, userId); err != nil {
		return err
	}
	s.deregister(id)
	return s.schedulers.Delete(ctx, id)
}

func (s *Service) FindForUser(ctx context.Context, userId string) ([]*domain.Scheduler, error) {
	return s.schedulers.FindForUser(ctx, userId)
}

func (s *Service) register(scheduler *domain.Scheduler, userId string) error {
	spec := scheduler.CronExpression
	if scheduler.Timezone != "" {
		spec = "CRON_TZ=" + scheduler.Timezone + " " + spec
	}
	// Copy what the closure needs; the caller may keep mutating scheduler.
	captured := *scheduler
	entryId, err := s.cron.AddFunc(spec, func() {
		s.fire(&captured, userId)
	})
	if err != nil {
		return errors.Wrapf(err, "cannot register cron spec %q for scheduler %s", spec, scheduler.Id)
	}
	s.mu.Lock()
	s.entries[scheduler.Id] = entryId
	s.mu.Unlock()
	return nil
}

func (s *Service) deregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryId, ok := s.entries[id]; ok {
		s.cron.Remove(entryId)
		delete(s.entries, id)
	}
}

// fire runs on the cron goroutine. A firing outside the scheduler's window
// deactivates it instead of starting a run; a firing before the window opens
// is skipped.
func (s *Service) fire(scheduler *domain.Scheduler, userId string) {
	now := time.Now()
	ctx := context.Background()

	if scheduler.WindowElapsed(now) {
		log.Infof("scheduler %s window elapsed, deactivating", scheduler.Id)
		if err := s.schedulers.SetActive(ctx, scheduler.Id, false); err != nil {
			log.WithError(err).Errorf("cannot deactivate scheduler %s", scheduler.Id)
		}
		s.deregister(scheduler.Id)
		return
	}
	if scheduler.TimeStart != nil && now.Before(*scheduler.TimeStart) {
		return
	}

	run, err := s.runner.Start(ctx, scheduler.ScenarioId, userId)
	if err != nil {
		log.WithError(err).Errorf("scheduled start of scenario %s failed", scheduler.ScenarioId)
		return
	}
	log.Infof("scheduler %s started run %s for scenario %s", scheduler.Id, run.Id, scheduler.ScenarioId)
}

func validateWindow(scheduler *domain.Scheduler) error {
	if scheduler.TimeStart != nil && scheduler.TimeEnd != nil && !scheduler.TimeStart.Before(*scheduler.TimeEnd) {
		return errors.New("schedule start time must precede its end time")
	}
	return nil
}
