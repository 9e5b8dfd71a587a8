// Package coordinator drives the lifecycle of a load-test run: script
// generation, job submission, completion supervision, metric persistence,
// and status publication. The persisted run row is authoritative; everything
// in memory can be rebuilt from it and the cluster after a restart.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/domain"
	"github.com/surgeproject/surge/internal/orchestrator"
	"github.com/surgeproject/surge/internal/repository"
	"github.com/surgeproject/surge/internal/scriptgen"
	"github.com/surgeproject/surge/internal/telemetry"
)

// StatusPublisher receives every lifecycle transition of a run.
type StatusPublisher interface {
	Publish(event domain.StatusEvent)
}

type Coordinator struct {
	scenarios    repository.ScenarioRepository
	runs         repository.RunHistoryRepository
	orchestrator orchestrator.JobOrchestrator
	telemetry    telemetry.Engine
	publisher    StatusPublisher

	// Cancel functions of the supervisors attached to in-flight runs, keyed
	// by run id. Entries are removed when a supervisor detaches.
	activeRuns *cache.Cache

	// Per-scenario locks serializing Start and Stop, so two concurrent
	// starts cannot both observe "nothing running" and submit two jobs.
	scenarioLocks   map[string]*sync.Mutex
	scenarioLocksMu sync.Mutex
}

func New(
	scenarios repository.ScenarioRepository,
	runs repository.RunHistoryRepository,
	jobOrchestrator orchestrator.JobOrchestrator,
	telemetryEngine telemetry.Engine,
	publisher StatusPublisher,
) *Coordinator {
	return &Coordinator{
		scenarios:     scenarios,
		runs:          runs,
		orchestrator:  jobOrchestrator,
		telemetry:     telemetryEngine,
		publisher:     publisher,
		activeRuns:    cache.New(cache.NoExpiration, 10*time.Minute),
		scenarioLocks: map[string]*sync.Mutex{},
	}
}

func (c *Coordinator) lockScenario(scenarioId string) func() {
	c.scenarioLocksMu.Lock()
	lock, ok := c.scenarioLocks[scenarioId]
	if !ok {
		lock = &sync.Mutex{}
		c.scenarioLocks[scenarioId] = lock
	}
	c.scenarioLocksMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Start launches a run for the scenario. Starting a scenario that is already
// running is not an error: the in-flight run is returned and no second job
// is submitted. A RUNNING row whose cluster job has vanished (a crash during
// a run) is resumed with a fresh job under the same run id.
func (c *Coordinator) Start(ctx context.Context, scenarioId, userId string) (*domain.RunHistory, error) {
	scenario, err := c.scenarios.FindOne(ctx, scenarioId, userId)
	if err != nil {
		return nil, err
	}

	unlock := c.lockScenario(scenarioId)
	defer unlock()

	running, err := c.runs.FindRunning(ctx, scenarioId)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		run := running[0]
		exists, err := c.orchestrator.JobExists(ctx, run.Id)
		if err != nil {
			return nil, err
		}
		if exists {
			log.Infof("scenario %s already has run %s in flight", scenarioId, run.Id)
			return run, nil
		}
		log.Warnf("run %s has no cluster job, resubmitting", run.Id)
		if err := c.launch(ctx, run, scenario, userId); err != nil {
			return nil, err
		}
		return run, nil
	}

	run := &domain.RunHistory{
		Id:              uuid.NewString(),
		ScenarioId:      scenarioId,
		Status:          domain.RunStatusRunning,
		VirtualUsers:    scenario.VirtualUsers,
		DurationSeconds: scenario.DurationSeconds,
	}
	if err := c.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	if err := c.launch(ctx, run, scenario, userId); err != nil {
		return nil, err
	}
	return run, nil
}

// launch generates the script, submits the job, and attaches supervision. A
// failure anywhere leaves the row FAILED with a terminal event, never stuck
// in RUNNING.
func (c *Coordinator) launch(ctx context.Context, run *domain.RunHistory, scenario *domain.Scenario, userId string) error {
	script, err := scriptgen.Generate(scenario, run.Id)
	if err != nil {
		return c.failLaunch(run, scenario, userId, err)
	}
	if err := c.orchestrator.Submit(ctx, run.Id, scenario.Id, userId, script); err != nil {
		return c.failLaunch(run, scenario, userId, err)
	}

	runsStarted.Inc()
	// The RUNNING event goes out before supervision attaches; a watcher that
	// fires immediately must never publish a terminal event first.
	c.publisher.Publish(domain.StatusEvent{
		RunHistoryId: run.Id,
		ScenarioId:   scenario.Id,
		UserId:       userId,
		Status:       domain.RunStatusRunning,
	})
	c.supervise(run.Id, scenario.Id, userId, scenario)
	return nil
}

func (c *Coordinator) failLaunch(run *domain.RunHistory, scenario *domain.Scenario, userId string, cause error) error {
	log.WithError(cause).Errorf("launch of run %s failed", run.Id)
	if err := c.orchestrator.Cleanup(context.Background(), run.Id); err != nil {
		log.WithError(err).Warnf("cleanup after failed launch of run %s incomplete", run.Id)
	}
	c.finalize(run.Id, scenario.Id, userId, scenario, domain.RunStatusFailed)
	return errors.Wrapf(cause, "failed to start run for scenario %s", scenario.Id)
}

// Stop aborts every in-flight run of the scenario. Returns ErrNotFound when
// nothing is running.
func (c *Coordinator) Stop(ctx context.Context, scenarioId, userId string) error {
	if _, err := c.scenarios.FindOne(ctx, scenarioId, userId); err != nil {
		return err
	}

	unlock := c.lockScenario(scenarioId)
	defer unlock()

	running, err := c.runs.FindRunning(ctx, scenarioId)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return &surgeerrors.ErrNotFound{Type: "running load test", Value: scenarioId}
	}

	var result *multierror.Error
	for _, run := range running {
		if err := c.abort(ctx, run, userId); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Reconcile resynchronizes supervision after a process restart: every run
// still RUNNING in the database gets its watcher re-attached, and runs whose
// job has vanished from the cluster are closed out as FAILED.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	running, err := c.runs.FindAllRunning(ctx)
	if err != nil {
		return err
	}
	for _, run := range running {
		scenario, err := c.scenarios.Get(ctx, run.ScenarioId)
		if err != nil {
			log.WithError(err).Errorf("cannot resolve scenario %s of orphaned run %s", run.ScenarioId, run.Id)
			continue
		}
		exists, err := c.orchestrator.JobExists(ctx, run.Id)
		if err != nil {
			log.WithError(err).Errorf("cannot check job of orphaned run %s", run.Id)
			continue
		}
		if !exists {
			log.Warnf("run %s has no job on the cluster, closing it out", run.Id)
			c.finalize(run.Id, run.ScenarioId, scenario.UserId, scenario, domain.RunStatusFailed)
			continue
		}
		log.Infof("re-attaching supervisor to run %s", run.Id)
		c.supervise(run.Id, run.ScenarioId, scenario.UserId, scenario)
	}
	return nil
}

// InFlight lists the user's currently running load tests as status events,
// answered from the cluster so it is correct on any server instance.
func (c *Coordinator) InFlight(ctx context.Context, userId string) ([]domain.StatusEvent, error) {
	jobs, err := c.orchestrator.ListRunningJobsForUser(ctx, userId)
	if err != nil {
		return nil, err
	}
	events := make([]domain.StatusEvent, 0, len(jobs))
	for _, job := range jobs {
		event := domain.StatusEvent{
			RunHistoryId: job.RunHistoryId,
			ScenarioId:   job.ScenarioId,
			UserId:       userId,
			Status:       domain.RunStatusRunning,
		}
		if run, err := c.runs.Get(ctx, job.RunHistoryId); err == nil {
			event.RunAt = run.RunAt
		}
		events = append(events, event)
	}
	return events, nil
}

// Metrics answers a time-series query for a run, after verifying the caller
// owns the run's scenario. Unknown runs and foreign runs both come back as
// ErrNotFound.
func (c *Coordinator) QueryMetrics(ctx context.Context, userId string, opts telemetry.QueryOptions) (*telemetry.Series, error) {
	run, err := c.runs.Get(ctx, opts.RunHistoryId)
	if err != nil {
		return nil, err
	}
	if _, err := c.scenarios.FindOne(ctx, run.ScenarioId, userId); err != nil {
		return nil, err
	}
	return c.telemetry.QueryMetrics(opts)
}

// Close cancels every attached supervisor without touching run state, used
// on shutdown. The runs stay RUNNING and are picked up by Reconcile on the
// next start.
func (c *Coordinator) Close() {
	for runId, item := range c.activeRuns.Items() {
		item.Object.(context.CancelFunc)()
		c.activeRuns.Delete(runId)
	}
}

// supervise attaches the watcher, telemetry start tracking, and progress
// streaming for one run. The stored cancel function detaches all three.
func (c *Coordinator) supervise(runId, scenarioId, userId string, scenario *domain.Scenario) {
	ctx, cancel := context.WithCancel(context.Background())
	c.activeRuns.Set(runId, context.CancelFunc(cancel), cache.NoExpiration)

	// fatal closes out a run whose job is alive but will never produce a
	// result, such as a pod that never becomes ready or a run that never
	// emits a single telemetry point.
	fatal := func() {
		c.detach(runId)
		if err := c.orchestrator.Cleanup(context.Background(), runId); err != nil {
			log.WithError(err).Warnf("cleanup of failed run %s incomplete", runId)
		}
		c.finalize(runId, scenarioId, userId, scenario, domain.RunStatusFailed)
	}

	go c.trackStart(ctx, runId, fatal)
	go c.trackProgress(ctx, runId, fatal)
	go func() {
		defer c.detach(runId)
		err := c.orchestrator.AwaitCompletion(ctx, runId, func(status domain.RunStatus) {
			c.finalize(runId, scenarioId, userId, scenario, status)
		})
		if err != nil {
			log.WithError(err).Errorf("cannot watch job of run %s", runId)
			c.finalize(runId, scenarioId, userId, scenario, domain.RunStatusFailed)
		}
	}()
}

func (c *Coordinator) detach(runId string) {
	if cancel, ok := c.activeRuns.Get(runId); ok {
		cancel.(context.CancelFunc)()
		c.activeRuns.Delete(runId)
	}
}

func (c *Coordinator) abort(ctx context.Context, run *domain.RunHistory, userId string) error {
	// Detach first so deleting the job is not observed by the watcher as a
	// successful completion.
	c.detach(run.Id)

	var endAt time.Time
	group := errgroup.Group{}
	group.Go(func() error {
		return c.orchestrator.Cleanup(ctx, run.Id)
	})
	group.Go(func() error {
		endAt = c.endTime(run.Id)
		return nil
	})
	if err := group.Wait(); err != nil {
		log.WithError(err).Warnf("cleanup of aborted run %s incomplete", run.Id)
	}
	if run.RunAt != nil && endAt.Before(*run.RunAt) {
		endAt = *run.RunAt
	}

	completed, err := c.runs.Complete(ctx, run.Id, domain.RunStatusAborted, endAt)
	if err != nil {
		return err
	}
	if completed {
		runsCompleted.WithLabelValues(string(domain.RunStatusAborted)).Inc()
		c.publisher.Publish(domain.StatusEvent{
			RunHistoryId: run.Id,
			ScenarioId:   run.ScenarioId,
			UserId:       userId,
			Status:       domain.RunStatusAborted,
			RunAt:        run.RunAt,
		})
	}
	return nil
}

// finalize closes out a run: end time, terminal status, per-step metrics,
// aggregates, and the terminal status event. The guarded Complete update
// makes this at-most-once even when a concurrent abort races the watcher.
func (c *Coordinator) finalize(runId, scenarioId, userId string, scenario *domain.Scenario, status domain.RunStatus) {
	ctx := context.Background()
	endAt := c.endTime(runId)

	completed, err := c.runs.Complete(ctx, runId, status, endAt)
	if err != nil {
		log.WithError(err).Errorf("cannot record completion of run %s", runId)
		return
	}
	if !completed {
		return
	}
	runsCompleted.WithLabelValues(string(status)).Inc()

	var runAt *time.Time
	if run, err := c.runs.Get(ctx, runId); err == nil {
		runAt = run.RunAt
	}
	if status == domain.RunStatusSuccess {
		c.persistMetrics(ctx, runId, scenario, runAt, endAt)
	}
	c.publisher.Publish(domain.StatusEvent{
		RunHistoryId: runId,
		ScenarioId:   scenarioId,
		UserId:       userId,
		Status:       status,
		RunAt:        runAt,
	})
}

// persistMetrics summarizes the closed run window per (flow, step) pair and
// for the run as a whole. Summary failures degrade the stored metrics but
// never the run status.
func (c *Coordinator) persistMetrics(ctx context.Context, runId string, scenario *domain.Scenario, runAt *time.Time, endAt time.Time) {
	from := endAt.Add(-time.Duration(scenario.DurationSeconds) * time.Second)
	if runAt != nil {
		from = *runAt
	}

	metrics := make([]*domain.RunMetric, 0)
	for _, flow := range scenario.Flows {
		for _, step := range flow.Steps {
			summary, err := c.telemetry.Summarize(runId, flow.Id, step.Id, from, endAt)
			if err != nil {
				log.WithError(err).Warnf("cannot summarize run %s flow %s step %s", runId, flow.Id, step.Id)
				continue
			}
			metrics = append(metrics, &domain.RunMetric{
				RunHistoryId: runId,
				FlowId:       flow.Id,
				StepId:       step.Id,
				AvgLatencyMs: summary.AvgLatencyMs,
				P95LatencyMs: summary.P95LatencyMs,
				Throughput:   summary.Throughput,
				ErrorRate:    summary.ErrorRate,
			})
		}
	}
	if len(metrics) > 0 {
		if err := c.runs.InsertMetrics(ctx, metrics); err != nil {
			log.WithError(err).Errorf("cannot persist step metrics of run %s", runId)
		}
	}

	aggregate, err := c.telemetry.Summarize(runId, "", "", from, endAt)
	if err != nil {
		log.WithError(err).Warnf("cannot summarize run %s", runId)
		return
	}
	if err := c.runs.UpdateAggregates(ctx, runId, *aggregate); err != nil {
		log.WithError(err).Errorf("cannot persist aggregates of run %s", runId)
	}
}

// endTime asks the telemetry store when traffic stopped, falling back to the
// wall clock when the store has nothing for the run.
func (c *Coordinator) endTime(runId string) time.Time {
	endAt, err := c.telemetry.GetEndAt(runId)
	if err != nil {
		log.WithError(err).Warnf("no telemetry end time for run %s, using wall clock", runId)
		return time.Now()
	}
	return endAt
}

// trackStart waits for the first telemetry point of the run and persists its
// timestamp as the actual start of traffic. A run that exhausts the telemetry
// retry budget without a single point never produced traffic and is failed.
func (c *Coordinator) trackStart(ctx context.Context, runId string, fatal func()) {
	runAt, err := c.telemetry.GetRunAt(ctx, runId)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		var timeout *surgeerrors.ErrTelemetryTimeout
		if errors.As(err, &timeout) {
			log.WithError(err).Errorf("run %s produced no telemetry, failing it", runId)
			fatal()
			return
		}
		log.WithError(err).Warnf("no telemetry start time for run %s", runId)
		return
	}
	if err := c.runs.SetRunAt(ctx, runId, runAt); err != nil {
		log.WithError(err).Errorf("cannot persist start time of run %s", runId)
	}
}

// trackProgress follows the runner's log stream and persists the progress
// markers found in it. The stream is released once progress reaches 100; the
// remaining teardown output carries no markers. A pod that never becomes
// ready fails the run; any later stream error is cosmetic.
func (c *Coordinator) trackProgress(ctx context.Context, runId string, fatal func()) {
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	tracker := &progressTracker{}
	err := c.orchestrator.StreamLogs(streamCtx, runId, func(line string) {
		progress, ok := tracker.Observe(line)
		if !ok {
			return
		}
		if err := c.runs.SetProgress(ctx, runId, progress); err != nil && ctx.Err() == nil {
			log.WithError(err).Warnf("cannot persist progress of run %s", runId)
		}
		if progress == 100 {
			stopStream()
		}
	})
	if err != nil && ctx.Err() == nil {
		var notReady *surgeerrors.ErrJobNotReady
		if errors.As(err, &notReady) {
			log.WithError(err).Errorf("pod of run %s never became ready, failing it", runId)
			fatal()
			return
		}
		log.WithError(err).Warnf("cannot follow logs of run %s", runId)
	}
}
