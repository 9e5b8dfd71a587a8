// Package surge assembles the application: persistence, telemetry, the
// cluster orchestrator, the run coordinator, status fan-out, cron scheduling,
// and the HTTP surface.
package surge

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/surgeproject/surge/internal/common"
	"github.com/surgeproject/surge/internal/coordinator"
	"github.com/surgeproject/surge/internal/cronschedule"
	"github.com/surgeproject/surge/internal/fanout"
	"github.com/surgeproject/surge/internal/orchestrator"
	"github.com/surgeproject/surge/internal/repository"
	"github.com/surgeproject/surge/internal/server"
	"github.com/surgeproject/surge/internal/surge/configuration"
	"github.com/surgeproject/surge/internal/telemetry"
)

// Serve wires and starts every component. The returned function performs an
// orderly shutdown: HTTP first so no new runs arrive, then supervision and
// the external connections. In-flight runs are left RUNNING and re-attached
// by reconciliation on the next start.
func Serve(config *configuration.SurgeConfig) (func(), error) {
	db, err := repository.Open(config.Postgres.Connection)
	if err != nil {
		return nil, err
	}
	scenarios := repository.NewSQLScenarioRepository(db)
	runs := repository.NewSQLRunHistoryRepository(db)
	schedulers := repository.NewSQLSchedulerRepository(db)

	telemetryEngine, err := telemetry.New(config.Influx)
	if err != nil {
		return nil, err
	}

	kubernetesClient, err := createKubernetesClient(config.Kubernetes)
	if err != nil {
		return nil, err
	}
	jobOrchestrator := orchestrator.NewKubernetesOrchestrator(kubernetesClient, orchestrator.Config{
		Namespace: config.Kubernetes.Namespace,
		Image:     config.Kubernetes.Image,
		InfluxURL: config.Influx.Addr,
	})

	redisClient := redis.NewUniversalClient(&config.Redis)
	statusFanout := fanout.New(fanout.NewRedisBus(redisClient, fanout.DefaultTopic))

	runCoordinator := coordinator.New(scenarios, runs, jobOrchestrator, telemetryEngine, statusFanout)
	// The coordinator publishes into the fanout and also answers its
	// replay-on-subscribe queries.
	statusFanout.SetInFlightLister(runCoordinator)
	if err := statusFanout.Start(); err != nil {
		return nil, err
	}
	if err := runCoordinator.Reconcile(context.Background()); err != nil {
		log.WithError(err).Error("run reconciliation failed, unfinished runs may stay RUNNING")
	}

	cronService := cronschedule.NewService(schedulers, scenarios, runCoordinator)
	if err := cronService.Start(context.Background()); err != nil {
		return nil, err
	}

	// The coordinator fronts metric queries so ownership of the run's
	// scenario is checked before the telemetry store is consulted.
	httpServer := server.New(runCoordinator, cronService, statusFanout, runCoordinator)
	shutdownHttp := common.ServeHttp(config.HttpPort, httpServer.Router())

	return func() {
		shutdownHttp()
		cronService.Close()
		runCoordinator.Close()
		if err := statusFanout.Close(); err != nil {
			log.WithError(err).Warn("status fanout did not close cleanly")
		}
		if err := telemetryEngine.Close(); err != nil {
			log.WithError(err).Warn("telemetry session did not close cleanly")
		}
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("redis client did not close cleanly")
		}
	}, nil
}

func createKubernetesClient(config configuration.KubernetesConfig) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error
	if config.KubeConfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", config.KubeConfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot configure kubernetes client")
	}
	return kubernetes.NewForConfig(restConfig)
}
