// Package orchestrator creates, watches, and cleans up the containerized k6
// job backing one load-test run on a Kubernetes cluster.
package orchestrator

import (
	"bufio"
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8s_errors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/domain"
)

const (
	podReadyAttempts = 30
	podReadyDelay    = 2 * time.Second
	logTailLines     = int64(10)
)

// JobInfo is the cluster-side bookkeeping for one in-flight run.
type JobInfo struct {
	RunHistoryId string
	ScenarioId   string
}

// JobOrchestrator manages the lifecycle of run jobs on the cluster. All
// operations are keyed by run id.
type JobOrchestrator interface {
	// Submit creates the script config map and the labeled job for a run.
	Submit(ctx context.Context, runHistoryId, scenarioId, userId, script string) error
	// AwaitCompletion blocks watching the run's job and invokes onComplete at
	// most once: with SUCCESS on the first observation where the active pod
	// count drops to zero, or with FAILED if the watch stream breaks. Cleanup
	// is triggered in both cases. Cancelling ctx stops the watch without
	// invoking the callback.
	AwaitCompletion(ctx context.Context, runHistoryId string, onComplete func(domain.RunStatus)) error
	// StreamLogs waits for the run's pod to become ready, then follows its
	// log stream, invoking onLine per line. Log streaming is best-effort: a
	// broken stream is logged, never fatal to the run.
	StreamLogs(ctx context.Context, runHistoryId string, onLine func(string)) error
	// Cleanup deletes the job, its pods, and the script config map.
	// Best-effort and order-independent: already-deleted resources are not
	// errors, and every deletion is attempted even if one fails.
	Cleanup(ctx context.Context, runHistoryId string) error
	// JobExists reports whether the run's job is still present on the
	// cluster.
	JobExists(ctx context.Context, runHistoryId string) (bool, error)
	// ListRunningJobsForUser lists the user's jobs that have neither
	// succeeded nor failed, used to resynchronize in-memory state after a
	// process restart.
	ListRunningJobsForUser(ctx context.Context, userId string) ([]JobInfo, error)
}

type Config struct {
	Namespace string
	Image     string
	InfluxURL string
}

type kubernetesOrchestrator struct {
	client        kubernetes.Interface
	namespace     string
	image         string
	influxURL     string
	readyAttempts int
	readyDelay    time.Duration
}

func NewKubernetesOrchestrator(client kubernetes.Interface, config Config) JobOrchestrator {
	image := config.Image
	if image == "" {
		image = "grafana/k6"
	}
	return &kubernetesOrchestrator{
		client:        client,
		namespace:     config.Namespace,
		image:         image,
		influxURL:     config.InfluxURL,
		readyAttempts: podReadyAttempts,
		readyDelay:    podReadyDelay,
	}
}

func (o *kubernetesOrchestrator) Submit(ctx context.Context, runHistoryId, scenarioId, userId, script string) error {
	configMap := createScriptConfigMap(runHistoryId, script)
	if _, err := o.client.CoreV1().ConfigMaps(o.namespace).Create(ctx, configMap, metav1.CreateOptions{}); err != nil {
		return &surgeerrors.ErrClusterOperationFailed{Operation: "create configmap", Resource: configMap.Name, Err: err}
	}

	job := createRunnerJob(runHistoryId, scenarioId, userId, o.image, o.influxURL)
	if _, err := o.client.BatchV1().Jobs(o.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return &surgeerrors.ErrClusterOperationFailed{Operation: "create job", Resource: job.Name, Err: err}
	}
	return nil
}

func (o *kubernetesOrchestrator) AwaitCompletion(ctx context.Context, runHistoryId string, onComplete func(domain.RunStatus)) error {
	jobName := jobNameForRun(runHistoryId)
	watcher, err := o.client.BatchV1().Jobs(o.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + jobName,
	})
	if err != nil {
		return &surgeerrors.ErrClusterOperationFailed{Operation: "watch job", Resource: jobName, Err: err}
	}
	defer watcher.Stop()

	fired := false
	fire := func(status domain.RunStatus) {
		if fired {
			return
		}
		fired = true
		onComplete(status)
		if err := o.Cleanup(context.Background(), runHistoryId); err != nil {
			log.WithError(err).Warnf("cleanup after completion of run %s failed", runHistoryId)
		}
	}

	sawActive := false
	for {
		select {
		case <-ctx.Done():
			// Caller-requested cancellation: stop silently.
			return nil
		case event, ok := <-watcher.ResultChan():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				log.Errorf("watch stream for job %s closed unexpectedly", jobName)
				fire(domain.RunStatusFailed)
				return nil
			}
			job, isJob := event.Object.(*batchv1.Job)
			if !isJob {
				log.Errorf("watch error for job %s: %v", jobName, event.Object)
				fire(domain.RunStatusFailed)
				return nil
			}
			if job.Status.Active > 0 {
				sawActive = true
				continue
			}
			// The initial observation of a freshly created job also reports
			// zero active pods; only a drop back to zero counts.
			if sawActive || job.Status.Succeeded > 0 || job.Status.Failed > 0 {
				fire(domain.RunStatusSuccess)
				return nil
			}
		}
	}
}

func (o *kubernetesOrchestrator) StreamLogs(ctx context.Context, runHistoryId string, onLine func(string)) error {
	jobName := jobNameForRun(runHistoryId)
	pod, err := o.waitForReadyPod(ctx, jobName)
	if err != nil {
		return err
	}

	tail := logTailLines
	request := o.client.CoreV1().Pods(o.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
		TailLines: &tail,
	})
	stream, err := request.Stream(ctx)
	if err != nil {
		log.WithError(err).Errorf("failed to attach to logs of pod %s for job %s", pod.Name, jobName)
		return nil
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.WithError(err).Warnf("log stream of pod %s for job %s broke", pod.Name, jobName)
	}
	return nil
}

func (o *kubernetesOrchestrator) waitForReadyPod(ctx context.Context, jobName string) (*corev1.Pod, error) {
	var ready *corev1.Pod
	err := retry.Do(
		func() error {
			pods, err := o.client.CoreV1().Pods(o.namespace).List(ctx, metav1.ListOptions{
				LabelSelector: "job-name=" + jobName,
			})
			if err != nil {
				return err
			}
			if len(pods.Items) == 0 {
				return errors.Errorf("no pod for job %s yet", jobName)
			}
			pod := pods.Items[0]
			if !isPodReady(&pod) {
				return errors.Errorf("pod %s not ready", pod.Name)
			}
			ready = &pod
			return nil
		},
		retry.Attempts(uint(o.readyAttempts)),
		retry.Delay(o.readyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, &surgeerrors.ErrJobNotReady{JobName: jobName, Attempts: o.readyAttempts}
	}
	return ready, nil
}

func (o *kubernetesOrchestrator) Cleanup(ctx context.Context, runHistoryId string) error {
	jobName := jobNameForRun(runHistoryId)
	configMapName := configMapNameForRun(runHistoryId)
	propagation := metav1.DeletePropagationBackground

	var result *multierror.Error

	err := o.client.BatchV1().Jobs(o.namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !k8s_errors.IsNotFound(err) {
		result = multierror.Append(result, &surgeerrors.ErrClusterOperationFailed{
			Operation: "delete job", Resource: jobName, Err: err,
		})
	}

	pods, err := o.client.CoreV1().Pods(o.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		result = multierror.Append(result, &surgeerrors.ErrClusterOperationFailed{
			Operation: "list pods", Resource: jobName, Err: err,
		})
	} else {
		for _, pod := range pods.Items {
			err := o.client.CoreV1().Pods(o.namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})
			if err != nil && !k8s_errors.IsNotFound(err) {
				result = multierror.Append(result, &surgeerrors.ErrClusterOperationFailed{
					Operation: "delete pod", Resource: pod.Name, Err: err,
				})
			}
		}
	}

	err = o.client.CoreV1().ConfigMaps(o.namespace).Delete(ctx, configMapName, metav1.DeleteOptions{})
	if err != nil && !k8s_errors.IsNotFound(err) {
		result = multierror.Append(result, &surgeerrors.ErrClusterOperationFailed{
			Operation: "delete configmap", Resource: configMapName, Err: err,
		})
	}

	return result.ErrorOrNil()
}

func (o *kubernetesOrchestrator) JobExists(ctx context.Context, runHistoryId string) (bool, error) {
	_, err := o.client.BatchV1().Jobs(o.namespace).Get(ctx, jobNameForRun(runHistoryId), metav1.GetOptions{})
	if err != nil {
		if k8s_errors.IsNotFound(err) {
			return false, nil
		}
		return false, &surgeerrors.ErrClusterOperationFailed{Operation: "get job", Resource: jobNameForRun(runHistoryId), Err: err}
	}
	return true, nil
}

func (o *kubernetesOrchestrator) ListRunningJobsForUser(ctx context.Context, userId string) ([]JobInfo, error) {
	jobs, err := o.client.BatchV1().Jobs(o.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelUserId + "=" + userId,
	})
	if err != nil {
		return nil, &surgeerrors.ErrClusterOperationFailed{Operation: "list jobs", Resource: "user " + userId, Err: err}
	}

	running := []JobInfo{}
	for _, job := range jobs.Items {
		if job.Status.Succeeded > 0 || job.Status.Failed > 0 {
			continue
		}
		running = append(running, JobInfo{
			RunHistoryId: job.Labels[LabelRunHistoryId],
			ScenarioId:   job.Labels[LabelScenarioId],
		})
	}
	return running, nil
}
