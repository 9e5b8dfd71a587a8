package orchestrator

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	LabelRunHistoryId = "run-history-id"
	LabelScenarioId   = "scenario-id"
	LabelUserId       = "user-id"

	containerName = "k6"

	// The cluster reclaims finished jobs shortly after completion; cleanup is
	// still attempted explicitly so resources are not left behind on
	// abnormal paths.
	jobTTLSeconds = int32(10)
)

func jobNameForRun(runHistoryId string) string {
	return "k6-load-test-" + runHistoryId
}

func configMapNameForRun(runHistoryId string) string {
	return "k6-script-" + runHistoryId
}

func createScriptConfigMap(runHistoryId, script string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name: configMapNameForRun(runHistoryId),
		},
		Data: map[string]string{
			runHistoryId + ".js": script,
		},
	}
}

func createRunnerJob(runHistoryId, scenarioId, userId, image, influxURL string) *batchv1.Job {
	labels := map[string]string{
		LabelRunHistoryId: runHistoryId,
		LabelScenarioId:   scenarioId,
		LabelUserId:       userId,
	}
	ttl := jobTTLSeconds
	backoffLimit := int32(0)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   jobNameForRun(runHistoryId),
			Labels: labels,
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			// Failures surface as job failure rather than silent pod retries.
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Name:   jobNameForRun(runHistoryId),
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  containerName,
							Image: image,
							Args: []string{
								"run",
								"/scripts/" + runHistoryId + ".js",
								"--out",
								"influxdb=" + influxURL,
							},
							Env: []corev1.EnvVar{
								{
									// Demotes only high-cardinality per-request
									// tags. run_history_id/flow_id/step_id must
									// stay tags; the metric queries filter and
									// group by them.
									Name:  "K6_INFLUXDB_TAGS_AS_FIELDS",
									Value: "vu:int,iter:int,url",
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "k6-scripts", MountPath: "/scripts"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "k6-scripts",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{
										Name: configMapNameForRun(runHistoryId),
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	if len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	status := pod.Status.ContainerStatuses[0]
	return status.Ready && status.State.Running != nil
}
