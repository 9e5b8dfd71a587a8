package configuration

import (
	"github.com/go-redis/redis"

	"github.com/surgeproject/surge/internal/telemetry"
)

type SurgeConfig struct {
	// Port of the public HTTP API.
	HttpPort uint16
	// Port the prometheus registry is exposed on.
	MetricsPort uint16

	Postgres   PostgresConfig
	Influx     telemetry.Config
	Redis      redis.UniversalOptions
	Kubernetes KubernetesConfig
}

type PostgresConfig struct {
	Connection string
}

type KubernetesConfig struct {
	// Namespace the runner jobs are created in.
	Namespace string
	// Image of the load generator, defaults to grafana/k6.
	Image string
	// KubeConfigPath points at a kubeconfig file for out-of-cluster use.
	// Empty means in-cluster configuration.
	KubeConfigPath string
}
