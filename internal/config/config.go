// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the orchestrator service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	CatalogDir        string        // Directory of task definition YAML files ("" to skip)
	ProvidersFile     string        // Provider configuration YAML file ("" to skip)
	ArtifactDir       string        // Artifact storage directory ("" = in-memory)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            apiKey(),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		CatalogDir:        GetEnv("CATALOG_DIR", ""),
		ProvidersFile:     GetEnv("PROVIDERS_FILE", ""),
		ArtifactDir:       GetEnv("ARTIFACT_DIR", ""),
	}
}

// apiKey resolves the API key, preferring a mounted secret file over the
// plain environment variable.
func apiKey() string {
	if key := GetSecretFile(GetEnv("API_KEY_FILE", "")); key != "" {
		return key
	}
	return GetEnv("API_KEY", "")
}
