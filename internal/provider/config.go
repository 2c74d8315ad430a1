package provider

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"molorch/internal/apperrors"
	"molorch/internal/config"
)

// AuthMethod selects how requests to a provider are authenticated.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthAPIKey AuthMethod = "apikey" // X-API-Key header
	AuthBearer AuthMethod = "bearer" // Authorization: Bearer header
)

// Config describes one registered provider instance.
// Static fields are set at registration; live reliability metrics are owned
// by the registry, not stored here.
type Config struct {
	ID         string     `yaml:"id"`
	Kind       string     `yaml:"kind"` // adapter kind: "httpjson", "dockerrun"
	BaseURL    string     `yaml:"baseUrl,omitempty"`
	Auth       AuthMethod `yaml:"auth,omitempty"`
	APIKeyEnv  string     `yaml:"apiKeyEnv,omitempty"`  // env var holding the credential
	APIKeyFile string     `yaml:"apiKeyFile,omitempty"` // secret file holding the credential
	TimeoutSec int        `yaml:"timeoutSec,omitempty"`
	MaxRetries int        `yaml:"maxRetries,omitempty"` // same-provider transport retries

	// dockerrun adapters only
	Images    map[string]string `yaml:"images,omitempty"` // operation -> container image
	Workspace string            `yaml:"workspace,omitempty"`
}

// Timeout returns the per-call timeout, defaulting to 30s.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// Credential resolves the provider credential from its configured source.
func (c *Config) Credential() string {
	if c.APIKeyFile != "" {
		return config.GetSecretFile(c.APIKeyFile)
	}
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	return ""
}

// Validate checks a provider config at registration time.
func (c *Config) Validate() error {
	if c.ID == "" {
		return apperrors.Validation("id", "provider ID is required")
	}
	if c.Kind == "" {
		return apperrors.Validation("kind", "provider adapter kind is required")
	}
	switch c.Auth {
	case "", AuthNone, AuthAPIKey, AuthBearer:
	default:
		return apperrors.Validation("auth", "auth must be one of none, apikey, bearer")
	}
	return nil
}

// LoadConfigsFile parses a YAML list of provider configs.
func LoadConfigsFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Internal("provider.readConfig", err)
	}

	var doc struct {
		Providers []Config `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Validation("file", err.Error())
	}
	for i := range doc.Providers {
		if err := doc.Providers[i].Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Providers, nil
}
