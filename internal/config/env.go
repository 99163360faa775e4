package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names recognized by convoy binaries.
// Credentials are only ever read from the environment, never from convoy.yml.
const (
	EnvConfigPath     = "CONVOY_CONFIG"
	EnvInstanceName   = "CONVOY_INSTANCE_NAME"
	EnvRedisURL       = "REDIS_URL"
	EnvS3Endpoint     = "CONVOY_S3_ENDPOINT"
	EnvS3AccessKey    = "CONVOY_S3_ACCESS_KEY"
	EnvS3SecretKey    = "CONVOY_S3_SECRET_KEY"
	EnvRegistryToken  = "CONVOY_REGISTRY_TOKEN"
	EnvSourceToken    = "CONVOY_SOURCE_TOKEN"
	EnvNotifyWebhook  = "CONVOY_NOTIFY_WEBHOOK"
	EnvWebhookSecret  = "CONVOY_WEBHOOK_SECRET"
	EnvDaemonAddr     = "CONVOYD_ADDR"
	EnvShutdown       = "CONVOYD_SHUTDOWN_TIMEOUT"
	EnvWorkspace      = "CONVOY_WORKSPACE"
	EnvSerializerBack = "CONVOY_SERIALIZER"
)

// Credentials holds the secrets injected by the environment
type Credentials struct {
	S3AccessKey   string
	S3SecretKey   string
	RegistryToken string
	SourceToken   string
	NotifyWebhook string
	WebhookSecret string
}

// CredentialsFromEnv reads all credential variables. Missing values are left empty;
// the component that needs one reports the error.
func CredentialsFromEnv() Credentials {
	return Credentials{
		S3AccessKey:   EnvString(EnvS3AccessKey, ""),
		S3SecretKey:   EnvString(EnvS3SecretKey, ""),
		RegistryToken: EnvString(EnvRegistryToken, ""),
		SourceToken:   EnvString(EnvSourceToken, ""),
		NotifyWebhook: EnvString(EnvNotifyWebhook, ""),
		WebhookSecret: EnvString(EnvWebhookSecret, ""),
	}
}

// ApplyEnv overlays environment overrides onto a loaded configuration
func (c *ConvoyConfig) ApplyEnv(creds Credentials) error {
	if creds.NotifyWebhook != "" {
		c.Notify.WebhookURL = creds.NotifyWebhook
	}
	if endpoint := EnvString(EnvS3Endpoint, ""); endpoint != "" {
		c.Storage.Endpoint = endpoint
	}
	if backend := EnvString(EnvSerializerBack, ""); backend != "" {
		if backend != "memory" && backend != "redis" {
			return fmt.Errorf("invalid %s: %s (must be 'memory' or 'redis')", EnvSerializerBack, backend)
		}
		c.Serializer.Backend = backend
	}
	return nil
}

func EnvString(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func EnvDuration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func EnvBool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}
