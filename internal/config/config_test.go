package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `version: "1.0"
trigger:
  owner: "maidsafe"
platforms:
  - {os: linux, arch: x86_64, linkage: musl, triple: x86_64-unknown-linux-musl}
  - {os: linux, arch: aarch64, linkage: musl}
products:
  - name: safe
  - name: safenode
    binaries: [safenode, safenode-manager]
build:
  image: "ghcr.io/cross-rs/builder:latest"
  command: ["cargo", "build", "--release"]
registry:
  versions_command: ["release-tool", "versions"]
  plan_command: ["release-tool", "plan"]
  publish_command: ["release-tool", "publish", "{product}"]
release_host:
  repository: "maidsafe/safe_network"
storage:
  endpoint: "s3.amazonaws.com"
  bucket: "releases"
  prefix: "/bin/"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "convoy.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func validBase() *ConvoyConfig {
	return &ConvoyConfig{
		Version:   "1.0",
		Trigger:   TriggerConfig{Owner: "maidsafe"},
		Platforms: []Platform{{OS: "linux", Arch: "x86_64", Linkage: "musl"}},
		Products:  []Product{{Name: "safe"}},
		Build:     BuildConfig{Driver: "local", Command: []string{"make"}},
		Registry: RegistryConfig{
			VersionsCommand: []string{"v"},
			PlanCommand:     []string{"p"},
			PublishCommand:  []string{"pub"},
		},
		ReleaseHost: ReleaseHostConfig{Repository: "a/b"},
		Storage:     StorageConfig{Endpoint: "localhost:9000", Bucket: "b"},
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "1.0", config.Version)
	assert.Equal(t, DefaultReleaseMarker, config.Trigger.ReleaseMarker)
	assert.Len(t, config.Platforms, 2)
	assert.Equal(t, "x86_64-unknown-linux-musl", config.Platforms[0].TripleString())
	assert.Equal(t, "aarch64-linux-musl", config.Platforms[1].TripleString())
	assert.Equal(t, []string{"safe"}, config.Products[0].BinaryNames())
	assert.Equal(t, []string{"safenode", "safenode-manager"}, config.Products[1].BinaryNames())

	// Defaults
	assert.Equal(t, "docker", config.Build.Driver)
	assert.Equal(t, DefaultOutputDir, config.Build.OutputDir)
	assert.Equal(t, DefaultExcludes, config.Build.Exclude)
	assert.Equal(t, DefaultModeEnv, config.ModeEnv)
	assert.Equal(t, "--dry-run", config.Registry.DryRunFlag)
	assert.Equal(t, DefaultAPIURL, config.ReleaseHost.APIURL)
	assert.Equal(t, DefaultUploadURL, config.ReleaseHost.UploadURL)
	assert.Equal(t, "us-east-1", config.Storage.Region)
	assert.Equal(t, "bin", config.Storage.Prefix)
	assert.Equal(t, "memory", config.Serializer.Backend)
	assert.Equal(t, DefaultLease, config.Serializer.Lease)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/convoy.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	config, err := Load(writeConfig(t, "version: \"1.0\"\nplatforms:\n  - this is invalid\n    yaml syntax\n"))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_LeaseDuration(t *testing.T) {
	config, err := Parse([]byte(validConfig + "serializer:\n  backend: redis\n  lease: 45s\n"))
	require.NoError(t, err)
	assert.Equal(t, "redis", config.Serializer.Backend)
	assert.Equal(t, 45*time.Second, config.Serializer.Lease)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ConvoyConfig)
		errMsg string
	}{
		{"unsupported version", func(c *ConvoyConfig) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"missing owner", func(c *ConvoyConfig) { c.Trigger.Owner = " " }, "trigger.owner is required"},
		{"no platforms", func(c *ConvoyConfig) { c.Platforms = nil }, "no platforms defined"},
		{"platform without arch", func(c *ConvoyConfig) { c.Platforms = []Platform{{OS: "linux"}} }, "os and arch are required"},
		{"duplicate triple", func(c *ConvoyConfig) {
			c.Platforms = append(c.Platforms, Platform{Triple: "x86_64-linux-musl"})
		}, "duplicate platform triple"},
		{"no products", func(c *ConvoyConfig) { c.Products = nil }, "no products defined"},
		{"duplicate product", func(c *ConvoyConfig) { c.Products = append(c.Products, Product{Name: "safe"}) }, "duplicate product 'safe'"},
		{"product with slash", func(c *ConvoyConfig) { c.Products = []Product{{Name: "a/b"}} }, "must not contain"},
		{"docker without image", func(c *ConvoyConfig) { c.Build.Driver = "docker" }, "build.image is required"},
		{"unknown driver", func(c *ConvoyConfig) { c.Build.Driver = "podman" }, "invalid build.driver"},
		{"missing build command", func(c *ConvoyConfig) { c.Build.Command = nil }, "build.command is required"},
		{"bad exclude", func(c *ConvoyConfig) { c.Build.Exclude = []string{"["} }, "invalid pattern"},
		{"bad env", func(c *ConvoyConfig) { c.Build.Env = []string{"NOVALUE"} }, "must be KEY=VALUE"},
		{"missing versions command", func(c *ConvoyConfig) { c.Registry.VersionsCommand = nil }, "registry.versions_command is required"},
		{"missing plan command", func(c *ConvoyConfig) { c.Registry.PlanCommand = nil }, "registry.plan_command is required"},
		{"missing publish command", func(c *ConvoyConfig) { c.Registry.PublishCommand = nil }, "registry.publish_command is required"},
		{"bad repository", func(c *ConvoyConfig) { c.ReleaseHost.Repository = "nope" }, "owner/name"},
		{"missing endpoint", func(c *ConvoyConfig) { c.Storage.Endpoint = "" }, "storage.endpoint is required"},
		{"endpoint with scheme", func(c *ConvoyConfig) { c.Storage.Endpoint = "https://s3" }, "must not include scheme"},
		{"missing bucket", func(c *ConvoyConfig) { c.Storage.Bucket = "" }, "storage.bucket is required"},
		{"bad serializer", func(c *ConvoyConfig) { c.Serializer.Backend = "etcd" }, "invalid serializer.backend"},
		{"short lease", func(c *ConvoyConfig) { c.Serializer.Lease = time.Millisecond }, "serializer.lease must be >= 1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validBase()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_BaseIsValid(t *testing.T) {
	config := validBase()
	require.NoError(t, config.Validate())
	assert.Equal(t, ".", config.Build.Workdir)
}

func TestApplyEnv(t *testing.T) {
	t.Run("overrides webhook and backend", func(t *testing.T) {
		t.Setenv(EnvSerializerBack, "redis")
		t.Setenv(EnvS3Endpoint, "127.0.0.1:9001")
		config := validBase()
		require.NoError(t, config.Validate())

		require.NoError(t, config.ApplyEnv(Credentials{NotifyWebhook: "https://hooks.example/x"}))
		assert.Equal(t, "https://hooks.example/x", config.Notify.WebhookURL)
		assert.Equal(t, "redis", config.Serializer.Backend)
		assert.Equal(t, "127.0.0.1:9001", config.Storage.Endpoint)
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		t.Setenv(EnvSerializerBack, "zookeeper")
		config := validBase()
		require.NoError(t, config.Validate())
		assert.Error(t, config.ApplyEnv(Credentials{}))
	})
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvS3AccessKey, "AKIA")
	t.Setenv(EnvS3SecretKey, "secret")
	t.Setenv(EnvSourceToken, "ghp_x")

	creds := CredentialsFromEnv()
	assert.Equal(t, "AKIA", creds.S3AccessKey)
	assert.Equal(t, "secret", creds.S3SecretKey)
	assert.Equal(t, "ghp_x", creds.SourceToken)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CONVOY_TEST_BOOL", "true")
	t.Setenv("CONVOY_TEST_DUR", "nope")

	b, err := EnvBool("CONVOY_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = EnvDuration("CONVOY_TEST_DUR", time.Second)
	assert.Error(t, err)

	d, err := EnvDuration("CONVOY_TEST_UNSET", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}
