package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by Validate when a field is omitted
const (
	DefaultReleaseMarker = "chore(release):"
	DefaultModeEnv       = "CONVOY_MODE"
	DefaultBuildDriver   = "docker"
	DefaultOutputDir     = "artifacts"
	DefaultAPIURL        = "https://api.github.com"
	DefaultUploadURL     = "https://uploads.github.com"
	DefaultLease         = 30 * time.Second
)

// DefaultExcludes lists transient build files that never belong in an artifact bundle
var DefaultExcludes = []string{"*.d", "*.lock", "*.rlib", ".fingerprint", ".cargo-lock", "incremental", "build", "deps"}

// ConvoyConfig represents the top-level convoy.yml configuration
type ConvoyConfig struct {
	Version     string            `yaml:"version"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Platforms   []Platform        `yaml:"platforms"`
	Products    []Product         `yaml:"products"`
	Build       BuildConfig       `yaml:"build"`
	ModeEnv     string            `yaml:"mode_env,omitempty"`
	Registry    RegistryConfig    `yaml:"registry"`
	ReleaseHost ReleaseHostConfig `yaml:"release_host"`
	Storage     StorageConfig     `yaml:"storage"`
	Notify      NotifyConfig      `yaml:"notify,omitempty"`
	Serializer  SerializerConfig  `yaml:"serializer,omitempty"`
}

// TriggerConfig controls which events may start a run
type TriggerConfig struct {
	Owner         string `yaml:"owner"`                    // Authorized repository owner
	ReleaseMarker string `yaml:"release_marker,omitempty"` // Commit message prefix for push-triggered runs
}

// Platform is one (os, arch, linkage) build target
type Platform struct {
	OS      string `yaml:"os"`
	Arch    string `yaml:"arch"`
	Linkage string `yaml:"linkage,omitempty"`
	Triple  string `yaml:"triple,omitempty"` // Explicit target triple, e.g. x86_64-unknown-linux-musl
}

// Product is one logical deliverable built from the shared source tree
type Product struct {
	Name     string   `yaml:"name"`
	Binaries []string `yaml:"binaries,omitempty"` // Defaults to [name]
}

// BuildConfig specifies how each platform is built
type BuildConfig struct {
	Driver    string   `yaml:"driver,omitempty"` // "docker" or "local"
	Image     string   `yaml:"image,omitempty"`  // Required for docker driver
	Command   []string `yaml:"command"`
	Workdir   string   `yaml:"workdir,omitempty"`
	OutputDir string   `yaml:"output_dir,omitempty"`
	Exclude   []string `yaml:"exclude,omitempty"`
	Env       []string `yaml:"env,omitempty"`
}

// RegistryConfig describes the external publish tool contract
type RegistryConfig struct {
	VersionsCommand []string `yaml:"versions_command"` // Prints {"product":"version"}
	PlanCommand     []string `yaml:"plan_command"`     // Prints [{"product","previous","next"}]
	PublishCommand  []string `yaml:"publish_command"`  // Supports {product} and {version}
	DryRunFlag      string   `yaml:"dry_run_flag,omitempty"`
}

// ReleaseHostConfig identifies the hosted release API
type ReleaseHostConfig struct {
	APIURL     string `yaml:"api_url,omitempty"`
	UploadURL  string `yaml:"upload_url,omitempty"`
	Repository string `yaml:"repository"` // owner/name
}

// StorageConfig identifies the durable object store bucket
type StorageConfig struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region,omitempty"`
	Bucket   string `yaml:"bucket"`
	UseSSL   bool   `yaml:"use_ssl,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// NotifyConfig specifies failure notification delivery
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url,omitempty"`
	RunURLTemplate string `yaml:"run_url_template,omitempty"` // {run_id} placeholder
}

// SerializerConfig selects the concurrency serializer backend
type SerializerConfig struct {
	Backend string        `yaml:"backend,omitempty"` // "memory" or "redis"
	Lease   time.Duration `yaml:"lease,omitempty"`
}

// TripleString returns the platform triple used in storage paths and archive names
func (p Platform) TripleString() string {
	if p.Triple != "" {
		return p.Triple
	}
	parts := []string{p.Arch, p.OS}
	if p.Linkage != "" {
		parts = append(parts, p.Linkage)
	}
	return strings.Join(parts, "-")
}

// BinaryNames returns the binaries belonging to the product
func (p Product) BinaryNames() []string {
	if len(p.Binaries) == 0 {
		return []string{p.Name}
	}
	return p.Binaries
}

// Validate performs strict validation on the configuration and applies defaults
func (c *ConvoyConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if strings.TrimSpace(c.Trigger.Owner) == "" {
		return fmt.Errorf("trigger.owner is required")
	}
	if c.Trigger.ReleaseMarker == "" {
		c.Trigger.ReleaseMarker = DefaultReleaseMarker
	}

	if len(c.Platforms) == 0 {
		return fmt.Errorf("no platforms defined")
	}
	triples := make(map[string]int)
	for i, p := range c.Platforms {
		if p.Triple == "" && (p.OS == "" || p.Arch == "") {
			return fmt.Errorf("platform %d: os and arch are required when triple is omitted", i)
		}
		t := p.TripleString()
		if prev, exists := triples[t]; exists {
			return fmt.Errorf("duplicate platform triple '%s' (platforms %d and %d)", t, prev, i)
		}
		triples[t] = i
	}

	if len(c.Products) == 0 {
		return fmt.Errorf("no products defined")
	}
	names := make(map[string]bool)
	for i, p := range c.Products {
		if p.Name == "" {
			return fmt.Errorf("product %d: name is required", i)
		}
		if strings.ContainsAny(p.Name, "/ ") {
			return fmt.Errorf("product '%s': name must not contain '/' or spaces", p.Name)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate product '%s'", p.Name)
		}
		names[p.Name] = true
	}

	if err := c.Build.validate(); err != nil {
		return err
	}

	if c.ModeEnv == "" {
		c.ModeEnv = DefaultModeEnv
	}

	if len(c.Registry.VersionsCommand) == 0 {
		return fmt.Errorf("registry.versions_command is required")
	}
	if len(c.Registry.PlanCommand) == 0 {
		return fmt.Errorf("registry.plan_command is required")
	}
	if len(c.Registry.PublishCommand) == 0 {
		return fmt.Errorf("registry.publish_command is required")
	}
	if c.Registry.DryRunFlag == "" {
		c.Registry.DryRunFlag = "--dry-run"
	}

	if c.ReleaseHost.APIURL == "" {
		c.ReleaseHost.APIURL = DefaultAPIURL
	}
	if c.ReleaseHost.UploadURL == "" {
		c.ReleaseHost.UploadURL = DefaultUploadURL
	}
	if parts := strings.Split(c.ReleaseHost.Repository, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("release_host.repository must be 'owner/name', got '%s'", c.ReleaseHost.Repository)
	}

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is required")
	}
	if strings.Contains(c.Storage.Endpoint, "://") {
		return fmt.Errorf("storage.endpoint must not include scheme: %q", c.Storage.Endpoint)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	c.Storage.Prefix = strings.Trim(c.Storage.Prefix, "/")

	switch c.Serializer.Backend {
	case "":
		c.Serializer.Backend = "memory"
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid serializer.backend: %s (must be 'memory' or 'redis')", c.Serializer.Backend)
	}
	if c.Serializer.Lease == 0 {
		c.Serializer.Lease = DefaultLease
	}
	if c.Serializer.Lease < time.Second {
		return fmt.Errorf("serializer.lease must be >= 1s, got %s", c.Serializer.Lease)
	}

	return nil
}

func (b *BuildConfig) validate() error {
	if b.Driver == "" {
		b.Driver = DefaultBuildDriver
	}
	switch b.Driver {
	case "docker":
		if b.Image == "" {
			return fmt.Errorf("build.image is required for the docker driver")
		}
	case "local":
	default:
		return fmt.Errorf("invalid build.driver: %s (must be 'docker' or 'local')", b.Driver)
	}

	if len(b.Command) == 0 {
		return fmt.Errorf("build.command is required")
	}
	if b.Workdir == "" {
		b.Workdir = "."
	}
	if b.OutputDir == "" {
		b.OutputDir = DefaultOutputDir
	}
	if b.Exclude == nil {
		b.Exclude = append([]string(nil), DefaultExcludes...)
	}
	for _, pattern := range b.Exclude {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("build.exclude: invalid pattern %q: %w", pattern, err)
		}
	}
	for _, kv := range b.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("build.env: entry %q must be KEY=VALUE", kv)
		}
	}
	return nil
}

// Parse decodes and validates configuration bytes
func Parse(data []byte) (*ConvoyConfig, error) {
	var config ConvoyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates convoy.yml from the specified path
func Load(path string) (*ConvoyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
