// Package setup turns a validated convoy.yml plus environment credentials into
// a ready pipeline.Orchestrator. Both the CLI and the daemon wire through here.
package setup

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/docker/docker/client"
	"github.com/dyluth/convoy/internal/build"
	"github.com/dyluth/convoy/internal/config"
	dockerpkg "github.com/dyluth/convoy/internal/docker"
	"github.com/dyluth/convoy/internal/notify"
	"github.com/dyluth/convoy/internal/pack"
	"github.com/dyluth/convoy/internal/pipeline"
	"github.com/dyluth/convoy/internal/release"
	"github.com/dyluth/convoy/internal/serial"
	"github.com/dyluth/convoy/internal/storage"
	"github.com/dyluth/convoy/internal/trigger"
	"github.com/redis/go-redis/v9"
)

// Options carries the process-specific parts of the wiring.
type Options struct {
	InstanceName string
	Workspace    string                // Source tree root; defaults to the working directory
	ArchiveRoot  string                // Packaging scratch; defaults to a temp dir
	Redis        *redis.Client         // Required for the redis serializer backend
	Runs         pipeline.RunStore     // Optional run record store
	Store        storage.ObjectStore   // Overrides the configured MinIO store
	Host         release.ReleaseHost   // Overrides the configured GitHub host
	OnTask       func(build.TaskState) // Optional build progress hook
	BuildOutput  io.Writer             // Optional; local driver streams build output here
}

// Components is the wired pipeline plus the resources it holds open.
type Components struct {
	Orchestrator *pipeline.Orchestrator
	Store        storage.ObjectStore

	docker  *client.Client
	tempDir string
}

// Close releases the Docker client and any temporary scratch space.
func (c *Components) Close() error {
	var err error
	if c.docker != nil {
		err = c.docker.Close()
	}
	if c.tempDir != "" {
		os.RemoveAll(c.tempDir)
	}
	return err
}

// New builds every pipeline collaborator described by cfg.
func New(ctx context.Context, cfg *config.ConvoyConfig, creds config.Credentials, opts Options) (*Components, error) {
	if opts.InstanceName == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	workspace := opts.Workspace
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine workspace: %w", err)
		}
		workspace = wd
	}

	c := &Components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	archiveRoot := opts.ArchiveRoot
	if archiveRoot == "" {
		dir, err := os.MkdirTemp("", "convoy-archives-")
		if err != nil {
			return nil, fmt.Errorf("failed to create archive scratch dir: %w", err)
		}
		c.tempDir = dir
		archiveRoot = dir
	}

	platforms := Platforms(cfg)
	products, binaries := Products(cfg)

	builder, err := c.builder(ctx, cfg, opts, workspace, binaries)
	if err != nil {
		return nil, err
	}
	runnerOpts := []build.RunnerOption{build.WithBaseEnv(cfg.Build.Env)}
	if opts.OnTask != nil {
		runnerOpts = append(runnerOpts, build.WithStateHook(opts.OnTask))
	}
	runner := build.NewRunner(builder, cfg.ModeEnv, runnerOpts...)

	serializer, err := newSerializer(cfg, opts)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store, err = newMinioStore(ctx, cfg, creds)
		if err != nil {
			return nil, err
		}
	}
	c.Store = store

	host := opts.Host
	if host == nil {
		host, err = release.NewGitHubHost(ctx, cfg.ReleaseHost.APIURL, cfg.ReleaseHost.UploadURL, cfg.ReleaseHost.Repository, creds.SourceToken)
		if err != nil {
			return nil, fmt.Errorf("failed to create release host: %w", err)
		}
	}

	registry := &release.ExecRegistry{
		VersionsCommand: cfg.Registry.VersionsCommand,
		PlanCommand:     cfg.Registry.PlanCommand,
		PublishCommand:  cfg.Registry.PublishCommand,
		DryRunFlag:      cfg.Registry.DryRunFlag,
		Workdir:         workspace,
	}
	if creds.RegistryToken != "" {
		registry.Env = []string{config.EnvRegistryToken + "=" + creds.RegistryToken}
	}

	names := make([]string, len(products))
	for i, p := range products {
		names[i] = p.Name
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}

	orch, err := pipeline.New(pipeline.Deps{
		InstanceName: opts.InstanceName,
		Gate: trigger.GateConfig{
			Owner:         cfg.Trigger.Owner,
			ReleaseMarker: cfg.Trigger.ReleaseMarker,
		},
		Platforms:      platforms,
		Products:       products,
		ArchiveRoot:    archiveRoot,
		BuildRoot:      filepath.Join(workspace, cfg.Build.OutputDir),
		Serializer:     serializer,
		Builds:         runner,
		Versions:       registry,
		Uploader:       &storage.Uploader{Store: store, Prefix: cfg.Storage.Prefix},
		Publisher:      &release.Publisher{Registry: registry, Host: host, Products: names},
		Notifier:       notifier,
		Runs:           opts.Runs,
		RunURLTemplate: cfg.Notify.RunURLTemplate,
	})
	if err != nil {
		return nil, err
	}
	c.Orchestrator = orch
	ok = true
	return c, nil
}

// Platforms converts configured platforms into build targets, keeping order.
func Platforms(cfg *config.ConvoyConfig) []build.Platform {
	out := make([]build.Platform, len(cfg.Platforms))
	for i, p := range cfg.Platforms {
		out[i] = build.Platform{OS: p.OS, Arch: p.Arch, Linkage: p.Linkage, Name: p.Triple}
	}
	return out
}

// Products converts configured products and returns every binary name across them.
func Products(cfg *config.ConvoyConfig) ([]pack.Product, []string) {
	products := make([]pack.Product, len(cfg.Products))
	var binaries []string
	for i, p := range cfg.Products {
		products[i] = pack.Product{Name: p.Name, Binaries: p.BinaryNames()}
		binaries = append(binaries, p.BinaryNames()...)
	}
	return products, binaries
}

func (c *Components) builder(ctx context.Context, cfg *config.ConvoyConfig, opts Options, workspace string, binaries []string) (build.Builder, error) {
	collector := build.Collector{Binaries: binaries, Exclude: cfg.Build.Exclude}

	switch cfg.Build.Driver {
	case "local":
		return &build.LocalBuilder{
			Command:    cfg.Build.Command,
			Workdir:    filepath.Join(workspace, cfg.Build.Workdir),
			OutputRoot: filepath.Join(workspace, cfg.Build.OutputDir),
			Collector:  collector,
			Output:     opts.BuildOutput,
		}, nil
	case "docker":
		cli, err := dockerpkg.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker client: %w", err)
		}
		c.docker = cli
		return &build.DockerBuilder{
			Client:       cli,
			InstanceName: opts.InstanceName,
			Image:        cfg.Build.Image,
			Command:      cfg.Build.Command,
			Workspace:    workspace,
			OutputDir:    cfg.Build.OutputDir,
			Collector:    collector,
		}, nil
	default:
		return nil, fmt.Errorf("unknown build driver: %s", cfg.Build.Driver)
	}
}

func newSerializer(cfg *config.ConvoyConfig, opts Options) (serial.Serializer, error) {
	if cfg.Serializer.Backend != "redis" {
		return serial.NewMemorySerializer(), nil
	}
	if opts.Redis == nil {
		return nil, fmt.Errorf("serializer backend 'redis' requires %s", config.EnvRedisURL)
	}
	s, err := serial.NewRedisSerializer(opts.Redis, opts.InstanceName, serial.RedisOptions{Lease: cfg.Serializer.Lease})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis serializer: %w", err)
	}
	return s, nil
}

func newMinioStore(ctx context.Context, cfg *config.ConvoyConfig, creds config.Credentials) (storage.ObjectStore, error) {
	sc := storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: creds.S3AccessKey,
		SecretKey: creds.S3SecretKey,
		Region:    cfg.Storage.Region,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
	}
	store, err := storage.NewMinioStore(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	if err := store.EnsureBucket(ctx, cfg.Storage.Region); err != nil {
		return nil, fmt.Errorf("failed to prepare bucket %s: %w", cfg.Storage.Bucket, err)
	}
	log.Printf("[Setup] Object store ready: %s/%s", cfg.Storage.Endpoint, cfg.Storage.Bucket)
	return store, nil
}
