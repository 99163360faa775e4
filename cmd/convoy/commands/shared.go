package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/dyluth/convoy/internal/config"
	"github.com/dyluth/convoy/internal/git"
	"github.com/dyluth/convoy/internal/printer"
	"github.com/dyluth/convoy/internal/trigger"
	"github.com/dyluth/convoy/pkg/runboard"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const defaultInstanceName = "default"

// resolveConfigPath applies --config, then $CONVOY_CONFIG, then ./convoy.yml.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.EnvString(config.EnvConfigPath, "convoy.yml")
}

func loadConfig() (*config.ConvoyConfig, config.Credentials, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, config.Credentials{}, printer.Error(
				"convoy.yml not found",
				fmt.Sprintf("No configuration at %s.", path),
				[]string{"Pass the path explicitly:\n  convoy --config path/to/convoy.yml ..."},
			)
		}
		return nil, config.Credentials{}, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": path},
			nil,
		)
	}

	creds := config.CredentialsFromEnv()
	if err := cfg.ApplyEnv(creds); err != nil {
		return nil, config.Credentials{}, printer.Error("invalid environment", err.Error(), nil)
	}
	return cfg, creds, nil
}

func instanceName(flag string) string {
	if flag != "" {
		return flag
	}
	return config.EnvString(config.EnvInstanceName, defaultInstanceName)
}

// connectRunboard opens the run board named by $REDIS_URL. It returns nil and
// no error when REDIS_URL is unset and required is false.
func connectRunboard(ctx context.Context, instance string, required bool) (*runboard.Client, error) {
	redisURL := config.EnvString(config.EnvRedisURL, "")
	if redisURL == "" {
		if !required {
			return nil, nil
		}
		return nil, printer.Error(
			"REDIS_URL is not set",
			"This command reads run records from Redis.",
			[]string{"Point it at the daemon's Redis:\n  export REDIS_URL=redis://localhost:6379"},
		)
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client, err := runboard.NewClient(redisOpts, instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create run board client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", redisURL),
			map[string]string{"Instance": instance},
			[]string{"Check the Redis server is running and reachable"},
		)
	}
	return client, nil
}

// eventFlags describes a trigger event either as a webhook payload file or
// as a manual dispatch.
type eventFlags struct {
	file  string
	kind  string
	ref   string
	mode  string
	owner string
	push  bool
}

// event builds the trigger event. repoDir is the source tree consulted by
// --push ("" means the current directory).
func (f *eventFlags) event(ctx context.Context, cfg *config.ConvoyConfig, repoDir string) (trigger.Event, error) {
	if f.file != "" {
		payload, err := os.ReadFile(f.file)
		if err != nil {
			return trigger.Event{}, fmt.Errorf("failed to read event file: %w", err)
		}
		ev, err := trigger.ParseGitHubEvent(f.kind, payload)
		if err != nil {
			return trigger.Event{}, err
		}
		return ev, nil
	}

	owner := f.owner
	if owner == "" {
		owner = cfg.Trigger.Owner
	}

	if f.push {
		head, err := git.NewChecker(repoDir).Head(ctx)
		if err != nil {
			return trigger.Event{}, err
		}
		branch := f.ref
		if branch == "" {
			branch = head.Branch
		}
		if branch == "" {
			return trigger.Event{}, fmt.Errorf("HEAD is detached; pass the branch with --ref")
		}
		return trigger.Event{
			Kind:          trigger.KindPush,
			Owner:         owner,
			Ref:           qualifyRef(branch),
			CommitMessage: head.Message,
			CommitSHA:     head.SHA,
			Actor:         os.Getenv("USER"),
		}, nil
	}

	if f.ref == "" {
		return trigger.Event{}, fmt.Errorf("one of --event, --ref or --push is required")
	}
	ref := qualifyRef(f.ref)
	return trigger.Event{
		Kind:  trigger.KindManual,
		Owner: owner,
		Ref:   ref,
		Mode:  f.mode,
		Actor: os.Getenv("USER"),
	}, nil
}

func qualifyRef(ref string) string {
	if strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return "refs/heads/" + ref
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "event", "", "Webhook payload file (JSON)")
	cmd.Flags().StringVar(&f.kind, "kind", trigger.GitHubPush, "Webhook event name of --event: push or workflow_dispatch")
	cmd.Flags().StringVar(&f.ref, "ref", "", "Branch for a manual run, e.g. stable-1 (ignored with --event)")
	cmd.Flags().BoolVar(&f.push, "push", false, "Treat the checked-out commit as a push to its branch (or --ref)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Mode override for a manual run")
	cmd.Flags().StringVar(&f.owner, "owner", "", "Repository owner for a manual run (default: trigger.owner)")
}
