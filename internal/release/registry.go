// Package release publishes changed products to the package registry and
// creates the hosted release record carrying the versioned archives.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dyluth/convoy/internal/toolexec"
)

// Bump is one product whose version changed in this run.
type Bump struct {
	Product  string `json:"product"`
	Previous string `json:"previous"`
	Next     string `json:"next"`
}

// Registry is the external version and publish tooling.
type Registry interface {
	// Versions returns the version every product is released at.
	Versions(ctx context.Context) (map[string]string, error)
	// Plan returns the products whose version changed.
	Plan(ctx context.Context) ([]Bump, error)
	// Publish pushes one product. dryRun must never write to the public registry.
	Publish(ctx context.Context, product, version string, dryRun bool) error
}

// ExecRegistry drives the registry through external commands.
//
// VersionsCommand prints {"product":"version",...}; PlanCommand prints
// [{"product":..,"previous":..,"next":..},...]; PublishCommand is run once per
// changed product with {product} and {version} substituted and DryRunFlag
// appended for dry runs.
type ExecRegistry struct {
	VersionsCommand []string
	PlanCommand     []string
	PublishCommand  []string
	DryRunFlag      string
	Workdir         string
	Env             []string
}

func (r *ExecRegistry) Versions(ctx context.Context) (map[string]string, error) {
	res, err := toolexec.Run(ctx, toolexec.Command{Args: r.VersionsCommand, Dir: r.Workdir, Env: r.Env})
	if err != nil {
		return nil, fmt.Errorf("versions command failed: %w", err)
	}

	var versions map[string]string
	if err := json.Unmarshal([]byte(res.Stdout), &versions); err != nil {
		return nil, fmt.Errorf("failed to parse versions output: %w (output: %s)", err, toolexec.Truncate(strings.TrimSpace(res.Stdout), 200))
	}
	return versions, nil
}

func (r *ExecRegistry) Plan(ctx context.Context) ([]Bump, error) {
	res, err := toolexec.Run(ctx, toolexec.Command{Args: r.PlanCommand, Dir: r.Workdir, Env: r.Env})
	if err != nil {
		return nil, fmt.Errorf("plan command failed: %w", err)
	}

	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return nil, nil
	}
	var bumps []Bump
	if err := json.Unmarshal([]byte(out), &bumps); err != nil {
		return nil, fmt.Errorf("failed to parse plan output: %w (output: %s)", err, toolexec.Truncate(out, 200))
	}
	for i, b := range bumps {
		if b.Product == "" || b.Next == "" {
			return nil, fmt.Errorf("plan entry %d: product and next are required", i)
		}
	}
	return bumps, nil
}

func (r *ExecRegistry) Publish(ctx context.Context, product, version string, dryRun bool) error {
	args := toolexec.Expand(r.PublishCommand, map[string]string{"product": product, "version": version})
	if dryRun && r.DryRunFlag != "" {
		args = append(args, r.DryRunFlag)
	}
	if _, err := toolexec.Run(ctx, toolexec.Command{Args: args, Dir: r.Workdir, Env: r.Env}); err != nil {
		return fmt.Errorf("publish of %s %s failed: %w", product, version, err)
	}
	return nil
}
