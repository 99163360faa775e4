package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// NewClient connects to the Docker daemon configured by the environment
// (DOCKER_HOST, DOCKER_CERT_PATH, ...) and confirms it answers a ping.
// Build containers are created through this client, so an unreachable daemon
// is reported before any run starts.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf(`Docker daemon not accessible: %w

The docker build driver needs a running daemon. Either start Docker or set
build.driver to "local" in convoy.yml`, err)
	}

	return cli, nil
}
