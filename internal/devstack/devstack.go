// Package devstack starts and stops the backing services a convoy daemon
// needs on a developer machine: Redis for the serializer and run board, and
// MinIO standing in for the archive bucket. Every resource carries the
// instance labels so `convoy down` can find it again.
package devstack

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/dyluth/convoy/internal/config"
	dockerpkg "github.com/dyluth/convoy/internal/docker"
)

// Default credentials of the MinIO container. Local use only.
const (
	MinioUser     = "convoy"
	MinioPassword = "convoy-secret"
)

// Service is one container of the dev stack.
type Service struct {
	Component     string // redis, minio
	Image         string
	ContainerPort string // e.g. 6379/tcp
	FirstPort     int    // Host ports are allocated from FirstPort upwards
	LastPort      int
	Env           []string
	Cmd           []string
}

// DefaultServices returns Redis and MinIO with their usual ports.
func DefaultServices() []Service {
	return []Service{
		{
			Component:     "redis",
			Image:         "redis:7-alpine",
			ContainerPort: "6379/tcp",
			FirstPort:     6379,
			LastPort:      6478,
		},
		{
			Component:     "minio",
			Image:         "minio/minio:latest",
			ContainerPort: "9000/tcp",
			FirstPort:     9000,
			LastPort:      9099,
			Env: []string{
				"MINIO_ROOT_USER=" + MinioUser,
				"MINIO_ROOT_PASSWORD=" + MinioPassword,
			},
			Cmd: []string{"server", "/data"},
		},
	}
}

// Endpoint is a started service and the host port it answers on.
type Endpoint struct {
	Component string
	Container string
	HostPort  int
}

// Stack is the result of Up.
type Stack struct {
	Instance  string
	Network   string
	Endpoints []Endpoint
}

// Port returns the host port of a component, or 0.
func (s Stack) Port(component string) int {
	for _, e := range s.Endpoints {
		if e.Component == component {
			return e.HostPort
		}
	}
	return 0
}

// Env returns the environment a daemon on the host needs to use the stack.
func (s Stack) Env() []string {
	var env []string
	if p := s.Port("redis"); p != 0 {
		env = append(env, fmt.Sprintf("%s=redis://127.0.0.1:%d", config.EnvRedisURL, p))
	}
	if p := s.Port("minio"); p != 0 {
		env = append(env,
			fmt.Sprintf("%s=127.0.0.1:%d", config.EnvS3Endpoint, p),
			config.EnvS3AccessKey+"="+MinioUser,
			config.EnvS3SecretKey+"="+MinioPassword,
		)
	}
	env = append(env, config.EnvInstanceName+"="+s.Instance)
	return env
}

// PortBindings publishes containerPort on 127.0.0.1:hostPort.
func PortBindings(containerPort string, hostPort int) (nat.PortSet, nat.PortMap, error) {
	port, err := nat.NewPort(nat.SplitProtoPort(containerPort))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid container port %q: %w", containerPort, err)
	}
	exposed := nat.PortSet{port: struct{}{}}
	bindings := nat.PortMap{
		port: []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: strconv.Itoa(hostPort),
		}},
	}
	return exposed, bindings, nil
}

// NextPort returns the first port in [first, last] that is neither in used
// nor bound on localhost.
func NextPort(used map[int]bool, first, last int, bindable func(int) bool) (int, error) {
	for port := first; port <= last; port++ {
		if used[port] {
			continue
		}
		if bindable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports (range %d-%d exhausted)", first, last)
}

func isPortBindable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// usedPorts collects the host ports recorded on existing convoy service containers.
func usedPorts(ctx context.Context, cli *client.Client, component string) (map[int]bool, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=true", dockerpkg.LabelProject))
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelComponent, component))

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filter})
	if err != nil {
		return nil, fmt.Errorf("failed to query Docker containers: %w", err)
	}

	used := make(map[int]bool)
	for _, c := range containers {
		if s, ok := c.Labels[dockerpkg.LabelHostPort]; ok {
			if port, err := strconv.Atoi(s); err == nil {
				used[port] = true
			}
		}
	}
	return used, nil
}

// Exists reports whether any container of the instance is present.
func Exists(ctx context.Context, cli *client.Client, instance string) (bool, error) {
	containers, err := listInstance(ctx, cli, instance)
	if err != nil {
		return false, err
	}
	return len(containers) > 0, nil
}

// Up creates the network and starts every service. Images must already be
// present or pullable by the daemon. On failure everything created so far is
// removed again.
func Up(ctx context.Context, cli *client.Client, instance, runID string, services []Service, progress func(string)) (Stack, error) {
	if progress == nil {
		progress = func(string) {}
	}
	stack := Stack{Instance: instance, Network: dockerpkg.NetworkName(instance)}

	_, err := cli.NetworkCreate(ctx, stack.Network, types.NetworkCreate{
		Driver: "bridge",
		Labels: dockerpkg.BuildLabels(instance, runID, "", ""),
	})
	if err != nil {
		return Stack{}, fmt.Errorf("failed to create network '%s': %w", stack.Network, err)
	}
	progress("Created network " + stack.Network)

	for _, svc := range services {
		ep, err := startService(ctx, cli, instance, runID, stack.Network, svc)
		if err != nil {
			if rbErr := Down(context.WithoutCancel(ctx), cli, instance, nil); rbErr != nil {
				progress(fmt.Sprintf("rollback encountered errors: %v", rbErr))
			}
			return Stack{}, err
		}
		stack.Endpoints = append(stack.Endpoints, ep)
		progress(fmt.Sprintf("Started %s (port %d)", ep.Container, ep.HostPort))
	}

	return stack, nil
}

func startService(ctx context.Context, cli *client.Client, instance, runID, network string, svc Service) (Endpoint, error) {
	used, err := usedPorts(ctx, cli, svc.Component)
	if err != nil {
		return Endpoint{}, err
	}
	hostPort, err := NextPort(used, svc.FirstPort, svc.LastPort, isPortBindable)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to allocate %s port: %w", svc.Component, err)
	}
	exposed, bindings, err := PortBindings(svc.ContainerPort, hostPort)
	if err != nil {
		return Endpoint{}, err
	}

	labels := dockerpkg.BuildLabels(instance, runID, "", svc.Component)
	labels[dockerpkg.LabelHostPort] = strconv.Itoa(hostPort)
	name := dockerpkg.ServiceContainerName(instance, svc.Component)

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        svc.Image,
		Env:          svc.Env,
		Cmd:          svc.Cmd,
		Labels:       labels,
		ExposedPorts: exposed,
	}, &container.HostConfig{
		NetworkMode:  container.NetworkMode(network),
		PortBindings: bindings,
	}, nil, nil, name)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to create %s container: %w", svc.Component, err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Endpoint{}, fmt.Errorf("failed to start %s container: %w", svc.Component, err)
	}

	return Endpoint{Component: svc.Component, Container: name, HostPort: hostPort}, nil
}

// Down stops and removes every container and network of the instance.
func Down(ctx context.Context, cli *client.Client, instance string, progress func(string)) error {
	if progress == nil {
		progress = func(string) {}
	}

	containers, err := listInstance(ctx, cli, instance)
	if err != nil {
		return err
	}

	timeout := 10
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		progress("Stopping " + name)
		_ = cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		progress("Removing " + name)
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	networks, err := cli.NetworkList(ctx, types.NetworkListOptions{Filters: instanceFilter(instance)})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range networks {
		progress("Removing network " + n.Name)
		if err := cli.NetworkRemove(ctx, n.ID); err != nil {
			return fmt.Errorf("failed to remove network %s: %w", n.Name, err)
		}
	}
	return nil
}

// listInstance returns the instance's service containers. Build containers
// share the instance label but are owned by the running pipeline.
func listInstance(ctx context.Context, cli *client.Client, instance string) ([]types.Container, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: instanceFilter(instance)})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	services := containers[:0]
	for _, c := range containers {
		if c.Labels[dockerpkg.LabelComponent] != "builder" {
			services = append(services, c)
		}
	}
	return services, nil
}

func instanceFilter(instance string) filters.Args {
	return filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, instance)),
	)
}
