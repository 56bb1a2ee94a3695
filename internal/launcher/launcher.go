// Package launcher starts containers built from deployment recipes and
// tracks their lifecycle. There is no supervision: a container that
// exits stays exited and the failure is reported to the caller.
package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// LaunchOptions configures one container launch.
type LaunchOptions struct {
	Image string

	// Port is the container port the application listens on. It is
	// published on all host interfaces so the service is reachable from
	// outside the container's network namespace.
	Port int

	// HostPort is the host port to publish on. Defaults to Port.
	HostPort int

	// Env is extra environment for the container process.
	Env map[string]string

	// Name is an optional container name.
	Name string

	// Pull fetches the image first instead of requiring it locally.
	Pull bool
}

// Validate checks the options.
func (o *LaunchOptions) Validate() error {
	if o.Image == "" {
		return fmt.Errorf("image is required")
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("port %d is out of range", o.Port)
	}
	if o.HostPort != 0 && (o.HostPort < 1 || o.HostPort > 65535) {
		return fmt.Errorf("host port %d is out of range", o.HostPort)
	}
	return nil
}

// PortSpec returns the container port in Docker's port/proto form and
// the host binding that publishes it on all interfaces.
func (o *LaunchOptions) PortSpec() (nat.Port, nat.PortBinding, error) {
	if err := o.Validate(); err != nil {
		return "", nat.PortBinding{}, err
	}

	port, err := nat.NewPort("tcp", fmt.Sprintf("%d", o.Port))
	if err != nil {
		return "", nat.PortBinding{}, fmt.Errorf("invalid port: %w", err)
	}

	hostPort := o.HostPort
	if hostPort == 0 {
		hostPort = o.Port
	}

	binding := nat.PortBinding{
		HostIP:   "0.0.0.0",
		HostPort: fmt.Sprintf("%d", hostPort),
	}
	return port, binding, nil
}

func envList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// Launcher runs containers via the Docker daemon.
type Launcher struct {
	logger *slog.Logger
	client *client.Client
}

// NewLauncher creates a launcher connected to the local Docker daemon.
func NewLauncher(logger *slog.Logger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Launcher{logger: logger, client: cli}, nil
}

// containerAPI is the slice of the Docker client a Handle needs.
type containerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Handle represents a launched container.
type Handle struct {
	logger      *slog.Logger
	api         containerAPI
	containerID string
	hostPort    int
	dial        func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// ContainerID returns the container's id.
func (h *Handle) ContainerID() string {
	return h.containerID
}

// HostPort returns the published host port.
func (h *Handle) HostPort() int {
	return h.hostPort
}

// Launch creates and starts a container from the image, publishing the
// application port.
func (l *Launcher) Launch(ctx context.Context, opts LaunchOptions) (*Handle, error) {
	port, binding, err := opts.PortSpec()
	if err != nil {
		return nil, err
	}

	if opts.Pull {
		reader, err := l.client.ImagePull(ctx, opts.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", opts.Image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	containerConfig := &container.Config{
		Image:        opts.Image,
		Env:          envList(opts.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{binding},
		},
	}

	created, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// best-effort removal of the never-started container
		_ = l.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	hostPort := opts.HostPort
	if hostPort == 0 {
		hostPort = opts.Port
	}

	l.logger.Info("Container started",
		"container_id", created.ID[:12],
		"image", opts.Image,
		"host_port", hostPort)

	return &Handle{
		logger:      l.logger,
		api:         l.client,
		containerID: created.ID,
		hostPort:    hostPort,
		dial:        net.DialTimeout,
	}, nil
}

// Close closes the underlying Docker client.
func (l *Launcher) Close() error {
	return l.client.Close()
}

// WaitReady blocks until the published port accepts TCP connections. If
// the container exits before listening, the exit code and captured logs
// are returned as an error instead.
func (h *Handle) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", h.hostPort)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s to accept connections: %w", addr, ctx.Err())
		case <-ticker.C:
		}

		inspect, err := h.api.ContainerInspect(context.WithoutCancel(ctx), h.containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container: %w", err)
		}
		if inspect.State != nil && !inspect.State.Running {
			logs := h.tailLogs(context.WithoutCancel(ctx))
			return fmt.Errorf("container exited with status %d before listening: %s",
				inspect.State.ExitCode, logs)
		}

		conn, err := h.dial("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			h.logger.Info("Container is accepting connections", "addr", addr)
			return nil
		}
	}
}

// tailLogs fetches the container's recent output for error reporting.
func (h *Handle) tailLogs(ctx context.Context) string {
	reader, err := h.api.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return ""
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, 16*1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Wait blocks until the container stops and returns its exit code.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := h.api.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Logs follows the container's stdout and stderr.
func (h *Handle) Logs(ctx context.Context) (io.ReadCloser, error) {
	return h.api.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

// Stop gracefully stops the container.
func (h *Handle) Stop(ctx context.Context) error {
	timeout := 10
	if err := h.api.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove deletes the stopped container.
func (h *Handle) Remove(ctx context.Context) error {
	if err := h.api.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}
