package launcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
)

func TestLaunchOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    LaunchOptions
		wantErr bool
	}{
		{"valid", LaunchOptions{Image: "drive-api:abc", Port: 3000}, false},
		{"valid with host port", LaunchOptions{Image: "drive-api:abc", Port: 3000, HostPort: 8080}, false},
		{"missing image", LaunchOptions{Port: 3000}, true},
		{"port zero", LaunchOptions{Image: "drive-api:abc"}, true},
		{"port too large", LaunchOptions{Image: "drive-api:abc", Port: 70000}, true},
		{"bad host port", LaunchOptions{Image: "drive-api:abc", Port: 3000, HostPort: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestPortSpec(t *testing.T) {
	opts := LaunchOptions{Image: "drive-api:abc", Port: 3000}

	port, binding, err := opts.PortSpec()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(port) != "3000/tcp" {
		t.Fatalf("unexpected port: %s", port)
	}
	// published on all interfaces, not loopback
	if binding.HostIP != "0.0.0.0" {
		t.Fatalf("unexpected host ip: %s", binding.HostIP)
	}
	if binding.HostPort != "3000" {
		t.Fatalf("unexpected host port: %s", binding.HostPort)
	}

	opts.HostPort = 8080
	_, binding, err = opts.PortSpec()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if binding.HostPort != "8080" {
		t.Fatalf("unexpected host port: %s", binding.HostPort)
	}
}

type fakeContainerAPI struct {
	running  bool
	exitCode int
	logs     string
}

func (f *fakeContainerAPI) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{
				Running:  f.running,
				ExitCode: f.exitCode,
			},
		},
	}, nil
}

func (f *fakeContainerAPI) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeContainerAPI) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: int64(f.exitCode)}
	return statusCh, make(chan error)
}

func (f *fakeContainerAPI) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return nil
}

func (f *fakeContainerAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return nil
}

func testHandle(api containerAPI, dial func(network, addr string, timeout time.Duration) (net.Conn, error)) *Handle {
	return &Handle{
		logger:      slog.New(slog.DiscardHandler),
		api:         api,
		containerID: "c0ffee",
		hostPort:    3000,
		dial:        dial,
	}
}

func refuseDial(network, addr string, timeout time.Duration) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestWaitReadyEarlyExit(t *testing.T) {
	// the named module lacks the application attribute: the process
	// dies before a listening socket is established
	api := &fakeContainerAPI{
		running:  false,
		exitCode: 1,
		logs:     `AttributeError: module 'main' has no attribute 'app'`,
	}
	h := testHandle(api, refuseDial)

	err := h.WaitReady(context.Background(), 5*time.Second)
	if err == nil {
		t.Fatalf("expected error for exited container")
	}
	if !strings.Contains(err.Error(), "exited with status 1") {
		t.Fatalf("expected exit code in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "has no attribute 'app'") {
		t.Fatalf("expected container logs in error, got %v", err)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	// container keeps running but never listens
	h := testHandle(&fakeContainerAPI{running: true}, refuseDial)

	err := h.WaitReady(context.Background(), 600*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out waiting") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitReadyListening(t *testing.T) {
	h := testHandle(&fakeContainerAPI{running: true}, func(network, addr string, timeout time.Duration) (net.Conn, error) {
		client, server := net.Pipe()
		server.Close()
		return client, nil
	})

	if err := h.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestEnvList(t *testing.T) {
	env := envList(map[string]string{
		"PYTHONUNBUFFERED":        "1",
		"PYTHONDONTWRITEBYTECODE": "1",
	})
	sort.Strings(env)

	want := []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"}
	if len(env) != len(want) {
		t.Fatalf("unexpected env: %#v", env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Fatalf("unexpected env: %#v", env)
		}
	}
}
