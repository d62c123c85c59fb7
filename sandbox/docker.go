package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"go.uber.org/zap"
)

// dockerAPI is the subset of *docker.Client the provider uses.
type dockerAPI interface {
	PingWithContext(ctx context.Context) error
	InspectImage(name string) (*docker.Image, error)
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	InspectContainerWithOptions(opts docker.InspectContainerOptions) (*docker.Container, error)
	KillContainer(opts docker.KillContainerOptions) error
	Logs(opts docker.LogsOptions) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
	ListContainers(opts docker.ListContainersOptions) ([]docker.APIContainers, error)
}

var (
	_ Provider = (*DockerProvider)(nil)
	_ Pinger   = (*DockerProvider)(nil)
	_ Sweeper  = (*DockerProvider)(nil)
)

// DockerProvider implements Provider against the Docker Engine API. The
// underlying client is goroutine-safe and shared by all requests.
type DockerProvider struct {
	logger *zap.Logger
	client dockerAPI
}

// NewDockerClient connects to endpoint, or to the daemon described by the
// DOCKER_* environment variables when endpoint is empty.
func NewDockerClient(endpoint string) (*docker.Client, error) {
	if endpoint == "" {
		return docker.NewClientFromEnv()
	}
	return docker.NewClient(endpoint)
}

// NewDockerProvider creates a provider on top of an existing client.
func NewDockerProvider(logger *zap.Logger, client *docker.Client) *DockerProvider {
	return newDockerProvider(logger, client)
}

func newDockerProvider(logger *zap.Logger, client dockerAPI) *DockerProvider {
	return &DockerProvider{logger: logger, client: client}
}

// Ping checks that the daemon answers.
func (d *DockerProvider) Ping(ctx context.Context) error {
	if err := d.client.PingWithContext(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

// EnsureImage pulls the image only when it is not present locally.
func (d *DockerProvider) EnsureImage(ctx context.Context, image string) error {
	_, err := d.client.InspectImage(image)
	if err == nil {
		return nil
	}
	if !errors.Is(err, docker.ErrNoSuchImage) {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}

	repository, tag := docker.ParseRepositoryTag(image)
	if tag == "" {
		tag = "latest"
	}

	d.logger.Info("pulling sandbox image", zap.String("image", image))
	if err := d.client.PullImage(docker.PullImageOptions{
		Repository: repository,
		Tag:        tag,
		Context:    ctx,
	}, docker.AuthConfiguration{}); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}

	return nil
}

// CreateAndStart creates the container and starts it detached.
func (d *DockerProvider) CreateAndStart(ctx context.Context, spec Spec) (Handle, error) {
	hostConfig := &docker.HostConfig{
		Memory:      spec.MemoryBytes,
		MemorySwap:  spec.MemoryBytes, // no swap beyond the memory cap
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if spec.NetworkEnabled {
		hostConfig.NetworkMode = "bridge"
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostConfig.PidsLimit = &pids
	}

	container, err := d.client.CreateContainer(docker.CreateContainerOptions{
		Name: spec.Name,
		Config: &docker.Config{
			Image:           spec.Image,
			Cmd:             spec.Command,
			User:            spec.User,
			Labels:          spec.Labels,
			NetworkDisabled: !spec.NetworkEnabled,
			AttachStdout:    true,
			AttachStderr:    true,
		},
		HostConfig: hostConfig,
		Context:    ctx,
	})
	if err != nil {
		// a cancelled create may still have produced the container
		d.discard(ctx, spec.Name)
		return Handle{}, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.StartContainerWithContext(container.ID, nil, ctx); err != nil {
		d.discard(ctx, container.ID)
		return Handle{}, fmt.Errorf("failed to start container: %w", err)
	}

	return Handle{ID: container.ID, Name: spec.Name, CreatedAt: container.Created}, nil
}

// discard removes a half-created container by id or name.
func (d *DockerProvider) discard(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := d.client.RemoveContainer(docker.RemoveContainerOptions{ID: id, Force: true, Context: cctx})
	var noSuch *docker.NoSuchContainer
	if err != nil && !errors.As(err, &noSuch) {
		d.logger.Warn("failed to discard container after failed start", zap.String("container", id), zap.Error(err))
	}
}

// RefreshStatus inspects the container state.
func (d *DockerProvider) RefreshStatus(ctx context.Context, h Handle) (Status, error) {
	container, err := d.client.InspectContainerWithOptions(docker.InspectContainerOptions{
		ID:      h.ID,
		Context: ctx,
	})
	if err != nil {
		return Status{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	return Status{
		State:     stateFromRuntime(container.State.Status, container.State.Running),
		ExitCode:  container.State.ExitCode,
		OOMKilled: container.State.OOMKilled,
	}, nil
}

// ForceKill sends SIGKILL to the container.
func (d *DockerProvider) ForceKill(ctx context.Context, h Handle) error {
	err := d.client.KillContainer(docker.KillContainerOptions{
		ID:      h.ID,
		Signal:  docker.SIGKILL,
		Context: ctx,
	})
	if err == nil {
		return nil
	}

	var notRunning *docker.ContainerNotRunning
	var noSuch *docker.NoSuchContainer
	if errors.As(err, &notRunning) || errors.As(err, &noSuch) {
		return nil
	}
	return fmt.Errorf("failed to kill container: %w", err)
}

// FetchLogs returns the selected streams. Combined output keeps the order
// in which the daemon recorded it.
func (d *DockerProvider) FetchLogs(ctx context.Context, h Handle, streams LogStreams) ([]byte, error) {
	var buf bytes.Buffer

	opts := docker.LogsOptions{
		Context:      ctx,
		Container:    h.ID,
		OutputStream: io.Discard,
		ErrorStream:  io.Discard,
		Stdout:       streams&Stdout != 0,
		Stderr:       streams&Stderr != 0,
	}
	if opts.Stdout {
		opts.OutputStream = &buf
	}
	if opts.Stderr {
		opts.ErrorStream = &buf
	}

	if err := d.client.Logs(opts); err != nil {
		return nil, fmt.Errorf("failed to fetch container logs: %w", err)
	}
	return buf.Bytes(), nil
}

// Remove force-removes the container.
func (d *DockerProvider) Remove(ctx context.Context, h Handle) error {
	err := d.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:      h.ID,
		Force:   true,
		Context: ctx,
	})
	if err == nil {
		return nil
	}

	var noSuch *docker.NoSuchContainer
	if errors.As(err, &noSuch) {
		return nil
	}
	return fmt.Errorf("failed to remove container: %w", err)
}

// Sweep removes every container labelled as managed by this service.
func (d *DockerProvider) Sweep(ctx context.Context) (int, error) {
	containers, err := d.client.ListContainers(docker.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"label": {LabelManaged + "=true"}},
		Context: ctx,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if err := d.Remove(ctx, Handle{ID: c.ID}); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
