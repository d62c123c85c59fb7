package sandbox

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDockerAPI records the options it was called with and returns the
// configured results.
type fakeDockerAPI struct {
	pingErr     error
	inspectErr  error
	pullErr     error
	createErr   error
	startErr    error
	inspectCont *docker.Container
	killErr     error
	removeErr   error
	stdout      string
	stderr      string
	listed      []docker.APIContainers

	pulled  []docker.PullImageOptions
	created []docker.CreateContainerOptions
	started []string
	killed  []docker.KillContainerOptions
	logs    []docker.LogsOptions
	removed []string
	lists   []docker.ListContainersOptions
}

func (f *fakeDockerAPI) PingWithContext(context.Context) error { return f.pingErr }

func (f *fakeDockerAPI) InspectImage(string) (*docker.Image, error) {
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	return &docker.Image{ID: "sha256:img"}, nil
}

func (f *fakeDockerAPI) PullImage(opts docker.PullImageOptions, _ docker.AuthConfiguration) error {
	f.pulled = append(f.pulled, opts)
	return f.pullErr
}

func (f *fakeDockerAPI) CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error) {
	f.created = append(f.created, opts)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &docker.Container{ID: "c0ffee", Created: time.Unix(1700000000, 0)}, nil
}

func (f *fakeDockerAPI) StartContainerWithContext(id string, _ *docker.HostConfig, _ context.Context) error {
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeDockerAPI) InspectContainerWithOptions(docker.InspectContainerOptions) (*docker.Container, error) {
	if f.inspectCont == nil {
		return nil, &docker.NoSuchContainer{ID: "c0ffee"}
	}
	return f.inspectCont, nil
}

func (f *fakeDockerAPI) KillContainer(opts docker.KillContainerOptions) error {
	f.killed = append(f.killed, opts)
	return f.killErr
}

func (f *fakeDockerAPI) Logs(opts docker.LogsOptions) error {
	f.logs = append(f.logs, opts)
	if opts.Stdout {
		_, _ = io.WriteString(opts.OutputStream, f.stdout)
	}
	if opts.Stderr {
		_, _ = io.WriteString(opts.ErrorStream, f.stderr)
	}
	return nil
}

func (f *fakeDockerAPI) RemoveContainer(opts docker.RemoveContainerOptions) error {
	f.removed = append(f.removed, opts.ID)
	return f.removeErr
}

func (f *fakeDockerAPI) ListContainers(opts docker.ListContainersOptions) ([]docker.APIContainers, error) {
	f.lists = append(f.lists, opts)
	return f.listed, nil
}

func TestDockerProviderEnsureImage(t *testing.T) {
	t.Run("Present", func(t *testing.T) {
		api := &fakeDockerAPI{}
		p := newDockerProvider(zaptest.NewLogger(t), api)

		require.NoError(t, p.EnsureImage(context.Background(), "python:3.9"))
		assert.Empty(t, api.pulled)
	})

	t.Run("PullsMissing", func(t *testing.T) {
		api := &fakeDockerAPI{inspectErr: docker.ErrNoSuchImage}
		p := newDockerProvider(zaptest.NewLogger(t), api)

		require.NoError(t, p.EnsureImage(context.Background(), "python:3.9"))
		require.Len(t, api.pulled, 1)
		assert.Equal(t, "python", api.pulled[0].Repository)
		assert.Equal(t, "3.9", api.pulled[0].Tag)
	})

	t.Run("DefaultsToLatest", func(t *testing.T) {
		api := &fakeDockerAPI{inspectErr: docker.ErrNoSuchImage}
		p := newDockerProvider(zaptest.NewLogger(t), api)

		require.NoError(t, p.EnsureImage(context.Background(), "python"))
		require.Len(t, api.pulled, 1)
		assert.Equal(t, "latest", api.pulled[0].Tag)
	})

	t.Run("InspectFails", func(t *testing.T) {
		api := &fakeDockerAPI{inspectErr: errors.New("connection refused")}
		p := newDockerProvider(zaptest.NewLogger(t), api)

		require.Error(t, p.EnsureImage(context.Background(), "python:3.9"))
		assert.Empty(t, api.pulled)
	})
}

func TestDockerProviderCreateAndStart(t *testing.T) {
	spec := Spec{
		Name:        "coderun-1",
		Image:       "python:3.9",
		Command:     []string{"python3", "-c", "print(1)"},
		User:        "nobody",
		MemoryBytes: 50 << 20,
		PidsLimit:   64,
		Labels:      managedLabels("1"),
	}

	t.Run("Success", func(t *testing.T) {
		api := &fakeDockerAPI{}
		p := newDockerProvider(zaptest.NewLogger(t), api)

		h, err := p.CreateAndStart(context.Background(), spec)
		require.NoError(t, err)
		assert.Equal(t, "c0ffee", h.ID)
		assert.Equal(t, []string{"c0ffee"}, api.started)

		require.Len(t, api.created, 1)
		opts := api.created[0]
		assert.Equal(t, "coderun-1", opts.Name)
		assert.Equal(t, spec.Command, opts.Config.Cmd)
		assert.Equal(t, "nobody", opts.Config.User)
		assert.True(t, opts.Config.NetworkDisabled)
		assert.Equal(t, "none", opts.HostConfig.NetworkMode)
		assert.Equal(t, int64(50<<20), opts.HostConfig.Memory)
		assert.Equal(t, int64(50<<20), opts.HostConfig.MemorySwap)
		assert.Equal(t, []string{"ALL"}, opts.HostConfig.CapDrop)
		require.NotNil(t, opts.HostConfig.PidsLimit)
		assert.Equal(t, int64(64), *opts.HostConfig.PidsLimit)
		assert.Equal(t, "true", opts.Config.Labels[LabelManaged])
	})

	t.Run("StartFailsRemovesContainer", func(t *testing.T) {
		api := &fakeDockerAPI{startErr: errors.New("oci runtime error")}
		p := newDockerProvider(zaptest.NewLogger(t), api)

		_, err := p.CreateAndStart(context.Background(), spec)
		require.Error(t, err)
		assert.Equal(t, []string{"c0ffee"}, api.removed)
	})

	t.Run("CreateFailsRemovesByName", func(t *testing.T) {
		api := &fakeDockerAPI{createErr: errors.New("conflict")}
		p := newDockerProvider(zaptest.NewLogger(t), api)

		_, err := p.CreateAndStart(context.Background(), spec)
		require.Error(t, err)
		assert.Equal(t, []string{"coderun-1"}, api.removed)
		assert.Empty(t, api.started)
	})
}

func TestDockerProviderRefreshStatus(t *testing.T) {
	api := &fakeDockerAPI{inspectCont: &docker.Container{
		ID:    "c0ffee",
		State: docker.State{Status: "exited", ExitCode: 137, OOMKilled: true},
	}}
	p := newDockerProvider(zaptest.NewLogger(t), api)

	status, err := p.RefreshStatus(context.Background(), Handle{ID: "c0ffee"})
	require.NoError(t, err)
	assert.Equal(t, Status{State: StateExited, ExitCode: 137, OOMKilled: true}, status)

	api.inspectCont = nil
	_, err = p.RefreshStatus(context.Background(), Handle{ID: "c0ffee"})
	assert.Error(t, err)
}

func TestDockerProviderForceKill(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		expectErr bool
	}{
		{name: "Killed"},
		{name: "NotRunning", err: &docker.ContainerNotRunning{ID: "c0ffee"}},
		{name: "Gone", err: &docker.NoSuchContainer{ID: "c0ffee"}},
		{name: "DaemonError", err: errors.New("500 internal"), expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeDockerAPI{killErr: tt.err}
			p := newDockerProvider(zaptest.NewLogger(t), api)

			err := p.ForceKill(context.Background(), Handle{ID: "c0ffee"})
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.Len(t, api.killed, 1)
			assert.Equal(t, docker.SIGKILL, api.killed[0].Signal)
		})
	}
}

func TestDockerProviderFetchLogs(t *testing.T) {
	api := &fakeDockerAPI{stdout: "out\n", stderr: "err\n"}
	p := newDockerProvider(zaptest.NewLogger(t), api)
	h := Handle{ID: "c0ffee"}

	stderr, err := p.FetchLogs(context.Background(), h, Stderr)
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(stderr))
	assert.False(t, api.logs[0].Stdout)

	combined, err := p.FetchLogs(context.Background(), h, Combined)
	require.NoError(t, err)
	assert.Equal(t, "out\nerr\n", string(combined))
}

func TestDockerProviderRemoveAndSweep(t *testing.T) {
	t.Run("RemoveToleratesMissing", func(t *testing.T) {
		api := &fakeDockerAPI{removeErr: &docker.NoSuchContainer{ID: "gone"}}
		p := newDockerProvider(zaptest.NewLogger(t), api)
		assert.NoError(t, p.Remove(context.Background(), Handle{ID: "gone"}))
	})

	t.Run("Sweep", func(t *testing.T) {
		api := &fakeDockerAPI{listed: []docker.APIContainers{{ID: "a"}, {ID: "b"}}}
		p := newDockerProvider(zaptest.NewLogger(t), api)

		removed, err := p.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		assert.Equal(t, []string{"a", "b"}, api.removed)
		require.Len(t, api.lists, 1)
		assert.True(t, api.lists[0].All)
		assert.Equal(t, []string{LabelManaged + "=true"}, api.lists[0].Filters["label"])
	})

	t.Run("Ping", func(t *testing.T) {
		api := &fakeDockerAPI{pingErr: errors.New("dial unix /var/run/docker.sock: connect: no such file")}
		p := newDockerProvider(zaptest.NewLogger(t), api)
		assert.ErrorContains(t, p.Ping(context.Background()), "docker daemon is not reachable")
	})
}
