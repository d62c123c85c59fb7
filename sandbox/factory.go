package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
)

// NewProvider creates the isolation provider selected by sandbox.backend.
// It is built once per process and shared by every request.
func NewProvider(logger *zap.Logger, cfg *config.Config) (Provider, error) {
	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		client, err := NewDockerClient(cfg.Sandbox.DockerEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		return NewDockerProvider(logger, client), nil
	case config.BackendDockerCLI:
		return NewCLIProvider(logger, "docker"), nil
	case config.BackendPodman:
		return NewCLIProvider(logger, "podman"), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
