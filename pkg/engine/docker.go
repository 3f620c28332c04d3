package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DockerEngine drives the docker CLI.
type DockerEngine struct {
	*CLIEngine
}

// NewDockerEngine creates a docker engine. A missing binary is not an error
// here, Available reports it.
func NewDockerEngine(opts ...Option) *DockerEngine {
	path, _ := exec.LookPath("docker")
	return &DockerEngine{
		CLIEngine: newCLIEngine("docker", path, opts...),
	}
}

// Available checks that the binary exists and the daemon answers. A docker
// client without its daemon is as useless as no docker at all.
func (e *DockerEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.createCommand(context.Background(), "version", "--format", "{{.Server.Version}}").Run() == nil
}

// Version returns the daemon version.
func (e *DockerEngine) Version(ctx context.Context) (string, error) {
	out, err := e.runOutput(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get docker version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ImageExists checks if an image is present locally.
func (e *DockerEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	return e.runStatus(ctx, "image", "inspect", image) == nil, nil
}
