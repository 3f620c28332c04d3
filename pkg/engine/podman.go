package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// PodmanEngine drives the podman CLI.
type PodmanEngine struct {
	*CLIEngine
}

// NewPodmanEngine creates a podman engine. A missing binary is not an error
// here, Available reports it.
func NewPodmanEngine(opts ...Option) *PodmanEngine {
	path, _ := exec.LookPath("podman")
	return &PodmanEngine{
		CLIEngine: newCLIEngine("podman", path, opts...),
	}
}

// Available checks that the binary exists and answers. Podman is daemonless,
// a successful version call is all there is to check.
func (e *PodmanEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.createCommand(context.Background(), "version", "--format", "{{.Client.Version}}").Run() == nil
}

// Version returns the podman version.
func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	out, err := e.runOutput(ctx, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get podman version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ImageExists checks if an image is present locally, using podman's native
// existence subcommand.
func (e *PodmanEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	return e.runStatus(ctx, "image", "exists", image) == nil, nil
}
