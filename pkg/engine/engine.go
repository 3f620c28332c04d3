package engine

import (
	"context"
	"fmt"
	"io"
)

// Engine abstracts the container tool the build pipeline drives. Docker and
// podman speak the same CLI dialect, so one args builder serves both.
type Engine interface {
	// Name returns the engine name (docker or podman).
	Name() string
	// Available checks that the binary exists and its daemon answers.
	Available() bool
	// Version returns the engine version.
	Version(ctx context.Context) (string, error)

	// Build builds an image from a rendered Dockerfile.
	Build(ctx context.Context, opts BuildOptions) error
	// Run runs a command in a throwaway container.
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
	// ImageExists checks if an image is present locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// ImageLabel reads one label off a local image, empty when unset.
	ImageLabel(ctx context.Context, image, label string) (string, error)
	// RemoveImage removes a local image.
	RemoveImage(ctx context.Context, image string, force bool) error
}

// BuildOptions describes one image build.
type BuildOptions struct {
	ContextDir string
	Dockerfile string // relative to ContextDir unless absolute
	Tag        string
	Labels     map[string]string
	BuildArgs  map[string]string
	NoCache    bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RunOptions describes one container run.
type RunOptions struct {
	Image      string
	Command    []string
	Entrypoint string // overrides the image entrypoint when set
	WorkDir    string
	Env        map[string]string
	Name       string
	Remove     bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RunResult is what came back from a container run.
type RunResult struct {
	ExitCode int
	// Error is set for infrastructure failures only, a non-zero exit of the
	// containerized command lands in ExitCode instead.
	Error error
}

// ErrEngineNotAvailable is returned when no usable container engine answers.
type ErrEngineNotAvailable struct {
	Engine string
	Reason string
}

func (e *ErrEngineNotAvailable) Error() string {
	return fmt.Sprintf("container engine %q is not available: %s", e.Engine, e.Reason)
}

// Detect returns a working engine. An explicit preference is tried first
// with the other engine as fallback, empty preference means docker then
// podman.
func Detect(preferred string, opts ...Option) (Engine, error) {
	switch preferred {
	case "docker":
		if e := NewDockerEngine(opts...); e.Available() {
			return e, nil
		}
		if e := NewPodmanEngine(opts...); e.Available() {
			return e, nil
		}
		return nil, &ErrEngineNotAvailable{Engine: "docker", Reason: "docker does not answer and podman is no fallback either"}
	case "podman":
		if e := NewPodmanEngine(opts...); e.Available() {
			return e, nil
		}
		if e := NewDockerEngine(opts...); e.Available() {
			return e, nil
		}
		return nil, &ErrEngineNotAvailable{Engine: "podman", Reason: "podman does not answer and docker is no fallback either"}
	case "":
		if e := NewDockerEngine(opts...); e.Available() {
			return e, nil
		}
		if e := NewPodmanEngine(opts...); e.Available() {
			return e, nil
		}
		return nil, &ErrEngineNotAvailable{Engine: "any", Reason: "neither docker nor podman answers on this host"}
	default:
		return nil, fmt.Errorf("unknown container engine %q", preferred)
	}
}
