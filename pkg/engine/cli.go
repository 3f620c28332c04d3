package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	internalUtils "github.com/envcore/envcore/internal/utils"
)

// ExecCommandFunc creates the exec.Cmd a CLI engine runs. Tests inject a
// fake to capture arguments instead of spawning anything.
type ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Option configures a CLIEngine.
type Option func(*CLIEngine)

// WithExecCommand swaps the command constructor, for tests.
func WithExecCommand(fn ExecCommandFunc) Option {
	return func(e *CLIEngine) {
		e.execCommand = fn
	}
}

// CLIEngine holds what docker and podman share: the binary, the arg
// builders and the plumbing to run them. The concrete engines embed it and
// add only what differs.
type CLIEngine struct {
	name        string
	binaryPath  string
	execCommand ExecCommandFunc
}

func newCLIEngine(name, binaryPath string, opts ...Option) *CLIEngine {
	e := &CLIEngine{
		name:        name,
		binaryPath:  binaryPath,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *CLIEngine) Name() string {
	return e.name
}

// BinaryPath returns the resolved engine binary, empty when not on PATH.
func (e *CLIEngine) BinaryPath() string {
	return e.binaryPath
}

// BuildArgs constructs the argument list for a build. Map-valued options are
// emitted in sorted key order so the same options always produce the same
// command line.
func (e *CLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		dockerfile := opts.Dockerfile
		if !filepath.IsAbs(dockerfile) && opts.ContextDir != "" {
			dockerfile = filepath.Join(opts.ContextDir, dockerfile)
		}
		args = append(args, "-f", dockerfile)
	}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, opts.Labels[k]))
	}
	for _, k := range sortedKeys(opts.BuildArgs) {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, opts.BuildArgs[k]))
	}
	args = append(args, opts.ContextDir)
	return args
}

// RunArgs constructs the argument list for a run.
func (e *CLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.Entrypoint != "" {
		args = append(args, "--entrypoint", opts.Entrypoint)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}
	args = append(args, opts.Image)
	args = append(args, opts.Command...)
	return args
}

// Build runs the build and streams engine output to the given writers.
func (e *CLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	args := e.BuildArgs(opts)
	internalUtils.Log.Debug().Str("engine", e.name).Strs("args", args).Msg("Running build")

	cmd := e.createCommand(ctx, args...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s build failed: %w", e.name, err)
	}
	return nil
}

// Run starts a container and waits for it. A non-zero exit of the
// containerized command is reported in the result, not as an error.
func (e *CLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	args := e.RunArgs(opts)
	internalUtils.Log.Debug().Str("engine", e.name).Strs("args", args).Msg("Running container")

	cmd := e.createCommand(ctx, args...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	err := cmd.Run()

	result := &RunResult{}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Error = err
		}
	}
	return result, nil
}

// ImageLabel reads one label off a local image. Docker and podman render
// the same inspect template.
func (e *CLIEngine) ImageLabel(ctx context.Context, image, label string) (string, error) {
	out, err := e.runOutput(ctx, "image", "inspect", "--format", fmt.Sprintf("{{ index .Config.Labels %q }}", label), image)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoveImage removes a local image.
func (e *CLIEngine) RemoveImage(ctx context.Context, image string, force bool) error {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, image)
	return e.runStatus(ctx, args...)
}

// runStatus runs a command caring only about success.
func (e *CLIEngine) runStatus(ctx context.Context, args ...string) error {
	if err := e.createCommand(ctx, args...).Run(); err != nil {
		return fmt.Errorf("command %s %s failed: %w", e.binaryPath, strings.Join(args, " "), err)
	}
	return nil
}

// runOutput runs a command and returns its stdout.
func (e *CLIEngine) runOutput(ctx context.Context, args ...string) (string, error) {
	out, err := e.createCommand(ctx, args...).Output()
	if err != nil {
		return "", fmt.Errorf("command %s %s failed: %w", e.binaryPath, strings.Join(args, " "), err)
	}
	return string(out), nil
}

func (e *CLIEngine) createCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
