package utils

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Runner executes host commands. Provisioning steps take a Runner so tests
// can swap in a recording fake instead of touching the host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// HostRunner runs commands on the host and captures combined output, so a
// failure can be classified from whatever the tool printed.
type HostRunner struct {
	Dir string   // working directory, empty means inherit
	Env []string // extra KEY=VALUE pairs appended to the process environment
}

func (r HostRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	c := exec.CommandContext(ctx, name, args...)
	c.Dir = r.Dir
	if len(r.Env) > 0 {
		c.Env = append(os.Environ(), r.Env...)
	}
	out, err := c.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("failed to run %s: %w", name, err)
	}
	return string(out), nil
}
