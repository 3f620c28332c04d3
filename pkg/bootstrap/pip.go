package bootstrap

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	cnst "github.com/envcore/envcore/internal/constants"
	internalUtils "github.com/envcore/envcore/internal/utils"
	envErrors "github.com/envcore/envcore/pkg/errors"
	"github.com/avast/retry-go"
)

// Command is one installer invocation. The same sequence backs host
// provisioning and the chained RUN layer of an image build, so the two
// cannot drift apart.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// CreateEnvCommand builds the venv creation call.
func CreateEnvCommand(python, envDir string) Command {
	return Command{Name: python, Args: []string{"-m", "venv", envDir}}
}

// SeedUpgradeCommand upgrades the packaging seed inside the environment.
func SeedUpgradeCommand(envPython string) Command {
	args := append([]string{"-m", "pip", "install", "--upgrade"}, cnst.DefaultSeedPackages()...)
	return Command{Name: envPython, Args: args}
}

// InstallCommand installs the manifest into the environment. Extra options
// come from the manifest's own option lines.
func InstallCommand(envPython, manifestPath string, options []string, noCache bool) Command {
	args := []string{"-m", "pip", "install", "--no-input"}
	if noCache {
		args = append(args, "--no-cache-dir")
	}
	for _, opt := range options {
		args = append(args, strings.Fields(opt)...)
	}
	args = append(args, "-r", manifestPath)
	return Command{Name: envPython, Args: args}
}

// FreezeCommand snapshots what actually got installed.
func FreezeCommand(envPython string) Command {
	return Command{Name: envPython, Args: []string{"-m", "pip", "freeze"}}
}

// CommandSequence is the full provisioning chain for one environment, in
// execution order.
func CommandSequence(python, envDir, manifestPath string, options []string, noCache bool) []Command {
	envPython := EnvPython(envDir)
	return []Command{
		CreateEnvCommand(python, envDir),
		SeedUpgradeCommand(envPython),
		InstallCommand(envPython, manifestPath, options, noCache),
	}
}

// The installer exits 1 for every kind of trouble, only its output tells the
// causes apart.
var (
	permissionMarkers = []string{
		"Permission denied",
		"[Errno 13]",
	}
	networkMarkers = []string{
		"Temporary failure in name resolution",
		"Failed to establish a new connection",
		"Connection timed out",
		"ReadTimeoutError",
		"Network is unreachable",
		"Could not fetch URL",
		"ProxyError",
	}
	resolutionMarkers = []string{
		"No matching distribution found",
		"Could not find a version that satisfies the requirement",
		"ResolutionImpossible",
	}

	offendingRegexps = []*regexp.Regexp{
		regexp.MustCompile(`No matching distribution found for (\S+)`),
		regexp.MustCompile(`Could not find a version that satisfies the requirement (\S+)`),
	}
)

// ClassifyInstallFailure maps installer output onto the error taxonomy.
// Order matters: permission before network before resolution, a download
// aborted by EACCES mentions URLs too.
func ClassifyInstallFailure(target, output string, err error) error {
	for _, marker := range permissionMarkers {
		if strings.Contains(output, marker) {
			return envErrors.NewPermissionError(target, err)
		}
	}
	for _, marker := range networkMarkers {
		if strings.Contains(output, marker) {
			return envErrors.NewNetworkUnavailableError(err)
		}
	}
	for _, marker := range resolutionMarkers {
		if strings.Contains(output, marker) {
			return envErrors.NewDependencyResolutionError(offendingRequirement(output), err)
		}
	}
	return err
}

func offendingRequirement(output string) string {
	for _, re := range offendingRegexps {
		if matches := re.FindStringSubmatch(output); matches != nil {
			return strings.TrimRight(matches[1], ",;")
		}
	}
	return ""
}

// IsNetworkError reports whether an error classified as network trouble.
func IsNetworkError(err error) bool {
	var e envErrors.Error
	return errors.As(err, &e) && e.ErrorCode == envErrors.NetworkUnavailableError
}

// runClassified runs one installer command and classifies its failure.
func (s *State) runClassified(ctx context.Context, cmd Command) error {
	out, err := s.Runner.Run(ctx, cmd.Name, cmd.Args...)
	if err != nil {
		internalUtils.Log.Debug().Str("command", cmd.String()).Str("output", out).Msg("Installer failed")
		return ClassifyInstallFailure(s.EnvDir, out, err)
	}
	return nil
}

// runWithRetry is runClassified plus a backoff loop for network failures.
// The index being down is the one transient cause worth waiting out, all
// other classes fail the same way on every attempt.
func (s *State) runWithRetry(ctx context.Context, cmd Command) error {
	return retry.Do(
		func() error {
			return s.runClassified(ctx, cmd)
		},
		retry.Attempts(cnst.DefaultNetworkRetries),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsNetworkError),
		retry.OnRetry(func(n uint, err error) {
			internalUtils.Log.Warn().Uint("attempt", n+1).Err(err).Msg("Retrying after network failure")
		}),
	)
}
