package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	internalUtils "github.com/envcore/envcore/internal/utils"
	envErrors "github.com/envcore/envcore/pkg/errors"
	"github.com/twpayne/go-vfs/v4"
)

// Interpreter is a usable python on the host.
type Interpreter struct {
	Binary  string // what to invoke, as given or found on PATH
	Version string // e.g. "3.11.9"
}

var (
	versionRegexp   = regexp.MustCompile(`Python (\d+)\.(\d+)(?:\.\d+)?`)
	versionIDRegexp = regexp.MustCompile(`^(\d+)\.(\d+)$`)
)

// ResolveInterpreter finds a python able to carry an environment. The
// explicit value is either a binary, taken or left, or a version identifier
// like "3.11", which tries pythonMAJOR.MINOR first and falls back to the
// usual names as long as they report the asked-for version. Empty probes the
// usual names. Asking the binary for its version doubles as the existence
// check.
func ResolveInterpreter(ctx context.Context, r internalUtils.Runner, explicit string) (Interpreter, error) {
	candidates := []string{"python3", "python"}
	wantMajor, wantMinor := 0, 0
	if wanted := versionIDRegexp.FindStringSubmatch(explicit); wanted != nil {
		wantMajor, _ = strconv.Atoi(wanted[1])
		wantMinor, _ = strconv.Atoi(wanted[2])
		candidates = append([]string{"python" + explicit}, candidates...)
	} else if explicit != "" {
		candidates = []string{explicit}
	}

	var lastErr error
	for _, candidate := range candidates {
		out, err := r.Run(ctx, candidate, "--version")
		if err != nil {
			lastErr = err
			continue
		}
		interp := Interpreter{Binary: candidate}
		matches := versionRegexp.FindStringSubmatch(out)
		if matches == nil {
			lastErr = fmt.Errorf("%s reports no recognizable version: %q", candidate, strings.TrimSpace(out))
			continue
		}
		interp.Version = strings.TrimPrefix(matches[0], "Python ")
		major, _ := strconv.Atoi(matches[1])
		minor, _ := strconv.Atoi(matches[2])
		if major < 3 || (major == 3 && minor < 8) {
			lastErr = fmt.Errorf("%s is Python %s, 3.8 is the floor", candidate, interp.Version)
			continue
		}
		if wantMajor != 0 && (major != wantMajor || minor != wantMinor) {
			lastErr = fmt.Errorf("%s is Python %s, %s was asked for", candidate, interp.Version, explicit)
			continue
		}
		internalUtils.Log.Debug().Str("binary", candidate).Str("version", interp.Version).Msg("Resolved interpreter")
		return interp, nil
	}
	return Interpreter{}, envErrors.NewInterpreterNotFoundError(strings.Join(candidates, ", "), lastErr)
}

// ValidEnv reports whether dir looks like a usable environment: the venv
// marker file and its interpreter both present.
func ValidEnv(fsys vfs.FS, dir string) bool {
	if _, err := fsys.Stat(filepath.Join(dir, "pyvenv.cfg")); err != nil {
		return false
	}
	if _, err := fsys.Stat(filepath.Join(dir, "bin", "python")); err != nil {
		return false
	}
	return true
}

// EnvPython returns the interpreter inside an environment.
func EnvPython(envDir string) string {
	return filepath.Join(envDir, "bin", "python")
}
