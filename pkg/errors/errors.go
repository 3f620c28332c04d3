package errors

import (
	"fmt"
)

// Codes returned as the process exit status when the CLI aborts. Scripts
// wrapping envcore key off these, so existing values never change meaning.
const (
	ManifestNotFoundError int = 1 + iota
	ManifestParseError
	DependencyResolutionError
	PermissionError
	NetworkUnavailableError
	InterpreterNotFoundError
	EnvCorruptError
	PlanNotFoundError
	PlanInvalidError
	EngineUnavailableError
	BuildStepFailedError
	VerificationFailedError
)

// Error carries a classified failure out of the provisioning and build DAGs.
type Error struct {
	Message    string
	Details    error
	ErrorCode  int
	Suggestion string
}

func (e Error) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause so callers can match with errors.Is.
func (e Error) Unwrap() error {
	return e.Details
}

// NewManifestNotFoundError returns a new error which indicates that the
// dependency manifest could not be read at the given path.
func NewManifestNotFoundError(path string, err error) error {
	return Error{
		Message:    fmt.Sprintf("manifest %s not found", path),
		Details:    err,
		ErrorCode:  ManifestNotFoundError,
		Suggestion: "check that the manifest path exists and is readable, or pass an explicit path with --manifest",
	}
}

// NewManifestParseError returns a new error which indicates that the manifest
// exists but one of its lines could not be understood.
func NewManifestParseError(path string, line int, err error) error {
	return Error{
		Message:    fmt.Sprintf("manifest %s is malformed at line %d", path, line),
		Details:    err,
		ErrorCode:  ManifestParseError,
		Suggestion: "fix the offending requirement line; see pip's requirement specifier format",
	}
}

// NewDependencyResolutionError returns a new error which indicates that the
// installer could not find a set of package versions satisfying the manifest.
func NewDependencyResolutionError(requirement string, err error) error {
	msg := "no version set satisfies the manifest"
	if requirement != "" {
		msg = fmt.Sprintf("no installable candidate for %q", requirement)
	}
	return Error{
		Message:    msg,
		Details:    err,
		ErrorCode:  DependencyResolutionError,
		Suggestion: "relax conflicting pins in the manifest or verify the package name is spelled correctly",
	}
}

// NewPermissionError returns a new error which indicates the filesystem
// refused an operation the bootstrap needed.
func NewPermissionError(path string, err error) error {
	return Error{
		Message:    fmt.Sprintf("permission denied writing to %s", path),
		Details:    err,
		ErrorCode:  PermissionError,
		Suggestion: "pick a writable --env-dir or adjust ownership of the target directory",
	}
}

// NewNetworkUnavailableError returns a new error which indicates the package
// index could not be reached.
func NewNetworkUnavailableError(err error) error {
	return Error{
		Message:    "package index unreachable",
		Details:    err,
		ErrorCode:  NetworkUnavailableError,
		Suggestion: "check connectivity and proxy settings, then re-run; completed steps are skipped on retry",
	}
}

// NewInterpreterNotFoundError returns a new error which indicates no usable
// interpreter binary was found on the host.
func NewInterpreterNotFoundError(interpreter string, err error) error {
	return Error{
		Message:    fmt.Sprintf("interpreter %q not found on PATH", interpreter),
		Details:    err,
		ErrorCode:  InterpreterNotFoundError,
		Suggestion: "install the interpreter or point --python at an existing binary",
	}
}

// NewEnvCorruptError returns a new error which indicates the target directory
// exists but is not a usable environment.
func NewEnvCorruptError(envDir string, err error) error {
	return Error{
		Message:    fmt.Sprintf("%s exists but is not a valid environment", envDir),
		Details:    err,
		ErrorCode:  EnvCorruptError,
		Suggestion: "remove the directory and re-run, or choose a different --env-dir",
	}
}

// NewPlanNotFoundError returns a new error which indicates the build plan
// file could not be read.
func NewPlanNotFoundError(path string, err error) error {
	return Error{
		Message:    fmt.Sprintf("build plan %s not found", path),
		Details:    err,
		ErrorCode:  PlanNotFoundError,
		Suggestion: "create a plan file or pass its location with --plan",
	}
}

// NewPlanInvalidError returns a new error which indicates the build plan was
// read but fails validation.
func NewPlanInvalidError(reason string, err error) error {
	return Error{
		Message:    fmt.Sprintf("build plan invalid: %s", reason),
		Details:    err,
		ErrorCode:  PlanInvalidError,
		Suggestion: "fix the plan field named in the message; run 'envcore render' to inspect the result",
	}
}

// NewEngineUnavailableError returns a new error which indicates no container
// engine answered on this host.
func NewEngineUnavailableError(err error) error {
	return Error{
		Message:    "no container engine available",
		Details:    err,
		ErrorCode:  EngineUnavailableError,
		Suggestion: "start the docker daemon or install podman, then check with 'envcore doctor'",
	}
}

// NewBuildStepFailedError returns a new error which indicates a named build
// step returned a non-zero status.
func NewBuildStepFailedError(step string, err error) error {
	return Error{
		Message:    fmt.Sprintf("build step %q failed", step),
		Details:    err,
		ErrorCode:  BuildStepFailedError,
		Suggestion: "re-run with --debug to see the full engine output for the failing step",
	}
}

// NewVerificationFailedError returns a new error which indicates the
// post-provision or post-build check did not pass.
func NewVerificationFailedError(detail string, err error) error {
	return Error{
		Message:    fmt.Sprintf("verification failed: %s", detail),
		Details:    err,
		ErrorCode:  VerificationFailedError,
		Suggestion: "the environment or image is incomplete; inspect the details and re-run the failed stage",
	}
}
