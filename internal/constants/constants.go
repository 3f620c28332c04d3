package constants

import "errors"

// DefaultSeedPackages are upgraded inside every environment before the
// manifest is installed. Old pip/setuptools combos fail resolution on
// perfectly valid manifests.
func DefaultSeedPackages() []string {
	return []string{"pip", "setuptools", "wheel"}
}

// ErrAlreadyProvisioned signals that the target environment already exists
// and matches the requested manifest, so provisioning steps turn into no-ops.
var ErrAlreadyProvisioned = errors.New("environment already provisioned")

const (
	// Bootstrap DAG ops.
	OpPreflight   = "preflight"
	OpCreateEnv   = "create-env"
	OpSeedUpgrade = "seed-upgrade"
	OpInstallDeps = "install-deps"
	OpVerifyEnv   = "verify-env"
	OpRecordState = "record-state"

	// Image build DAG ops.
	OpValidatePlan     = "validate-plan"
	OpResolveEngine    = "resolve-engine"
	OpRenderDockerfile = "render-dockerfile"
	OpPrepareContext   = "prepare-context"
	OpBuildImage       = "build-image"
	OpVerifyImage      = "verify-image"
	OpRecordBuild      = "record-build"

	// StateDir is created inside a provisioned environment and holds the
	// freeze snapshot plus the provisioning record.
	StateDir   = ".envcore"
	FreezeFile = "freeze.txt"
	StateFile  = "state.yaml"

	// DefaultManifest is looked up relative to the working directory when
	// no explicit path is given.
	DefaultManifest = "requirements.txt"

	// DefaultPlan is the build plan looked up next to the manifest.
	DefaultPlan = "envcore.yaml"

	// DefaultEnvDir is where bootstrap places the interpreter environment
	// unless the caller overrides it.
	DefaultEnvDir = ".venv"

	DefaultPythonVersion = "3.11"
	DefaultNodeVersion   = "20"
	DefaultTimezone      = "Etc/UTC"

	// DefaultBaseImagePattern expands with the python version into the
	// image base when the plan names none.
	DefaultBaseImagePattern = "python:%s-slim-bookworm"
	DefaultUserName      = "appuser"
	DefaultUserID        = 10001
	DefaultGroupID       = 10001
	DefaultWorkdir       = "/app"

	// DockerfileName is the rendered output inside the build context.
	DockerfileName = "Dockerfile.envcore"

	// Image labels stamped on every build.
	LabelPlanDigest     = "envcore.plan-digest"
	LabelManifestDigest = "envcore.manifest-digest"
	LabelVersion        = "envcore.version"

	// MinFreeBytes is the free-space floor checked during preflight.
	// Wheels for scientific stacks easily chew through a few hundred MB.
	MinFreeBytes = 512 * 1024 * 1024

	// DefaultNetworkRetries bounds how often a network-classed install
	// failure is retried before giving up.
	DefaultNetworkRetries = 3
)

const (
	// EnvBootstrapped is exported into hook and entrypoint environments so
	// in-container tooling can tell it runs on a provisioned tree.
	EnvBootstrapped = "ENVCORE_BOOTSTRAPPED"
)
