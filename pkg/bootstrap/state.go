package bootstrap

import (
	"fmt"
	"path/filepath"

	cnst "github.com/envcore/envcore/internal/constants"
	internalUtils "github.com/envcore/envcore/internal/utils"
	"github.com/envcore/envcore/pkg/manifest"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
)

// State carries everything the provisioning steps share: the target, the
// seams swapped out by tests, and what earlier steps discovered for later
// ones.
type State struct {
	EnvDir       string // where the environment lives, e.g. ".venv"
	ManifestPath string // requirements file driving the install
	PythonBin    string // explicit interpreter, empty means discover
	NoCache      bool   // tell the installer to skip its cache
	Upgrade      bool   // reinstall even when the recorded digest matches
	FS           vfs.FS
	Runner       internalUtils.Runner

	// Filled in by the preflight step for everyone downstream.
	Manifest    *manifest.Manifest
	Interpreter Interpreter

	// Set when the existing environment already matches the manifest, the
	// provisioning steps then turn into no-ops.
	upToDate bool
}

// NewState returns a State bound to the real host. Tests build the struct
// by hand with their own FS and Runner.
func NewState(envDir, manifestPath string) *State {
	return &State{
		EnvDir:       envDir,
		ManifestPath: manifestPath,
		FS:           vfs.OSFS,
		Runner:       internalUtils.HostRunner{},
	}
}

// UpToDate reports whether provisioning turned out to be a no-op.
func (s *State) UpToDate() bool {
	return s.upToDate
}

func (s *State) path(p ...string) string {
	return filepath.Join(append([]string{s.EnvDir}, p...)...)
}

// Record is the provisioning receipt written into the environment. The next
// run reads it back to decide whether there is anything to do.
type Record struct {
	RunID          string `yaml:"run_id"`
	EnvDir         string `yaml:"env_dir"`
	Manifest       string `yaml:"manifest"`
	ManifestDigest string `yaml:"manifest_digest"`
	Python         string `yaml:"python"`
	PythonVersion  string `yaml:"python_version"`
	ProvisionedAt  string `yaml:"provisioned_at"`
	Entries        int    `yaml:"entries"`
}

// ReadRecord loads the receipt of a previous provisioning run.
func ReadRecord(fsys vfs.FS, envDir string) (*Record, error) {
	data, err := fsys.ReadFile(filepath.Join(envDir, cnst.StateDir, cnst.StateFile))
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := yaml.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("cannot decode provisioning record: %w", err)
	}
	return rec, nil
}

// WriteRecord stores the receipt inside the environment.
func WriteRecord(fsys vfs.FS, envDir string, rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	stateDir := filepath.Join(envDir, cnst.StateDir)
	if err := internalUtils.CreateIfNotExists(fsys, stateDir); err != nil {
		return err
	}
	return fsys.WriteFile(filepath.Join(stateDir, cnst.StateFile), data, 0o644)
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps, op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Background, op.WeakDeps, op.Executed)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error.
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
	return e
}
