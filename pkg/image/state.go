package image

import (
	"fmt"

	internalUtils "github.com/envcore/envcore/internal/utils"
	"github.com/envcore/envcore/pkg/engine"
	"github.com/envcore/envcore/pkg/manifest"
	"github.com/envcore/envcore/pkg/schema"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

// State carries everything the build steps share: what to build, the seams
// swapped out by tests, and what earlier steps resolved for later ones.
type State struct {
	PlanPath    string // build plan driving the image
	ContextDir  string // staging dir for the build context, empty means a temp dir
	EnginePref  string // docker, podman or empty for auto-detect
	NoCache     bool   // pass the engine's no-cache flag
	Verify      bool   // run the import check inside the built image
	KeepContext bool   // leave the staged context behind for inspection
	FS          vfs.FS
	Engine      engine.Engine // left nil outside tests, the resolve step fills it

	// Filled in by earlier steps for later ones.
	Plan       *schema.Plan
	Manifest   *manifest.Manifest
	Dockerfile []byte

	contextDir  string // resolved staging dir
	tempContext bool   // contextDir was created by us and is ours to remove
}

// NewState returns a State bound to the real host. Tests build the struct
// by hand with their own FS and Engine.
func NewState(planPath string) *State {
	return &State{
		PlanPath: planPath,
		FS:       vfs.OSFS,
	}
}

// ContextPath returns the staged build context directory, empty before the
// prepare step ran.
func (s *State) ContextPath() string {
	return s.contextDir
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
