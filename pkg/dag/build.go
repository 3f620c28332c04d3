package dag

import (
	cnst "github.com/envcore/envcore/internal/constants"
	"github.com/envcore/envcore/pkg/image"
	"github.com/spectrocloud-labs/herd"
)

// RegisterBuild wires the image build: plan validation first, then engine
// detection and the Dockerfile render side by side, the staged context, the
// build itself and finally verification plus the receipt. Render and engine
// detection share no data, so they sit in the same layer.
func RegisterBuild(s *image.State, g *herd.Graph) error {
	var err error

	if err = s.LogIfErrorAndReturn(s.ValidatePlanDagStep(g), "register validate-plan"); err != nil {
		return err
	}

	s.LogIfError(s.ResolveEngineDagStep(g, herd.WithDeps(cnst.OpValidatePlan)), "register resolve-engine")
	s.LogIfError(s.RenderDockerfileDagStep(g, herd.WithDeps(cnst.OpValidatePlan)), "register render-dockerfile")
	s.LogIfError(s.PrepareContextDagStep(g, herd.WithDeps(cnst.OpRenderDockerfile)), "register prepare-context")
	s.LogIfError(s.BuildImageDagStep(g, herd.WithDeps(cnst.OpPrepareContext, cnst.OpResolveEngine)), "register build-image")
	s.LogIfError(s.VerifyImageDagStep(g, herd.WithDeps(cnst.OpBuildImage)), "register verify-image")
	s.LogIfError(s.RecordBuildDagStep(g, herd.WithDeps(cnst.OpVerifyImage)), "register record-build")

	return err
}
