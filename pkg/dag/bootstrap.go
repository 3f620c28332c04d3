package dag

import (
	cnst "github.com/envcore/envcore/internal/constants"
	"github.com/envcore/envcore/pkg/bootstrap"
	"github.com/spectrocloud-labs/herd"
)

// RegisterBootstrap wires the full provisioning chain for one environment:
// preflight, venv creation, seed upgrade, manifest install, import check and
// the state record. The chain is strictly sequential, every step depending
// on the previous one, because each step consumes what the one before
// produced.
func RegisterBootstrap(s *bootstrap.State, g *herd.Graph) error {
	var err error

	// Without preflight the rest of the graph works on unchecked inputs,
	// so its registration failing is fatal.
	if err = s.LogIfErrorAndReturn(s.PreflightDagStep(g), "register preflight"); err != nil {
		return err
	}

	s.LogIfError(s.CreateEnvDagStep(g, herd.WithDeps(cnst.OpPreflight)), "register create-env")
	s.LogIfError(s.SeedUpgradeDagStep(g, herd.WithDeps(cnst.OpCreateEnv)), "register seed-upgrade")
	s.LogIfError(s.InstallDepsDagStep(g, herd.WithDeps(cnst.OpSeedUpgrade)), "register install-deps")
	s.LogIfError(s.VerifyEnvDagStep(g, herd.WithDeps(cnst.OpInstallDeps)), "register verify-env")
	s.LogIfError(s.RecordStateDagStep(g, herd.WithDeps(cnst.OpVerifyEnv)), "register record-state")

	return err
}

// RegisterVerify wires the read-only subset: preflight plus the import
// check, against an environment someone already provisioned. Nothing in
// this graph writes to disk.
func RegisterVerify(s *bootstrap.State, g *herd.Graph) error {
	var err error

	if err = s.LogIfErrorAndReturn(s.PreflightDagStep(g), "register preflight"); err != nil {
		return err
	}
	s.LogIfError(s.VerifyEnvDagStep(g, herd.WithDeps(cnst.OpPreflight)), "register verify-env")

	return err
}
