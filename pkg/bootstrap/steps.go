package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	cnst "github.com/envcore/envcore/internal/constants"
	internalUtils "github.com/envcore/envcore/internal/utils"
	envErrors "github.com/envcore/envcore/pkg/errors"
	"github.com/envcore/envcore/pkg/manifest"
	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spectrocloud-labs/herd"
)

// PreflightDagStep checks everything that can be checked before touching
// anything: the manifest parses, an interpreter answers, the target
// filesystem is writable and has room. Failing here is the cheap place to
// fail.
func (s *State) PreflightDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPreflight, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			m, err := s.loadManifest()
			if err != nil {
				return err
			}
			internalUtils.Log.Info().Str("manifest", s.ManifestPath).Int("entries", len(m.Entries)).Str("digest", m.Digest()).Msg("Manifest loaded")

			interp, err := ResolveInterpreter(ctx, s.Runner, s.PythonBin)
			if err != nil {
				return err
			}
			s.Interpreter = interp

			return s.checkTargetDir()
		},
	))...)
}

// CreateEnvDagStep adds the step that makes the environment directory
// exist. An environment already matching the manifest turns the whole run
// into a no-op, an existing but foreign directory is refused.
func (s *State) CreateEnvDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCreateEnv, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			err := s.ensureEnv(ctx)
			if errors.Is(err, cnst.ErrAlreadyProvisioned) {
				internalUtils.Log.Info().Str("env", s.EnvDir).Msg("Environment matches manifest, nothing to do")
				s.upToDate = true
				return nil
			}
			return err
		},
	))...)
}

// SeedUpgradeDagStep upgrades pip and friends inside the fresh environment.
func (s *State) SeedUpgradeDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpSeedUpgrade, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			if s.upToDate {
				return nil
			}
			return s.runWithRetry(ctx, SeedUpgradeCommand(EnvPython(s.EnvDir)))
		},
	))...)
}

// InstallDepsDagStep installs the manifest. Network-classed failures get a
// bounded backoff, everything else fails the run on the spot.
func (s *State) InstallDepsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpInstallDeps, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			if s.upToDate {
				return nil
			}
			cmd := InstallCommand(EnvPython(s.EnvDir), s.ManifestPath, s.Manifest.Options, s.NoCache)
			return s.runWithRetry(ctx, cmd)
		},
	))...)
}

// VerifyEnvDagStep imports every named manifest entry inside the
// environment. All failures are collected before reporting, one missing
// package must not hide the next.
func (s *State) VerifyEnvDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpVerifyEnv, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			var allErrors error
			checked := 0
			for _, entry := range s.Manifest.Entries {
				imp := entry.ImportName()
				if imp == "" {
					continue
				}
				if entry.Marker != "" {
					// Markered entries may legitimately be absent here.
					internalUtils.Log.Debug().Str("entry", entry.Name).Str("marker", entry.Marker).Msg("Skipping markered entry")
					continue
				}
				checked++
				out, err := s.Runner.Run(ctx, EnvPython(s.EnvDir), "-c", fmt.Sprintf("import %s", imp))
				if err != nil {
					internalUtils.Log.Debug().Str("import", imp).Str("output", out).Msg("Import check failed")
					allErrors = multierror.Append(allErrors, fmt.Errorf("cannot import %s (from %s)", imp, entry.Name))
				}
			}
			if allErrors != nil {
				return envErrors.NewVerificationFailedError(fmt.Sprintf("%d of %d imports failed", len(allErrors.(*multierror.Error).Errors), checked), allErrors)
			}
			internalUtils.Log.Info().Int("checked", checked).Msg("Environment verified")
			return nil
		},
	))...)
}

// RecordStateDagStep snapshots the environment: the exact versions that got
// installed and a receipt the next run keys its no-op decision off.
func (s *State) RecordStateDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpRecordState, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			if s.upToDate {
				return nil
			}
			freeze, err := s.Runner.Run(ctx, FreezeCommand(EnvPython(s.EnvDir)).Name, FreezeCommand(EnvPython(s.EnvDir)).Args...)
			if err != nil {
				return fmt.Errorf("freeze failed: %w", err)
			}
			stateDir := s.path(cnst.StateDir)
			if err := internalUtils.CreateIfNotExists(s.FS, stateDir); err != nil {
				return envErrors.NewPermissionError(stateDir, err)
			}
			if err := s.FS.WriteFile(filepath.Join(stateDir, cnst.FreezeFile), []byte(freeze), 0o644); err != nil {
				return envErrors.NewPermissionError(stateDir, err)
			}

			runID, _ := uuid.NewV4()
			rec := &Record{
				RunID:          runID.String(),
				EnvDir:         s.EnvDir,
				Manifest:       s.ManifestPath,
				ManifestDigest: s.Manifest.Digest(),
				Python:         s.Interpreter.Binary,
				PythonVersion:  s.Interpreter.Version,
				ProvisionedAt:  time.Now().UTC().Format(time.RFC3339),
				Entries:        len(s.Manifest.Entries),
			}
			if err := WriteRecord(s.FS, s.EnvDir, rec); err != nil {
				return envErrors.NewPermissionError(stateDir, err)
			}
			internalUtils.Log.Info().Str("run_id", rec.RunID).Str("env", s.EnvDir).Msg("Provisioning recorded")
			return nil
		},
	))...)
}

func (s *State) loadManifest() (*manifest.Manifest, error) {
	m, err := manifest.Load(s.FS, s.ManifestPath)
	if err != nil {
		return nil, err
	}
	s.Manifest = m
	return m, nil
}

// checkTargetDir fails preflight when the environment's parent is read-only
// or short on space. Probes that cannot answer are skipped, a preflight
// must never invent problems.
func (s *State) checkTargetDir() error {
	parent := filepath.Dir(s.EnvDir)
	if ro, err := internalUtils.IsReadonlyMount(parent); err == nil && ro {
		return envErrors.NewPermissionError(parent, fmt.Errorf("filesystem is mounted read-only"))
	}
	if free, err := internalUtils.FreeSpace(parent); err == nil && free < cnst.MinFreeBytes {
		return fmt.Errorf("only %d bytes free under %s, need at least %d", free, parent, cnst.MinFreeBytes)
	}
	return nil
}

// ensureEnv makes the environment directory usable, reporting
// ErrAlreadyProvisioned when there is nothing left to do.
func (s *State) ensureEnv(ctx context.Context) error {
	if ValidEnv(s.FS, s.EnvDir) {
		if rec, err := ReadRecord(s.FS, s.EnvDir); err == nil && rec.ManifestDigest == s.Manifest.Digest() && !s.Upgrade {
			return cnst.ErrAlreadyProvisioned
		}
		// Valid environment, stale manifest: reuse it, install will sync.
		internalUtils.Log.Info().Str("env", s.EnvDir).Msg("Environment exists but manifest changed, reusing")
		return nil
	}
	if info, err := s.FS.Stat(s.EnvDir); err == nil {
		if !info.IsDir() {
			return envErrors.NewEnvCorruptError(s.EnvDir, fmt.Errorf("target exists and is not a directory"))
		}
		entries, err := s.FS.ReadDir(s.EnvDir)
		if err == nil && len(entries) > 0 {
			// A populated directory that is not an environment is not
			// ours to overwrite.
			return envErrors.NewEnvCorruptError(s.EnvDir, fmt.Errorf("directory is not empty and has no pyvenv.cfg"))
		}
	}
	return s.runClassified(ctx, CreateEnvCommand(s.Interpreter.Binary, s.EnvDir))
}
