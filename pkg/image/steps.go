package image

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cnst "github.com/envcore/envcore/internal/constants"
	internalUtils "github.com/envcore/envcore/internal/utils"
	"github.com/envcore/envcore/internal/version"
	"github.com/envcore/envcore/pkg/bootstrap"
	"github.com/envcore/envcore/pkg/engine"
	envErrors "github.com/envcore/envcore/pkg/errors"
	"github.com/envcore/envcore/pkg/manifest"
	"github.com/envcore/envcore/pkg/schema"
	"github.com/avast/retry-go"
	"github.com/gofrs/uuid"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

// ValidatePlanDagStep loads and validates the plan plus the manifest it
// points at. Everything downstream assumes both are good.
func (s *State) ValidatePlanDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpValidatePlan, append(opts, herd.WithCallback(
		func(_ context.Context) error {
			plan, err := schema.LoadPlan(s.FS, s.PlanPath)
			if err != nil {
				return err
			}
			if err := plan.Validate(); err != nil {
				return envErrors.NewPlanInvalidError("validation failed", err)
			}
			s.Plan = plan

			manifestPath := plan.Manifest
			if !filepath.IsAbs(manifestPath) {
				manifestPath = filepath.Join(filepath.Dir(s.PlanPath), manifestPath)
			}
			m, err := manifest.Load(s.FS, manifestPath)
			if err != nil {
				return err
			}
			s.Manifest = m
			internalUtils.Log.Info().Str("plan", s.PlanPath).Str("tag", plan.Tag()).Str("digest", plan.Digest()).Int("entries", len(m.Entries)).Msg("Plan validated")
			return nil
		},
	))...)
}

// ResolveEngineDagStep finds a container engine that answers. A State built
// with an Engine already set keeps it, that is the test seam.
func (s *State) ResolveEngineDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpResolveEngine, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			if s.Engine != nil {
				internalUtils.Log.Debug().Str("engine", s.Engine.Name()).Msg("Using preset engine")
				return nil
			}
			e, err := engine.Detect(s.EnginePref)
			if err != nil {
				return envErrors.NewEngineUnavailableError(err)
			}
			s.Engine = e
			if v, err := e.Version(ctx); err == nil {
				internalUtils.Log.Info().Str("engine", e.Name()).Str("version", v).Msg("Engine resolved")
			}
			return nil
		},
	))...)
}

// RenderDockerfileDagStep turns the plan into the Dockerfile bytes. Pure
// computation, nothing touches the host here.
func (s *State) RenderDockerfileDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpRenderDockerfile, append(opts, herd.WithCallback(
		func(_ context.Context) error {
			s.Dockerfile = Render(s.Plan, s.Manifest)
			internalUtils.Log.Debug().Int("bytes", len(s.Dockerfile)).Msg("Dockerfile rendered")
			return nil
		},
	))...)
}

// PrepareContextDagStep stages the build context: the rendered Dockerfile
// plus every manifest file, laid out the way the COPY lines expect them.
func (s *State) PrepareContextDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPrepareContext, append(opts, herd.WithCallback(
		func(_ context.Context) error {
			dir := s.ContextDir
			if dir == "" {
				// Staged through the state's filesystem like everything
				// else, a test FS keeps the staging dir inside the fake.
				stagingID, _ := uuid.NewV4()
				dir = filepath.Join(os.TempDir(), "envcore-build-"+stagingID.String())
				s.tempContext = true
			}
			if err := internalUtils.CreateIfNotExists(s.FS, dir); err != nil {
				return envErrors.NewPermissionError(dir, err)
			}

			if err := s.FS.WriteFile(filepath.Join(dir, cnst.DockerfileName), s.Dockerfile, 0o644); err != nil {
				return envErrors.NewPermissionError(dir, err)
			}

			rels := ContextFiles(s.Manifest)
			for i, src := range s.Manifest.Files {
				dst := filepath.Join(dir, rels[i])
				if err := vfs.MkdirAll(s.FS, filepath.Dir(dst), 0o755); err != nil {
					return envErrors.NewPermissionError(dir, err)
				}
				data, err := s.FS.ReadFile(src)
				if err != nil {
					return envErrors.NewManifestNotFoundError(src, err)
				}
				if err := s.FS.WriteFile(dst, data, 0o644); err != nil {
					return envErrors.NewPermissionError(dir, err)
				}
			}
			s.contextDir = dir
			internalUtils.Log.Info().Str("context", dir).Int("files", len(rels)+1).Msg("Build context staged")
			return nil
		},
	))...)
}

// BuildImageDagStep runs the engine build. A local image already tagged
// with this plan digest is current and skips the build, no-cache forces it
// anyway. The index or a base registry being down is worth a bounded retry,
// any other failure aborts on the first attempt. No tag is left behind on
// failure, the engine only tags after the last layer succeeded.
func (s *State) BuildImageDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpBuildImage, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			if !s.NoCache {
				tag := s.Plan.Tag()
				if ok, err := s.Engine.ImageExists(ctx, tag); err == nil && ok {
					if label, err := s.Engine.ImageLabel(ctx, tag, cnst.LabelPlanDigest); err == nil && label == s.Plan.Digest() {
						internalUtils.Log.Info().Str("tag", tag).Msg("Image already carries this plan digest, skipping build")
						return nil
					}
				}
			}

			var out bytes.Buffer
			buildOpts := engine.BuildOptions{
				ContextDir: s.contextDir,
				Dockerfile: cnst.DockerfileName,
				Tag:        s.Plan.Tag(),
				Labels: map[string]string{
					cnst.LabelPlanDigest:     s.Plan.Digest(),
					cnst.LabelManifestDigest: s.Manifest.Digest(),
					cnst.LabelVersion:        version.GetVersion(),
				},
				NoCache: s.NoCache,
				Stdout:  &out,
				Stderr:  &out,
			}

			err := retry.Do(
				func() error {
					out.Reset()
					if err := s.Engine.Build(ctx, buildOpts); err != nil {
						return classifyBuildFailure(out.String(), err)
					}
					return nil
				},
				retry.Attempts(cnst.DefaultNetworkRetries),
				retry.Delay(2*time.Second),
				retry.DelayType(retry.BackOffDelay),
				retry.LastErrorOnly(true),
				retry.RetryIf(bootstrap.IsNetworkError),
				retry.OnRetry(func(n uint, err error) {
					internalUtils.Log.Warn().Uint("attempt", n+1).Err(err).Msg("Retrying build after network failure")
				}),
			)
			if err != nil {
				internalUtils.Log.Debug().Str("output", out.String()).Msg("Engine build failed")
				return err
			}
			internalUtils.Log.Info().Str("tag", s.Plan.Tag()).Msg("Image built")
			return nil
		},
	))...)
}

// VerifyImageDagStep imports every named manifest entry inside a throwaway
// container of the freshly built image. Optional, a host without the base
// image cached pays a pull for it. A tag that failed its check does not
// stay behind.
func (s *State) VerifyImageDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpVerifyImage, append(opts, herd.WithCallback(
		func(ctx context.Context) error {
			if !s.Verify {
				internalUtils.Log.Debug().Msg("Image verification not requested, skipping")
				return nil
			}
			var imports []string
			for _, entry := range s.Manifest.Entries {
				if imp := entry.ImportName(); imp != "" && entry.Marker == "" {
					imports = append(imports, imp)
				}
			}
			if len(imports) == 0 {
				internalUtils.Log.Debug().Msg("No importable entries, skipping image verification")
				return nil
			}

			fail := func(detail string, cause error) error {
				if rmErr := s.Engine.RemoveImage(ctx, s.Plan.Tag(), true); rmErr != nil {
					internalUtils.Log.Warn().Err(rmErr).Str("tag", s.Plan.Tag()).Msg("Could not remove the unverified image")
				}
				return envErrors.NewVerificationFailedError(detail, cause)
			}

			runID, _ := uuid.NewV4()
			var out bytes.Buffer
			result, err := s.Engine.Run(ctx, engine.RunOptions{
				Image:      s.Plan.Tag(),
				Entrypoint: bootstrap.EnvPython(s.Plan.EnvDir),
				Command:    []string{"-c", "import " + strings.Join(imports, ", ")},
				Name:       "envcore-verify-" + runID.String(),
				Remove:     true,
				Stdout:     &out,
				Stderr:     &out,
			})
			if err != nil {
				return fail("could not run the verification container", err)
			}
			if result.Error != nil {
				return fail("could not run the verification container", result.Error)
			}
			if result.ExitCode != 0 {
				return fail(
					"import check exited non-zero inside the image",
					fmt.Errorf("exit %d: %s", result.ExitCode, strings.TrimSpace(out.String())))
			}
			internalUtils.Log.Info().Int("imports", len(imports)).Msg("Image verified")
			return nil
		},
	))...)
}

// RecordBuildDagStep logs the build receipt and disposes of a staging dir
// we created, unless the operator asked to keep it around.
func (s *State) RecordBuildDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpRecordBuild, append(opts, herd.WithCallback(
		func(_ context.Context) error {
			internalUtils.Log.Info().
				Str("tag", s.Plan.Tag()).
				Str("engine", s.Engine.Name()).
				Str("plan_digest", s.Plan.Digest()).
				Str("manifest_digest", s.Manifest.Digest()).
				Msg("Build recorded")
			if s.tempContext && !s.KeepContext {
				if err := s.FS.RemoveAll(s.contextDir); err != nil {
					internalUtils.Log.Warn().Err(err).Str("context", s.contextDir).Msg("Could not remove staging dir")
				}
			}
			return nil
		},
	))...)
}

// Engine and registry trouble all comes back as exit 1, only the output
// tells a flaky network from a broken plan.
var buildNetworkMarkers = []string{
	"no such host",
	"dial tcp",
	"TLS handshake timeout",
	"Temporary failure in name resolution",
	"network is unreachable",
	"i/o timeout",
	"connection refused",
}

func classifyBuildFailure(output string, err error) error {
	for _, marker := range buildNetworkMarkers {
		if strings.Contains(output, marker) {
			return envErrors.NewNetworkUnavailableError(err)
		}
	}
	return envErrors.NewBuildStepFailedError(cnst.OpBuildImage, err)
}
