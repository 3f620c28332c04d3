package cmd

import (
	"fmt"

	cnst "github.com/envcore/envcore/internal/constants"
	"github.com/envcore/envcore/internal/utils"
	"github.com/envcore/envcore/pkg/bootstrap"
	"github.com/envcore/envcore/pkg/dag"
	"github.com/envcore/envcore/pkg/engine"
	"github.com/envcore/envcore/pkg/image"
	"github.com/spectrocloud-labs/herd"
	"github.com/urfave/cli/v2"
)

var Commands = []*cli.Command{
	{
		Name:      "bootstrap",
		Usage:     "provision an isolated interpreter environment from a manifest",
		UsageText: "envcore bootstrap [--manifest requirements.txt] [--env-dir .venv]",
		Description: `
Creates the environment directory if needed, installs every manifest entry
and records what got installed. Re-running against an unchanged manifest is
a no-op.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "manifest",
				Value:   cnst.DefaultManifest,
				EnvVars: []string{"ENVCORE_MANIFEST"},
				Usage:   "requirements file to install",
			},
			&cli.StringFlag{
				Name:    "env-dir",
				Value:   cnst.DefaultEnvDir,
				EnvVars: []string{"ENVCORE_ENV_DIR"},
				Usage:   "where the environment lives",
			},
			&cli.StringFlag{
				Name:    "python",
				EnvVars: []string{"ENVCORE_PYTHON"},
				Usage:   "interpreter binary or version identifier like 3.11, empty probes the usual names",
			},
			&cli.BoolFlag{
				Name:  "upgrade",
				Usage: "reinstall even when the environment already matches the manifest",
			},
			&cli.BoolFlag{
				Name:  "no-cache",
				Usage: "tell the installer to skip its download cache",
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				EnvVars: []string{"ENVCORE_DRY_RUN"},
				Usage:   "print the step graph and exit",
			},
		},
		Action: func(c *cli.Context) error {
			g := herd.DAG(herd.EnableInit)
			s := bootstrap.NewState(c.String("env-dir"), c.String("manifest"))
			s.PythonBin = c.String("python")
			s.Upgrade = c.Bool("upgrade")
			s.NoCache = c.Bool("no-cache")

			if err := dag.RegisterBootstrap(s, g); err != nil {
				return err
			}
			utils.Log.Info().Msg(s.WriteDAG(g))

			if c.Bool("dry-run") {
				return nil
			}
			err := g.Run(c.Context)
			utils.Log.Info().Msg(s.WriteDAG(g))
			return err
		},
	},
	{
		Name:      "build",
		Usage:     "build a layered image that chains into the bootstrap",
		UsageText: "envcore build [--plan envcore.yaml]",
		Description: `
Renders the plan into a Dockerfile, stages a build context next to the
manifest and drives the container engine. Any failing layer aborts the
build, no partial image gets tagged.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "plan",
				Value:   cnst.DefaultPlan,
				EnvVars: []string{"ENVCORE_PLAN"},
				Usage:   "build plan file",
			},
			&cli.StringFlag{
				Name:    "engine",
				EnvVars: []string{"ENVCORE_ENGINE"},
				Usage:   "container engine preference (docker or podman), empty auto-detects",
			},
			&cli.StringFlag{
				Name:  "context",
				Usage: "staging directory for the build context, empty uses a temp dir",
			},
			&cli.BoolFlag{
				Name:  "no-cache",
				Usage: "build every layer fresh",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "import every manifest entry inside the built image",
			},
			&cli.BoolFlag{
				Name:  "keep-context",
				Usage: "leave the staged build context behind",
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				EnvVars: []string{"ENVCORE_DRY_RUN"},
				Usage:   "print the step graph and exit",
			},
		},
		Action: func(c *cli.Context) error {
			g := herd.DAG(herd.EnableInit)
			s := image.NewState(c.String("plan"))
			s.EnginePref = c.String("engine")
			s.ContextDir = c.String("context")
			s.NoCache = c.Bool("no-cache")
			s.Verify = c.Bool("verify")
			s.KeepContext = c.Bool("keep-context")

			if err := dag.RegisterBuild(s, g); err != nil {
				return err
			}
			utils.Log.Info().Msg(s.WriteDAG(g))

			if c.Bool("dry-run") {
				return nil
			}
			err := g.Run(c.Context)
			utils.Log.Info().Msg(s.WriteDAG(g))
			return err
		},
	},
	{
		Name:      "render",
		Usage:     "print the Dockerfile a plan renders to, without building",
		UsageText: "envcore render [--plan envcore.yaml]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "plan",
				Value:   cnst.DefaultPlan,
				EnvVars: []string{"ENVCORE_PLAN"},
				Usage:   "build plan file",
			},
		},
		Action: func(c *cli.Context) error {
			g := herd.DAG()
			s := image.NewState(c.String("plan"))

			// Validate and render only, the engine never enters the
			// picture here.
			if err := s.ValidatePlanDagStep(g); err != nil {
				return err
			}
			if err := s.RenderDockerfileDagStep(g, herd.WithDeps(cnst.OpValidatePlan)); err != nil {
				return err
			}
			if err := g.Run(c.Context); err != nil {
				return err
			}
			fmt.Print(string(s.Dockerfile))
			return nil
		},
	},
	{
		Name:      "verify",
		Usage:     "check that an existing environment satisfies its manifest",
		UsageText: "envcore verify [--manifest requirements.txt] [--env-dir .venv]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "manifest",
				Value:   cnst.DefaultManifest,
				EnvVars: []string{"ENVCORE_MANIFEST"},
				Usage:   "requirements file to check against",
			},
			&cli.StringFlag{
				Name:    "env-dir",
				Value:   cnst.DefaultEnvDir,
				EnvVars: []string{"ENVCORE_ENV_DIR"},
				Usage:   "environment to check",
			},
		},
		Action: func(c *cli.Context) error {
			g := herd.DAG(herd.EnableInit)
			s := bootstrap.NewState(c.String("env-dir"), c.String("manifest"))

			if err := dag.RegisterVerify(s, g); err != nil {
				return err
			}
			err := g.Run(c.Context)
			utils.Log.Info().Msg(s.WriteDAG(g))
			return err
		},
	},
	{
		Name:      "doctor",
		Usage:     "report what this host can and cannot provision",
		UsageText: "envcore doctor",
		Action: func(c *cli.Context) error {
			usable := 0

			interp, err := bootstrap.ResolveInterpreter(c.Context, utils.HostRunner{}, "")
			if err != nil {
				utils.Log.Warn().Err(err).Msg("No usable interpreter, bootstrap will not work")
			} else {
				utils.Log.Info().Str("binary", interp.Binary).Str("version", interp.Version).Msg("Interpreter")
				usable++
			}

			for _, name := range []string{"docker", "podman"} {
				e, err := engine.Detect(name)
				if err != nil || e.Name() != name {
					utils.Log.Warn().Str("engine", name).Msg("Engine does not answer")
					continue
				}
				v, _ := e.Version(c.Context)
				utils.Log.Info().Str("engine", name).Str("version", v).Msg("Engine")
				usable++
			}

			if free, err := utils.FreeSpace("."); err == nil {
				utils.Log.Info().Uint64("bytes", free).Msg("Free space")
				if free < cnst.MinFreeBytes {
					utils.Log.Warn().Uint64("bytes", free).Msg("Less free space than a provisioning run wants")
				}
			}
			if mem, err := utils.TotalMemoryBytes(); err == nil {
				utils.Log.Info().Int64("bytes", mem).Msg("Physical memory")
			}
			if devs, err := utils.BlockDevices(); err == nil {
				utils.Log.Info().Strs("disks", devs).Msg("Block devices")
			}
			if ro, err := utils.IsReadonlyMount("."); err == nil && ro {
				utils.Log.Warn().Msg("Working directory sits on a read-only mount")
			}

			if usable == 0 {
				return fmt.Errorf("neither an interpreter nor a container engine answers on this host")
			}
			return nil
		},
	},
}
