package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/envcore/envcore/internal/cmd"
	"github.com/envcore/envcore/internal/utils"
	"github.com/envcore/envcore/internal/version"
	envErrors "github.com/envcore/envcore/pkg/errors"
	"github.com/urfave/cli/v2"
)

// Provision reproducible interpreter environments and the images carrying them.
func main() {
	app := cli.NewApp()
	app.Name = "envcore"
	app.Usage = "reproducible environment bootstrap and layered image builds"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "envcore authors"}}
	app.Copyright = "envcore authors"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"ENVCORE_DEBUG"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:    "env-file",
			EnvVars: []string{"ENVCORE_ENV_FILE"},
			Usage:   "dotenv file loaded into the environment before anything runs",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			_ = os.Setenv("ENVCORE_DEBUG", "1")
		}
		if f := c.String("env-file"); f != "" {
			if err := utils.LoadEnvFile(f); err != nil {
				return fmt.Errorf("cannot load env file %s: %w", f, err)
			}
		}
		utils.SetLogger()

		v := version.Get()
		utils.Log.Debug().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("Envcore")
		return nil
	}
	app.Commands = append(cmd.Commands, &cli.Command{
		Name:  "version",
		Usage: "version",
		Action: func(c *cli.Context) error {
			v := version.Get()
			utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("Envcore")
			return nil
		},
	})

	err := app.Run(os.Args)
	utils.CloseLogFiles()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var classified envErrors.Error
		if errors.As(err, &classified) {
			if classified.Suggestion != "" {
				fmt.Fprintln(os.Stderr, classified.Suggestion)
			}
			os.Exit(classified.ErrorCode)
		}
		os.Exit(1)
	}
}
