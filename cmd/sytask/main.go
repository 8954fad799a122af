package main

import (
	"context"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/api"
	"github.com/sympathy-lab/sytask/api/client"
	"github.com/sympathy-lab/sytask/build"
	"github.com/sympathy-lab/sytask/lib/tasklog"
	"github.com/sympathy-lab/sytask/node/config"
)

var log = logging.Logger("main")

const FlagConfig = "config"

func main() {
	tasklog.SetupLogLevels()

	local := []*cli.Command{
		runCmd,
		statusCmd,
		setWorkersCmd,
		stopCmd,
		configCmd,
		versionCmd,
	}

	app := &cli.App{
		Name:                 "sytask",
		Usage:                "Run tasks on a self-healing pool of worker processes",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagConfig,
				EnvVars: []string{"SYTASK_CONFIG"},
				Value:   "~/.sytask/config.toml",
				Usage:   "path to the TOML config file",
			},
			&cli.StringFlag{
				Name:    "api",
				EnvVars: []string{"SYTASK_API_ADDR"},
				Usage:   "admin API address (host:port), defaults to API.ListenAddress from the config",
			},
		},
		Commands: local,
	}
	app.Setup()

	if err := app.Run(os.Args); err != nil {
		log.Warnf("%+v", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.FromFile(cctx.String(FlagConfig), nil)
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func getAdminAPI(cctx *cli.Context) (api.Admin, func(), error) {
	addr := cctx.String("api")
	if addr == "" {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return nil, nil, err
		}
		addr = cfg.API.ListenAddress
	}
	if addr == "" {
		return nil, nil, xerrors.New("admin API is disabled, set API.ListenAddress or --api")
	}

	a, closer, err := client.NewAdminRPC(cctx.Context, "http://"+addr+"/rpc/v0", nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("connecting to admin API at %s: %w", addr, err)
	}
	return a, closer, nil
}

func reqContext(cctx *cli.Context) context.Context {
	if cctx.Context != nil {
		return cctx.Context
	}
	return context.Background()
}

var versionCmd = &cli.Command{
	Name:  "version",
	Usage: "Print version",
	Action: func(cctx *cli.Context) error {
		fmt.Println("Local:", build.UserVersion())

		a, closer, err := getAdminAPI(cctx)
		if err != nil {
			return nil
		}
		defer closer()

		v, err := a.Version(reqContext(cctx))
		if err != nil {
			log.Debugw("querying orchestrator version", "error", err)
			return nil
		}
		fmt.Println("Daemon:", v)
		if !v.APIVersion.EqMajorMinor(build.AdminAPIVersion) {
			fmt.Printf("warning: admin API %s does not match this client (%s)\n", v.APIVersion, build.AdminAPIVersion)
		}
		return nil
	},
}
