package main

import (
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/lib/tasklog"
	"github.com/sympathy-lab/sytask/node/config"
	"github.com/sympathy-lab/sytask/orchestrator"
)

var runCmd = &cli.Command{
	Name:      "run",
	Usage:     "Start the orchestrator, optionally with a controller subprocess",
	ArgsUsage: "[-- controller argv...]",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "workers",
			EnvVars: []string{"SYTASK_WORKERS"},
			Usage:   "initial worker count",
		},
		&cli.StringFlag{
			Name:  "worker-executable",
			Usage: "worker executable",
		},
		&cli.StringFlag{
			Name:  "worker-script",
			Usage: "script passed to the worker executable",
		},
		&cli.BoolFlag{
			Name:  "nocapture",
			Usage: "let workers write task output to their own stdout",
		},
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"SYTASK_LOG_LEVEL"},
			Usage:   "log level of the orchestrator and its workers",
		},
		&cli.StringFlag{
			Name:  "api-listen",
			Usage: "admin API listen address, empty string disables the API",
		},
		&cli.StringFlag{
			Name:  "journal",
			Usage: "journal directory, empty string disables the journal",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		applyRunFlags(cctx, cfg)

		if err := tasklog.SetLevels(cfg.Logging.Level); err != nil {
			return xerrors.Errorf("setting log level: %w", err)
		}
		for sub, lvl := range cfg.Logging.SubsystemLevels {
			if err := tasklog.SetLevels(lvl, sub); err != nil {
				log.Warnw("setting subsystem log level", "subsystem", sub, "level", lvl, "error", err)
			}
		}

		o, err := orchestrator.New(orchestrator.Options{
			Config:         cfg,
			ControllerArgv: cctx.Args().Slice(),
			HandleSignals:  true,
		})
		if err != nil {
			return xerrors.Errorf("starting orchestrator: %w", err)
		}

		code, err := o.Run(reqContext(cctx))
		if err != nil {
			log.Errorw("orchestrator shut down with errors", "error", err)
			if code == 0 {
				return err
			}
		}
		if code != 0 {
			return cli.Exit("", code)
		}
		return nil
	},
}

func applyRunFlags(cctx *cli.Context, cfg *config.Config) {
	if cctx.IsSet("workers") {
		cfg.Pool.Workers = cctx.Int("workers")
	}
	if cctx.IsSet("worker-executable") {
		cfg.Worker.Executable = cctx.String("worker-executable")
	}
	if cctx.IsSet("worker-script") {
		cfg.Worker.Script = cctx.String("worker-script")
	}
	if cctx.IsSet("nocapture") {
		cfg.Worker.NoCapture = cctx.Bool("nocapture")
	}
	if cctx.IsSet("log-level") {
		cfg.Logging.Level = cctx.String("log-level")
		cfg.Worker.LogLevel = cctx.String("log-level")
	}
	if cctx.IsSet("api-listen") {
		cfg.API.ListenAddress = cctx.String("api-listen")
	}
	if cctx.IsSet("journal") {
		cfg.Journal.Path = cctx.String("journal")
	}
}
