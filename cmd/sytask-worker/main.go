package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/build"
	"github.com/sympathy-lab/sytask/lib/tasklog"
	"github.com/sympathy-lab/sytask/worker/agent"
)

var log = logging.Logger("main")

func main() {
	tasklog.SetupLogLevels()

	app := &cli.App{
		Name:      "sytask-worker",
		Usage:     "Reference worker process started by the sytask orchestrator",
		Version:   build.UserVersion(),
		ArgsUsage: "<worker_id> <manager_port> <parent_pid> <loglevel> <node_loglevel> <nocapture>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				EnvVars: []string{"SYTASK_WORKER_HOST"},
				Value:   "127.0.0.1",
				Usage:   "host the manager listens on",
			},
			&cli.StringFlag{
				Name:    "executor",
				EnvVars: []string{"SYTASK_WORKER_EXECUTOR"},
				Value:   "command",
				Usage:   "task executor: command or echo",
			},
			&cli.DurationFlag{
				Name:  "parent-poll",
				Value: time.Second,
				Usage: "how often to check that the orchestrator is still alive",
			},
		},
		Action: run,
	}
	app.Setup()

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

type workerArgs struct {
	id        int64
	port      int
	ppid      int
	logLevel  string
	nodeLevel string
	nocapture bool
}

func parseArgs(args []string) (workerArgs, error) {
	if len(args) != 6 {
		return workerArgs{}, xerrors.Errorf("expected 6 arguments, got %d", len(args))
	}

	var wa workerArgs
	var err error
	if wa.id, err = strconv.ParseInt(args[0], 10, 64); err != nil {
		return wa, xerrors.Errorf("parsing worker id: %w", err)
	}
	if wa.port, err = strconv.Atoi(args[1]); err != nil {
		return wa, xerrors.Errorf("parsing manager port: %w", err)
	}
	if wa.ppid, err = strconv.Atoi(args[2]); err != nil {
		return wa, xerrors.Errorf("parsing parent pid: %w", err)
	}
	wa.logLevel = args[3]
	wa.nodeLevel = args[4]
	wa.nocapture = args[5] == "1" || args[5] == "true"
	return wa, nil
}

func executor(name string, nocapture bool) (agent.Executor, error) {
	switch name {
	case "command":
		return agent.CommandExecutor{NoCapture: nocapture}, nil
	case "echo":
		return agent.EchoExecutor{}, nil
	default:
		return nil, xerrors.Errorf("unknown executor %q", name)
	}
}

func run(cctx *cli.Context) error {
	wa, err := parseArgs(cctx.Args().Slice())
	if err != nil {
		_ = cli.ShowAppHelp(cctx)
		return err
	}

	if err := tasklog.SetLevels(wa.logLevel, "main", "agent"); err != nil {
		return xerrors.Errorf("setting log level: %w", err)
	}
	if err := tasklog.SetLevels(wa.nodeLevel, "linechan"); err != nil {
		return xerrors.Errorf("setting transport log level: %w", err)
	}

	ex, err := executor(cctx.String("executor"), wa.nocapture)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a := agent.New(agent.Config{
		WorkerID:           wa.id,
		ManagerAddr:        net.JoinHostPort(cctx.String("host"), strconv.Itoa(wa.port)),
		ParentPid:          wa.ppid,
		ParentPollInterval: cctx.Duration("parent-poll"),
		Executor:           ex,
	})

	log.Infow("worker starting", "worker", wa.id, "port", wa.port, "ppid", wa.ppid)
	return a.Run(ctx)
}
