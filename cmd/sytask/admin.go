package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/node/config"
	"github.com/sympathy-lab/sytask/taskmgr"
)

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Show the worker pool and task queues of a running orchestrator",
	Action: func(cctx *cli.Context) error {
		a, closer, err := getAdminAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		st, err := a.Status(reqContext(cctx))
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

func stateColor(state string) string {
	switch state {
	case taskmgr.WorkerReady.String():
		return color.GreenString(state)
	case taskmgr.WorkerBusy.String():
		return color.YellowString(state)
	case taskmgr.WorkerExited.String():
		return color.RedString(state)
	default:
		return color.CyanString(state)
	}
}

func printStatus(st taskmgr.Status) {
	fmt.Printf("Session:\t%s\n", st.Session)
	target := strconv.Itoa(st.Target)
	if st.Stopped {
		target += color.RedString(" (stopping)")
	}
	fmt.Printf("Workers:\t%d / %s target, %d busy\n", len(st.Workers), target, st.Busy())
	fmt.Printf("Controllers:\t%d\n", st.Controllers)
	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tState\tPID\tTask\tStarted")
	for _, w := range st.Workers {
		task := "-"
		if w.Task != nil {
			task = w.Task.String()
		}
		state := stateColor(w.State)
		switch {
		case w.Stopping:
			state += " (stopping)"
		case w.Blocked:
			state += " (last task)"
		}
		pid := "-"
		if w.Pid != 0 {
			pid = strconv.Itoa(w.Pid)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", w.ID, state, pid, task, humanize.Time(w.Created))
	}
	_ = tw.Flush()
	fmt.Println()

	fmt.Printf("Running tasks: %d\n", len(st.Running))
	tw = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, r := range st.Running {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\tworker %d\t%s\n", r.Task, r.Command, r.Worker, humanize.Time(r.Since))
	}
	_ = tw.Flush()

	waiting := make([]string, 0, len(st.Waiting))
	for _, id := range st.Waiting {
		waiting = append(waiting, id.String())
	}
	fmt.Printf("Waiting tasks: %d", len(waiting))
	if len(waiting) > 0 {
		fmt.Printf(" (%s)", strings.Join(waiting, ", "))
	}
	fmt.Println()
}

var setWorkersCmd = &cli.Command{
	Name:      "set-workers",
	Usage:     "Change the target worker count",
	ArgsUsage: "<count>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return cli.ShowSubcommandHelp(cctx)
		}
		n, err := strconv.Atoi(cctx.Args().First())
		if err != nil {
			return xerrors.Errorf("parsing worker count: %w", err)
		}

		a, closer, err := getAdminAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return a.SetWorkers(reqContext(cctx), n)
	},
}

var stopCmd = &cli.Command{
	Name:  "stop",
	Usage: "Stop a running orchestrator",
	Action: func(cctx *cli.Context) error {
		a, closer, err := getAdminAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := a.Shutdown(reqContext(cctx)); err != nil {
			return err
		}
		fmt.Println("Shutdown requested")
		return nil
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage the orchestrator config",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print default config",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "no-comment",
					Usage: "don't comment default values",
				},
			},
			Action: func(cctx *cli.Context) error {
				b, err := config.Encode(config.DefaultConfig(), !cctx.Bool("no-comment"))
				if err != nil {
					return err
				}
				fmt.Print("# Default config:\n", string(b))
				return nil
			},
		},
		{
			Name:  "show",
			Usage: "Print the effective config, after the file and environment",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				b, err := config.Encode(cfg, false)
				if err != nil {
					return err
				}
				fmt.Print(string(b))
				return nil
			},
		},
	},
}
