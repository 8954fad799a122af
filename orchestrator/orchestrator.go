// Package orchestrator runs one orchestrator instance: the worker and
// controller listeners, the task manager, the optional controller subprocess
// and the optional admin API.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/journal"
	"github.com/sympathy-lab/sytask/journal/fsjournal"
	"github.com/sympathy-lab/sytask/lib/linechan"
	"github.com/sympathy-lab/sytask/metrics"
	"github.com/sympathy-lab/sytask/node/config"
	"github.com/sympathy-lab/sytask/taskmgr"
)

var log = logging.Logger("orchestrator")

// PlatformPortEnv tells the controller subprocess which port to connect to.
const PlatformPortEnv = "SYTASK_PLATFORM_PORT"

type Options struct {
	Config *config.Config

	// ControllerArgv replaces Config.Controller.Command when not empty.
	ControllerArgv []string

	// Spawner replaces the subprocess spawner built from Config.Worker.
	Spawner taskmgr.Spawner
	// Journal replaces the journal opened from Config.Journal. It is not
	// closed on shutdown.
	Journal journal.Journal

	// HandleSignals starts the shutdown on SIGTERM and SIGINT.
	HandleSignals bool

	Stdout io.Writer
	Stderr io.Writer
}

type Orchestrator struct {
	cfg  *config.Config
	opts Options

	session string
	m       *taskmgr.Manager

	workers     *linechan.Listener
	controllers *linechan.Listener

	apiLn  net.Listener
	apiSrv *http.Server

	journal    journal.Journal
	ownJournal bool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func New(opts Options) (_ *Orchestrator, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        cfg,
		opts:       opts,
		session:    uuid.New().String(),
		shutdownCh: make(chan struct{}),
	}

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	if err := o.openJournal(); err != nil {
		return nil, err
	}
	if o.ownJournal {
		cleanup = append(cleanup, o.journal.Close)
	}

	spawner := opts.Spawner
	var execSpawner *taskmgr.ExecSpawner
	if spawner == nil {
		execSpawner = &taskmgr.ExecSpawner{
			Executable:   cfg.Worker.Executable,
			Script:       cfg.Worker.Script,
			LogLevel:     cfg.Worker.LogLevel,
			NodeLogLevel: cfg.Worker.NodeLogLevel,
			NoCapture:    cfg.Worker.NoCapture,
			Env:          cfg.Worker.Env,
			Dir:          cfg.Worker.Dir,
			StopGrace:    time.Duration(cfg.Pool.StopGrace),
			Stdout:       opts.Stdout,
			Stderr:       opts.Stderr,
		}
		spawner = execSpawner
	}

	o.m = taskmgr.New(spawner, taskmgr.Config{
		SpawnAttempts:   cfg.Pool.SpawnAttempts,
		SpawnBackoffMin: time.Duration(cfg.Pool.SpawnBackoffMin),
		SpawnBackoffMax: time.Duration(cfg.Pool.SpawnBackoffMax),
		ExitGrace:       time.Duration(cfg.Pool.StopGrace),
		Journal:         o.journal,
		Session:         o.session,
	})
	cleanup = append(cleanup, func() error { o.m.Close(); return nil })

	o.workers, err = linechan.Listen(cfg.Listen.Workers, o.m.WorkerHandler())
	if err != nil {
		return nil, xerrors.Errorf("starting worker listener: %w", err)
	}
	cleanup = append(cleanup, o.workers.Close)
	if execSpawner != nil {
		// nothing is spawned before Run
		execSpawner.Port = o.workers.Port()
	}

	o.controllers, err = linechan.Listen(cfg.Listen.Controllers, o.m.ControllerHandler())
	if err != nil {
		return nil, xerrors.Errorf("starting controller listener: %w", err)
	}
	cleanup = append(cleanup, o.controllers.Close)

	if cfg.API.ListenAddress != "" {
		if err := view.Register(metrics.DefaultViews...); err != nil {
			return nil, xerrors.Errorf("registering metrics views: %w", err)
		}

		h, err := AdminHandler(&adminAPI{m: o.m, shutdown: o.Shutdown})
		if err != nil {
			return nil, xerrors.Errorf("creating admin handler: %w", err)
		}
		o.apiLn, err = net.Listen("tcp", cfg.API.ListenAddress)
		if err != nil {
			return nil, xerrors.Errorf("starting admin API listener: %w", err)
		}
		o.apiSrv = &http.Server{
			Handler:           h,
			ReadHeaderTimeout: time.Duration(cfg.API.Timeout),
		}
	}

	if err := metrics.RecordInfo(context.Background(), o.session); err != nil {
		log.Warnw("recording build info", "error", err)
	}

	return o, nil
}

func (o *Orchestrator) openJournal() error {
	if o.opts.Journal != nil {
		o.journal = o.opts.Journal
		return nil
	}
	if o.cfg.Journal.Path == "" {
		o.journal = journal.NilJournal()
		return nil
	}

	disabled, err := journal.ParseDisabledEvents(o.cfg.Journal.DisabledEvents)
	if err != nil {
		return xerrors.Errorf("parsing disabled journal events: %w", err)
	}

	jopts := fsjournal.DefaultOptions()
	if o.cfg.Journal.SizeLimit > 0 {
		jopts.SizeLimit = o.cfg.Journal.SizeLimit
	}
	if o.cfg.Journal.Keep > 0 {
		jopts.Keep = o.cfg.Journal.Keep
	}

	o.journal, err = fsjournal.OpenFSJournal(o.cfg.Journal.Path, disabled, jopts)
	if err != nil {
		return xerrors.Errorf("opening journal: %w", err)
	}
	o.ownJournal = true
	return nil
}

func (o *Orchestrator) Manager() *taskmgr.Manager {
	return o.m
}

func (o *Orchestrator) Session() string {
	return o.session
}

func (o *Orchestrator) WorkerAddr() net.Addr {
	return o.workers.Addr()
}

func (o *Orchestrator) ControllerAddr() net.Addr {
	return o.controllers.Addr()
}

// APIAddr returns the admin API address, or nil when the API is disabled.
func (o *Orchestrator) APIAddr() net.Addr {
	if o.apiLn == nil {
		return nil
	}
	return o.apiLn.Addr()
}

// Shutdown starts an orderly shutdown of a running orchestrator.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		close(o.shutdownCh)
	})
}

func (o *Orchestrator) controllerArgv() []string {
	if len(o.opts.ControllerArgv) > 0 {
		return o.opts.ControllerArgv
	}
	return o.cfg.Controller.Command
}

func (o *Orchestrator) startController(argv []string) (taskmgr.Process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)

	cmd.Env = os.Environ()
	keys := make([]string, 0, len(o.cfg.Controller.Env))
	for k := range o.cfg.Controller.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+o.cfg.Controller.Env[k])
	}
	cmd.Env = append(cmd.Env, PlatformPortEnv+"="+strconv.Itoa(o.controllers.Port()))

	cmd.Stdout = o.opts.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = o.opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	return taskmgr.StartProcess(cmd, time.Duration(o.cfg.Pool.StopGrace), nil)
}

// Run serves until the controller exits, Shutdown is called, ctx is cancelled
// or a signal arrives, then tears everything down in order: controller, task
// manager, listeners, admin API, journal. It returns the controller's exit
// code, or 0 when there is no controller.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	var g errgroup.Group
	g.Go(o.workers.Serve)
	g.Go(o.controllers.Serve)
	if o.apiSrv != nil {
		g.Go(func() error {
			if err := o.apiSrv.Serve(o.apiLn); !errors.Is(err, http.ErrServerClosed) {
				return xerrors.Errorf("admin API: %w", err)
			}
			return nil
		})
	}

	log.Infow("orchestrator started",
		"session", o.session,
		"workers", o.workers.Addr(),
		"controllers", o.controllers.Addr(),
		"api", o.APIAddr(),
		"pool", o.cfg.Pool.Workers)

	var runErr error
	if err := o.m.SetWorkers(o.cfg.Pool.Workers); err != nil {
		runErr = err
		o.Shutdown()
	}

	code := 0
	var ctrl taskmgr.Process
	ctrlExit := make(chan int, 1)
	if argv := o.controllerArgv(); len(argv) > 0 && runErr == nil {
		p, err := o.startController(argv)
		if err != nil {
			runErr = xerrors.Errorf("starting controller: %w", err)
			code = 1
			o.Shutdown()
		} else {
			ctrl = p
			log.Infow("controller started", "pid", p.Pid(), "argv", argv)
			go func() {
				st := p.Wait()
				log.Infow("controller exited", "pid", p.Pid(), "status", st)
				ctrlExit <- st
				o.Shutdown()
			}()
		}
	}

	finish := MonitorShutdown(o.shutdownCh, o.opts.HandleSignals, o.shutdownHandlers(ctrl, ctrlExit, &code)...)

	go func() {
		select {
		case <-ctx.Done():
			o.Shutdown()
		case <-o.shutdownCh:
		}
	}()

	var merr *multierror.Error
	merr = multierror.Append(merr, runErr)
	merr = multierror.Append(merr, <-finish)
	o.Shutdown()
	merr = multierror.Append(merr, g.Wait())

	return code, merr.ErrorOrNil()
}

func (o *Orchestrator) shutdownHandlers(ctrl taskmgr.Process, ctrlExit <-chan int, code *int) []ShutdownHandler {
	var hs []ShutdownHandler

	if ctrl != nil {
		hs = append(hs, ShutdownHandler{
			Component: "controller",
			StopFunc: func(context.Context) error {
				select {
				case *code = <-ctrlExit:
				default:
					ctrl.Terminate()
					*code = <-ctrlExit
				}
				return nil
			},
		})
	}

	hs = append(hs,
		ShutdownHandler{
			Component: "task manager",
			StopFunc: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.Pool.ShutdownTimeout))
				defer cancel()
				return o.m.Stop(ctx)
			},
		},
		ShutdownHandler{
			Component: "listeners",
			StopFunc: func(context.Context) error {
				var merr *multierror.Error
				merr = multierror.Append(merr, o.controllers.Close())
				merr = multierror.Append(merr, o.workers.Close())
				return merr.ErrorOrNil()
			},
		},
	)

	if o.apiSrv != nil {
		hs = append(hs, ShutdownHandler{
			Component: "admin API",
			StopFunc: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				return o.apiSrv.Shutdown(ctx)
			},
		})
	}

	if o.ownJournal {
		hs = append(hs, ShutdownHandler{
			Component: "journal",
			StopFunc: func(context.Context) error {
				return o.journal.Close()
			},
		})
	}

	return hs
}
