package taskmgr

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/build"
)

var ErrSpawnFailed = errors.New("spawning worker failed")

// Exit statuses reported for workers that did not exit with a code of their own.
const (
	StatusSignalled   = -1
	StatusSpawnFailed = -2
)

// Process is a running worker subprocess.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code, or
	// StatusSignalled when there is none.
	Wait() int
	// Terminate asks the process to exit and kills it after a grace period.
	Terminate()
	Kill()
}

type Spawner interface {
	Spawn(ctx context.Context, id WorkerID) (Process, error)
}

type SpawnerFunc func(ctx context.Context, id WorkerID) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context, id WorkerID) (Process, error) {
	return f(ctx, id)
}

// ExecSpawner starts workers as local subprocesses. The subprocess is
// expected to connect back to Port and complete the handshake.
type ExecSpawner struct {
	Executable string
	// Script is passed before the worker arguments when set, for
	// interpreters.
	Script string

	Port         int
	ParentPid    int
	LogLevel     string
	NodeLogLevel string
	NoCapture    bool

	Env map[string]string
	Dir string

	StopGrace time.Duration

	Stdout io.Writer
	Stderr io.Writer

	Clock clock.Clock
}

var _ Spawner = (*ExecSpawner)(nil)

// Args returns the worker command line after the executable.
func (s *ExecSpawner) Args(id WorkerID) []string {
	var args []string
	if s.Script != "" {
		args = append(args, s.Script)
	}

	ppid := s.ParentPid
	if ppid == 0 {
		ppid = os.Getpid()
	}
	nocapture := "0"
	if s.NoCapture {
		nocapture = "1"
	}

	return append(args,
		strconv.FormatInt(int64(id), 10),
		strconv.Itoa(s.Port),
		strconv.Itoa(ppid),
		s.LogLevel,
		s.NodeLogLevel,
		nocapture,
	)
}

func (s *ExecSpawner) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

func (s *ExecSpawner) Spawn(ctx context.Context, id WorkerID) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Port == 0 {
		return nil, xerrors.New("worker listener port not set")
	}

	cmd := exec.Command(s.Executable, s.Args(id)...)
	cmd.Env = s.environ()
	cmd.Dir = s.Dir
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	return StartProcess(cmd, s.StopGrace, s.Clock)
}

// StartProcess starts cmd in its own process group. Terminate signals the
// whole group and kills it when it is still alive after grace.
func StartProcess(cmd *exec.Cmd, grace time.Duration, clk clock.Clock) (Process, error) {
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("starting %s: %w", cmd.Path, err)
	}

	if clk == nil {
		clk = build.Clock
	}
	return &execProcess{
		cmd:   cmd,
		grace: grace,
		clk:   clk,
		done:  make(chan struct{}),
	}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	grace time.Duration
	clk   clock.Clock

	termOnce sync.Once
	done     chan struct{}
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() int {
	defer close(p.done)

	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		log.Warnw("waiting for worker process", "pid", p.Pid(), "error", err)
		return StatusSignalled
	}
	// ExitCode is -1 for a signalled process
	return p.cmd.ProcessState.ExitCode()
}

func (p *execProcess) Terminate() {
	p.termOnce.Do(func() {
		if err := terminateProcess(p.cmd); err != nil {
			log.Debugw("terminating worker process", "pid", p.Pid(), "error", err)
		}
		go func() {
			select {
			case <-p.done:
			case <-p.clk.After(p.grace):
				log.Warnw("worker did not exit in time, killing", "pid", p.Pid(), "grace", p.grace)
				p.Kill()
			}
		}()
	})
}

func (p *execProcess) Kill() {
	select {
	case <-p.done:
		return
	default:
	}
	if err := killProcess(p.cmd); err != nil {
		log.Debugw("killing worker process", "pid", p.Pid(), "error", err)
	}
}

// spawnProcess launches the subprocess for w, retrying with backoff, then
// follows it until it exits. Results are posted to the scheduler in order.
func (m *Manager) spawnProcess(ctx context.Context, w *Worker) {
	b := &backoff.Backoff{
		Min:    m.cfg.SpawnBackoffMin,
		Max:    m.cfg.SpawnBackoffMax,
		Factor: 2,
	}

	var proc Process
	for {
		p, err := m.spawner.Spawn(ctx, w.ID)
		if err == nil {
			proc = p
			break
		}

		attempt := int(b.Attempt()) + 1
		if attempt >= m.cfg.SpawnAttempts || ctx.Err() != nil {
			err = xerrors.Errorf("worker %d after %d attempts (%s): %w", w.ID, attempt, err, ErrSpawnFailed)
			m.post(func() { m.spawnFailed(w, err) })
			return
		}

		d := b.Duration()
		log.Warnw("spawning worker failed, retrying", "worker", w.ID, "attempt", attempt, "backoff", d, "error", err)
		m.post(func() { m.recordSpawnRetry(w, err) })

		select {
		case <-m.clock.After(d):
		case <-ctx.Done():
		}
	}

	if !m.post(func() { m.spawned(w, proc) }) {
		proc.Kill()
		return
	}

	status := proc.Wait()
	m.post(func() { m.processExited(w, status) })
}
