// Package agent is the reference worker runtime. It connects back to the
// orchestrator, completes the handshake and runs the tasks it is given
// through an Executor, one at a time.
package agent

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/build"
	"github.com/sympathy-lab/sytask/lib/linechan"
	"github.com/sympathy-lab/sytask/taskproto"
)

var log = logging.Logger("agent")

// Task is one task handed to an Executor.
type Task struct {
	ID   taskproto.TaskID
	Args json.RawMessage

	// Updates carries UPDATE payloads sent by the controller while the task
	// runs. Executors are free to ignore it.
	Updates <-chan json.RawMessage

	report func(payload interface{}) error
}

// Report sends an UPDATE for the task to the orchestrator.
func (t *Task) Report(payload interface{}) error {
	return t.report(payload)
}

type Executor interface {
	// Execute runs the task and returns the DONE payload. An error becomes a
	// {"error": "..."} payload.
	Execute(ctx context.Context, t *Task) (interface{}, error)
}

type Config struct {
	WorkerID    int64
	ManagerAddr string

	// ParentPid is polled every ParentPollInterval, the agent exits once the
	// process is gone. Zero disables the check.
	ParentPid          int
	ParentPollInterval time.Duration

	Executor Executor
	Clock    clock.Clock
}

type Agent struct {
	cfg Config
	clk clock.Clock

	conn *linechan.Conn

	lk      sync.Mutex
	running *runningTask

	quit     chan struct{}
	quitOnce sync.Once
	err      error
}

type runningTask struct {
	id      taskproto.TaskID
	updates chan json.RawMessage
	cancel  context.CancelFunc
}

func New(cfg Config) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = build.Clock
	}
	if cfg.ParentPollInterval <= 0 {
		cfg.ParentPollInterval = time.Second
	}
	if cfg.Executor == nil {
		cfg.Executor = EchoExecutor{}
	}
	return &Agent{
		cfg:  cfg,
		clk:  cfg.Clock,
		quit: make(chan struct{}),
	}
}

// Run connects to the orchestrator and serves tasks until the connection
// drops, a quit-after task finishes, the parent process goes away or ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", a.cfg.ManagerAddr)
	if err != nil {
		return xerrors.Errorf("connecting to manager at %s: %w", a.cfg.ManagerAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.conn = linechan.NewConn(nc, a)
	served := make(chan struct{})
	go func() {
		defer close(served)
		a.conn.Serve()
	}()

	if a.cfg.ParentPid > 0 {
		go a.watchParent(ctx)
	}

	select {
	case <-served:
	case <-a.quit:
	case <-ctx.Done():
		log.Infow("worker shutting down", "worker", a.cfg.WorkerID, "reason", ctx.Err())
	}

	a.cancelRunning()
	_ = a.conn.Close()
	<-served

	return a.err
}

func (a *Agent) stop(err error) {
	a.quitOnce.Do(func() {
		a.err = err
		close(a.quit)
	})
}

func (a *Agent) watchParent(ctx context.Context) {
	t := a.clk.Ticker(a.cfg.ParentPollInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if !processAlive(a.cfg.ParentPid) {
				log.Warnw("parent process is gone, exiting", "worker", a.cfg.WorkerID, "ppid", a.cfg.ParentPid)
				a.stop(nil)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) Connected(c *linechan.Conn) {
	msg, err := taskproto.NewMessage(taskproto.NoTask, taskproto.WorkerConnected, a.cfg.WorkerID)
	if err == nil {
		err = c.Send(msg)
	}
	if err != nil {
		log.Errorw("sending handshake", "worker", a.cfg.WorkerID, "error", err)
		_ = c.Close()
		return
	}
	log.Debugw("connected to manager", "worker", a.cfg.WorkerID, "remote", c.RemoteAddr())
}

func (a *Agent) Message(c *linechan.Conn, msg taskproto.Message) error {
	switch msg.Command {
	case taskproto.NewTask, taskproto.NewQuitTask:
		return a.start(msg)
	case taskproto.UpdateTask:
		a.lk.Lock()
		rt := a.running
		a.lk.Unlock()
		if rt == nil || rt.id != msg.TaskID {
			log.Warnw("update for a task that is not running", "worker", a.cfg.WorkerID, "task", msg.TaskID)
			return nil
		}
		select {
		case rt.updates <- msg.Args:
		default:
			log.Warnw("task update buffer full, dropping", "worker", a.cfg.WorkerID, "task", msg.TaskID)
		}
		return nil
	default:
		return xerrors.Errorf("%w: worker got %s", taskproto.ErrProtocol, msg.Command)
	}
}

func (a *Agent) Disconnected(c *linechan.Conn, err error) {
	if err != nil {
		log.Warnw("manager connection failed", "worker", a.cfg.WorkerID, "error", err)
	}
	a.stop(err)
}

func (a *Agent) start(msg taskproto.Message) error {
	a.lk.Lock()
	defer a.lk.Unlock()

	if a.running != nil {
		return xerrors.Errorf("%w: task %s sent while %s is running", taskproto.ErrProtocol, msg.TaskID, a.running.id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		id:      msg.TaskID,
		updates: make(chan json.RawMessage, 16),
		cancel:  cancel,
	}
	a.running = rt

	t := &Task{
		ID:      msg.TaskID,
		Args:    msg.Args,
		Updates: rt.updates,
		report: func(payload interface{}) error {
			upd, err := taskproto.NewMessage(msg.TaskID, taskproto.UpdateTask, payload)
			if err != nil {
				return err
			}
			return a.conn.Send(upd)
		},
	}

	go a.execute(ctx, rt, t, msg.Command == taskproto.NewQuitTask)
	return nil
}

func (a *Agent) execute(ctx context.Context, rt *runningTask, t *Task, quitAfter bool) {
	defer rt.cancel()

	log.Debugw("running task", "worker", a.cfg.WorkerID, "task", t.ID, "quit", quitAfter)
	res, err := a.cfg.Executor.Execute(ctx, t)
	if err != nil {
		log.Warnw("task failed", "worker", a.cfg.WorkerID, "task", t.ID, "error", err)
		res = map[string]string{"error": err.Error()}
	}

	done, err := taskproto.NewMessage(t.ID, taskproto.DoneTask, res)
	if err != nil {
		log.Errorw("encoding task result", "worker", a.cfg.WorkerID, "task", t.ID, "error", err)
		done, _ = taskproto.NewMessage(t.ID, taskproto.DoneTask, map[string]string{"error": err.Error()})
	}

	a.lk.Lock()
	if a.running == rt {
		a.running = nil
	}
	a.lk.Unlock()

	if err := a.conn.Send(done); err != nil {
		log.Warnw("sending DONE", "worker", a.cfg.WorkerID, "task", t.ID, "error", err)
	}

	if quitAfter {
		log.Infow("quit-after task done, exiting", "worker", a.cfg.WorkerID, "task", t.ID)
		a.stop(nil)
	}
}

func (a *Agent) cancelRunning() {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.running != nil {
		a.running.cancel()
	}
}
