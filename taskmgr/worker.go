package taskmgr

import (
	"time"

	"github.com/sympathy-lab/sytask/taskproto"
)

type WorkerID int64

type WorkerState int

const (
	WorkerSpawning WorkerState = iota
	WorkerHandshaking
	WorkerReady
	WorkerBusy
	WorkerExited
)

var workerStateNames = map[WorkerState]string{
	WorkerSpawning:    "spawning",
	WorkerHandshaking: "handshaking",
	WorkerReady:       "ready",
	WorkerBusy:        "busy",
	WorkerExited:      "exited",
}

func (s WorkerState) String() string {
	if n, ok := workerStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// taskConn is the manager's end of a worker connection.
type taskConn interface {
	Send(msg taskproto.Message) error
	Close() error
}

// Worker tracks one worker subprocess and its connection. All methods are
// called from the scheduler goroutine.
//
// A worker is reported gone only once both the process has exited and the
// connection has closed, whichever order they happen in.
type Worker struct {
	ID WorkerID

	state WorkerState
	proc  Process
	conn  taskConn

	pending *taskproto.Message // assigned before the handshake
	current *taskproto.Message // delivered to the subprocess

	stopping   bool
	procExited bool
	connClosed bool
	reported   bool
	status     int

	created time.Time
	ready   time.Time

	onExit func(w *Worker, status int)
}

func newWorker(id WorkerID, now time.Time, onExit func(*Worker, int)) *Worker {
	return &Worker{
		ID:      id,
		state:   WorkerSpawning,
		created: now,
		onExit:  onExit,
	}
}

func (w *Worker) State() WorkerState {
	return w.state
}

// task returns the task assigned to the worker, delivered or not.
func (w *Worker) task() (taskproto.Message, bool) {
	switch {
	case w.current != nil:
		return *w.current, true
	case w.pending != nil:
		return *w.pending, true
	}
	return taskproto.Message{}, false
}

// StartTask sends msg to the subprocess, or buffers it until the handshake
// completes.
func (w *Worker) StartTask(msg taskproto.Message) {
	if w.state != WorkerReady {
		if w.pending != nil {
			log.Errorw("worker already has a pending task", "worker", w.ID, "pending", w.pending.TaskID, "task", msg.TaskID)
		}
		w.pending = &msg
		return
	}
	w.deliver(msg)
}

func (w *Worker) deliver(msg taskproto.Message) {
	w.pending = nil
	w.current = &msg
	w.state = WorkerBusy

	if err := w.conn.Send(msg); err != nil {
		// the disconnect reports the task as failed
		log.Warnw("sending task to worker", "worker", w.ID, "task", msg.TaskID, "error", err)
	}
}

// UpdateTask forwards an update for the task the subprocess is running.
// Updates for a task that has not been delivered yet are dropped.
func (w *Worker) UpdateTask(msg taskproto.Message) {
	if w.state != WorkerBusy || w.current == nil || w.current.TaskID != msg.TaskID {
		log.Warnw("dropping update for a task the worker has not started", "worker", w.ID, "task", msg.TaskID, "state", w.state)
		return
	}
	if err := w.conn.Send(msg); err != nil {
		log.Warnw("sending update to worker", "worker", w.ID, "task", msg.TaskID, "error", err)
	}
}

func (w *Worker) taskDone() {
	w.current = nil
	if w.state == WorkerBusy {
		w.state = WorkerReady
	}
}

// Stop closes the connection and terminates the subprocess. A worker that is
// still spawning is terminated as soon as its process handle arrives.
func (w *Worker) Stop() {
	if w.stopping {
		return
	}
	w.stopping = true

	if w.conn != nil {
		_ = w.conn.Close()
	}
	if w.proc != nil && !w.procExited {
		w.proc.Terminate()
	}
}

// kill skips the grace period. Used when shutdown runs out of time.
func (w *Worker) kill() {
	w.stopping = true
	if w.proc != nil && !w.procExited {
		w.proc.Kill()
	}
}

func (w *Worker) spawned(p Process) {
	w.proc = p
	if w.state == WorkerSpawning {
		w.state = WorkerHandshaking
	}
	if w.stopping {
		p.Terminate()
	}
}

// connected binds c after a WORKER_CONNECTED handshake. It returns false when
// the worker cannot take a connection anymore.
func (w *Worker) connected(c taskConn, now time.Time) bool {
	if w.stopping || w.conn != nil || w.connClosed {
		return false
	}
	w.conn = c
	w.state = WorkerReady
	w.ready = now

	if w.pending != nil {
		w.deliver(*w.pending)
	}
	return true
}

func (w *Worker) disconnected() {
	if w.connClosed {
		return
	}
	w.connClosed = true
	w.conn = nil

	if !w.procExited {
		// a worker without a connection can't do anything useful
		w.Stop()
	}
	w.maybeExited()
}

func (w *Worker) processExited(status int) {
	if w.procExited {
		return
	}
	w.procExited = true
	w.status = status

	if w.conn == nil {
		// never connected, there is no disconnect to wait for
		w.connClosed = true
	}
	// otherwise the final DONE may still be in flight, wait for EOF
	w.maybeExited()
}

func (w *Worker) maybeExited() {
	if !w.procExited || !w.connClosed || w.reported {
		return
	}
	w.reported = true
	w.state = WorkerExited
	w.onExit(w, w.status)
}
