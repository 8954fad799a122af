package taskmgr

import (
	"context"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/lib/linechan"
	"github.com/sympathy-lab/sytask/metrics"
	"github.com/sympathy-lab/sytask/taskproto"
)

// workerHandler serves the worker listener. The first message on a
// connection must be WORKER_CONNECTED, later ones are DONE or UPDATE.
type workerHandler struct {
	m *Manager

	lk    sync.Mutex
	bound map[*linechan.Conn]WorkerID
}

// WorkerHandler returns the handler for the listener workers connect to.
func (m *Manager) WorkerHandler() linechan.Handler {
	return &workerHandler{
		m:     m,
		bound: map[*linechan.Conn]WorkerID{},
	}
}

func (h *workerHandler) Connected(c *linechan.Conn) {
	log.Debugw("worker connection opened", "remote", c.RemoteAddr())
}

func (h *workerHandler) Message(c *linechan.Conn, msg taskproto.Message) error {
	h.lk.Lock()
	id, ok := h.bound[c]
	h.lk.Unlock()

	if !ok {
		if msg.Command != taskproto.WorkerConnected {
			return xerrors.Errorf("%w: expected %s, got %s", taskproto.ErrProtocol, taskproto.WorkerConnected, msg.Command)
		}
		n, err := msg.IntArg()
		if err != nil {
			return err
		}
		id = WorkerID(n)

		h.lk.Lock()
		h.bound[c] = id
		h.lk.Unlock()

		if !h.m.post(func() { h.m.workerConnected(id, c) }) {
			return ErrManagerClosed
		}
		return nil
	}

	switch msg.Command {
	case taskproto.DoneTask:
		h.m.post(func() { h.m.workerDone(id, c, msg) })
	case taskproto.UpdateTask:
		h.m.post(func() { h.m.workerUpdate(id, c, msg) })
	default:
		return xerrors.Errorf("%w: unexpected %s from worker %d", taskproto.ErrProtocol, msg.Command, id)
	}
	return nil
}

func (h *workerHandler) Disconnected(c *linechan.Conn, err error) {
	h.lk.Lock()
	id, ok := h.bound[c]
	delete(h.bound, c)
	h.lk.Unlock()

	if err != nil {
		recordProtocolError("worker", err)
		log.Warnw("worker connection failed", "worker", id, "remote", c.RemoteAddr(), "error", err)
	}
	if ok {
		h.m.post(func() { h.m.workerDisconnected(id, c) })
	}
}

// controllerHandler serves the controller listener.
type controllerHandler struct {
	m *Manager
}

// ControllerHandler returns the handler for the listener controllers connect
// to. Every connected controller receives relayed DONE and UPDATE messages.
func (m *Manager) ControllerHandler() linechan.Handler {
	return &controllerHandler{m: m}
}

func (h *controllerHandler) Connected(c *linechan.Conn) {
	log.Infow("controller connected", "remote", c.RemoteAddr())
	if err := h.m.AddController(c); err != nil {
		_ = c.Close()
	}
}

func (h *controllerHandler) Message(c *linechan.Conn, msg taskproto.Message) error {
	return h.m.Handle(msg)
}

func (h *controllerHandler) Disconnected(c *linechan.Conn, err error) {
	if err != nil {
		recordProtocolError("controller", err)
		log.Warnw("controller connection failed", "remote", c.RemoteAddr(), "error", err)
	} else {
		log.Infow("controller disconnected", "remote", c.RemoteAddr())
	}
	_ = h.m.RemoveController(c)
}

// Handle applies one controller message.
func (m *Manager) Handle(msg taskproto.Message) error {
	switch msg.Command {
	case taskproto.NewTask:
		return m.AddTask(msg, false)
	case taskproto.NewQuitTask:
		return m.AddTask(msg, true)
	case taskproto.UpdateTask:
		return m.UpdateTask(msg)
	case taskproto.AbortTask:
		return m.AbortTask(msg.TaskID)
	case taskproto.SetWorkersTask:
		n, err := msg.IntArg()
		if err != nil {
			return err
		}
		return m.SetWorkers(n)
	default:
		return xerrors.Errorf("%w: unexpected %s from controller", taskproto.ErrProtocol, msg.Command)
	}
}

func recordProtocolError(endpoint string, err error) {
	if !xerrors.Is(err, taskproto.ErrProtocol) {
		return
	}
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(metrics.Endpoint, endpoint)},
		metrics.ProtocolErrors.M(1))
}
