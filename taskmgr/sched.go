package taskmgr

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/zyedidia/generic/mapset"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/sympathy-lab/sytask/metrics"
	"github.com/sympathy-lab/sytask/taskproto"
)

func (m *Manager) runSched() {
	defer close(m.closed)

	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.closing:
			m.schedClose()
			return
		}
	}
}

func (m *Manager) schedClose() {
	log.Debugw("closing scheduler", "session", m.cfg.Session)

	// run whatever was posted before close, e.g. a forced kill
	for drained := false; !drained; {
		select {
		case fn := <-m.events:
			fn()
		default:
			drained = true
		}
	}

	m.stop()
	m.cancelSpawn()
}

func (m *Manager) addTask(msg taskproto.Message) {
	id := msg.TaskID
	quitAfter := msg.Command == taskproto.NewQuitTask

	stats.Record(context.Background(), metrics.TasksSubmitted.M(1))
	m.recordTask(evtTaskSubmitted, msg, nil)

	if quitAfter {
		// the worker running this task is gone afterwards
		m.startWorker()
	}

	if _, running := m.run[id]; running {
		log.Debugw("task already running, ignoring", "task", id)
		return
	}

	if !m.stopped && !m.wait.Has(id) {
		if w, ok := m.free.Pop(); ok {
			m.dispatch(w, msg)
			m.recordPool()
			return
		}
	}

	m.enqueue(msg)
	// a quit-after resubmission of a queued id brought a worker of its own
	m.schedule()
	m.recordPool()
}

func (m *Manager) enqueue(msg taskproto.Message) {
	if _, ok := m.waitSince[msg.TaskID]; !ok {
		m.waitSince[msg.TaskID] = m.clock.Now()
	}
	m.wait.Put(msg)
	log.Debugw("task queued", "task", msg.TaskID, "waiting", m.wait.Len())
}

func (m *Manager) dispatch(w *Worker, msg taskproto.Message) {
	now := m.clock.Now()

	if msg.Command == taskproto.NewQuitTask {
		m.blocked.Put(w)
	}
	m.run[msg.TaskID] = &runEntry{
		worker: w,
		msg:    msg,
		start:  now,
	}
	if since, ok := m.waitSince[msg.TaskID]; ok {
		delete(m.waitSince, msg.TaskID)
		stats.Record(context.Background(), metrics.TaskQueueWait.M(float64(now.Sub(since).Milliseconds())))
	}

	log.Debugw("dispatching task", "task", msg.TaskID, "worker", w.ID, "quit", msg.Command == taskproto.NewQuitTask)
	w.StartTask(msg)

	stats.Record(context.Background(), metrics.TasksDispatched.M(1))
	m.recordTask(evtTaskDispatched, msg, w)
}

// schedule hands waiting tasks to free workers, oldest task first.
func (m *Manager) schedule() {
	if m.stopped {
		return
	}
	for m.wait.Len() > 0 {
		w, ok := m.free.Pop()
		if !ok {
			return
		}
		msg, _ := m.wait.PopFront()
		m.dispatch(w, msg)
	}
}

func (m *Manager) startWorker() {
	if m.stopped {
		return
	}

	m.nextID++
	w := newWorker(m.nextID, m.clock.Now(), m.workerExited)
	m.workers[w.ID] = w
	m.free.Push(w)

	log.Debugw("starting worker", "worker", w.ID)
	go m.spawnProcess(m.spawnCtx, w)
}

func (m *Manager) workerDone(id WorkerID, c taskConn, msg taskproto.Message) {
	w, ok := m.workers[id]
	if !ok || w.conn != c {
		log.Warnw("DONE from a connection not bound to a live worker", "worker", id, "task", msg.TaskID)
		return
	}
	m.replyDoneTask(w, msg)
}

func (m *Manager) replyDoneTask(w *Worker, msg taskproto.Message) {
	e, ok := m.run[msg.TaskID]
	if !ok || e.worker != w {
		// aborted, or never assigned to this worker
		log.Warnw("dropping DONE from a worker that does not own the task", "worker", w.ID, "task", msg.TaskID)
		stats.Record(context.Background(), metrics.TasksStaleDone.M(1))
		return
	}

	delete(m.run, msg.TaskID)
	w.taskDone()
	m.finished(e, "ok", msg.Args)

	if m.blocked.Has(w) || w.stopping {
		log.Debugw("stopping worker after its last task", "worker", w.ID)
		w.Stop()
	} else {
		m.free.Push(w)
		m.schedule()
	}

	m.relay(msg)
	m.recordPool()
}

func (m *Manager) workerUpdate(id WorkerID, c taskConn, msg taskproto.Message) {
	w, ok := m.workers[id]
	if !ok || w.conn != c {
		log.Warnw("UPDATE from a connection not bound to a live worker", "worker", id, "task", msg.TaskID)
		return
	}
	m.recordTask(evtTaskUpdated, msg, w)
	m.relay(msg)
}

func (m *Manager) updateTask(msg taskproto.Message) {
	if e, ok := m.run[msg.TaskID]; ok {
		e.worker.UpdateTask(msg)
	} else {
		log.Debugw("update for a task that is not running", "task", msg.TaskID)
	}
	m.recordTask(evtTaskUpdated, msg, nil)
	m.relay(msg)
}

func (m *Manager) abortTask(id taskproto.TaskID) {
	if m.wait.Remove(id) {
		delete(m.waitSince, id)
		log.Infow("aborted queued task", "task", id)
		stats.Record(context.Background(), metrics.TasksAborted.M(1))
		m.recordTask(evtTaskAborted, taskproto.Message{TaskID: id, Command: taskproto.AbortTask}, nil)
	}

	e, ok := m.run[id]
	if !ok {
		m.recordPool()
		return
	}
	delete(m.run, id)

	w := e.worker
	wasBlocked := m.blocked.Has(w)

	log.Infow("aborting running task", "task", id, "worker", w.ID)
	w.Stop()

	stats.Record(context.Background(), metrics.TasksAborted.M(1))
	m.recordTask(evtTaskAborted, e.msg, w)

	if !wasBlocked {
		m.startWorker()
		m.schedule()
	}
	m.recordPool()
}

func (m *Manager) setWorkers(n int) {
	prev := m.target
	m.target = n
	m.recordResize(prev, n)

	if m.stopped {
		log.Warnw("ignoring worker count change after stop", "workers", n)
		return
	}

	busy := mapset.New[*Worker]()
	for _, e := range m.run {
		busy.Put(e.worker)
	}
	m.blocked = busy

	var idle []*Worker
	m.free.Each(func(w *Worker) {
		if !busy.Has(w) {
			idle = append(idle, w)
		}
	})
	for _, w := range idle {
		m.free.Remove(w)
		w.Stop()
	}

	log.Infow("resizing worker pool", "workers", n, "previous", prev, "stopped_idle", len(idle), "draining", busy.Size())

	for i := 0; i < n; i++ {
		m.startWorker()
		m.schedule()
	}
	m.recordPool()
}

func (m *Manager) stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.cancelSpawn()

	log.Infow("stopping task manager", "workers", len(m.workers), "waiting", m.wait.Len(), "running", len(m.run))

	for _, w := range m.workers {
		m.blocked.Put(w)
		w.Stop()
	}
	m.recordPool()
}

func (m *Manager) killAll() {
	for _, w := range m.workers {
		log.Warnw("killing worker", "worker", w.ID)
		w.kill()
	}
}

func (m *Manager) checkDrained() {
	if !m.stopped || len(m.workers) > 0 {
		return
	}
	for _, ch := range m.drained {
		close(ch)
	}
	m.drained = nil
}

func (m *Manager) spawned(w *Worker, p Process) {
	log.Infow("worker process started", "worker", w.ID, "pid", p.Pid())
	w.spawned(p)

	stats.Record(context.Background(), metrics.WorkersSpawned.M(1))
	m.recordWorker(evtWorkerSpawned, w, p.Pid(), 0, nil)
}

func (m *Manager) recordSpawnRetry(w *Worker, err error) {
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(metrics.FailureType, "retry")},
		metrics.SpawnFailures.M(1))
	m.recordWorker(evtSpawnFailed, w, 0, 0, err)
}

// spawnFailed drops a worker whose process could not be started. No
// replacement is spawned, a task buffered on it fails.
func (m *Manager) spawnFailed(w *Worker, err error) {
	log.Errorw("worker could not be spawned", "worker", w.ID, "error", err)

	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(metrics.FailureType, "exhausted")},
		metrics.SpawnFailures.M(1))
	m.recordWorker(evtSpawnFailed, w, 0, StatusSpawnFailed, err)

	delete(m.workers, w.ID)
	m.free.Remove(w)
	m.blocked.Remove(w)

	w.stopping = true
	w.procExited = true
	w.status = StatusSpawnFailed
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.connClosed = true
	w.reported = true
	w.state = WorkerExited

	if t, ok := w.task(); ok {
		if e, ok := m.run[t.TaskID]; ok && e.worker == w {
			delete(m.run, t.TaskID)
			if !m.stopped {
				m.failTask(e, StatusSpawnFailed)
			}
		}
	}

	m.checkDrained()
	m.recordPool()
}

func (m *Manager) processExited(w *Worker, status int) {
	log.Infow("worker process exited", "worker", w.ID, "status", status)
	w.processExited(status)
	if w.connClosed {
		return
	}

	// a descendant that inherited the socket can hold it open
	c := w.conn
	m.clock.AfterFunc(m.cfg.ExitGrace, func() {
		m.post(func() {
			if w.conn != c || w.connClosed {
				return
			}
			log.Warnw("connection still open after worker exit, closing", "worker", w.ID, "grace", m.cfg.ExitGrace)
			_ = c.Close()
		})
	})
}

func (m *Manager) workerExited(w *Worker, status int) {
	delete(m.workers, w.ID)
	wasBlocked := m.blocked.Has(w)
	m.blocked.Remove(w)
	wasFree := m.free.Remove(w)

	var entry *runEntry
	if t, ok := w.task(); ok {
		if e, ok := m.run[t.TaskID]; ok && e.worker == w {
			entry = e
		}
	}

	reason := "stopped"
	switch {
	case entry != nil:
		reason = "died_busy"
	case wasFree:
		reason = "died_idle"
	}
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(metrics.ExitReason, reason)},
		metrics.WorkersExited.M(1))
	m.recordWorker(evtWorkerExited, w, 0, status, nil)

	if m.stopped {
		if entry != nil {
			delete(m.run, entry.msg.TaskID)
		}
		m.checkDrained()
		m.recordPool()
		return
	}

	switch {
	case wasFree:
		log.Warnw("idle worker exited, replacing", "worker", w.ID, "status", status)
		m.startWorker()
		m.schedule()
	case entry != nil:
		log.Warnw("worker exited while running a task", "worker", w.ID, "task", entry.msg.TaskID, "status", status)
		delete(m.run, entry.msg.TaskID)
		m.failTask(entry, status)
		if !wasBlocked {
			m.startWorker()
			m.schedule()
		}
	default:
		log.Debugw("worker exited", "worker", w.ID, "status", status)
	}
	m.recordPool()
}

// failTask relays a DONE carrying status for a task whose worker is gone.
func (m *Manager) failTask(e *runEntry, status int) {
	args := json.RawMessage(strconv.Itoa(status))
	m.finished(e, "failed", args)
	m.relay(taskproto.Message{
		TaskID:  e.msg.TaskID,
		Command: taskproto.DoneTask,
		Args:    args,
	})
}

func (m *Manager) finished(e *runEntry, status string, result json.RawMessage) {
	ctx, _ := tag.New(context.Background(), tag.Upsert(metrics.TaskStatus, status))
	stats.Record(ctx,
		metrics.TasksDone.M(1),
		metrics.TaskDuration.M(float64(m.clock.Since(e.start).Milliseconds())),
	)

	m.recordTask(evtTaskDone, taskproto.Message{
		TaskID:  e.msg.TaskID,
		Command: taskproto.DoneTask,
		Args:    result,
	}, e.worker)
}

func (m *Manager) workerConnected(id WorkerID, c taskConn) {
	w, ok := m.workers[id]
	if !ok || !w.connected(c, m.clock.Now()) {
		log.Warnw("rejecting worker connection", "worker", id, "known", ok)
		_ = c.Close()
		return
	}

	log.Infow("worker connected", "worker", id)
	stats.Record(context.Background(), metrics.HandshakeLatency.M(float64(m.clock.Since(w.created).Milliseconds())))
	m.recordWorker(evtWorkerConnected, w, 0, 0, nil)
}

func (m *Manager) workerDisconnected(id WorkerID, c taskConn) {
	w, ok := m.workers[id]
	if !ok || w.conn != c {
		return
	}
	log.Debugw("worker connection closed", "worker", id)
	w.disconnected()
}

func (m *Manager) addController(c Controller) {
	m.controllers.Put(c)
	stats.Record(context.Background(), metrics.ControllersConnected.M(int64(m.controllers.Size())))
}

func (m *Manager) removeController(c Controller) {
	m.controllers.Remove(c)
	stats.Record(context.Background(), metrics.ControllersConnected.M(int64(m.controllers.Size())))
}

func (m *Manager) relay(msg taskproto.Message) {
	m.controllers.Each(func(c Controller) {
		if err := c.Send(msg); err != nil {
			log.Warnw("relaying to controller", "task", msg.TaskID, "command", msg.Command, "error", err)
		}
	})
}

func (m *Manager) recordPool() {
	stats.Record(context.Background(),
		metrics.PoolTarget.M(int64(m.target)),
		metrics.PoolWorkers.M(int64(len(m.workers))),
		metrics.PoolFree.M(int64(m.free.Len())),
		metrics.WaitQueueLen.M(int64(m.wait.Len())),
		metrics.RunningTasks.M(int64(len(m.run))),
	)
}
