package taskmgr

import (
	"encoding/json"

	"github.com/sympathy-lab/sytask/taskproto"
)

const journalSystem = "taskmgr"

const (
	evtTaskSubmitted = iota
	evtTaskDispatched
	evtTaskUpdated
	evtTaskDone
	evtTaskAborted
	evtWorkerSpawned
	evtWorkerConnected
	evtWorkerExited
	evtSpawnFailed
	evtPoolResized
	evtLast
)

var eventNames = [evtLast]string{
	evtTaskSubmitted:   "task_submitted",
	evtTaskDispatched:  "task_dispatched",
	evtTaskUpdated:     "task_updated",
	evtTaskDone:        "task_done",
	evtTaskAborted:     "task_aborted",
	evtWorkerSpawned:   "worker_spawned",
	evtWorkerConnected: "worker_connected",
	evtWorkerExited:    "worker_exited",
	evtSpawnFailed:     "spawn_failed",
	evtPoolResized:     "pool_resized",
}

// TaskEvt is the journal entry for task lifecycle events.
type TaskEvt struct {
	Session string
	Task    taskproto.TaskID
	Command string
	Worker  WorkerID        `json:",omitempty"`
	Args    json.RawMessage `json:",omitempty"`
}

// WorkerEvt is the journal entry for worker lifecycle events.
type WorkerEvt struct {
	Session string
	Worker  WorkerID
	Pid     int    `json:",omitempty"`
	Status  int    `json:",omitempty"`
	Error   string `json:",omitempty"`
}

type PoolEvt struct {
	Session  string
	Target   int
	Previous int
}

func (m *Manager) registerEvents() {
	for i, name := range eventNames {
		m.evtypes[i] = m.journal.RegisterEventType(journalSystem, name)
	}
}

func (m *Manager) recordTask(evt int, msg taskproto.Message, w *Worker) {
	m.journal.RecordEvent(m.evtypes[evt], func() interface{} {
		e := TaskEvt{
			Session: m.cfg.Session,
			Task:    msg.TaskID,
			Command: msg.Command.String(),
		}
		if w != nil {
			e.Worker = w.ID
		}
		if evt == evtTaskDone {
			e.Args = msg.Args
		}
		return e
	})
}

func (m *Manager) recordWorker(evt int, w *Worker, pid int, status int, err error) {
	m.journal.RecordEvent(m.evtypes[evt], func() interface{} {
		e := WorkerEvt{
			Session: m.cfg.Session,
			Worker:  w.ID,
			Pid:     pid,
			Status:  status,
		}
		if err != nil {
			e.Error = err.Error()
		}
		return e
	})
}

func (m *Manager) recordResize(prev, n int) {
	m.journal.RecordEvent(m.evtypes[evtPoolResized], func() interface{} {
		return PoolEvt{
			Session:  m.cfg.Session,
			Target:   n,
			Previous: prev,
		}
	})
}
