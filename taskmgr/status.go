package taskmgr

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/sympathy-lab/sytask/taskproto"
)

type WorkerStatus struct {
	ID       WorkerID
	State    string
	Pid      int `json:",omitempty"`
	Task     *taskproto.TaskID `json:",omitempty"`
	Free     bool
	Blocked  bool
	Stopping bool
	Created  time.Time
}

type RunningTask struct {
	Task    taskproto.TaskID
	Worker  WorkerID
	Command string
	Since   time.Time
}

// Status is a point in time snapshot of the scheduler.
type Status struct {
	Session     string
	Target      int
	Stopped     bool
	Controllers int

	Workers []WorkerStatus
	Free    []WorkerID
	Waiting []taskproto.TaskID
	Running []RunningTask
}

func (m *Manager) status() Status {
	st := Status{
		Session:     m.cfg.Session,
		Target:      m.target,
		Stopped:     m.stopped,
		Controllers: m.controllers.Size(),
		Waiting:     m.wait.IDs(),
		Free:        []WorkerID{},
	}

	m.free.Each(func(w *Worker) {
		st.Free = append(st.Free, w.ID)
	})

	workers := lo.Values(m.workers)
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	st.Workers = lo.Map(workers, func(w *Worker, _ int) WorkerStatus {
		ws := WorkerStatus{
			ID:       w.ID,
			State:    w.state.String(),
			Free:     m.free.Has(w),
			Blocked:  m.blocked.Has(w),
			Stopping: w.stopping,
			Created:  w.created,
		}
		if w.proc != nil {
			ws.Pid = w.proc.Pid()
		}
		if t, ok := w.task(); ok {
			id := t.TaskID
			ws.Task = &id
		}
		return ws
	})

	st.Running = lo.MapToSlice(m.run, func(id taskproto.TaskID, e *runEntry) RunningTask {
		return RunningTask{
			Task:    id,
			Worker:  e.worker.ID,
			Command: e.msg.Command.String(),
			Since:   e.start,
		}
	})
	sort.Slice(st.Running, func(i, j int) bool {
		if !st.Running[i].Since.Equal(st.Running[j].Since) {
			return st.Running[i].Since.Before(st.Running[j].Since)
		}
		return st.Running[i].Worker < st.Running[j].Worker
	})

	return st
}

// Busy returns the number of workers assigned a task.
func (s Status) Busy() int {
	return len(lo.Uniq(lo.Map(s.Running, func(r RunningTask, _ int) WorkerID { return r.Worker })))
}
