// Package taskmgr schedules tasks onto a pool of worker subprocesses.
//
// All scheduler state is owned by a single goroutine (runSched). Public
// methods, connection handlers and process watchers post closures into one
// ordered event channel, so events from one source are applied in the order
// they happened and no locks guard the scheduler state.
package taskmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/zyedidia/generic/mapset"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/build"
	"github.com/sympathy-lab/sytask/journal"
	"github.com/sympathy-lab/sytask/taskproto"
)

var log = logging.Logger("taskmgr")

var ErrManagerClosed = errors.New("task manager closed")

// Controller receives the DONE and UPDATE messages relayed by the manager.
// *linechan.Conn satisfies it.
type Controller interface {
	Send(msg taskproto.Message) error
}

type Config struct {
	// SpawnAttempts bounds how many times a worker process start is tried.
	SpawnAttempts   int
	SpawnBackoffMin time.Duration
	SpawnBackoffMax time.Duration

	// ExitGrace bounds how long a worker's connection may stay open after its
	// process exited.
	ExitGrace time.Duration

	Clock   clock.Clock
	Journal journal.Journal

	// Session identifies this orchestrator run in logs and the journal.
	Session string
}

func DefaultConfig() Config {
	return Config{
		SpawnAttempts:   5,
		SpawnBackoffMin: 100 * time.Millisecond,
		SpawnBackoffMax: 5 * time.Second,
		ExitGrace:       5 * time.Second,
	}
}

type runEntry struct {
	worker *Worker
	msg    taskproto.Message
	start  time.Time
}

type Manager struct {
	cfg     Config
	spawner Spawner
	clock   clock.Clock
	journal journal.Journal
	evtypes [evtLast]journal.EventType

	events    chan func()
	closeOnce sync.Once
	closing   chan struct{}
	closed    chan struct{}

	spawnCtx    context.Context
	cancelSpawn context.CancelFunc

	// scheduler state, only touched from runSched

	nextID      WorkerID
	workers     map[WorkerID]*Worker
	free        *freeList
	blocked     mapset.Set[*Worker]
	wait        *waitQueue
	waitSince   map[taskproto.TaskID]time.Time
	run         map[taskproto.TaskID]*runEntry
	target      int
	stopped     bool
	controllers mapset.Set[Controller]
	drained     []chan struct{}
}

func New(spawner Spawner, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.SpawnAttempts <= 0 {
		cfg.SpawnAttempts = def.SpawnAttempts
	}
	if cfg.SpawnBackoffMin <= 0 {
		cfg.SpawnBackoffMin = def.SpawnBackoffMin
	}
	if cfg.SpawnBackoffMax < cfg.SpawnBackoffMin {
		cfg.SpawnBackoffMax = cfg.SpawnBackoffMin
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = def.ExitGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = build.Clock
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.NilJournal()
	}
	if cfg.Session == "" {
		cfg.Session = uuid.New().String()
	}

	spawnCtx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:     cfg,
		spawner: spawner,
		clock:   cfg.Clock,
		journal: cfg.Journal,

		events:  make(chan func(), 256),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),

		spawnCtx:    spawnCtx,
		cancelSpawn: cancel,

		workers:     map[WorkerID]*Worker{},
		free:        newFreeList(),
		blocked:     mapset.New[*Worker](),
		wait:        newWaitQueue(),
		waitSince:   map[taskproto.TaskID]time.Time{},
		run:         map[taskproto.TaskID]*runEntry{},
		controllers: mapset.New[Controller](),
	}
	m.registerEvents()

	go m.runSched()

	return m
}

func (m *Manager) Session() string {
	return m.cfg.Session
}

// post queues fn for the scheduler goroutine. It returns false once the
// scheduler is shutting down.
func (m *Manager) post(fn func()) bool {
	// events is buffered, a send could win against a closed manager
	select {
	case <-m.closing:
		return false
	default:
	}

	select {
	case m.events <- fn:
		return true
	case <-m.closed:
		return false
	}
}

// AddTask submits a NEW_TASK, or a NEW_QUIT_TASK when quitAfter is set. The
// worker that runs a quit-after task is stopped once it is done.
func (m *Manager) AddTask(msg taskproto.Message, quitAfter bool) error {
	msg.Command = taskproto.NewTask
	if quitAfter {
		msg.Command = taskproto.NewQuitTask
	}
	if !m.post(func() { m.addTask(msg) }) {
		return ErrManagerClosed
	}
	return nil
}

// UpdateTask forwards a controller update to the worker running the task and
// relays it to every controller.
func (m *Manager) UpdateTask(msg taskproto.Message) error {
	msg.Command = taskproto.UpdateTask
	if !m.post(func() { m.updateTask(msg) }) {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) AbortTask(id taskproto.TaskID) error {
	if !m.post(func() { m.abortTask(id) }) {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) SetWorkers(n int) error {
	if n < 0 {
		return xerrors.Errorf("worker count must not be negative, got %d", n)
	}
	if !m.post(func() { m.setWorkers(n) }) {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) AddController(c Controller) error {
	if !m.post(func() { m.addController(c) }) {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) RemoveController(c Controller) error {
	if !m.post(func() { m.removeController(c) }) {
		return ErrManagerClosed
	}
	return nil
}

// Status returns a snapshot of the scheduler state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)

	if !m.post(func() { ch <- m.status() }) {
		return Status{}, ErrManagerClosed
	}

	select {
	case st := <-ch:
		return st, nil
	case <-m.closed:
		return Status{}, ErrManagerClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Stop stops accepting work, stops every worker and waits for them to exit.
// Workers still alive when ctx expires are killed. Stop shuts the scheduler
// down and is safe to call more than once.
func (m *Manager) Stop(ctx context.Context) error {
	drained := make(chan struct{})
	if !m.post(func() {
		m.stop()
		m.drained = append(m.drained, drained)
		m.checkDrained()
	}) {
		return nil
	}

	var err error
	select {
	case <-drained:
	case <-m.closed:
	case <-ctx.Done():
		err = xerrors.Errorf("workers did not exit in time: %w", ctx.Err())
		m.post(m.killAll)
	}

	m.Close()
	return err
}

// Close shuts the scheduler goroutine down without waiting for workers.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closing)
	})
	<-m.closed
}

// Done is closed once the scheduler goroutine has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.closed
}
