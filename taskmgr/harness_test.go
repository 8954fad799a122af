package taskmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/sympathy-lab/sytask/journal"
	"github.com/sympathy-lab/sytask/lib/linechan"
	"github.com/sympathy-lab/sytask/taskproto"
)

const testTimeout = 5 * time.Second

func init() {
	_ = logging.SetLogLevel("taskmgr", "DEBUG")
}

type recordingController struct {
	lk   sync.Mutex
	msgs []taskproto.Message
	ch   chan taskproto.Message
}

func newRecordingController() *recordingController {
	return &recordingController{ch: make(chan taskproto.Message, 256)}
}

func (c *recordingController) Send(msg taskproto.Message) error {
	c.lk.Lock()
	c.msgs = append(c.msgs, msg)
	c.lk.Unlock()
	c.ch <- msg
	return nil
}

func (c *recordingController) next(t *testing.T) taskproto.Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("no message relayed to the controller")
	}
	return taskproto.Message{}
}

func (c *recordingController) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-c.ch:
		t.Fatalf("unexpected message relayed: %s %s", msg.TaskID, msg.Command)
	case <-time.After(d):
	}
}

// fakeWorker is both the Process handle given to the manager and the remote
// end of the worker connection.
type fakeWorker struct {
	id WorkerID
	h  *harness

	lk sync.Mutex
	nc net.Conn

	recv chan taskproto.Message

	// stubborn workers ignore Terminate
	stubborn bool
	killed   atomic.Bool

	exitOnce sync.Once
	exit     chan int
}

func (fw *fakeWorker) Pid() int {
	return 10000 + int(fw.id)
}

func (fw *fakeWorker) Wait() int {
	return <-fw.exit
}

func (fw *fakeWorker) Terminate() {
	if fw.stubborn {
		return
	}
	fw.exitWith(0)
}

func (fw *fakeWorker) Kill() {
	fw.killed.Store(true)
	fw.exitWith(StatusSignalled)
}

// exitKeepingConn exits the process but leaves the connection open, as when a
// child of the worker inherited the socket.
func (fw *fakeWorker) exitKeepingConn(code int) {
	fw.exitOnce.Do(func() {
		fw.exit <- code
	})
}

func (fw *fakeWorker) exitWith(code int) {
	fw.exitOnce.Do(func() {
		fw.lk.Lock()
		if fw.nc != nil {
			_ = fw.nc.Close()
		}
		fw.lk.Unlock()
		fw.exit <- code
	})
}

// connect dials the worker listener and completes the handshake.
func (fw *fakeWorker) connect() error {
	nc, err := net.Dial("tcp", fw.h.ln.Addr().String())
	if err != nil {
		return err
	}

	fw.lk.Lock()
	fw.nc = nc
	fw.lk.Unlock()

	go func() {
		sc := bufio.NewScanner(nc)
		for sc.Scan() {
			msg, err := taskproto.Decode(sc.Bytes())
			if err != nil {
				return
			}
			fw.recv <- msg
		}
	}()

	return fw.sendRaw(taskproto.Message{
		TaskID:  taskproto.NoTask,
		Command: taskproto.WorkerConnected,
		Args:    json.RawMessage(jsonInt(int64(fw.id))),
	})
}

func (fw *fakeWorker) sendRaw(msg taskproto.Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	fw.lk.Lock()
	defer fw.lk.Unlock()
	if fw.nc == nil {
		return xerrors.New("not connected")
	}
	_, err = fw.nc.Write(b)
	return err
}

func (fw *fakeWorker) done(t *testing.T, id taskproto.TaskID, result interface{}) {
	t.Helper()
	msg, err := taskproto.NewMessage(id, taskproto.DoneTask, result)
	require.NoError(t, err)
	require.NoError(t, fw.sendRaw(msg))
}

func (fw *fakeWorker) update(t *testing.T, id taskproto.TaskID, payload interface{}) {
	t.Helper()
	msg, err := taskproto.NewMessage(id, taskproto.UpdateTask, payload)
	require.NoError(t, err)
	require.NoError(t, fw.sendRaw(msg))
}

func (fw *fakeWorker) task(t *testing.T) taskproto.Message {
	t.Helper()
	select {
	case msg := <-fw.recv:
		return msg
	case <-time.After(testTimeout):
		t.Fatalf("worker %d received no message", fw.id)
	}
	return taskproto.Message{}
}

func (fw *fakeWorker) idle(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-fw.recv:
		t.Fatalf("worker %d got unexpected %s %s", fw.id, msg.TaskID, msg.Command)
	case <-time.After(d):
	}
}

func jsonInt(i int64) string {
	b, _ := json.Marshal(i)
	return string(b)
}

type harness struct {
	t    *testing.T
	m    *Manager
	ln   *linechan.Listener
	ctrl *recordingController
	j    *journal.MemJournal

	// spawn behaviour
	failSpawns  atomic.Int64 // fail this many attempts, -1 fails all
	holdConnect bool
	stubborn    bool

	attempts atomic.Int64
	spawned  chan *fakeWorker
}

type harnessOpt func(*harness, *Config)

func withoutHandshake() harnessOpt {
	return func(h *harness, _ *Config) { h.holdConnect = true }
}

func withStubbornWorkers() harnessOpt {
	return func(h *harness, _ *Config) { h.stubborn = true }
}

func withExitGrace(d time.Duration) harnessOpt {
	return func(_ *harness, c *Config) { c.ExitGrace = d }
}

func withSpawnFailures(n int64, cfg Config) harnessOpt {
	return func(h *harness, c *Config) {
		h.failSpawns.Store(n)
		c.SpawnAttempts = cfg.SpawnAttempts
		c.SpawnBackoffMin = cfg.SpawnBackoffMin
		c.SpawnBackoffMax = cfg.SpawnBackoffMax
		c.Clock = cfg.Clock
	}
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	h := &harness{
		t:       t,
		ctrl:    newRecordingController(),
		spawned: make(chan *fakeWorker, 64),
	}

	cfg := Config{
		SpawnBackoffMin: time.Millisecond,
		SpawnBackoffMax: 10 * time.Millisecond,
		Session:         "test-session",
	}
	for _, o := range opts {
		o(h, &cfg)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	h.j = journal.NewMemJournal(clk, nil)
	cfg.Journal = h.j

	h.m = New(SpawnerFunc(h.spawn), cfg)

	ln, err := linechan.Listen("127.0.0.1:0", h.m.WorkerHandler())
	require.NoError(t, err)
	h.ln = ln
	go ln.Serve() //nolint:errcheck

	require.NoError(t, h.m.AddController(h.ctrl))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = h.m.Stop(ctx)
		_ = h.ln.Close()
	})

	return h
}

func (h *harness) spawn(ctx context.Context, id WorkerID) (Process, error) {
	h.attempts.Add(1)

	if n := h.failSpawns.Load(); n != 0 {
		if n > 0 {
			h.failSpawns.Add(-1)
		}
		return nil, xerrors.New("exec: no such file")
	}

	fw := &fakeWorker{
		id:       id,
		h:        h,
		recv:     make(chan taskproto.Message, 64),
		stubborn: h.stubborn,
		exit:     make(chan int, 1),
	}
	if !h.holdConnect {
		if err := fw.connect(); err != nil {
			return nil, err
		}
	}
	h.spawned <- fw
	return fw, nil
}

func (h *harness) nextWorker() *fakeWorker {
	h.t.Helper()
	select {
	case fw := <-h.spawned:
		return fw
	case <-time.After(testTimeout):
		h.t.Fatal("no worker spawned")
	}
	return nil
}

func (h *harness) noSpawn(d time.Duration) {
	h.t.Helper()
	select {
	case fw := <-h.spawned:
		h.t.Fatalf("unexpected worker %d spawned", fw.id)
	case <-time.After(d):
	}
}

func (h *harness) status() Status {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	st, err := h.m.Status(ctx)
	require.NoError(h.t, err)
	return st
}

func (h *harness) eventually(cond func(st Status) bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		st, err := h.m.Status(ctx)
		return err == nil && cond(st)
	}, testTimeout, 5*time.Millisecond, msg)
}

// readyWorkers waits until n workers completed the handshake and are free.
func (h *harness) readyWorkers(n int) {
	h.t.Helper()
	h.eventually(func(st Status) bool {
		ready := 0
		for _, w := range st.Workers {
			if w.State == WorkerReady.String() && w.Free {
				ready++
			}
		}
		return ready == n
	}, "workers did not become ready")
}

func (h *harness) addTask(id string, payload interface{}, quitAfter bool) {
	h.t.Helper()
	msg, err := taskproto.NewMessage(taskproto.StringID(id), taskproto.NewTask, payload)
	require.NoError(h.t, err)
	require.NoError(h.t, h.m.AddTask(msg, quitAfter))
}

func workerIDs(st Status) []WorkerID {
	out := make([]WorkerID, 0, len(st.Workers))
	for _, w := range st.Workers {
		out = append(out, w.ID)
	}
	return out
}
