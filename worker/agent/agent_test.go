package agent

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sympathy-lab/sytask/lib/linechan"
	"github.com/sympathy-lab/sytask/taskproto"
)

const testTimeout = 5 * time.Second

type fakeManager struct {
	ln    *linechan.Listener
	conns chan *linechan.Conn
	msgs  chan taskproto.Message
}

func (f *fakeManager) Connected(c *linechan.Conn) { f.conns <- c }

func (f *fakeManager) Message(c *linechan.Conn, msg taskproto.Message) error {
	f.msgs <- msg
	return nil
}

func (f *fakeManager) Disconnected(c *linechan.Conn, err error) {}

func newFakeManager(t *testing.T) *fakeManager {
	f := &fakeManager{
		conns: make(chan *linechan.Conn, 4),
		msgs:  make(chan taskproto.Message, 64),
	}
	ln, err := linechan.Listen("127.0.0.1:0", f)
	require.NoError(t, err)
	f.ln = ln
	go ln.Serve() //nolint:errcheck
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeManager) next(t *testing.T) taskproto.Message {
	t.Helper()
	select {
	case msg := <-f.msgs:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("manager received nothing")
	}
	return taskproto.Message{}
}

func (f *fakeManager) conn(t *testing.T) *linechan.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(testTimeout):
		t.Fatal("worker did not connect")
	}
	return nil
}

func send(t *testing.T, c *linechan.Conn, id string, cmd taskproto.Command, args interface{}) {
	t.Helper()
	msg, err := taskproto.NewMessage(taskproto.StringID(id), cmd, args)
	require.NoError(t, err)
	require.NoError(t, c.Send(msg))
}

func runAgent(t *testing.T, cfg Config) (*Agent, <-chan error) {
	a := New(cfg)
	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()
	return a, errc
}

func waitExit(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(testTimeout):
		t.Fatal("agent did not exit")
	}
	return nil
}

func TestHandshakeAndEcho(t *testing.T) {
	f := newFakeManager(t)
	_, errc := runAgent(t, Config{WorkerID: 4, ManagerAddr: f.ln.Addr().String()})
	c := f.conn(t)

	hello := f.next(t)
	require.Equal(t, taskproto.WorkerConnected, hello.Command)
	require.True(t, hello.TaskID.IsNull())
	id, err := hello.IntArg()
	require.NoError(t, err)
	require.Equal(t, 4, id)

	send(t, c, "t1", taskproto.NewTask, map[string]int{"n": 1})
	done := f.next(t)
	require.Equal(t, taskproto.DoneTask, done.Command)
	require.Equal(t, taskproto.StringID("t1"), done.TaskID)
	require.JSONEq(t, `{"n":1}`, string(done.Args))

	// the manager going away ends the worker
	require.NoError(t, c.Close())
	require.NoError(t, waitExit(t, errc))
}

func TestQuitAfterTaskExits(t *testing.T) {
	f := newFakeManager(t)
	_, errc := runAgent(t, Config{WorkerID: 1, ManagerAddr: f.ln.Addr().String()})
	c := f.conn(t)
	f.next(t)

	send(t, c, "q", taskproto.NewQuitTask, "bye")
	done := f.next(t)
	require.Equal(t, taskproto.DoneTask, done.Command)
	require.JSONEq(t, `"bye"`, string(done.Args))

	require.NoError(t, waitExit(t, errc))
}

type updateExecutor struct{}

func (updateExecutor) Execute(ctx context.Context, t *Task) (interface{}, error) {
	if err := t.Report("started"); err != nil {
		return nil, err
	}
	select {
	case upd := <-t.Updates:
		var s string
		if err := json.Unmarshal(upd, &s); err != nil {
			return nil, err
		}
		return "got " + s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestUpdatesBothWays(t *testing.T) {
	f := newFakeManager(t)
	_, errc := runAgent(t, Config{WorkerID: 2, ManagerAddr: f.ln.Addr().String(), Executor: updateExecutor{}})
	c := f.conn(t)
	f.next(t)

	send(t, c, "t1", taskproto.NewTask, nil)
	upd := f.next(t)
	require.Equal(t, taskproto.UpdateTask, upd.Command)
	require.JSONEq(t, `"started"`, string(upd.Args))

	send(t, c, "other", taskproto.UpdateTask, "ignored")
	send(t, c, "t1", taskproto.UpdateTask, "go")

	done := f.next(t)
	require.Equal(t, taskproto.DoneTask, done.Command)
	require.JSONEq(t, `"got go"`, string(done.Args))

	require.NoError(t, c.Close())
	require.NoError(t, waitExit(t, errc))
}

func TestProtocolErrorEndsWorker(t *testing.T) {
	f := newFakeManager(t)
	_, errc := runAgent(t, Config{WorkerID: 3, ManagerAddr: f.ln.Addr().String()})
	c := f.conn(t)
	f.next(t)

	send(t, c, "t1", taskproto.DoneTask, nil)
	require.ErrorIs(t, waitExit(t, errc), taskproto.ErrProtocol)
}

func TestParentGone(t *testing.T) {
	f := newFakeManager(t)

	// a pid that cannot exist
	_, errc := runAgent(t, Config{
		WorkerID:           5,
		ManagerAddr:        f.ln.Addr().String(),
		ParentPid:          1 << 30,
		ParentPollInterval: 10 * time.Millisecond,
	})
	f.conn(t)

	require.NoError(t, waitExit(t, errc))
}

func TestProcessAlive(t *testing.T) {
	require.True(t, processAlive(os.Getpid()))
}

func TestCommandExecutor(t *testing.T) {
	args, err := json.Marshal(CommandSpec{
		Argv: []string{"/bin/sh", "-c", `echo "$GREETING"; exit 2`},
		Env:  map[string]string{"GREETING": "hello"},
	})
	require.NoError(t, err)

	res, err := CommandExecutor{}.Execute(context.Background(), &Task{Args: args})
	require.NoError(t, err)
	require.Equal(t, CommandResult{Exit: 2, Output: "hello\n"}, res)

	_, err = CommandExecutor{}.Execute(context.Background(), &Task{Args: []byte(`{"argv": []}`)})
	require.Error(t, err)
}
