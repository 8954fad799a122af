package orchestrator

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sympathy-lab/sytask/api/client"
	"github.com/sympathy-lab/sytask/build"
	"github.com/sympathy-lab/sytask/node/config"
	"github.com/sympathy-lab/sytask/taskmgr"
	"github.com/sympathy-lab/sytask/taskproto"
	"github.com/sympathy-lab/sytask/worker/agent"
)

const testTimeout = 10 * time.Second

// agentProcess runs a worker agent in-process in place of a subprocess.
type agentProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan int
}

func (p *agentProcess) Pid() int    { return p.pid }
func (p *agentProcess) Wait() int   { return <-p.done }
func (p *agentProcess) Terminate() { p.cancel() }
func (p *agentProcess) Kill()      { p.cancel() }

func agentSpawner(o **Orchestrator) taskmgr.Spawner {
	var pids atomic.Int64
	return taskmgr.SpawnerFunc(func(ctx context.Context, id taskmgr.WorkerID) (taskmgr.Process, error) {
		actx, cancel := context.WithCancel(context.Background())
		a := agent.New(agent.Config{
			WorkerID:    int64(id),
			ManagerAddr: (*o).WorkerAddr().String(),
		})
		p := &agentProcess{
			pid:    int(pids.Add(1)),
			cancel: cancel,
			done:   make(chan int, 1),
		}
		go func() {
			code := 0
			if err := a.Run(actx); err != nil {
				code = 1
			}
			p.done <- code
		}()
		return p, nil
	})
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pool.Workers = 2
	cfg.Pool.StopGrace = config.Duration(time.Second)
	cfg.Pool.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.API.ListenAddress = "127.0.0.1:0"
	cfg.Journal.Path = t.TempDir()
	return cfg
}

type runResult struct {
	code int
	err  error
}

func start(ctx context.Context, o *Orchestrator) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		code, err := o.Run(ctx)
		out <- runResult{code, err}
	}()
	return out
}

func wait(t *testing.T, res <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-res:
		return r
	case <-time.After(testTimeout):
		t.Fatal("orchestrator did not exit")
	}
	return runResult{}
}

func TestRunServesControllersAndAdminAPI(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	var o *Orchestrator
	o, err := New(Options{Config: cfg, Spawner: agentSpawner(&o)})
	require.NoError(t, err)
	res := start(ctx, o)

	nc, err := net.Dial("tcp", o.ControllerAddr().String())
	require.NoError(t, err)
	defer nc.Close() //nolint:errcheck

	_, err = nc.Write([]byte(`["t1", 1, {"x": 1}]` + "\n"))
	require.NoError(t, err)

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(testTimeout)))
	line, err := bufio.NewReader(nc).ReadBytes('\n')
	require.NoError(t, err)
	done, err := taskproto.Decode(line[:len(line)-1])
	require.NoError(t, err)
	require.Equal(t, taskproto.StringID("t1"), done.TaskID)
	require.Equal(t, taskproto.DoneTask, done.Command)
	require.JSONEq(t, `{"x": 1}`, string(done.Args))

	addr := "http://" + o.APIAddr().String()
	admin, closer, err := client.NewAdminRPC(ctx, addr+"/rpc/v0", nil)
	require.NoError(t, err)
	defer closer()

	v, err := admin.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, build.AdminAPIVersion, v.APIVersion)
	require.Equal(t, o.Session(), v.Session)

	require.Eventually(t, func() bool {
		st, err := admin.Status(ctx)
		return err == nil && st.Target == 2 && len(st.Free) == 2
	}, testTimeout, 10*time.Millisecond)

	require.NoError(t, admin.SetWorkers(ctx, 1))
	require.Eventually(t, func() bool {
		st, err := admin.Status(ctx)
		return err == nil && st.Target == 1 && len(st.Workers) == 1
	}, testTimeout, 10*time.Millisecond)

	resp, err := http.Get(addr + "/debug/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "sytask_")

	require.NoError(t, admin.Shutdown(ctx))
	r := wait(t, res)
	require.NoError(t, r.err)
	require.Equal(t, 0, r.code)

	b, err := os.ReadFile(filepath.Join(cfg.Journal.Path, "sytask-journal.ndjson"))
	require.NoError(t, err)
	require.Contains(t, string(b), `"task_done"`)
	require.Contains(t, string(b), `"pool_resized"`)
}

func TestControllerExitCodeIsReturned(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.ListenAddress = ""
	cfg.Journal.Path = ""

	dir := t.TempDir()
	out := filepath.Join(dir, "port")
	script := filepath.Join(dir, "controller.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$"+PlatformPortEnv+"\" > \"$OUT\"\nexit 7\n"), 0o755))
	cfg.Controller.Env = map[string]string{"OUT": out}

	var o *Orchestrator
	o, err := New(Options{
		Config:         cfg,
		ControllerArgv: []string{"/bin/sh", script},
		Spawner:        agentSpawner(&o),
	})
	require.NoError(t, err)

	r := wait(t, start(context.Background(), o))
	require.NoError(t, r.err)
	require.Equal(t, 7, r.code)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	port := o.ControllerAddr().(*net.TCPAddr).Port
	require.Equal(t, strconv.Itoa(port), strings.TrimSpace(string(b)))

	_, err = o.Manager().Status(context.Background())
	require.ErrorIs(t, err, taskmgr.ErrManagerClosed)
}

func TestControllerStoppedOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.ListenAddress = ""
	cfg.Journal.Path = ""

	var o *Orchestrator
	o, err := New(Options{
		Config:         cfg,
		ControllerArgv: []string{"/bin/sh", "-c", "exec sleep 30"},
		Spawner:        agentSpawner(&o),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	res := start(ctx, o)

	require.Eventually(t, func() bool {
		st, err := o.Manager().Status(ctx)
		return err == nil && len(st.Free) == 2
	}, testTimeout, 10*time.Millisecond)

	cancel()
	r := wait(t, res)
	require.NoError(t, r.err)
	require.Equal(t, taskmgr.StatusSignalled, r.code)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.ListenAddress = ""

	var o *Orchestrator
	o, err := New(Options{Config: cfg, Spawner: agentSpawner(&o)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	res := start(ctx, o)
	cancel()

	r := wait(t, res)
	require.NoError(t, r.err)
	require.Equal(t, 0, r.code)
}

func TestNewRejectsBadListenAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listen.Controllers = "127.0.0.1:-1"

	_, err := New(Options{Config: cfg, Spawner: taskmgr.SpawnerFunc(func(context.Context, taskmgr.WorkerID) (taskmgr.Process, error) {
		return nil, os.ErrInvalid
	})})
	require.Error(t, err)
}
