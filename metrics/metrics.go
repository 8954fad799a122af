package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/sympathy-lab/sytask/build"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
	150, 200, 250, 300, 350, 400, 450, 500,
	600, 700, 800, 900, 1000,
	2000, 3000, 4000, 5000, 8000, 10000, 20000, 30000,
)

var taskMillisecondsDistribution = view.Distribution(
	10, 50, 100, 250, 500, 1000, 2000, 5000, 10_000, 30_000, 60_000, 2*60_000, 5*60_000, 10*60_000,
	15*60_000, 30*60_000, 60*60_000, 2*60*60_000, 4*60*60_000, 8*60*60_000,
)

var queueSizeDistribution = view.Distribution(0, 1, 2, 3, 5, 7, 10, 15, 25, 35, 50, 70, 90, 130, 200, 300, 500, 1000, 2000, 5000, 10000)

// Tags
var (
	Version, _  = tag.NewKey("version")
	Commit, _   = tag.NewKey("commit")
	Session, _  = tag.NewKey("session")
	Endpoint, _ = tag.NewKey("endpoint")

	// TaskStatus is "ok" for a DONE carrying a worker reply, "failed" for a
	// synthetic DONE after a worker died.
	TaskStatus, _  = tag.NewKey("task_status")
	ExitReason, _  = tag.NewKey("exit_reason")
	FailureType, _ = tag.NewKey("failure_type")
)

// Measures
var (
	SytaskInfo = stats.Int64("info", "Arbitrary counter to tag sytask info to", stats.UnitDimensionless)

	TasksSubmitted  = stats.Int64("taskmgr/tasks_submitted", "Counter of tasks accepted from controllers", stats.UnitDimensionless)
	TasksDispatched = stats.Int64("taskmgr/tasks_dispatched", "Counter of tasks handed to a worker", stats.UnitDimensionless)
	TasksDone       = stats.Int64("taskmgr/tasks_done", "Counter of terminal task messages relayed", stats.UnitDimensionless)
	TasksAborted    = stats.Int64("taskmgr/tasks_aborted", "Counter of aborted tasks", stats.UnitDimensionless)
	TasksStaleDone  = stats.Int64("taskmgr/tasks_stale_done", "Counter of DONE messages from workers that no longer own the task", stats.UnitDimensionless)
	TaskDuration    = stats.Float64("taskmgr/task_ms", "Duration from dispatch to DONE", stats.UnitMilliseconds)
	TaskQueueWait   = stats.Float64("taskmgr/task_queue_ms", "Time a task spent in the wait queue", stats.UnitMilliseconds)

	WorkersSpawned   = stats.Int64("taskmgr/workers_spawned", "Counter of worker processes started", stats.UnitDimensionless)
	WorkersExited    = stats.Int64("taskmgr/workers_exited", "Counter of worker processes gone", stats.UnitDimensionless)
	SpawnFailures    = stats.Int64("taskmgr/spawn_failures", "Counter of spawn attempts that failed", stats.UnitDimensionless)
	HandshakeLatency = stats.Float64("taskmgr/handshake_ms", "Time from spawn request to WORKER_CONNECTED", stats.UnitMilliseconds)

	PoolTarget   = stats.Int64("taskmgr/pool_target", "Target worker count", stats.UnitDimensionless)
	PoolWorkers  = stats.Int64("taskmgr/pool_workers", "Live workers", stats.UnitDimensionless)
	PoolFree     = stats.Int64("taskmgr/pool_free", "Free workers", stats.UnitDimensionless)
	WaitQueueLen = stats.Int64("taskmgr/wait_queue", "Tasks waiting for a worker", stats.UnitDimensionless)
	RunningTasks = stats.Int64("taskmgr/running_tasks", "Tasks assigned to a worker", stats.UnitDimensionless)

	ControllersConnected = stats.Int64("orchestrator/controllers", "Connected controllers", stats.UnitDimensionless)
	ProtocolErrors       = stats.Int64("linechan/protocol_errors", "Connections torn down on a protocol error", stats.UnitDimensionless)

	APIRequestDuration = stats.Float64("api/request_duration_ms", "Duration of admin API requests", stats.UnitMilliseconds)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "sytask orchestrator information",
		Measure:     SytaskInfo,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit, Session},
	}
	TasksSubmittedView = &view.View{
		Measure:     TasksSubmitted,
		Aggregation: view.Count(),
	}
	TasksDispatchedView = &view.View{
		Measure:     TasksDispatched,
		Aggregation: view.Count(),
	}
	TasksDoneView = &view.View{
		Measure:     TasksDone,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskStatus},
	}
	TasksAbortedView = &view.View{
		Measure:     TasksAborted,
		Aggregation: view.Count(),
	}
	TasksStaleDoneView = &view.View{
		Measure:     TasksStaleDone,
		Aggregation: view.Count(),
	}
	TaskDurationView = &view.View{
		Measure:     TaskDuration,
		Aggregation: taskMillisecondsDistribution,
		TagKeys:     []tag.Key{TaskStatus},
	}
	TaskQueueWaitView = &view.View{
		Measure:     TaskQueueWait,
		Aggregation: taskMillisecondsDistribution,
	}
	WorkersSpawnedView = &view.View{
		Measure:     WorkersSpawned,
		Aggregation: view.Count(),
	}
	WorkersExitedView = &view.View{
		Measure:     WorkersExited,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{ExitReason},
	}
	SpawnFailuresView = &view.View{
		Measure:     SpawnFailures,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureType},
	}
	HandshakeLatencyView = &view.View{
		Measure:     HandshakeLatency,
		Aggregation: defaultMillisecondsDistribution,
	}
	PoolTargetView = &view.View{
		Measure:     PoolTarget,
		Aggregation: view.LastValue(),
	}
	PoolWorkersView = &view.View{
		Measure:     PoolWorkers,
		Aggregation: view.LastValue(),
	}
	PoolFreeView = &view.View{
		Measure:     PoolFree,
		Aggregation: view.LastValue(),
	}
	WaitQueueLenView = &view.View{
		Measure:     WaitQueueLen,
		Aggregation: queueSizeDistribution,
	}
	WaitQueueLastView = &view.View{
		Name:        "taskmgr/wait_queue_last",
		Measure:     WaitQueueLen,
		Aggregation: view.LastValue(),
	}
	RunningTasksView = &view.View{
		Measure:     RunningTasks,
		Aggregation: view.LastValue(),
	}
	ControllersConnectedView = &view.View{
		Measure:     ControllersConnected,
		Aggregation: view.LastValue(),
	}
	ProtocolErrorsView = &view.View{
		Measure:     ProtocolErrors,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Endpoint},
	}
	APIRequestDurationView = &view.View{
		Measure:     APIRequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Endpoint},
	}
)

var views = []*view.View{
	InfoView,
	TasksSubmittedView,
	TasksDispatchedView,
	TasksDoneView,
	TasksAbortedView,
	TasksStaleDoneView,
	TaskDurationView,
	TaskQueueWaitView,
	WorkersSpawnedView,
	WorkersExitedView,
	SpawnFailuresView,
	HandshakeLatencyView,
	PoolTargetView,
	PoolWorkersView,
	PoolFreeView,
	WaitQueueLenView,
	WaitQueueLastView,
	RunningTasksView,
	ControllersConnectedView,
	ProtocolErrorsView,
	APIRequestDurationView,
}

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = func() []*view.View {
	return views
}()

// RegisterViews adds views to the default list without modifying this file.
func RegisterViews(v ...*view.View) {
	views = append(views, v...)
}

// RecordInfo publishes the build info gauge for this session.
func RecordInfo(ctx context.Context, session string) error {
	ctx, err := tag.New(ctx,
		tag.Upsert(Version, build.BuildVersion),
		tag.Upsert(Commit, build.CurrentCommit),
		tag.Upsert(Session, session),
	)
	if err != nil {
		return err
	}
	stats.Record(ctx, SytaskInfo.M(1))
	return nil
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}
