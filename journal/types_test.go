package journal

import (
	"testing"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

func TestParseDisabledEvents(t *testing.T) {
	evts, err := ParseDisabledEvents(" taskmgr:task_updated, taskmgr:worker_spawned ")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, "taskmgr", evts[0].System)
	require.Equal(t, "worker_spawned", evts[1].Event)

	evts, err = ParseDisabledEvents("")
	require.NoError(t, err)
	require.Empty(t, evts)

	_, err = ParseDisabledEvents("taskmgr")
	require.Error(t, err)

	_, err = ParseDisabledEvents("taskmgr:a:b")
	require.Error(t, err)
}

func TestRegistryDisables(t *testing.T) {
	reg := NewEventTypeRegistry(DisabledEvents{{System: "taskmgr", Event: "task_updated"}})

	upd := reg.RegisterEventType("taskmgr", "task_updated")
	require.False(t, upd.Enabled())

	done := reg.RegisterEventType("taskmgr", "task_done")
	require.True(t, done.Enabled())
	require.Equal(t, "taskmgr:task_done", done.String())

	// unregistered tokens are never enabled
	require.False(t, EventType{System: "taskmgr", Event: "task_done"}.Enabled())
}

func TestMemJournal(t *testing.T) {
	clk := clock.NewMock()
	j := NewMemJournal(clk, DefaultDisabledEvents)

	done := j.RegisterEventType("taskmgr", "task_done")
	upd := j.RegisterEventType("taskmgr", "task_updated")

	j.RecordEvent(done, func() interface{} { return 1 })
	j.RecordEvent(upd, func() interface{} {
		t.Fatal("supplier called for a disabled event")
		return nil
	})
	j.RecordEvent(done, func() interface{} { panic("boom") })

	evts := j.Events()
	require.Len(t, evts, 1)
	require.Equal(t, clk.Now(), evts[0].Timestamp)
	require.Equal(t, 1, evts[0].Data)

	require.Empty(t, j.Events("worker_spawned"))
	require.Len(t, j.Events("task_done"), 1)
	require.NoError(t, j.Close())
}
