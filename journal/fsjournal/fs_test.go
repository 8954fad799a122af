package fsjournal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/sympathy-lab/sytask/journal"
)

func TestRollingRemovesOldFiles(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	clk := clock.NewMock()

	j, err := openFSJournal(dir, nil, Options{SizeLimit: 1 << 20, Keep: 3, Clock: clk})
	req.NoError(err)
	defer j.Close() //nolint:errcheck

	rolledFiles := func() int {
		files, err := os.ReadDir(dir)
		req.NoError(err)
		return len(files) - 1 // minus the current file
	}

	for i := 0; i < j.keep; i++ {
		req.Equalf(i, rolledFiles(), "add one file for every roll before max keep")
		clk.Add(time.Second)
		req.NoError(j.rollJournalFile())
	}

	clk.Add(time.Second)
	req.NoError(j.rollJournalFile())
	req.Equalf(j.keep, rolledFiles(), "files are not being pruned from the journal directory")
}

func TestRecordsEventsAsNDJSON(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()

	j, err := OpenFSJournal(dir, journal.DefaultDisabledEvents, Options{Clock: clk})
	require.NoError(t, err)

	done := j.RegisterEventType("taskmgr", "task_done")
	upd := j.RegisterEventType("taskmgr", "task_updated")

	j.RecordEvent(done, func() interface{} { return map[string]interface{}{"task": "t1", "status": 0} })
	j.RecordEvent(upd, func() interface{} { return "dropped" })
	require.NoError(t, j.Close())

	fi, err := os.Open(filepath.Join(dir, currentName))
	require.NoError(t, err)
	defer fi.Close() //nolint:errcheck

	var lines []map[string]interface{}
	sc := bufio.NewScanner(fi)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 1)
	require.Equal(t, "taskmgr", lines[0]["System"])
	require.Equal(t, "task_done", lines[0]["Event"])
	require.Equal(t, "t1", lines[0]["Data"].(map[string]interface{})["task"])
}
