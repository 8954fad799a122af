package taskproto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	m, err := Decode([]byte(`["t1", 1, {"node": "a"}]`))
	require.NoError(t, err)
	require.Equal(t, StringID("t1"), m.TaskID)
	require.Equal(t, NewTask, m.Command)
	require.JSONEq(t, `{"node": "a"}`, string(m.Args))

	m, err = Decode([]byte(`[42, 5, 0]`))
	require.NoError(t, err)
	require.Equal(t, IntID(42), m.TaskID)
	require.Equal(t, DoneTask, m.Command)

	m, err = Decode([]byte(`[null, 7, 3]`))
	require.NoError(t, err)
	require.True(t, m.TaskID.IsNull())
	n, err := m.IntArg()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestDecodeRejects(t *testing.T) {
	for name, line := range map[string]string{
		"not json":        `["t1", 1`,
		"not an array":    `{"id": "t1"}`,
		"short":           `["t1", 1]`,
		"unknown command": `["t1", 99, null]`,
		"float id":        `[1.5, 1, null]`,
		"object id":       `[{}, 1, null]`,
		"string command":  `["t1", "NEW_TASK", null]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(line))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrProtocol), "got %v", err)
		})
	}
}

func TestTaskIDKinds(t *testing.T) {
	require.NotEqual(t, StringID("1"), IntID(1))

	ids := map[TaskID]int{}
	ids[StringID("1")] = 1
	ids[IntID(1)] = 2
	require.Len(t, ids, 2)

	require.Equal(t, "1", StringID("1").String())
	require.Equal(t, "1", IntID(1).String())
	require.Equal(t, "null", NoTask.String())
}

func TestEncodeRoundTrip(t *testing.T) {
	m, err := NewMessage(StringID("t1"), UpdateTask, map[string]int{"progress": 50})
	require.NoError(t, err)

	b, err := m.Encode()
	require.NoError(t, err)
	require.Equal(t, byte('\n'), b[len(b)-1])
	require.JSONEq(t, `["t1", 3, {"progress": 50}]`, string(b[:len(b)-1]))

	back, err := Decode(b[:len(b)-1])
	require.NoError(t, err)
	require.Equal(t, m.TaskID, back.TaskID)
	require.Equal(t, m.Command, back.Command)
	require.JSONEq(t, string(m.Args), string(back.Args))
}

func TestEncodeEmptyArgs(t *testing.T) {
	b, err := json.Marshal(Message{TaskID: IntID(7), Command: AbortTask})
	require.NoError(t, err)
	require.JSONEq(t, `[7, 4, null]`, string(b))
}

func TestIntArgRejectsNonInteger(t *testing.T) {
	m := Message{TaskID: NoTask, Command: SetWorkersTask, Args: json.RawMessage(`"four"`)}
	_, err := m.IntArg()
	require.True(t, errors.Is(err, ErrProtocol))
}
