// Package taskproto defines the messages exchanged between the orchestrator, its
// worker subprocesses and controllers. Every message is a three element JSON array
// `[task_id, command, args]` sent as a single line.
package taskproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"golang.org/x/xerrors"
)

// ErrProtocol is returned for lines that cannot be decoded into a Message.
// It is fatal for the connection that produced it and nothing else.
var ErrProtocol = errors.New("protocol error")

type Command int

const (
	NewTask Command = iota + 1
	NewQuitTask
	UpdateTask
	AbortTask
	DoneTask
	SetWorkersTask
	WorkerConnected
)

var commandNames = map[Command]string{
	NewTask:         "NEW_TASK",
	NewQuitTask:     "NEW_QUIT_TASK",
	UpdateTask:      "UPDATE_TASK",
	AbortTask:       "ABORT_TASK",
	DoneTask:        "DONE_TASK",
	SetWorkersTask:  "SET_WORKERS_TASK",
	WorkerConnected: "WORKER_CONNECTED",
}

func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return "Command(" + strconv.Itoa(int(c)) + ")"
}

// TaskID is a caller supplied task identifier. It keeps the compact JSON form of
// the id, so the string "1" and the number 1 are different ids. The zero value
// encodes as null.
type TaskID struct {
	raw string
}

var NoTask = TaskID{}

func StringID(s string) TaskID {
	b, _ := json.Marshal(s)
	return TaskID{raw: string(b)}
}

func IntID(i int64) TaskID {
	return TaskID{raw: strconv.FormatInt(i, 10)}
}

func (id TaskID) IsNull() bool {
	return id.raw == "" || id.raw == "null"
}

func (id TaskID) String() string {
	if id.IsNull() {
		return "null"
	}
	var s string
	if err := json.Unmarshal([]byte(id.raw), &s); err == nil {
		return s
	}
	return id.raw
}

func (id TaskID) MarshalJSON() ([]byte, error) {
	if id.IsNull() {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

func (id *TaskID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return xerrors.Errorf("%w: empty task id", ErrProtocol)
	}
	switch b[0] {
	case 'n':
		*id = NoTask
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return xerrors.Errorf("%w: task id: %s", ErrProtocol, err)
		}
		*id = StringID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return xerrors.Errorf("%w: task id must be a string or an integer", ErrProtocol)
		}
		i, err := n.Int64()
		if err != nil {
			return xerrors.Errorf("%w: task id %s is not an integer", ErrProtocol, n)
		}
		*id = IntID(i)
		return nil
	}
}

// Message is one `[task_id, command, args]` triple. Args is forwarded verbatim.
type Message struct {
	TaskID  TaskID
	Command Command
	Args    json.RawMessage
}

func NewMessage(id TaskID, cmd Command, args interface{}) (Message, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Message{}, xerrors.Errorf("encoding %s args: %w", cmd, err)
	}
	return Message{TaskID: id, Command: cmd, Args: raw}, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	args := m.Args
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	return json.Marshal([3]interface{}{m.TaskID, int(m.Command), args})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return xerrors.Errorf("%w: %s", ErrProtocol, err)
	}
	if len(parts) != 3 {
		return xerrors.Errorf("%w: expected 3 elements, got %d", ErrProtocol, len(parts))
	}

	var id TaskID
	if err := id.UnmarshalJSON(parts[0]); err != nil {
		return err
	}

	var code int
	if err := json.Unmarshal(parts[1], &code); err != nil {
		return xerrors.Errorf("%w: command code: %s", ErrProtocol, err)
	}
	cmd := Command(code)
	if !cmd.Valid() {
		return xerrors.Errorf("%w: unknown command code %d", ErrProtocol, code)
	}

	m.TaskID = id
	m.Command = cmd
	m.Args = append(json.RawMessage(nil), parts[2]...)
	return nil
}

// Encode returns the wire form of the message, including the trailing newline.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses a single line (without its newline).
func Decode(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		if !errors.Is(err, ErrProtocol) {
			err = xerrors.Errorf("%w: %s", ErrProtocol, err)
		}
		return Message{}, err
	}
	return m, nil
}

// IntArg decodes the args of SET_WORKERS_TASK and WORKER_CONNECTED messages.
func (m Message) IntArg() (int, error) {
	var n int
	if err := json.Unmarshal(m.Args, &n); err != nil {
		return 0, xerrors.Errorf("%w: %s expects an integer argument: %s", ErrProtocol, m.Command, err)
	}
	return n, nil
}
