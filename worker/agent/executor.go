package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"

	"golang.org/x/xerrors"
)

// EchoExecutor returns the task payload unchanged.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, t *Task) (interface{}, error) {
	if len(t.Args) == 0 {
		return nil, nil
	}
	return t.Args, nil
}

// CommandSpec is the task payload understood by CommandExecutor.
type CommandSpec struct {
	Argv []string          `json:"argv"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`
}

// CommandResult is the DONE payload of CommandExecutor.
type CommandResult struct {
	Exit   int    `json:"exit"`
	Output string `json:"output,omitempty"`
}

// CommandExecutor runs the command line in the payload. Combined output is
// captured into the result unless NoCapture is set, in which case it goes to
// the worker's own stdout and stderr.
type CommandExecutor struct {
	NoCapture bool

	Stdout io.Writer
	Stderr io.Writer
}

func (e CommandExecutor) Execute(ctx context.Context, t *Task) (interface{}, error) {
	var spec CommandSpec
	if err := json.Unmarshal(t.Args, &spec); err != nil {
		return nil, xerrors.Errorf("decoding command payload: %w", err)
	}
	if len(spec.Argv) == 0 {
		return nil, xerrors.New("empty argv")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}

	var out bytes.Buffer
	if e.NoCapture {
		cmd.Stdout = orDefault(e.Stdout, os.Stdout)
		cmd.Stderr = orDefault(e.Stderr, os.Stderr)
	} else {
		cmd.Stdout = &out
		cmd.Stderr = &out
	}

	err := cmd.Run()
	var ee *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
	default:
		return nil, xerrors.Errorf("running %s: %w", spec.Argv[0], err)
	}

	return CommandResult{
		Exit:   cmd.ProcessState.ExitCode(),
		Output: out.String(),
	}, nil
}

func orDefault(w io.Writer, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
