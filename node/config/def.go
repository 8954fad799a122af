package config

import (
	"encoding"
	"time"
)

// Config is the orchestrator configuration.
type Config struct {
	Pool       Pool
	Worker     Worker
	Listen     Listen
	Controller Controller
	API        API
	Journal    Journal
	Logging    Logging
}

// Pool configures the worker pool.
type Pool struct {
	// Workers is the initial target worker count.
	Workers int

	// SpawnAttempts bounds how many times starting one worker process is tried
	// before the worker is given up on.
	SpawnAttempts   int
	SpawnBackoffMin Duration
	SpawnBackoffMax Duration

	// StopGrace is how long a stopped worker has to exit before it is killed,
	// and how long a worker's connection may outlive its process.
	StopGrace Duration
	// ShutdownTimeout bounds the whole pool shutdown.
	ShutdownTimeout Duration
}

// Worker describes how worker subprocesses are started.
type Worker struct {
	Executable string
	// Script is passed before the worker arguments, for interpreters.
	Script string

	LogLevel     string
	NodeLogLevel string
	NoCapture    bool

	Env map[string]string
	Dir string
}

type Listen struct {
	// Workers is the address worker subprocesses connect back to.
	Workers string
	// Controllers is the address controllers connect to.
	Controllers string
}

// Controller is the optional controller subprocess. It learns the controller
// port from SYTASK_PLATFORM_PORT.
type Controller struct {
	Command []string
	Env     map[string]string
}

// API contains configs for the admin API endpoint. An empty ListenAddress
// disables it.
type API struct {
	ListenAddress string
	Timeout       Duration
}

type Journal struct {
	// Path is the journal directory, empty disables the journal.
	Path           string
	DisabledEvents string
	SizeLimit      int64
	Keep           int
}

// Logging is the logging system config
type Logging struct {
	Level string
	// SubsystemLevels specify per-subsystem log levels
	SubsystemLevels map[string]string
}

// DefaultConfig returns the default config
func DefaultConfig() *Config {
	return &Config{
		Pool: Pool{
			Workers:         1,
			SpawnAttempts:   5,
			SpawnBackoffMin: Duration(100 * time.Millisecond),
			SpawnBackoffMax: Duration(5 * time.Second),
			StopGrace:       Duration(5 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Worker: Worker{
			Executable:   "sytask-worker",
			LogLevel:     "info",
			NodeLogLevel: "warn",
			Env:          map[string]string{},
		},
		Listen: Listen{
			Workers:     "127.0.0.1:0",
			Controllers: "127.0.0.1:0",
		},
		Controller: Controller{
			Env: map[string]string{},
		},
		API: API{
			ListenAddress: "127.0.0.1:3456",
			Timeout:       Duration(30 * time.Second),
		},
		Journal: Journal{
			Path:           "~/.sytask/journal",
			DisabledEvents: "taskmgr:task_updated",
			SizeLimit:      1 << 30,
			Keep:           10,
		},
		Logging: Logging{
			Level:           "info",
			SubsystemLevels: map[string]string{},
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
