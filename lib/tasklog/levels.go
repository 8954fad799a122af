package tasklog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
)

// SetupLogLevels sets the default subsystem levels. GOLOG_LOG_LEVEL, when set,
// wins over the defaults.
func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", "INFO")
		_ = logging.SetLogLevel("linechan", "WARN")
		_ = logging.SetLogLevel("fsjournal", "WARN")
		_ = logging.SetLogLevel("rpc", "ERROR")
	}
}

// SetLevels applies level to the orchestrator subsystems. Empty keeps the
// defaults.
func SetLevels(level string, subsystems ...string) error {
	if level == "" {
		return nil
	}
	if len(subsystems) == 0 {
		return logging.SetLogLevel("*", level)
	}
	for _, s := range subsystems {
		if err := logging.SetLogLevel(s, level); err != nil {
			return err
		}
	}
	return nil
}
