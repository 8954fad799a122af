package config

import (
	"bytes"
	"io"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// EnvPrefix prefixes environment overrides, e.g. SYTASK_POOL_WORKERS.
const EnvPrefix = "SYTASK"

// FromFile loads config from a TOML file, falling back to def when the file
// does not exist. Environment overrides are applied last.
func FromFile(path string, def *Config) (*Config, error) {
	if def == nil {
		def = DefaultConfig()
	}

	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	var cfg *Config
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		cfg = def
	case err != nil:
		return nil, err
	default:
		defer file.Close() //nolint:errcheck // The file is RO
		cfg, err = FromReader(file, def)
		if err != nil {
			return nil, xerrors.Errorf("loading config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromReader decodes TOML on top of def. def is modified.
func FromReader(reader io.Reader, def *Config) (*Config, error) {
	md, err := toml.NewDecoder(reader).Decode(def)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, xerrors.Errorf("unknown config keys: %v", undecoded)
	}
	return def, nil
}

// ApplyEnv overrides cfg fields from SYTASK_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return xerrors.Errorf("applying environment overrides: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Pool.Workers < 0 {
		return xerrors.Errorf("Pool.Workers must not be negative, got %d", c.Pool.Workers)
	}
	if c.Pool.SpawnAttempts < 1 {
		return xerrors.Errorf("Pool.SpawnAttempts must be at least 1, got %d", c.Pool.SpawnAttempts)
	}
	if c.Worker.Executable == "" {
		return xerrors.New("Worker.Executable is not set")
	}
	if c.Listen.Workers == "" || c.Listen.Controllers == "" {
		return xerrors.New("Listen addresses must be set")
	}
	return nil
}

// ExpandPath expands a leading ~ in a configured path.
func ExpandPath(p string) (string, error) {
	return homedir.Expand(p)
}

var fieldLine = regexp.MustCompile(`(?m)^(\s*)(\w+\s*=)`)

// Encode returns cfg as TOML. With comment set, value lines are commented
// out so the file documents defaults without pinning them.
func Encode(cfg *Config, comment bool) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	if !comment {
		return buf.Bytes(), nil
	}
	return fieldLine.ReplaceAll(buf.Bytes(), []byte("$1#$2")), nil
}
