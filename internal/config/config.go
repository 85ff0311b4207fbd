package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalidSettings = errors.New("config: invalid settings")

// Settings holds every tunable the engines consume. Zero values never reach
// the engines; Default() fills them and Load only overrides what the file
// actually defines.
type Settings struct {
	Region string

	PollInterval time.Duration
	PollTimeout  time.Duration

	TransferThreshold int64
	PropagationDelay  time.Duration
	BucketPrefix      string

	LockWait             time.Duration
	LockStaleAge         time.Duration
	RegistryLockWait     time.Duration
	RegistryLockStaleAge time.Duration

	Parallelism int
	StateDir    string
}

// Default returns the runtime defaults.
func Default() Settings {
	return Settings{
		PollInterval:         2 * time.Second,
		PollTimeout:          300 * time.Second,
		TransferThreshold:    1 << 20,
		PropagationDelay:     5 * time.Second,
		BucketPrefix:         "ssmctl-transfer",
		LockWait:             30 * time.Second,
		LockStaleAge:         5 * time.Minute,
		RegistryLockWait:     5 * time.Second,
		RegistryLockStaleAge: time.Minute,
		StateDir:             defaultStateDir(),
	}
}

type fileConfig struct {
	Region                  string `toml:"region"`
	PollInterval            string `toml:"poll_interval"`
	PollTimeout             string `toml:"poll_timeout"`
	TransferThresholdBytes  int64  `toml:"transfer_threshold_bytes"`
	PropagationDelay        string `toml:"propagation_delay"`
	BucketPrefix            string `toml:"bucket_prefix"`
	LockWait                string `toml:"lock_wait"`
	LockStaleAge            string `toml:"lock_stale_age"`
	RegistryLockWait        string `toml:"registry_lock_wait"`
	RegistryLockStaleAge    string `toml:"registry_lock_stale_age"`
	Parallelism             int    `toml:"parallelism"`
	StateDir                string `toml:"state_dir"`
}

// Load decodes a toml settings file over Default(). Keys absent from the
// file keep their defaults.
func Load(path string) (Settings, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}

	if meta.IsDefined("region") {
		cfg.Region = strings.TrimSpace(raw.Region)
	}
	if meta.IsDefined("poll_interval") {
		d, err := parseDuration("poll_interval", raw.PollInterval)
		if err != nil {
			return Settings{}, err
		}
		cfg.PollInterval = d
	}
	if meta.IsDefined("poll_timeout") {
		d, err := parseDuration("poll_timeout", raw.PollTimeout)
		if err != nil {
			return Settings{}, err
		}
		cfg.PollTimeout = d
	}
	if meta.IsDefined("transfer_threshold_bytes") {
		cfg.TransferThreshold = raw.TransferThresholdBytes
	}
	if meta.IsDefined("propagation_delay") {
		d, err := parseDuration("propagation_delay", raw.PropagationDelay)
		if err != nil {
			return Settings{}, err
		}
		cfg.PropagationDelay = d
	}
	if meta.IsDefined("bucket_prefix") {
		cfg.BucketPrefix = strings.TrimSpace(raw.BucketPrefix)
	}
	if meta.IsDefined("lock_wait") {
		d, err := parseDuration("lock_wait", raw.LockWait)
		if err != nil {
			return Settings{}, err
		}
		cfg.LockWait = d
	}
	if meta.IsDefined("lock_stale_age") {
		d, err := parseDuration("lock_stale_age", raw.LockStaleAge)
		if err != nil {
			return Settings{}, err
		}
		cfg.LockStaleAge = d
	}
	if meta.IsDefined("registry_lock_wait") {
		d, err := parseDuration("registry_lock_wait", raw.RegistryLockWait)
		if err != nil {
			return Settings{}, err
		}
		cfg.RegistryLockWait = d
	}
	if meta.IsDefined("registry_lock_stale_age") {
		d, err := parseDuration("registry_lock_stale_age", raw.RegistryLockStaleAge)
		if err != nil {
			return Settings{}, err
		}
		cfg.RegistryLockStaleAge = d
	}
	if meta.IsDefined("parallelism") {
		cfg.Parallelism = raw.Parallelism
	}
	if meta.IsDefined("state_dir") {
		cfg.StateDir = strings.TrimSpace(raw.StateDir)
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engines cannot run with.
func (s Settings) Validate() error {
	if s.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidSettings)
	}
	if s.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll_timeout must be positive", ErrInvalidSettings)
	}
	if s.PollTimeout < s.PollInterval {
		return fmt.Errorf("%w: poll_timeout shorter than poll_interval", ErrInvalidSettings)
	}
	if s.TransferThreshold <= 0 {
		return fmt.Errorf("%w: transfer_threshold_bytes must be positive", ErrInvalidSettings)
	}
	if s.PropagationDelay < 0 {
		return fmt.Errorf("%w: propagation_delay must not be negative", ErrInvalidSettings)
	}
	if s.LockWait <= 0 {
		return fmt.Errorf("%w: lock_wait must be positive", ErrInvalidSettings)
	}
	if s.LockStaleAge <= 0 {
		return fmt.Errorf("%w: lock_stale_age must be positive", ErrInvalidSettings)
	}
	if s.RegistryLockWait <= 0 {
		return fmt.Errorf("%w: registry_lock_wait must be positive", ErrInvalidSettings)
	}
	if s.RegistryLockStaleAge <= 0 {
		return fmt.Errorf("%w: registry_lock_stale_age must be positive", ErrInvalidSettings)
	}
	if s.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism must not be negative", ErrInvalidSettings)
	}
	if strings.TrimSpace(s.StateDir) == "" {
		return fmt.Errorf("%w: state_dir must not be empty", ErrInvalidSettings)
	}
	if strings.TrimSpace(s.BucketPrefix) == "" {
		return fmt.Errorf("%w: bucket_prefix must not be empty", ErrInvalidSettings)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ssmctl")
	}
	return filepath.Join(home, ".ssmctl")
}
