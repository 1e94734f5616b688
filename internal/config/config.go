// Package config loads berth's own tool settings: retry and backoff
// parameters, execution parallelism and readiness timing.
//
// Settings come from three places, later ones winning:
//   - built-in defaults (Default)
//   - an optional berth.settings.jsonc file (JSON with comments, parsed through
//     github.com/tidwall/jsonc like every other JSONC input berth reads)
//   - command-line flags, applied by internal/cli after Load returns
//
// The settings file is separate from the project definition: it tunes how
// berth drives the engine, never what the project contains.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
)

// FileName is the settings file looked up next to the project definition.
const FileName = "berth.settings.jsonc"

// Duration is a time.Duration that reads and writes Go duration strings
// ("200ms", "5s") in JSON.
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\" or an integer: %s", data)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Retry holds the backoff parameters for transient engine errors.
type Retry struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"maxAttempts"`

	// BaseDelay is the wait before the second attempt.
	BaseDelay Duration `json:"baseDelay"`

	// MaxDelay caps the wait between attempts.
	MaxDelay Duration `json:"maxDelay"`

	// Multiplier grows the delay after each attempt.
	Multiplier float64 `json:"multiplier"`

	// Jitter randomizes each delay by up to this fraction (0 to 1).
	Jitter float64 `json:"jitter"`
}

// Readiness holds the readiness polling parameters.
type Readiness struct {
	// Timeout bounds how long a start-service action waits for readiness.
	Timeout Duration `json:"timeout"`

	// Interval is the time between two checks.
	Interval Duration `json:"interval"`
}

// Settings is the full tool configuration.
type Settings struct {
	Retry     Retry     `json:"retry"`
	Readiness Readiness `json:"readiness"`

	// Parallelism bounds concurrently running actions. Zero means unbounded.
	Parallelism int `json:"parallelism"`

	// StopTimeout is the grace period before a stopping container is killed.
	StopTimeout Duration `json:"stopTimeout"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Retry: Retry{
			MaxAttempts: 4,
			BaseDelay:   Duration(200 * time.Millisecond),
			MaxDelay:    Duration(5 * time.Second),
			Multiplier:  2,
			Jitter:      0.2,
		},
		Readiness: Readiness{
			Timeout:  Duration(60 * time.Second),
			Interval: Duration(500 * time.Millisecond),
		},
		Parallelism: 0,
		StopTimeout: Duration(10 * time.Second),
	}
}

// Load reads settings from path on top of the defaults. Fields missing from
// the file keep their default values. A missing file is not an error when
// optional is true; Load then returns the defaults.
func Load(path string, optional bool) (Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), &settings); err != nil {
		return settings, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	return settings, nil
}

// LoadDir loads the optional settings file from dir.
func LoadDir(dir string) (Settings, error) {
	return Load(filepath.Join(dir, FileName), true)
}

// Validate checks that every value is usable.
func (s Settings) Validate() error {
	switch {
	case s.Retry.MaxAttempts < 1:
		return errors.New("retry.maxAttempts must be at least 1")
	case s.Retry.BaseDelay < 0 || s.Retry.MaxDelay < 0:
		return errors.New("retry delays must not be negative")
	case s.Retry.MaxDelay < s.Retry.BaseDelay:
		return errors.New("retry.maxDelay must not be smaller than retry.baseDelay")
	case s.Retry.Multiplier < 1:
		return errors.New("retry.multiplier must be at least 1")
	case s.Retry.Jitter < 0 || s.Retry.Jitter > 1:
		return errors.New("retry.jitter must be between 0 and 1")
	case s.Readiness.Timeout <= 0:
		return errors.New("readiness.timeout must be positive")
	case s.Readiness.Interval <= 0:
		return errors.New("readiness.interval must be positive")
	case s.Parallelism < 0:
		return errors.New("parallelism must not be negative")
	case s.StopTimeout < 0:
		return errors.New("stopTimeout must not be negative")
	}
	return nil
}
