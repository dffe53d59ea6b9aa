// Package ratmand runs the router daemon: configuration, state
// directory, and the runtime context owning every subsystem.
package ratmand

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the daemon configuration. The env struct tag holds the
// environment variable name and the default value if missing, or empty
// (if not ?=). String arrays are comma-separated.
type Config struct {
	// The state directory: journal partitions, registry, spool files,
	// and the exclusive lock. Defaults to a per-user data directory.
	StateDir string `env:"RATMAN_STATE_DIR"`

	// The address the client API listens on.
	APIAddr string `env:"RATMAN_API_ADDR?=127.0.0.1:5852"`

	// Interval between announcements for each address that is up, as a
	// Go duration string with a unit (e.g. 2s, 500ms).
	AnnounceDelay time.Duration `env:"RATMAN_ANNOUNCE_DELAY=2s"`

	// The minimum log level (e.g., trace, debug, info, warn, error).
	Verbosity zerolog.Level `env:"RATMAN_VERBOSITY=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"RATMAN_LOG_STDOUT=true"`

	// Whether to use pretty logs on stdout. Set to false for
	// syslog-style collection.
	LogStdoutPretty bool `env:"RATMAN_LOG_STDOUT_PRETTY=true"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"RATMAN_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"RATMAN_LOG_FILE_LEVEL=info"`

	// Minimum client semver allowed on the API socket. Dev versions are
	// always allowed. If not provided, all client versions are allowed.
	MinClientVersion string `env:"RATMAN_MIN_CLIENT_VERSION"`

	// Whether to register the in-memory loopback link driver. The
	// production drivers (inet, lan, lora, datalink) run out of
	// process and attach through their own subtrees.
	InmemEnable bool `env:"RATMAN_INMEM_ENABLE"`
}

// UnmarshalEnv unmarshals an array of environment variables into c,
// setting default values as appropriate. If incremental is true, default
// values will not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "RATMAN_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
