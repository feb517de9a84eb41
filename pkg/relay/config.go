package relay

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the relay's runtime configuration. The env struct tag contains
// the environment variable name and the default value if missing, or empty
// (if not ?=). All string arrays are comma-separated.
type Config struct {
	// The base TCP port for the five peer listeners. Each slot listens on
	// Port+its fixed offset (CLIENT=+0, ROOFUHF=+10, ROOFXBAND=+20,
	// HAYSTACK=+30, TRACK=+40), matching the original server's fixed port
	// assignments.
	Port int `env:"GSS_PORT=54200"`

	// Bind host for all five listeners. Empty means all interfaces.
	BindHost string `env:"GSS_BIND_HOST"`

	// AcceptTimeout bounds how long a listener waits for a peer to connect
	// before logging and retrying the accept, matching the original's
	// SO_RCVTIMEO-based accept loop.
	AcceptTimeout time.Duration `env:"GSS_ACCEPT_TIMEOUT=5s"`

	// RecvTimeout bounds how long a receiver loop waits for a frame from an
	// already-connected peer before treating it as dead.
	RecvTimeout time.Duration `env:"GSS_RECV_TIMEOUT=30s"`

	// SendTimeout bounds how long Send waits for a write to complete before
	// giving up on a half-dead peer (supplements the distilled spec; see
	// DESIGN.md).
	SendTimeout time.Duration `env:"GSS_SEND_TIMEOUT=5s"`

	// BindRetryInterval is how long a listener sleeps after a failed bind
	// (e.g. EADDRINUSE) before retrying.
	BindRetryInterval time.Duration `env:"GSS_BIND_RETRY_INTERVAL=1s"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"GSS_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"GSS_LOG_STDOUT=true"`

	// Whether to use pretty (console) logs on stdout.
	LogStdoutPretty bool `env:"GSS_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"GSS_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"GSS_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"GSS_LOG_FILE_LEVEL=info"`

	// Whether to gzip-compress the previous log file's contents on a SIGHUP
	// reopen rather than simply appending.
	LogFileGzipRotate bool `env:"GSS_LOG_FILE_GZIP_ROTATE"`

	// The address for the debug/metrics HTTP server (Prometheus exposition at
	// /metrics, pprof under /debug/pprof). Empty disables it.
	MetricsAddr string `env:"GSS_METRICS_ADDR"`

	// Secret token required as a query parameter to access /metrics. If
	// empty, no check is performed (only safe for a loopback-bound
	// MetricsAddr). The /debug/pprof endpoints are never checked.
	MetricsSecret string `env:"GSS_METRICS_SECRET"`
}

// UnmarshalEnv unmarshals an array of "KEY=value" environment variable
// strings into c, setting default values from each field's env tag. If
// incremental is true, defaults are not applied for vars absent from es, only
// for vars present but empty.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "GSS_") {
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
