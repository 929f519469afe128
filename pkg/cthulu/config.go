// Package cthulu implements the server dispatcher: the UDP (and optional
// WebSocket) request loop, the RSA/bcrypt login and registration protocol,
// and the console command processor.
//
// Grounded on the original project's server.py (ServerThread/InputThread)
// for control flow, and on pkg/atlas/{config,server}.go for the ambient
// config/logging shape.
package cthulu

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the server's configuration. The env struct tag contains
// the environment variable name and the default value if missing, or empty
// (if not ?=).
type Config struct {
	// The address to bind the UDP socket to.
	Addr netip.AddrPort `env:"CTHULU_ADDR=:25555"`

	// The address to serve the debug /metrics endpoint and, if enabled, the
	// WebSocket bridge on. Empty disables the HTTP side entirely.
	HTTPAddr string `env:"CTHULU_HTTP_ADDR"`

	// Whether to accept WebSocket connections at /ws on HTTPAddr.
	EnableWebSocket bool `env:"CTHULU_ENABLE_WEBSOCKET=true"`

	// Path to the sqlite3 credentials database.
	DBPath string `env:"CTHULU_DB_PATH=cthulu.db"`

	World  WorldConfig
	Relay  RelayConfig
	Reg    RegistryConfig

	// The minimum log level (e.g., trace, debug, info, warn, error).
	LogLevel zerolog.Level `env:"CTHULU_LOG_LEVEL=info"`

	// Whether to use pretty (human-readable) console logs instead of JSON.
	LogPretty bool `env:"CTHULU_LOG_PRETTY=true"`
}

// WorldConfig configures the simulation grid.
type WorldConfig struct {
	Width       int `env:"CTHULU_WORLD_WIDTH=64"`
	Height      int `env:"CTHULU_WORLD_HEIGHT=64"`
	ChunkWidth  int `env:"CTHULU_WORLD_CHUNK_WIDTH=400"`
	ChunkHeight int `env:"CTHULU_WORLD_CHUNK_HEIGHT=400"`
	TPS         int `env:"CTHULU_WORLD_TPS=20"`
}

// RelayConfig configures the reliable-datagram retry behavior.
type RelayConfig struct {
	Retries       int           `env:"CTHULU_RELAY_RETRIES=1"`
	RetryInterval time.Duration `env:"CTHULU_RELAY_RETRY_INTERVAL=500ms"`
}

// RegistryConfig configures client liveness.
type RegistryConfig struct {
	DCTime        time.Duration `env:"CTHULU_REGISTRY_DC_TIME=5m"`
	SweepInterval time.Duration `env:"CTHULU_REGISTRY_SWEEP_INTERVAL=500ms"`
}

// UnmarshalEnv populates c's fields (including nested structs, recursively)
// from environment-style "KEY=VALUE" pairs, using each field's env struct
// tag to find its key and default value. Grounded on
// pkg/atlas/config.go's UnmarshalEnv, trimmed down to the field kinds this
// config actually uses (string, bool, int, time.Duration, zerolog.Level,
// netip.AddrPort).
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}
	return unmarshalEnvStruct(reflect.ValueOf(c).Elem(), em)
}

func unmarshalEnvStruct(cv reflect.Value, em map[string]string) error {
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		cvf := cv.FieldByIndex(ctf.Index)
		if ctf.Type.Kind() == reflect.Struct && ctf.Type != reflect.TypeOf(netip.AddrPort{}) {
			if err := unmarshalEnvStruct(cvf, em); err != nil {
				return err
			}
			continue
		}

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
		}

		if err := setEnvField(cvf, key, val); err != nil {
			return err
		}
	}
	return nil
}

func setEnvField(cvf reflect.Value, key, val string) error {
	switch v := cvf.Interface().(type) {
	case string:
		_ = v
		cvf.SetString(val)
	case bool:
		if val == "" {
			cvf.SetBool(false)
		} else if b, err := strconv.ParseBool(val); err == nil {
			cvf.SetBool(b)
		} else {
			return fmt.Errorf("env %s: parse bool %q: %w", key, val, err)
		}
	case int:
		if val == "" {
			cvf.SetInt(0)
		} else if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			cvf.SetInt(n)
		} else {
			return fmt.Errorf("env %s: parse int %q: %w", key, val, err)
		}
	case time.Duration:
		if val == "" {
			cvf.Set(reflect.ValueOf(time.Duration(0)))
		} else if d, err := time.ParseDuration(val); err == nil {
			cvf.Set(reflect.ValueOf(d))
		} else {
			return fmt.Errorf("env %s: parse duration %q: %w", key, val, err)
		}
	case zerolog.Level:
		if val == "" {
			cvf.Set(reflect.ValueOf(zerolog.InfoLevel))
		} else if l, err := zerolog.ParseLevel(val); err == nil {
			cvf.Set(reflect.ValueOf(l))
		} else {
			return fmt.Errorf("env %s: parse log level %q: %w", key, val, err)
		}
	case netip.AddrPort:
		if val == "" {
			cvf.Set(reflect.ValueOf(netip.AddrPort{}))
		} else if a, err := parseAddrPort(val); err == nil {
			cvf.Set(reflect.ValueOf(a))
		} else {
			return fmt.Errorf("env %s: parse addr %q: %w", key, val, err)
		}
	default:
		return fmt.Errorf("env %s: unsupported field kind %T", key, v)
	}
	return nil
}

// parseAddrPort parses "host:port" accepting an empty host (meaning "all
// interfaces"), matching how atlas.Config's ATLAS_ADDR_UDP is written.
func parseAddrPort(s string) (netip.AddrPort, error) {
	host, port, err := splitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}

func splitHostPort(s string) (host, port string, err error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", fmt.Errorf("missing port in address %q", s)
	}
	return s[:i], s[i+1:], nil
}
