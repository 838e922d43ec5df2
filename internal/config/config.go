// Package config manages udpsas configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/dantte-lp/udpsas/internal/netio"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete udpsas configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"       yaml:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"   yaml:"metrics"`
	Reflector ReflectorConfig `koanf:"reflector" yaml:"reflector"`
	Probe     ProbeConfig     `koanf:"probe"     yaml:"probe"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" yaml:"format"`
}

// MetricsConfig holds the admin HTTP endpoint configuration. The same
// listener serves Prometheus metrics and the gRPC health service.
type MetricsConfig struct {
	// Addr is the HTTP listen address (e.g., ":9107"). Empty disables it.
	Addr string `koanf:"addr" yaml:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// ReflectorConfig holds the UDP reflector configuration.
type ReflectorConfig struct {
	// Listen is the list of "host:port" addresses to bind. A wildcard
	// address answers on every local address from the address the
	// datagram arrived on. "[::]:port" is dual-stack and also serves
	// IPv4, so it cannot be combined with "0.0.0.0:port".
	Listen []string `koanf:"listen" yaml:"listen"`

	// ReadBuffer sets SO_RCVBUF in bytes. Zero keeps the kernel default.
	ReadBuffer int `koanf:"read_buffer" yaml:"read_buffer"`

	// MaxPayload drops datagrams with larger payloads instead of
	// reflecting them. Zero means no limit.
	MaxPayload int `koanf:"max_payload" yaml:"max_payload"`
}

// ProbeConfig holds the probe parameters used by "udpsasctl ping" and by
// the daemon's monitor.
type ProbeConfig struct {
	// Count is the number of probes to send.
	Count int `koanf:"count" yaml:"count"`
	// Interval is the delay between probes.
	Interval time.Duration `koanf:"interval" yaml:"interval"`
	// Timeout is how long to wait for the last echo.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
	// PayloadSize is the probe payload size in bytes, including the
	// sequence number and timestamp header.
	PayloadSize int `koanf:"payload_size" yaml:"payload_size"`

	// Every is the period of the daemon's monitoring rounds.
	Every time.Duration `koanf:"every" yaml:"every"`
	// Targets are reflectors the daemon probes every period. Empty
	// disables monitoring.
	Targets []ProbeTarget `koanf:"targets" yaml:"targets"`
}

// ProbeTarget is one reflector monitored by the daemon.
type ProbeTarget struct {
	// Target is the reflector "host:port".
	Target string `koanf:"target" yaml:"target"`
	// Source is the local address probes are sent from.
	Source string `koanf:"source" yaml:"source"`
}

// Parse returns the target and source addresses.
func (pt ProbeTarget) Parse() (netip.AddrPort, netip.Addr, error) {
	target, err := netip.ParseAddrPort(pt.Target)
	if err != nil {
		return netip.AddrPort{}, netip.Addr{}, fmt.Errorf("target %q: %w: %w", pt.Target, ErrInvalidProbeTarget, err)
	}
	source, err := netip.ParseAddr(pt.Source)
	if err != nil {
		return netip.AddrPort{}, netip.Addr{}, fmt.Errorf("source %q: %w: %w", pt.Source, ErrInvalidProbeTarget, err)
	}
	if netio.FamilyOf(target.Addr()) != netio.FamilyOf(source) {
		return netip.AddrPort{}, netip.Addr{}, fmt.Errorf("source %s for target %s: %w: address families differ",
			source, target, ErrInvalidProbeTarget)
	}
	return target, source, nil
}

// MarshalYAML renders durations as strings ("1s") so the output loads
// back through Load.
func (pc ProbeConfig) MarshalYAML() (any, error) {
	return struct {
		Count       int           `yaml:"count"`
		Interval    string        `yaml:"interval"`
		Timeout     string        `yaml:"timeout"`
		PayloadSize int           `yaml:"payload_size"`
		Every       string        `yaml:"every"`
		Targets     []ProbeTarget `yaml:"targets,omitempty"`
	}{pc.Count, pc.Interval.String(), pc.Timeout.String(), pc.PayloadSize, pc.Every.String(), pc.Targets}, nil
}

// ListenAddrs parses every Listen entry as a netip.AddrPort.
func (rc ReflectorConfig) ListenAddrs() ([]netip.AddrPort, error) {
	addrs := make([]netip.AddrPort, 0, len(rc.Listen))
	for i, s := range rc.Listen {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("reflector.listen[%d] %q: %w: %w", i, s, ErrInvalidListenAddr, err)
		}
		addrs = append(addrs, ap)
	}
	return addrs, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// MinPayloadSize is the smallest probe payload: an 8-byte sequence number
// followed by an 8-byte send timestamp.
const MinPayloadSize = 16

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9107",
			Path: "/metrics",
		},
		Reflector: ReflectorConfig{
			Listen: []string{"[::]:7"},
		},
		Probe: ProbeConfig{
			Count:       5,
			Interval:    1 * time.Second,
			Timeout:     2 * time.Second,
			PayloadSize: 64,
			Every:       30 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for udpsas configuration.
// Variables are named UDPSAS_<section>_<key>, e.g., UDPSAS_METRICS_ADDR.
const envPrefix = "UDPSAS_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (UDPSAS_ prefix), and merges on top of DefaultConfig().
// An empty path skips the file layer. Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	UDPSAS_LOG_LEVEL             -> log.level
//	UDPSAS_METRICS_ADDR          -> metrics.addr
//	UDPSAS_REFLECTOR_LISTEN      -> reflector.listen (space separated)
//	UDPSAS_REFLECTOR_MAX_PAYLOAD -> reflector.max_payload
//	UDPSAS_PROBE_PAYLOAD_SIZE    -> probe.payload_size
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envKeyValue), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms UDPSAS_REFLECTOR_MAX_PAYLOAD -> reflector.max_payload.
// Only the first underscore after the prefix separates section from key.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

// envKeyValue maps the key and splits list values on whitespace.
func envKeyValue(k, v string) (string, any) {
	key := envKeyMapper(k)
	if key == "reflector.listen" {
		return key, strings.Fields(v)
	}
	return key, v
}

// loadDefaults sets the default config in koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":             defaults.Log.Level,
		"log.format":            defaults.Log.Format,
		"metrics.addr":          defaults.Metrics.Addr,
		"metrics.path":          defaults.Metrics.Path,
		"reflector.listen":      defaults.Reflector.Listen,
		"reflector.read_buffer": defaults.Reflector.ReadBuffer,
		"reflector.max_payload": defaults.Reflector.MaxPayload,
		"probe.count":           defaults.Probe.Count,
		"probe.interval":        defaults.Probe.Interval.String(),
		"probe.timeout":         defaults.Probe.Timeout.String(),
		"probe.payload_size":    defaults.Probe.PayloadSize,
		"probe.every":           defaults.Probe.Every.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidLogFormat indicates log.format is neither json nor text.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")

	// ErrEmptyMetricsPath indicates metrics.addr is set without a path.
	ErrEmptyMetricsPath = errors.New("metrics.path must not be empty when metrics.addr is set")

	// ErrNoListenAddrs indicates the reflector has nothing to bind.
	ErrNoListenAddrs = errors.New("reflector.listen must not be empty")

	// ErrInvalidListenAddr indicates a listen entry is not a host:port.
	ErrInvalidListenAddr = errors.New("invalid reflector listen address")

	// ErrDuplicateListenAddr indicates two listen entries are identical.
	ErrDuplicateListenAddr = errors.New("duplicate reflector listen address")

	// ErrNegativeSize indicates a buffer or payload size is negative.
	ErrNegativeSize = errors.New("size must be >= 0")

	// ErrInvalidProbeCount indicates probe.count is zero or negative.
	ErrInvalidProbeCount = errors.New("probe.count must be >= 1")

	// ErrInvalidProbeInterval indicates probe.interval is not positive.
	ErrInvalidProbeInterval = errors.New("probe.interval must be > 0")

	// ErrInvalidProbeTimeout indicates probe.timeout is not positive.
	ErrInvalidProbeTimeout = errors.New("probe.timeout must be > 0")

	// ErrInvalidPayloadSize indicates probe.payload_size is out of range.
	ErrInvalidPayloadSize = errors.New("probe.payload_size out of range")

	// ErrInvalidProbeEvery indicates probe.every is not positive.
	ErrInvalidProbeEvery = errors.New("probe.every must be > 0")

	// ErrInvalidProbeTarget indicates a probe.targets entry that does not
	// parse or mixes address families.
	ErrInvalidProbeTarget = errors.New("invalid probe target")
)

// maxProbePayload bounds probe.payload_size. The default applies to
// targets of either family, so the smaller IPv4 limit holds.
var maxProbePayload = netio.FamilyIPv4.MaxPayload()

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if cfg.Metrics.Addr != "" && cfg.Metrics.Path == "" {
		return ErrEmptyMetricsPath
	}

	if err := validateReflector(cfg.Reflector); err != nil {
		return err
	}

	return validateProbe(cfg.Probe)
}

func validateReflector(rc ReflectorConfig) error {
	if len(rc.Listen) == 0 {
		return ErrNoListenAddrs
	}

	addrs, err := rc.ListenAddrs()
	if err != nil {
		return err
	}

	seen := make(map[netip.AddrPort]struct{}, len(addrs))
	for i, ap := range addrs {
		if _, dup := seen[ap]; dup {
			return fmt.Errorf("reflector.listen[%d] %s: %w", i, ap, ErrDuplicateListenAddr)
		}
		seen[ap] = struct{}{}
	}

	if rc.ReadBuffer < 0 {
		return fmt.Errorf("reflector.read_buffer: %w", ErrNegativeSize)
	}
	if rc.MaxPayload < 0 {
		return fmt.Errorf("reflector.max_payload: %w", ErrNegativeSize)
	}

	return nil
}

func validateProbe(pc ProbeConfig) error {
	if pc.Count < 1 {
		return ErrInvalidProbeCount
	}
	if pc.Interval <= 0 {
		return ErrInvalidProbeInterval
	}
	if pc.Timeout <= 0 {
		return ErrInvalidProbeTimeout
	}
	if pc.PayloadSize < MinPayloadSize || pc.PayloadSize > maxProbePayload {
		return fmt.Errorf("probe.payload_size %d not in [%d, %d]: %w",
			pc.PayloadSize, MinPayloadSize, maxProbePayload, ErrInvalidPayloadSize)
	}
	if pc.Every <= 0 {
		return ErrInvalidProbeEvery
	}
	for i, pt := range pc.Targets {
		if _, _, err := pt.Parse(); err != nil {
			return fmt.Errorf("probe.targets[%d]: %w", i, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
