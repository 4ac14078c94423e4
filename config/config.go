package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "gesturedrop"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "GESTUREDROP_DATA_DIR"
	// TransferModePush sends to the persistent receiver of the best peer.
	TransferModePush = "push"
	// TransferModeHost announces the file and waits for the peer to pull it.
	TransferModeHost = "host"
	// configFileName is the persisted configuration file.
	configFileName = "config.toml"
)

// ErrInvalidConfig indicates a value outside its allowed range.
var ErrInvalidConfig = errors.New("config: invalid value")

// Duration is a time.Duration stored as text ("2s", "500ms").
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the persisted application configuration.
type Config struct {
	Device    DeviceConfig    `toml:"device"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Transfer  TransferConfig  `toml:"transfer"`
	History   HistoryConfig   `toml:"history"`
	Log       LogConfig       `toml:"log"`
}

// DeviceConfig identifies this device.
type DeviceConfig struct {
	DeviceID   string `toml:"device_id"`
	DeviceName string `toml:"device_name"`
}

// DiscoveryConfig tunes the peer discovery engine.
type DiscoveryConfig struct {
	Port int `toml:"port"`
	// BroadcastAddress is empty for 255.255.255.255 or "subnet" for the /24.
	BroadcastAddress  string   `toml:"broadcast_address"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	PeerTimeout       Duration `toml:"peer_timeout"`
	MonitorInterval   Duration `toml:"monitor_interval"`
	ProbeInterval     Duration `toml:"probe_interval"`
	ProbeInitialDelay Duration `toml:"probe_initial_delay"`
	ProbeTimeout      Duration `toml:"probe_timeout"`
	ProbeWidth        int      `toml:"probe_width"`
	DisableProbe      bool     `toml:"disable_probe"`
	MDNS              bool     `toml:"mdns"`
}

// TransferConfig tunes sending and receiving.
type TransferConfig struct {
	Mode           string   `toml:"mode"`
	Port           int      `toml:"port"`
	HostPort       int      `toml:"host_port"`
	NotifyPort     int      `toml:"notify_port"`
	ReceiveDir     string   `toml:"receive_dir"`
	OutboxDir      string   `toml:"outbox_dir"`
	MaxFileSize    int64    `toml:"max_file_size"`
	OpenReceived   bool     `toml:"open_received"`
	ChunkSize      int      `toml:"chunk_size"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	IOTimeout      Duration `toml:"io_timeout"`
	HostWait       Duration `toml:"host_wait"`
}

// HistoryConfig controls the optional transfer journal.
type HistoryConfig struct {
	Enabled   bool     `toml:"enabled"`
	Retention Duration `toml:"retention"`
}

// LogConfig controls the slog handler built by main.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GESTUREDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "received"),
		filepath.Join(dataDir, "outbox"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and decodes config.toml from disk. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}

	return &cfg, nil
}

// Save encodes cfg as TOML and writes it to disk.
func Save(path string, cfg *Config) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		_ = file.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// An empty dataDir is resolved with ResolveDataDir; an empty cfgPath uses
// config.toml inside the data directory.
func LoadOrCreate(dataDir, cfgPath string) (*Config, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		cfgPath = ConfigPath(dataDir)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	updated := normalizeDefaults(cfg, dataDir)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	if updated {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"discovery.port":       c.Discovery.Port,
		"transfer.port":        c.Transfer.Port,
		"transfer.host_port":   c.Transfer.HostPort,
		"transfer.notify_port": c.Transfer.NotifyPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
		}
	}

	switch c.Discovery.BroadcastAddress {
	case "", "subnet":
	default:
		if net.ParseIP(c.Discovery.BroadcastAddress).To4() == nil {
			return fmt.Errorf("%w: discovery.broadcast_address %q", ErrInvalidConfig, c.Discovery.BroadcastAddress)
		}
	}

	switch c.Transfer.Mode {
	case TransferModePush, TransferModeHost:
	default:
		return fmt.Errorf("%w: transfer.mode %q", ErrInvalidConfig, c.Transfer.Mode)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}

	return nil
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if field.Duration <= 0 {
			field.Duration = value
			updated = true
		}
	}

	setString(&cfg.Device.DeviceID, uuid.NewString())
	setString(&cfg.Device.DeviceName, hostnameOr("GestureDrop Device"))

	d := &cfg.Discovery
	setInt(&d.Port, 5005)
	setDuration(&d.HeartbeatInterval, 2*time.Second)
	setDuration(&d.PeerTimeout, 8*time.Second)
	setDuration(&d.MonitorInterval, time.Second)
	setDuration(&d.ProbeInterval, 12*time.Second)
	setDuration(&d.ProbeInitialDelay, 5*time.Second)
	setDuration(&d.ProbeTimeout, 400*time.Millisecond)
	setInt(&d.ProbeWidth, 40)

	tr := &cfg.Transfer
	setString(&tr.Mode, TransferModePush)
	setInt(&tr.Port, 5001)
	setInt(&tr.HostPort, 5002)
	setInt(&tr.NotifyPort, 5000)
	setString(&tr.ReceiveDir, filepath.Join(dataDir, "received"))
	setString(&tr.OutboxDir, filepath.Join(dataDir, "outbox"))
	setInt(&tr.ChunkSize, 64*1024)
	setDuration(&tr.ConnectTimeout, 10*time.Second)
	setDuration(&tr.IOTimeout, 30*time.Second)
	setDuration(&tr.HostWait, 30*time.Second)

	setDuration(&cfg.History.Retention, 30*24*time.Hour)

	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "text")

	return updated
}

func hostnameOr(fallback string) string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallback
}
