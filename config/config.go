package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "metrochat"
	// DataDirEnv overrides the data directory when set.
	DataDirEnv = "METROCHAT_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 15000
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultChunkSize      = 4096
	DefaultMaxFrameSize   = 10 * 1024 * 1024
	DefaultDialTimeoutMs  = 10_000
	DefaultReadTimeoutMs  = 1_000
	DefaultStallTimeoutMs = 30_000
	DefaultEventQueueSize = 256
	DefaultLogLevel       = "info"

	// Automatic mode probes random ports in this range before falling back
	// to an OS-chosen port.
	automaticPortMin    = 10000
	automaticPortMax    = 20000
	automaticPortProbes = 10

	configFileName = "config.json"
)

// DeviceConfig contains persistent local settings.
type DeviceConfig struct {
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	PortMode         string `json:"port_mode"`
	ListeningPort    int    `json:"listening_port"`
	DownloadDir      string `json:"download_dir"`
	ChunkSize        int    `json:"chunk_size"`
	MaxFrameSize     int    `json:"max_frame_size"`
	DialTimeoutMs    int    `json:"dial_timeout_ms"`
	ReadTimeoutMs    int    `json:"read_timeout_ms"`
	StallTimeoutMs   int    `json:"stall_timeout_ms"`
	EventQueueSize   int    `json:"event_queue_size"`
	KeepPartial      bool   `json:"keep_partial_files"`
	DiscoveryEnabled bool   `json:"discovery_enabled"`
	LogLevel         string `json:"log_level"`
}

// DialTimeout returns the outbound connect timeout.
func (c *DeviceConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the receive loop poll interval.
func (c *DeviceConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// StallTimeout returns how long an inbound transfer may sit idle.
func (c *DeviceConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMs) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If METROCHAT_DATA_DIR is set, its value is used as an explicit override.
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

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

// ResolveListenPort returns the port to bind. Fixed mode returns the
// configured port; automatic mode probes random ports and returns 0 (let the
// OS choose) when none is free.
func ResolveListenPort(cfg *DeviceConfig) int {
	return resolveListenPort(cfg, portAvailable, rand.Intn)
}

func resolveListenPort(cfg *DeviceConfig, available func(int) bool, intn func(int) int) int {
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort > 0 {
		return cfg.ListeningPort
	}
	for i := 0; i < automaticPortProbes; i++ {
		port := automaticPortMin + intn(automaticPortMax-automaticPortMin+1)
		if available(port) {
			return port
		}
	}
	return 0
}

func portAvailable(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "metrochat"
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:         uuid.NewString(),
		DeviceName:       defaultDeviceName(),
		PortMode:         PortModeAutomatic,
		ListeningPort:    0,
		DownloadDir:      filepath.Join(dataDir, "files"),
		ChunkSize:        DefaultChunkSize,
		MaxFrameSize:     DefaultMaxFrameSize,
		DialTimeoutMs:    DefaultDialTimeoutMs,
		ReadTimeoutMs:    DefaultReadTimeoutMs,
		StallTimeoutMs:   DefaultStallTimeoutMs,
		EventQueueSize:   DefaultEventQueueSize,
		DiscoveryEnabled: true,
		LogLevel:         DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setInt := func(field *int, fallback int) {
		if *field <= 0 {
			*field = fallback
			updated = true
		}
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "files")
		updated = true
	}
	setInt(&cfg.ChunkSize, DefaultChunkSize)
	setInt(&cfg.MaxFrameSize, DefaultMaxFrameSize)
	if cfg.ChunkSize > cfg.MaxFrameSize {
		cfg.ChunkSize = cfg.MaxFrameSize
		updated = true
	}
	setInt(&cfg.DialTimeoutMs, DefaultDialTimeoutMs)
	setInt(&cfg.ReadTimeoutMs, DefaultReadTimeoutMs)
	setInt(&cfg.StallTimeoutMs, DefaultStallTimeoutMs)
	setInt(&cfg.EventQueueSize, DefaultEventQueueSize)
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
