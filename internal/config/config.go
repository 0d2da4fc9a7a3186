package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/utils"
)

const DefaultPath = "config.json"

// Storage drivers understood by the session backends.
const (
	DriverMemory = "memory"
	DriverBolt   = "bolt"
	DriverMongo  = "mongo"
)

type DatabaseConfig struct {
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
	CacheSize          int    `json:"cache_size"`
}

type StorageConfig struct {
	Driver   string `json:"driver"`
	BoltPath string `json:"bolt_path"`
}

type RelayConfig struct {
	URL              string `json:"url"`
	Token            string `json:"token"`
	HandshakeTimeout string `json:"handshake_timeout"`
	PingInterval     string `json:"ping_interval"`
}

type SupervisorConfig struct {
	MaxRetries       int     `json:"max_retries"`
	BaseDelay        string  `json:"base_delay"`
	MaxDelay         string  `json:"max_delay"`
	Multiplier       float64 `json:"multiplier"`
	FailureThreshold int     `json:"failure_threshold"`
	Cooldown         string  `json:"cooldown"`
	MaxCooldownWait  string  `json:"max_cooldown_wait"`
	AttemptTimeout   string  `json:"attempt_timeout"`
}

type SessionConfig struct {
	Timeout       string `json:"timeout"`
	MaxDevices    int    `json:"max_devices"`
	SweepInterval string `json:"sweep_interval"`
	BotDeviceID   string `json:"bot_device_id"`
}

type RecoveryConfig struct {
	BackupInterval    string `json:"backup_interval"`
	MaxBackups        int    `json:"max_backups"`
	MaxRecoveryPoints int    `json:"max_recovery_points"`
	RestoreOnStart    bool   `json:"restore_on_start"`
}

type MetricsConfig struct {
	Listen string `json:"listen"`
}

type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Storage    StorageConfig    `json:"storage"`
	Relay      RelayConfig      `json:"relay"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Session    SessionConfig    `json:"session"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Metrics    MetricsConfig    `json:"metrics"`
	DebugMode  bool             `json:"debug_mode"`
	AppName    string           `json:"app_name"`
	LogPath    string           `json:"log_path"`
}

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidConfig = errors.New("the configuration file does not contain valid JSON")
)

var (
	config      Config
	initialized = false
	mu          sync.Mutex
)

// Default returns a configuration populated with every default value.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields. Explicit values are left alone.
func (c *Config) ApplyDefaults() {
	setString(&c.AppName, "wa-relay-supervisor")
	setString(&c.LogPath, "logs")

	setString(&c.Database.Host, "localhost")
	setUint(&c.Database.Port, 27017)
	setString(&c.Database.Database, "wa_supervisor")
	setString(&c.Database.ConnectTimeout, "10s")
	setString(&c.Database.SocketTimeout, "30s")
	setString(&c.Database.ConnectIdleTimeout, "5m")
	setString(&c.Database.OperationTimeout, "5s")
	setString(&c.Database.Heartbeat, "10s")
	setUint(&c.Database.MinPoolSize, 1)
	setUint(&c.Database.MaxPoolSize, 20)
	setInt(&c.Database.CacheSize, 256)

	setString(&c.Storage.Driver, DriverBolt)
	setString(&c.Storage.BoltPath, "data/sessions.db")

	setString(&c.Relay.HandshakeTimeout, "10s")
	setString(&c.Relay.PingInterval, "25s")

	setInt(&c.Supervisor.MaxRetries, 15)
	setString(&c.Supervisor.BaseDelay, "2s")
	setString(&c.Supervisor.MaxDelay, "5m")
	if c.Supervisor.Multiplier <= 1 {
		c.Supervisor.Multiplier = 1.5
	}
	setInt(&c.Supervisor.FailureThreshold, 5)
	setString(&c.Supervisor.Cooldown, "10m")
	setString(&c.Supervisor.MaxCooldownWait, "5m")
	setString(&c.Supervisor.AttemptTimeout, "30s")

	setString(&c.Session.Timeout, "30d")
	setInt(&c.Session.MaxDevices, 5)
	setString(&c.Session.SweepInterval, "10m")
	setString(&c.Session.BotDeviceID, "bot")

	setString(&c.Recovery.BackupInterval, "1h")
	setInt(&c.Recovery.MaxBackups, 24)
	setInt(&c.Recovery.MaxRecoveryPoints, 10)
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverBolt, DriverMongo:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	durations := map[string]string{
		"supervisor.base_delay":      c.Supervisor.BaseDelay,
		"supervisor.max_delay":       c.Supervisor.MaxDelay,
		"supervisor.cooldown":        c.Supervisor.Cooldown,
		"supervisor.attempt_timeout": c.Supervisor.AttemptTimeout,
		"session.timeout":            c.Session.Timeout,
		"recovery.backup_interval":   c.Recovery.BackupInterval,
	}
	for name, value := range durations {
		if _, err := utils.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Session.MaxDevices <= 0 {
		return fmt.Errorf("session.max_devices must be positive, got %d", c.Session.MaxDevices)
	}
	return nil
}

// Duration parses a duration field, falling back when it cannot be parsed.
func Duration(value string, fallback time.Duration) time.Duration {
	return utils.ParseStringTime(value, fallback)
}

func ReadConfig(path string) (Config, error) {
	mu.Lock()
	defer mu.Unlock()

	bytes, err := os.ReadFile(path)
	if err != nil {
		template := Default()
		data, _ := json.MarshalIndent(template, "", "\t")
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return template, fmt.Errorf("error occured while creating configuration file: %w", writeErr)
		}
		return template, ErrConfigCreated
	}

	var loaded Config
	if err := json.Unmarshal(bytes, &loaded); err != nil {
		return loaded, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	loaded.ApplyDefaults()
	if err := loaded.Validate(); err != nil {
		return loaded, fmt.Errorf("invalid configuration: %w", err)
	}

	config = loaded
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	mu.Lock()
	if initialized {
		defer mu.Unlock()
		return config, nil
	}
	mu.Unlock()
	return ReadConfig(DefaultPath)
}

func setString(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if *target <= 0 {
		*target = value
	}
}

func setUint(target *uint64, value uint64) {
	if *target == 0 {
		*target = value
	}
}
