package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds settings shared by torchd and torchctl.
type Config struct {
	// ServerAddress is the gRPC address torchctl dials and torchd listens on.
	ServerAddress string `yaml:"server_addr"`
	// Timeout bounds RPC calls and shutdown steps.
	Timeout time.Duration `yaml:"timeout"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
	// LogFormat is console (default) or json.
	LogFormat string `yaml:"log_format,omitempty"`
	// PreferencesFile stores the preferred intensity and keep-alive flag.
	PreferencesFile string `yaml:"preferences_file"`
	// Driver selects and configures the hardware backend.
	Driver DriverConfig `yaml:"driver"`
	// Journal configures the SQLite event journal.
	Journal JournalConfig `yaml:"journal"`
	// MQTT configures the home automation bridge.
	MQTT MQTTConfig `yaml:"mqtt"`
	// InfluxDB configures telemetry export.
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
}

// DriverConfig selects the torch backend.
type DriverConfig struct {
	Backend   string          `yaml:"backend"`
	Sysfs     SysfsConfig     `yaml:"sysfs"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

// SysfsConfig configures the LED class backend.
type SysfsConfig struct {
	Root    string `yaml:"root"`
	Pattern string `yaml:"pattern"`
	LockDir string `yaml:"lock_dir"`
	MaxOpen int    `yaml:"max_open"`
}

// SimulatedConfig lists in-memory devices.
type SimulatedConfig struct {
	Devices []SimulatedDevice `yaml:"devices"`
}

// SimulatedDevice is one in-memory device.
type SimulatedDevice struct {
	ID           string `yaml:"id"`
	MaxIntensity int    `yaml:"max_intensity"`
}

// JournalConfig configures the event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// InfluxDBConfig configures telemetry export.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token,omitempty"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "torchd.yaml"

	// DefaultServerAddress is used when server_addr is empty.
	DefaultServerAddress = "127.0.0.1:7311"

	// DefaultPreferencesFilename is the default preferences file.
	DefaultPreferencesFilename = "torchd-preferences.json"

	// DefaultJournalFilename is the default SQLite journal.
	DefaultJournalFilename = "torchd-journal.db"

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 5 * time.Second

	// DefaultFilePermissions is the default file permission for files torchd writes.
	DefaultFilePermissions = 0o600

	// BackendSysfs drives Linux LED class devices.
	BackendSysfs = "sysfs"
	// BackendSimulated drives in-memory devices.
	BackendSimulated = "simulated"

	defaultSysfsRoot   = "/sys/class/leds"
	defaultSysfsLock   = "/run/torchd"
	defaultTopicPrefix = "torchd"
	defaultMQTTClient  = "torchd"
	defaultBucket      = "torchd"
	maxMQTTQoS         = 2
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// ErrUnknownBackend is returned for an unsupported driver backend.
	ErrUnknownBackend = errors.New("unknown driver backend")
	// ErrNoSimulatedDevices is returned when the simulated backend has no devices.
	ErrNoSimulatedDevices = errors.New("simulated backend needs at least one device")
	// ErrBrokerRequired is returned when MQTT is enabled without a broker.
	ErrBrokerRequired = errors.New("mqtt broker must be provided")
	// ErrInvalidQoS is returned for an MQTT QoS above 2.
	ErrInvalidQoS = errors.New("mqtt qos must be 0, 1 or 2")
	// ErrInfluxURLRequired is returned when InfluxDB is enabled without a URL.
	ErrInfluxURLRequired = errors.New("influxdb url must be provided")
	// ErrInfluxOrgRequired is returned when InfluxDB is enabled without an organization.
	ErrInfluxOrgRequired = errors.New("influxdb org must be provided")
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	return cfg, err
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions: the file may hold broker and InfluxDB credentials.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate applies defaults and checks the settings for required fields.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.ServerAddress == "" {
		settings.ServerAddress = DefaultServerAddress
	}

	if _, err := net.ResolveTCPAddr("tcp", settings.ServerAddress); err != nil {
		return fmt.Errorf("invalid server socket: %w", err)
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.PreferencesFile == "" {
		settings.PreferencesFile = DefaultPreferencesFilename
	}

	if err := validateDriver(&settings.Driver); err != nil {
		return err
	}

	if settings.Journal.Path == "" {
		settings.Journal.Path = DefaultJournalFilename
	}

	if err := validateMQTT(&settings.MQTT); err != nil {
		return err
	}

	return validateInfluxDB(&settings.InfluxDB)
}

func validateDriver(d *DriverConfig) error {
	if d.Backend == "" {
		d.Backend = BackendSysfs
	}

	if d.Sysfs.Root == "" {
		d.Sysfs.Root = defaultSysfsRoot
	}

	if d.Sysfs.Pattern == "" {
		d.Sysfs.Pattern = "*"
	}

	if _, err := filepath.Match(d.Sysfs.Pattern, ""); err != nil {
		return fmt.Errorf("invalid sysfs pattern: %w", err)
	}

	if d.Sysfs.LockDir == "" {
		d.Sysfs.LockDir = defaultSysfsLock
	}

	if d.Sysfs.MaxOpen <= 0 {
		d.Sysfs.MaxOpen = 1
	}

	switch d.Backend {
	case BackendSysfs:
	case BackendSimulated:
		if len(d.Simulated.Devices) == 0 {
			return ErrNoSimulatedDevices
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, d.Backend)
	}

	return nil
}

func validateMQTT(m *MQTTConfig) error {
	if m.TopicPrefix == "" {
		m.TopicPrefix = defaultTopicPrefix
	}

	if m.ClientID == "" {
		m.ClientID = defaultMQTTClient
	}

	if m.QoS > maxMQTTQoS {
		return ErrInvalidQoS
	}

	if !m.Enabled {
		return nil
	}

	if m.Broker == "" {
		return ErrBrokerRequired
	}

	if _, err := url.Parse(m.Broker); err != nil {
		return fmt.Errorf("invalid mqtt broker: %w", err)
	}

	return nil
}

func validateInfluxDB(i *InfluxDBConfig) error {
	if i.Bucket == "" {
		i.Bucket = defaultBucket
	}

	if !i.Enabled {
		return nil
	}

	if i.URL == "" {
		return ErrInfluxURLRequired
	}

	if _, err := url.ParseRequestURI(i.URL); err != nil {
		return fmt.Errorf("invalid influxdb url: %w", err)
	}

	if i.Org == "" {
		return ErrInfluxOrgRequired
	}

	return nil
}

// SimulatedDefaults is the device list used by torchd --simulate when the
// configuration does not define one.
func SimulatedDefaults() []SimulatedDevice {
	return []SimulatedDevice{
		{ID: "cam0", MaxIntensity: 0},
		{ID: "cam1", MaxIntensity: 5},
	}
}
