package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks defaults and the failure modes of each section.
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name: "empty config gets defaults",
		},
		{
			name: "bad socket",
			cfg:  Config{ServerAddress: "bad:address"},
		},
		{
			name:    "unknown backend",
			cfg:     Config{Driver: DriverConfig{Backend: "gpio"}},
			wantErr: ErrUnknownBackend,
		},
		{
			name:    "simulated without devices",
			cfg:     Config{Driver: DriverConfig{Backend: BackendSimulated}},
			wantErr: ErrNoSimulatedDevices,
		},
		{
			name:    "mqtt without broker",
			cfg:     Config{MQTT: MQTTConfig{Enabled: true}},
			wantErr: ErrBrokerRequired,
		},
		{
			name:    "mqtt qos out of range",
			cfg:     Config{MQTT: MQTTConfig{QoS: 3}},
			wantErr: ErrInvalidQoS,
		},
		{
			name:    "influxdb without url",
			cfg:     Config{InfluxDB: InfluxDBConfig{Enabled: true}},
			wantErr: ErrInfluxURLRequired,
		},
		{
			name:    "influxdb without org",
			cfg:     Config{InfluxDB: InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:8086"}},
			wantErr: ErrInfluxOrgRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := tt.cfg
			err := Validate(&cfg)

			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.name == "bad socket":
				require.Error(t, err)
			default:
				require.NoError(t, err)
			}
		})
	}
}

// TestValidateDefaults ensures every default is applied.
func TestValidateDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()

	require.Equal(t, DefaultServerAddress, cfg.ServerAddress)
	require.Equal(t, DefaultTimeout, cfg.Timeout)
	require.Equal(t, DefaultPreferencesFilename, cfg.PreferencesFile)
	require.Equal(t, BackendSysfs, cfg.Driver.Backend)
	require.Equal(t, "/sys/class/leds", cfg.Driver.Sysfs.Root)
	require.Equal(t, "*", cfg.Driver.Sysfs.Pattern)
	require.Equal(t, 1, cfg.Driver.Sysfs.MaxOpen)
	require.Equal(t, DefaultJournalFilename, cfg.Journal.Path)
	require.Equal(t, "torchd", cfg.MQTT.TopicPrefix)
	require.Equal(t, "torchd", cfg.InfluxDB.Bucket)
	require.NoError(t, Validate(cfg))
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "torchd.yaml")

	settings := &Config{
		ServerAddress: "127.0.0.1:50051",
		Timeout:       2 * time.Second,
		Driver: DriverConfig{
			Backend:   BackendSimulated,
			Simulated: SimulatedConfig{Devices: SimulatedDefaults()},
		},
		MQTT: MQTTConfig{Enabled: true, Broker: "tcp://broker:1883", QoS: 1},
	}

	require.NoError(t, Save(path, settings))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, settings, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(DefaultFilePermissions), info.Mode().Perm())
}

// TestLoadFromYAML parses a hand-written file.
func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "torchd.yaml")
	contents := `
server_addr: 127.0.0.1:9000
timeout: 3s
log_level: debug
driver:
  backend: simulated
  simulated:
    devices:
      - {id: cam0, max_intensity: 0}
      - {id: cam1, max_intensity: 5}
journal: {enabled: true, path: /tmp/j.db}
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ServerAddress)
	require.Equal(t, 3*time.Second, cfg.Timeout)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, SimulatedDefaults(), cfg.Driver.Simulated.Devices)
	require.True(t, cfg.Journal.Enabled)
	require.Equal(t, "/tmp/j.db", cfg.Journal.Path)
}

// TestLoadOrDefault falls back only for missing files.
func TestLoadOrDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("timeout: [\n"), 0o600))

	_, err = LoadOrDefault(broken)
	require.Error(t, err)
}

// TestSaveNil rejects a nil configuration.
func TestSaveNil(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Save(filepath.Join(t.TempDir(), "x.yaml"), nil), errConfigIsNotSet)
}
