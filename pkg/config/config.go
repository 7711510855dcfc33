// Package config loads the control plane's tunable knobs from an optional
// YAML file, with built-in defaults for every field so a bare CLI
// invocation always has sane behavior.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the control plane needs at startup.
type Config struct {
	FleetSyncInterval           time.Duration `yaml:"fleetSyncInterval"`
	StartSignalTimeout          time.Duration `yaml:"startSignalTimeout"`
	HeartbeatTimeout            time.Duration `yaml:"heartbeatTimeout"`
	DispatcherHeartbeatInterval time.Duration `yaml:"dispatcherHeartbeatInterval"`
	WorkerHeartbeatInterval     time.Duration `yaml:"workerHeartbeatInterval"`

	WindowSize       int `yaml:"windowSize"`
	MinJobsPerWorker int `yaml:"minJobsPerWorker"`
	MaxJobsPerWorker int `yaml:"maxJobsPerWorker"`
	MaxWorkers       int `yaml:"maxWorkers"`

	LoggingInterval time.Duration `yaml:"loggingInterval"`
	Debug           bool          `yaml:"debug"`
	GitPull         string        `yaml:"gitPull"`

	FCPort int `yaml:"fcPort"`
	DPort  int `yaml:"dPort"`

	StorageBackend string `yaml:"storageBackend"` // "s3" | "local"
	AccountID      string `yaml:"accountId"`
	AWSRegion      string `yaml:"awsRegion"`

	DataDir string `yaml:"dataDir"`
}

// Default returns the control plane's built-in default configuration.
func Default() *Config {
	return &Config{
		FleetSyncInterval:           60 * time.Second,
		StartSignalTimeout:          30 * time.Second,
		HeartbeatTimeout:            30 * time.Second,
		DispatcherHeartbeatInterval: 2 * time.Second,
		WorkerHeartbeatInterval:     3 * time.Second,

		WindowSize:       2,
		MinJobsPerWorker: 1,
		MaxJobsPerWorker: 5,
		MaxWorkers:       10,

		LoggingInterval: 60 * time.Second,

		FCPort: 8080,
		DPort:  8081,

		StorageBackend: "local",

		DataDir: "./data",
	}
}

// Load reads a YAML file and overlays it on top of Default(). An empty
// path is a no-op: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
