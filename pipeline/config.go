// Package pipeline assembles the capture, recording, detection, retention
// and serving components into one running system.
package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CameraConfig selects and shapes the capture device.
type CameraConfig struct {
	Index  int `yaml:"index"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

func (c *CameraConfig) defaults() {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 10
	}
}

// RecordConfig tunes continuous archival.
type RecordConfig struct {
	Dir           string        `yaml:"dir"`
	ChunkDuration time.Duration `yaml:"chunk_duration"`
}

func (c *RecordConfig) defaults() {
	if c.Dir == "" {
		c.Dir = "recordings"
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 30 * time.Minute
	}
}

// DetectConfig tunes motion analysis.
type DetectConfig struct {
	Dir           string        `yaml:"dir"`
	History       int           `yaml:"history"`
	VarThreshold  float64       `yaml:"var_threshold"`
	AreaThreshold float64       `yaml:"area_threshold"`
	Cooldown      time.Duration `yaml:"cooldown"`
	Interval      time.Duration `yaml:"interval"`
}

func (c *DetectConfig) defaults() {
	if c.Dir == "" {
		c.Dir = "anomalies"
	}
	if c.History <= 0 {
		c.History = 500
	}
	if c.VarThreshold <= 0 {
		c.VarThreshold = 50
	}
	if c.AreaThreshold <= 0 {
		c.AreaThreshold = 20000
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
}

// RetentionConfig bounds the archive and snapshot namespaces.
type RetentionConfig struct {
	MaxArchiveAge    time.Duration `yaml:"max_archive_age"`
	MaxSnapshotAge   time.Duration `yaml:"max_snapshot_age"`
	MaxSnapshotCount int           `yaml:"max_snapshot_count"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

func (c *RetentionConfig) defaults() {
	if c.MaxArchiveAge <= 0 {
		c.MaxArchiveAge = 12 * time.Hour
	}
	if c.MaxSnapshotAge <= 0 {
		c.MaxSnapshotAge = 12 * time.Hour
	}
	if c.MaxSnapshotCount <= 0 {
		c.MaxSnapshotCount = 2000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// HTTPConfig tunes the web surface. CredentialsFile points at a YAML file
// of username to bcrypt hash pairs; empty disables authentication.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	PerPage         int           `yaml:"per_page"`
	StreamWait      time.Duration `yaml:"stream_wait"`
	CredentialsFile string        `yaml:"credentials_file"`
}

func (c *HTTPConfig) defaults() {
	if c.Addr == "" {
		c.Addr = ":5000"
	}
	if c.PerPage <= 0 {
		c.PerPage = 20
	}
	if c.StreamWait <= 0 {
		c.StreamWait = 50 * time.Millisecond
	}
}

// ObservabilityConfig tunes the local health database.
type ObservabilityConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DBPath            string        `yaml:"db_path"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxAge            time.Duration `yaml:"max_age"`
}

func (c *ObservabilityConfig) defaults() {
	if c.DBPath == "" {
		c.DBPath = "veilcam-observability.db"
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
}

// Config is the full pipeline configuration.
type Config struct {
	Camera        CameraConfig        `yaml:"camera"`
	Record        RecordConfig        `yaml:"record"`
	Detect        DetectConfig        `yaml:"detect"`
	Retention     RetentionConfig     `yaml:"retention"`
	HTTP          HTTPConfig          `yaml:"http"`
	Observability ObservabilityConfig `yaml:"observability"`
}

func (c *Config) defaults() {
	c.Camera.defaults()
	c.Record.defaults()
	c.Detect.defaults()
	c.Retention.defaults()
	c.HTTP.defaults()
	c.Observability.defaults()
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	var c Config
	c.defaults()
	return c
}

// LoadConfigFile reads a YAML configuration file and fills in defaults for
// anything left unset.
func LoadConfigFile(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("pipeline: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("pipeline: parse config %s: %w", path, err)
	}
	c.defaults()
	return c, nil
}
