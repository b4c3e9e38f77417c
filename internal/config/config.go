package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/kserial/internal/ingest"
	"github.com/banshee-data/kserial/internal/kserial"
	"github.com/banshee-data/kserial/internal/serialmux"
	"github.com/banshee-data/kserial/internal/stream"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/kserial.defaults.json"

// Limits enforced by Validate. The working buffer must hold the largest
// kSerial frame, or a long frame header would wedge it for good.
const (
	MinBufferCapacity  = kserial.MaxPayload + kserial.Overhead
	MaxBufferCapacity  = 1 << 20
	MaxHistoryCapacity = 1 << 20
	MaxReadSize        = 64 * 1024
)

// Config is the root configuration of the kserial daemon. Every field is
// optional; the Get* accessors supply defaults for anything left out.
type Config struct {
	// Stream engine
	BufferCapacity  *int     `json:"buffer_capacity,omitempty"`
	HistoryCapacity *int     `json:"history_capacity,omitempty"`
	TimeUnit        *float64 `json:"time_unit,omitempty"` // seconds per sender timestamp unit; 0 selects host time
	LossDetection   *bool    `json:"loss_detection,omitempty"`
	Smoothing       *float64 `json:"smoothing,omitempty"`

	// Ingest worker
	OverflowPolicy *string `json:"overflow_policy,omitempty"`
	StatsInterval  *string `json:"stats_interval,omitempty"` // duration string like "10s"

	// Transport
	Port     *string                `json:"port,omitempty"`
	Serial   *serialmux.PortOptions `json:"serial,omitempty"`
	ReadSize *int                   `json:"read_size,omitempty"`
	Device   *DeviceConfig          `json:"device,omitempty"`

	// Outputs
	DBPath    *string `json:"db_path,omitempty"`
	JSONLPath *string `json:"jsonl_path,omitempty"`
	Listen    *string `json:"listen,omitempty"`
}

// DeviceConfig holds the commands sent to the board after the port opens.
type DeviceConfig struct {
	CheckOnStart *bool   `json:"check_on_start,omitempty"`
	UpdateRate   *uint32 `json:"update_rate,omitempty"`
	Mode         *uint8  `json:"mode,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadConfig loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.BufferCapacity != nil && (*c.BufferCapacity < MinBufferCapacity || *c.BufferCapacity > MaxBufferCapacity) {
		return fmt.Errorf("buffer_capacity must be between %d and %d, got %d", MinBufferCapacity, MaxBufferCapacity, *c.BufferCapacity)
	}
	if c.HistoryCapacity != nil && (*c.HistoryCapacity < 0 || *c.HistoryCapacity > MaxHistoryCapacity) {
		return fmt.Errorf("history_capacity must be between 0 and %d, got %d", MaxHistoryCapacity, *c.HistoryCapacity)
	}
	if c.TimeUnit != nil && *c.TimeUnit < 0 {
		return fmt.Errorf("time_unit must not be negative, got %g", *c.TimeUnit)
	}
	if c.Smoothing != nil && (*c.Smoothing < 0 || *c.Smoothing > 1) {
		return fmt.Errorf("smoothing must be between 0 and 1, got %g", *c.Smoothing)
	}
	if c.OverflowPolicy != nil {
		if _, err := ingest.ParseOverflowPolicy(*c.OverflowPolicy); err != nil {
			return err
		}
	}
	if c.StatsInterval != nil && *c.StatsInterval != "" {
		d, err := time.ParseDuration(*c.StatsInterval)
		if err != nil {
			return fmt.Errorf("invalid stats_interval '%s': %w", *c.StatsInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("stats_interval must be positive, got %s", d)
		}
	}
	if c.ReadSize != nil && (*c.ReadSize <= 0 || *c.ReadSize > MaxReadSize) {
		return fmt.Errorf("read_size must be between 1 and %d, got %d", MaxReadSize, *c.ReadSize)
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

// GetBufferCapacity returns the working buffer size in bytes.
func (c *Config) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return stream.DefaultBufferCapacity
	}
	return *c.BufferCapacity
}

// GetHistoryCapacity returns the number of packets kept in memory.
func (c *Config) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return 1000
	}
	return *c.HistoryCapacity
}

// GetTimeUnit returns the packet-time unit, or 0 for host time.
func (c *Config) GetTimeUnit() float64 {
	if c.TimeUnit == nil {
		return 0
	}
	return *c.TimeUnit
}

func (c *Config) GetLossDetection() bool {
	if c.LossDetection == nil {
		return true
	}
	return *c.LossDetection
}

// GetSmoothing returns the weighting of the frequency filter.
func (c *Config) GetSmoothing() float64 {
	if c.Smoothing == nil {
		return 0.1
	}
	return *c.Smoothing
}

// GetOverflowPolicy returns the parsed overflow policy. Validate has already
// rejected unknown names.
func (c *Config) GetOverflowPolicy() ingest.OverflowPolicy {
	if c.OverflowPolicy == nil {
		return ingest.OverflowDrop
	}
	p, err := ingest.ParseOverflowPolicy(*c.OverflowPolicy)
	if err != nil {
		return ingest.OverflowDrop
	}
	return p
}

// GetStatsInterval parses and returns the StatsInterval as a time.Duration.
func (c *Config) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return 10 * time.Second // default
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil || d <= 0 {
		return 10 * time.Second // default on parse error
	}
	return d
}

func (c *Config) GetPort() string {
	if c.Port == nil {
		return "/dev/rfcomm0"
	}
	return *c.Port
}

// GetSerial returns the normalized port options.
func (c *Config) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	n, err := opts.Normalize()
	if err != nil {
		n, _ = serialmux.PortOptions{}.Normalize()
	}
	return n
}

func (c *Config) GetReadSize() int {
	if c.ReadSize == nil {
		return serialmux.DefaultReadSize
	}
	return *c.ReadSize
}

// GetDevice returns the device block, never nil.
func (c *Config) GetDevice() DeviceConfig {
	if c.Device == nil {
		return DeviceConfig{}
	}
	return *c.Device
}

// GetDBPath returns the sqlite path; an empty string disables persistence.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "kserial.db"
	}
	return *c.DBPath
}

// GetJSONLPath returns the JSONL log path; empty disables it.
func (c *Config) GetJSONLPath() string {
	if c.JSONLPath == nil {
		return ""
	}
	return *c.JSONLPath
}

func (c *Config) GetListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return *c.Listen
}

// StreamConfig converts the engine settings into a stream.Config.
func (c *Config) StreamConfig() stream.Config {
	return stream.Config{
		BufferCapacity:  c.GetBufferCapacity(),
		HistoryCapacity: c.GetHistoryCapacity(),
		TimeUnit:        c.GetTimeUnit(),
		LossDetection:   c.GetLossDetection(),
	}
}
