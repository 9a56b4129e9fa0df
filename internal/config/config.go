package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/spatial"
)

// Backend selects the store implementation
type Backend string

const (
	BackendDynamoDB Backend = "dynamodb"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// ConfigError reports an invalid or unusable configuration value. It is
// always fatal for a run.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// BBox represents a geographic bounding box
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat element.Coord
	IsSet                          bool
}

// Contains checks if a point is within the bounding box
func (b *BBox) Contains(lat, lon element.Coord) bool {
	if b == nil || !b.IsSet {
		return true
	}
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// Spatial converts the box for bucket enumeration
func (b *BBox) Spatial() spatial.BBox {
	return spatial.BBox{
		MinLon: b.MinLon.Float(),
		MinLat: b.MinLat.Float(),
		MaxLon: b.MaxLon.Float(),
		MaxLat: b.MaxLat.Float(),
	}
}

func (b *BBox) String() string {
	if b == nil || !b.IsSet {
		return ""
	}
	return fmt.Sprintf("%s,%s,%s,%s", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// UnmarshalYAML accepts the same "minlon,minlat,maxlon,maxlat" string as the CLI
func (b *BBox) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseBBox(s)
	if err != nil {
		return err
	}
	*b = *parsed
	return nil
}

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat"
func ParseBBox(s string) (*BBox, error) {
	if s == "" {
		return &BBox{IsSet: false}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]element.Coord
	for i, p := range parts {
		v, err := element.ParseCoord(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bbox := &BBox{
		MinLon: coords[0],
		MinLat: coords[1],
		MaxLon: coords[2],
		MaxLat: coords[3],
		IsSet:  true,
	}

	if !bbox.MinLon.ValidLon() || !bbox.MaxLon.ValidLon() || !bbox.MinLat.ValidLat() || !bbox.MaxLat.ValidLat() {
		return nil, fmt.Errorf("bbox %s is outside valid coordinate ranges", bbox)
	}
	if bbox.MinLon > bbox.MaxLon {
		return nil, fmt.Errorf("minlon (%s) must be <= maxlon (%s)", bbox.MinLon, bbox.MaxLon)
	}
	if bbox.MinLat > bbox.MaxLat {
		return nil, fmt.Errorf("minlat (%s) must be <= maxlat (%s)", bbox.MinLat, bbox.MaxLat)
	}

	return bbox, nil
}

// Config holds the configuration of an ingestion run
type Config struct {
	// Input settings
	SourcePath    string `yaml:"source_path"`
	BBox          *BBox  `yaml:"bbox"`       // Geographic bounding box filter
	StyleFile     string `yaml:"style_file"` // YAML filter or Lua transform script
	ChannelBuffer int    `yaml:"channel_buffer"`

	// Store settings
	Backend       Backend `yaml:"backend"`
	TableName     string  `yaml:"table_name"`
	Region        string  `yaml:"region"`
	Endpoint      string  `yaml:"endpoint"` // e.g. http://localhost:8000 for DynamoDB Local
	ResetMode     bool    `yaml:"reset_mode"`
	BucketZoom    int     `yaml:"bucket_zoom"`
	BillingMode   string  `yaml:"billing_mode"` // PAY_PER_REQUEST or PROVISIONED
	ReadCapacity  int64   `yaml:"read_capacity"`
	WriteCapacity int64   `yaml:"write_capacity"`

	// Database settings (postgres backend)
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`

	// Loading settings
	MaxConcurrency int           `yaml:"max_concurrency"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	WriteRate      float64       `yaml:"write_rate"` // items per second, 0 = unlimited

	// Logging and metrics
	Verbose          bool          `yaml:"verbose"`
	LogFile          string        `yaml:"log_file"` // Path to log file (empty = no file logging)
	MetricsInterval  time.Duration `yaml:"metrics_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ChannelBuffer:    1024,
		Backend:          BackendDynamoDB,
		TableName:        "osm",
		BucketZoom:       spatial.DefaultBucketZoom,
		BillingMode:      "PAY_PER_REQUEST",
		DBHost:           "localhost",
		DBPort:           5432,
		DBName:           "osm",
		DBUser:           "postgres",
		DBSchema:         "public",
		MaxConcurrency:   runtime.NumCPU(),
		BatchSize:        25,
		MaxAttempts:      5,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    10 * time.Second,
		MetricsInterval:  30 * time.Second,
		ProgressInterval: 10 * time.Second,
	}
}

// LoadFile merges a YAML config file into c. Keys absent from the file keep
// their current values; unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Field: "config file", Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return &ConfigError{Field: "config file", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks that the configuration is valid. Store settings are only
// checked when needStore is set, so a dump run does not need a backend.
func (c *Config) Validate(needStore bool) error {
	if c.SourcePath == "" {
		return invalid("source_path", "input file is required")
	}
	if c.ChannelBuffer < 0 {
		return invalid("channel_buffer", "must not be negative")
	}
	if c.BucketZoom < 0 || c.BucketZoom > spatial.MaxBucketZoom {
		return invalid("bucket_zoom", "must be between 0 and %d", spatial.MaxBucketZoom)
	}
	if !needStore {
		return nil
	}
	return c.ValidateStore()
}

// ValidateStore checks the settings needed to reach the store and load into it
func (c *Config) ValidateStore() error {
	switch c.Backend {
	case BackendDynamoDB:
		switch c.BillingMode {
		case "PAY_PER_REQUEST":
		case "PROVISIONED":
			if c.ReadCapacity < 1 || c.WriteCapacity < 1 {
				return invalid("billing_mode", "provisioned billing needs read_capacity and write_capacity")
			}
		default:
			return invalid("billing_mode", "unknown billing mode %q", c.BillingMode)
		}
	case BackendPostgres:
		if c.DBHost == "" || c.DBName == "" {
			return invalid("db_host", "postgres backend needs db_host and db_name")
		}
	case BackendMemory:
	default:
		return invalid("backend", "unknown backend %q", c.Backend)
	}
	if c.TableName == "" {
		return invalid("table_name", "table name is required")
	}
	if c.MaxConcurrency < 1 {
		return invalid("max_concurrency", "must be at least 1")
	}
	if c.BatchSize < 1 {
		return invalid("batch_size", "must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return invalid("max_attempts", "must be at least 1")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return invalid("retry_max_delay", "retry delays must satisfy 0 <= base <= max")
	}
	if c.WriteRate < 0 {
		return invalid("write_rate", "must not be negative")
	}
	return nil
}
