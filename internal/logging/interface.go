package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// LevelCritical is the slog level labelled CRITICAL in documents.
const LevelCritical = slog.LevelError + 4

// LogEvent is captured once at emission time and never mutated afterwards.
type LogEvent struct {
	Time    time.Time
	Level   slog.Level
	Message string
	// Payload is the raw structured object handed to the logger. It is
	// serialized as-is into the document content.
	Payload any
	Fields  map[string]any
	// Location, when set, overrides the sink's configured timezone.
	Location *time.Location
}

// Action is the wire-ready document derived from one LogEvent.
type Action struct {
	Index     string
	OpType    string
	Timestamp string
	Level     string
	Content   any
	Fields    map[string]any
	// Source is the encoded document body sent to the store.
	Source json.RawMessage
}

// BulkResult summarizes a bulk submission.
type BulkResult struct {
	Succeeded int
	Failed    int
	Errors    []string
}

// Client is the narrow view of the remote store used by the pipeline.
type Client interface {
	Probe(ctx context.Context) error
	Submit(ctx context.Context, actions []Action) (BulkResult, error)
	Close() error
}

// LevelLabel returns the severity label written into documents.
func LevelLabel(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARNING"
	case slog.LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	}
	return level.String()
}

type OverflowPolicy string

const (
	OverflowDrop  OverflowPolicy = "drop"
	OverflowBlock OverflowPolicy = "block"
	OverflowFail  OverflowPolicy = "fail"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case OverflowDrop, OverflowBlock, OverflowFail:
		return p, nil
	case "":
		return OverflowDrop, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

type Config struct {
	// Destination is the store base URL. Empty disables the pipeline.
	Destination string
	Index       string
	FlushPeriod time.Duration
	BatchSize   int
	// Timezone is an IANA zone name. Empty keeps the source clock's zone.
	Timezone string

	QueueSize int
	Overflow  OverflowPolicy

	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	Compress       bool
	APIKey         string
}

const (
	DefaultFlushPeriod    = time.Second
	DefaultBatchSize      = 1000
	DefaultQueueSize      = 100000
	DefaultProbeTimeout   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// WithDefaults fills zero values with the package defaults.
func (c Config) WithDefaults() Config {
	if c.FlushPeriod <= 0 {
		c.FlushPeriod = DefaultFlushPeriod
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Overflow == "" {
		c.Overflow = OverflowDrop
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

func (c Config) Validate() error {
	if c.Destination != "" && c.Index == "" {
		return fmt.Errorf("index is required when a destination is set")
	}
	if _, err := ParseOverflowPolicy(string(c.Overflow)); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone. A nil location means no conversion.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
