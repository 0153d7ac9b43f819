package logging

import (
	"bytes"
	"errors"
	"log"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelLabel(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelLabel(slog.LevelDebug))
	assert.Equal(t, "INFO", LevelLabel(slog.LevelInfo))
	assert.Equal(t, "WARNING", LevelLabel(slog.LevelWarn))
	assert.Equal(t, "ERROR", LevelLabel(slog.LevelError))
	assert.Equal(t, "CRITICAL", LevelLabel(LevelCritical))
	assert.Equal(t, "INFO+2", LevelLabel(slog.LevelInfo+2))
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	assert.Equal(t, time.Second, cfg.FlushPeriod)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 100000, cfg.QueueSize)
	assert.Equal(t, OverflowDrop, cfg.Overflow)
	assert.Equal(t, DefaultProbeTimeout, cfg.ProbeTimeout)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)

	cfg = Config{FlushPeriod: 3 * time.Second, BatchSize: 7}.WithDefaults()
	assert.Equal(t, 3*time.Second, cfg.FlushPeriod)
	assert.Equal(t, 7, cfg.BatchSize)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		expectErr bool
	}{
		{name: "no destination", config: Config{}},
		{name: "destination and index", config: Config{Destination: "http://es:9200", Index: "logs"}},
		{name: "missing index", config: Config{Destination: "http://es:9200"}, expectErr: true},
		{name: "known timezone", config: Config{Timezone: "Europe/Berlin"}},
		{name: "unknown timezone", config: Config{Timezone: "Mars/Olympus"}, expectErr: true},
		{name: "unknown overflow", config: Config{Overflow: "spill"}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_LocationHonoursName(t *testing.T) {
	loc, err := Config{Timezone: "America/New_York"}.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())

	loc, err = Config{}.Location()
	require.NoError(t, err)
	assert.Nil(t, loc)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverflowDrop, p)

	p, err = ParseOverflowPolicy("block")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, p)

	_, err = ParseOverflowPolicy("retry")
	assert.Error(t, err)
}

func TestErrorTypes(t *testing.T) {
	cause := errors.New("connection refused")

	var subErr *SubmissionError
	err := error(&SubmissionError{Documents: 3, Err: cause})
	require.True(t, errors.As(err, &subErr))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "3 documents")

	partial := &SubmissionError{Documents: 5, Failed: 2, Reasons: []string{"mapper_parsing_exception"}}
	assert.Contains(t, partial.Error(), "rejected 2 of 5")
	assert.Contains(t, partial.Error(), "mapper_parsing_exception")

	connErr := &ConnectivityError{Destination: "http://es:9200", Err: cause}
	assert.ErrorIs(t, connErr, cause)
	assert.Contains(t, connErr.Error(), "http://es:9200")

	capErr := &CaptureError{Err: cause}
	assert.ErrorIs(t, capErr, cause)
}

func TestReporter_Throttles(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(log.New(&buf, "", 0), time.Hour, 2)

	for i := 0; i < 5; i++ {
		r.Report(errors.New("boom"))
	}
	r.Report(nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Equal(t, int64(3), r.suppressed.Load())
}
