package testutils

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging"
)

// MockClient records every call made by the pipeline.
type MockClient struct {
	mu sync.Mutex

	Batches [][]logging.Action

	ProbeErr  error
	SubmitErr error
	// Rejected marks that many documents of each batch as failed.
	Rejected int
	Delay    time.Duration
	// Release, when set, holds every Submit until it is closed.
	Release chan struct{}

	ProbeCalls  int
	SubmitCalls int
	CloseCalls  int
}

func (m *MockClient) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProbeCalls++
	return m.ProbeErr
}

func (m *MockClient) Submit(ctx context.Context, actions []logging.Action) (logging.BulkResult, error) {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	m.mu.Lock()
	release := m.Release
	m.mu.Unlock()
	if release != nil {
		<-release
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.SubmitCalls++
	if m.SubmitErr != nil {
		return logging.BulkResult{}, m.SubmitErr
	}

	m.Batches = append(m.Batches, actions)

	rejected := min(m.Rejected, len(actions))
	result := logging.BulkResult{Succeeded: len(actions) - rejected, Failed: rejected}
	for i := 0; i < rejected; i++ {
		result.Errors = append(result.Errors, "mapper_parsing_exception")
	}
	return result, nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

func (m *MockClient) GetBatches() [][]logging.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]logging.Action, len(m.Batches))
	copy(out, m.Batches)
	return out
}

// GetStats returns probe, submit and close call counts.
func (m *MockClient) GetStats() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ProbeCalls, m.SubmitCalls, m.CloseCalls
}

// TotalActions returns how many actions were accepted across all batches.
func (m *MockClient) TotalActions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.Batches {
		total += len(b)
	}
	return total
}

// ErrorRecorder collects errors passed to an ErrorHandler.
type ErrorRecorder struct {
	mu     sync.Mutex
	Errors []error
}

func (r *ErrorRecorder) Handle(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
}

func (r *ErrorRecorder) GetErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.Errors))
	copy(out, r.Errors)
	return out
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}

// Messages flattens batches into their content values, for order checks.
func Messages(batches [][]logging.Action) []string {
	var out []string
	for _, b := range batches {
		for _, a := range b {
			out = append(out, fmt.Sprint(a.Content))
		}
	}
	return out
}

// Record is what RecordingHandler keeps of each slog.Record.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

// RecordingHandler is a slog.Handler that keeps every record it is given.
// Attributes are flattened to strings; groups are ignored.
type RecordingHandler struct {
	mu      *sync.Mutex
	records *[]Record
	attrs   []slog.Attr
}

func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{mu: &sync.Mutex{}, records: &[]Record{}}
}

func (h *RecordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *RecordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := Record{Level: r.Level, Message: r.Message, Attrs: make(map[string]string)}
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.String()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, rec)
	return nil
}

func (h *RecordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &h2
}

func (h *RecordingHandler) WithGroup(string) slog.Handler { return h }

func (h *RecordingHandler) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(*h.records))
	copy(out, *h.records)
	return out
}
