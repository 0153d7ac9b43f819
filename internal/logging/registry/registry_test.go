package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestRegistry_LoggerIsStablePerName(t *testing.T) {
	r := New()

	assert.Same(t, r.Logger("app"), r.Logger("app"))
	assert.NotSame(t, r.Logger("app"), r.Logger("db"))
	assert.Equal(t, []string{"app", "db"}, r.Names())
}

func TestRegistry_NoHandlersDiscards(t *testing.T) {
	r := New()
	logger := r.Logger("app")

	assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
	logger.Error("nobody listens")
	assert.Zero(t, r.Handlers("app"))
}

func TestRegistry_FanOut(t *testing.T) {
	r := New()
	var first, second bytes.Buffer
	r.Attach("app", slog.NewJSONHandler(&first, nil))
	r.Attach("app", slog.NewJSONHandler(&second, nil))

	r.Logger("app").Info("hello", "n", 1)

	for _, buf := range []*bytes.Buffer{&first, &second} {
		lines := jsonLines(t, buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "hello", lines[0]["msg"])
		assert.Equal(t, 1.0, lines[0]["n"])
	}
	assert.Equal(t, 2, r.Handlers("app"))
}

func TestRegistry_PerHandlerLevel(t *testing.T) {
	r := New()
	var debug, errorsOnly bytes.Buffer
	r.Attach("app", slog.NewJSONHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r.Attach("app", slog.NewJSONHandler(&errorsOnly, &slog.HandlerOptions{Level: slog.LevelError}))

	logger := r.Logger("app")
	logger.Debug("detail")
	logger.Error("failure")

	assert.Len(t, jsonLines(t, &debug), 2)
	lines := jsonLines(t, &errorsOnly)
	require.Len(t, lines, 1)
	assert.Equal(t, "failure", lines[0]["msg"])
}

func TestRegistry_AttrsReachLateHandlers(t *testing.T) {
	r := New()
	logger := r.Logger("app").With("service", "api").WithGroup("req")

	var buf bytes.Buffer
	r.Attach("app", slog.NewJSONHandler(&buf, nil))
	logger.Info("served", "status", 200)

	lines := jsonLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "api", lines[0]["service"])
	assert.Equal(t, map[string]any{"status": 200.0}, lines[0]["req"])
}

func TestRegistry_DetachFunc(t *testing.T) {
	r := New()
	var buf bytes.Buffer
	detach := r.Attach("app", slog.NewJSONHandler(&buf, nil))

	r.Logger("app").Info("one")
	detach()
	detach()
	r.Logger("app").Info("two")

	assert.Len(t, jsonLines(t, &buf), 1)
	assert.Zero(t, r.Handlers("app"))
}

func TestRegistry_DetachByValue(t *testing.T) {
	r := New()
	var kept, removed bytes.Buffer
	keep := slog.NewJSONHandler(&kept, nil)
	remove := slog.NewJSONHandler(&removed, nil)
	r.Attach("app", keep)
	r.Attach("app", remove)

	assert.True(t, r.Detach("app", remove))
	assert.False(t, r.Detach("app", remove))
	assert.False(t, r.Detach("missing", keep))

	r.Logger("app").Info("after")
	assert.Len(t, jsonLines(t, &kept), 1)
	assert.Empty(t, removed.String())
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (failingHandler) Handle(context.Context, slog.Record) error {
	return errors.New("disk full")
}

func TestRegistry_FailingHandlerDoesNotStopOthers(t *testing.T) {
	r := New()
	var buf bytes.Buffer
	r.Attach("app", failingHandler{})
	r.Attach("app", slog.NewJSONHandler(&buf, nil))

	err := r.Logger("app").Handler().Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "still delivered", 0))
	assert.EqualError(t, err, "disk full")
	assert.Len(t, jsonLines(t, &buf), 1)
}

func TestRegistry_ConcurrentAttachAndLog(t *testing.T) {
	r := New()
	logger := r.Logger("app")

	var mu sync.Mutex
	var buf bytes.Buffer
	h := slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			detach := r.Attach("app", h)
			detach()
		}()
		go func(i int) {
			defer wg.Done()
			logger.Info(fmt.Sprintf("line %d", i))
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Handlers("app"))
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
