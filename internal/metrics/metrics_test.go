package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, registry *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestMetrics_Register(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.EventsEnqueued.Inc()
	m.BatchesSubmitted.Add(2)

	names := gatheredNames(t, registry)
	assert.True(t, names["eslog_events_enqueued_total"])
	assert.True(t, names["eslog_batches_submitted_total"])
	assert.False(t, names["eslog_agent_lines_total"], "agent collectors are registered separately")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchesSubmitted))
}

func TestMetrics_NilRegisterer(t *testing.T) {
	m := New(nil)
	m.EventsDropped.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))

	// Two unregistered sets never collide.
	other := New(nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(other.EventsDropped))
}

func TestMetrics_RegisterTwiceReusesCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := New(registry)
	first.EventsEnqueued.Inc()

	var second *Metrics
	require.NotPanics(t, func() { second = New(registry) })
	second.EventsEnqueued.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(first.EventsEnqueued))
	assert.Same(t, first.EventsEnqueued, second.EventsEnqueued)

	require.NotPanics(t, func() { NewAgent(registry) })
	require.NotPanics(t, func() { NewAgent(registry) })
	assert.True(t, gatheredNames(t, registry)["eslog_agent_workers_busy"])
}

func TestRegisterQueueDepth(t *testing.T) {
	registry := prometheus.NewRegistry()
	depth := 0
	unregister := RegisterQueueDepth(registry, func() int { return depth })

	depth = 7
	count, err := testutil.GatherAndCount(registry, "eslog_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A second queue waits until the first is removed.
	ignored := RegisterQueueDepth(registry, func() int { return 99 })
	ignored()
	count, err = testutil.GatherAndCount(registry, "eslog_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	unregister()
	unregister()
	count, err = testutil.GatherAndCount(registry, "eslog_queue_depth")
	require.NoError(t, err)
	assert.Zero(t, count)

	RegisterQueueDepth(registry, func() int { return 3 })
	count, err = testutil.GatherAndCount(registry, "eslog_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	RegisterQueueDepth(nil, func() int { return 0 })()
}

func TestMetrics_ConcurrentUpdates(t *testing.T) {
	m := New(nil)
	a := NewAgent(nil)

	var wg sync.WaitGroup
	inc := func(c prometheus.Counter) {
		for i := 0; i < 1000; i++ {
			c.Inc()
		}
		wg.Done()
	}

	wg.Add(4)
	go inc(m.EventsEnqueued)
	go inc(m.DocumentsSubmitted)
	go inc(a.FilesDiscovered)
	go inc(a.LinesRead)
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(m.EventsEnqueued))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.DocumentsSubmitted))
	assert.Equal(t, 1000.0, testutil.ToFloat64(a.FilesDiscovered))
	assert.Equal(t, 1000.0, testutil.ToFloat64(a.LinesRead))
}
