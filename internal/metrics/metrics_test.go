package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySinkCounters(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	ctx := context.Background()

	sink.Incr(ctx, "ingest.accepted_total", 1)
	sink.Incr(ctx, "ingest.accepted_total", 2)

	v, err := sink.Counter(ctx, "ingest.accepted_total")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = sink.Counter(ctx, "never.written")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestMemorySinkLabeledCounters(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	ctx := context.Background()

	sink.IncrLabeled(ctx, "api.requests_total", map[string]string{"route": "/v1/ingest/tender", "code": "200"}, 1)
	sink.IncrLabeled(ctx, "api.requests_total", map[string]string{"code": "200", "route": "/v1/ingest/tender"}, 1)
	sink.IncrLabeled(ctx, "api.requests_total", map[string]string{"route": "/v1/ingest/tender", "code": "429"}, 1)

	// Label order must not matter.
	assert.Equal(t, int64(2), sink.CounterLabeled("api.requests_total", map[string]string{"code": "200", "route": "/v1/ingest/tender"}))
	assert.Equal(t, int64(1), sink.CounterLabeled("api.requests_total", map[string]string{"code": "429", "route": "/v1/ingest/tender"}))
}

func TestLabelStringSortsKeys(t *testing.T) {
	t.Parallel()

	a := labelString(map[string]string{"b": "2", "a": "1", "c": "3"})
	assert.Equal(t, "a=1,b=2,c=3", a)
	assert.Equal(t, "", labelString(nil))
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	ctx := context.Background()

	for _, v := range []float64{3, 7, 40, 900, 99999} {
		sink.Observe(ctx, "fetch.duration_ms", v)
	}

	snap := sink.snapshot()
	h := snap.histograms["fetch.duration_ms"]
	require.NotNil(t, h)
	assert.Equal(t, int64(5), h.count)
	assert.InDelta(t, 100949, h.sum, 0.001)

	var prev int64
	for _, bk := range h.buckets {
		assert.GreaterOrEqual(t, bk.count, prev, "bucket %s not cumulative", bk.le)
		prev = bk.count
	}
	last := h.buckets[len(h.buckets)-1]
	assert.Equal(t, "+Inf", last.le)
	assert.Equal(t, h.count, last.count)
}

func TestRenderPrometheusText(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	ctx := context.Background()

	sink.Incr(ctx, "worker.triage.processed_total", 4)
	sink.IncrLabeled(ctx, "api.errors_total", map[string]string{"route": "/v1/events", "code": "500"}, 2)
	sink.SetGauge(ctx, "queue.triage.depth", 12)
	sink.Observe(ctx, "parse.duration_ms", 42)

	out, err := sink.RenderPrometheus(ctx)
	require.NoError(t, err)

	assert.Contains(t, out, "# TYPE worker_triage_processed_total counter\n")
	assert.Contains(t, out, "worker_triage_processed_total 4\n")
	assert.Contains(t, out, `api_errors_total{code="500",route="/v1/events"} 2`)
	assert.Contains(t, out, "# TYPE queue_triage_depth gauge\n")
	assert.Contains(t, out, "queue_triage_depth 12\n")
	assert.Contains(t, out, `parse_duration_ms_bucket{le="50"} 1`)
	assert.Contains(t, out, `parse_duration_ms_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "parse_duration_ms_sum 42\n")
	assert.Contains(t, out, "parse_duration_ms_count 1\n")
}

func TestPromNameSanitizes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "worker_fetch_docs_dead_total", promName("worker.fetch-docs.dead_total"))
	assert.Equal(t, "cache_hit_total", promName("cache.hit_total"))
}

func TestEscapeLabelValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `a\\b`, escapeLabelValue(`a\b`))
	assert.Equal(t, `say \"hi\"`, escapeLabelValue(`say "hi"`))
	assert.Equal(t, `line\nbreak`, escapeLabelValue("line\nbreak"))
}

func TestSnapshotReturnsCountersAndGauges(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	ctx := context.Background()

	sink.Incr(ctx, "events.logged_total", 7)
	sink.SetGauge(ctx, "queue.parse.depth", 3)

	counters, gauges, err := sink.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), counters["events.logged_total"])
	assert.Equal(t, float64(3), gauges["queue.parse.depth"])
}

func TestProcessCollectorsInitAndObserve(t *testing.T) {
	Init()
	Init()

	ObserveHTTPRequest("GET", "/v1/events", 200, 30*time.Millisecond)
	ObserveMessage("triage", "ok", 12*time.Millisecond)
	IncActiveWorkers()
	DecActiveWorkers()
	ObserveCatalogPage("pncp", 200, 2048)
	ObserveSendDelay(5 * time.Millisecond)

	require.NotNil(t, Handler())
}

func TestFormatBound(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "5", formatBound(5))
	assert.Equal(t, "0.5", formatBound(0.5))
	assert.Equal(t, "10000", formatBound(10000))
}

func TestRenderDeterministicOrder(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	ctx := context.Background()
	sink.Incr(ctx, "b_total", 1)
	sink.Incr(ctx, "a_total", 1)

	out, err := sink.RenderPrometheus(ctx)
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "a_total"), strings.Index(out, "b_total"))
}
