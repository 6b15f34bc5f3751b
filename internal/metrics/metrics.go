// Package metrics provides cross-process counters, gauges and histograms
// backed by Redis, plus process-local Prometheus collectors for this
// process's HTTP and worker activity.
//
// Redis keys share a configurable prefix and carry a TTL that is refreshed
// on every write, so metrics for retired deployments age out on their own:
//
//	<prefix>:c:<name>                plain counter
//	<prefix>:cl:<name>:<k=v,...>     labeled counter (labels sorted by key)
//	<prefix>:clset:<name>            set of label combinations seen
//	<prefix>:g:<name>                gauge
//	<prefix>:h:<name>:bucket:<le>    histogram bucket counter
//	<prefix>:h:<name>:sum            histogram sum
//	<prefix>:h:<name>:count          histogram observation count
package metrics

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultBuckets are histogram upper bounds in milliseconds.
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// RedisSink records metrics in Redis so every role of the deployment
// contributes to one shared view. All write failures are swallowed;
// metrics must never take the pipeline down with them.
type RedisSink struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	buckets []float64
	logger  *zap.Logger
}

// NewRedisSink returns a sink writing under the given key prefix.
// Keys expire after ttl unless refreshed by another write.
func NewRedisSink(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisSink {
	if prefix == "" {
		prefix = "metrics"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisSink{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		buckets: DefaultBuckets,
		logger:  logger,
	}
}

// Incr adds n to a plain counter.
func (s *RedisSink) Incr(ctx context.Context, name string, n int64) {
	key := s.prefix + ":c:" + name
	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.dropped(name, err)
	}
}

// IncrLabeled adds n to a counter keyed by a label combination. The
// combination is registered in a side set so exposition can enumerate it
// without guessing at key shapes.
func (s *RedisSink) IncrLabeled(ctx context.Context, name string, labels map[string]string, n int64) {
	combo := labelString(labels)
	key := s.prefix + ":cl:" + name + ":" + combo
	set := s.prefix + ":clset:" + name
	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, key, n)
	pipe.SAdd(ctx, set, combo)
	pipe.Expire(ctx, key, s.ttl)
	pipe.Expire(ctx, set, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.dropped(name, err)
	}
}

// SetGauge stores the current value of a gauge.
func (s *RedisSink) SetGauge(ctx context.Context, name string, v float64) {
	key := s.prefix + ":g:" + name
	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, strconv.FormatFloat(v, 'g', -1, 64), 0)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.dropped(name, err)
	}
}

// Observe records one sample in a histogram. Values are bucketed by the
// sink's fixed upper bounds; out-of-range samples only hit +Inf.
func (s *RedisSink) Observe(ctx context.Context, name string, v float64) {
	base := s.prefix + ":h:" + name
	pipe := s.client.Pipeline()
	for _, le := range s.buckets {
		if v <= le {
			pipe.Incr(ctx, base+":bucket:"+formatBound(le))
		}
	}
	pipe.Incr(ctx, base+":bucket:+Inf")
	pipe.IncrByFloat(ctx, base+":sum", v)
	pipe.Incr(ctx, base+":count")
	pipe.Expire(ctx, base+":sum", s.ttl)
	pipe.Expire(ctx, base+":count", s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.dropped(name, err)
	}
}

// Counter reads a plain counter back. Missing counters read as zero.
func (s *RedisSink) Counter(ctx context.Context, name string) (int64, error) {
	v, err := s.client.Get(ctx, s.prefix+":c:"+name).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *RedisSink) dropped(name string, err error) {
	if s.logger != nil {
		s.logger.Debug("metric write dropped", zap.String("metric", name), zap.Error(err))
	}
}

// RenderPrometheus gathers every metric under the sink's prefix and
// renders it in the Prometheus text exposition format.
func (s *RedisSink) RenderPrometheus(ctx context.Context) (string, error) {
	snap, err := s.gather(ctx)
	if err != nil {
		return "", err
	}
	return renderText(snap), nil
}

// Snapshot returns plain counters and gauges as maps, for the JSON
// metrics endpoint.
func (s *RedisSink) Snapshot(ctx context.Context) (map[string]int64, map[string]float64, error) {
	snap, err := s.gather(ctx)
	if err != nil {
		return nil, nil, err
	}
	return snap.counters, snap.gauges, nil
}

func (s *RedisSink) gather(ctx context.Context) (*snapshot, error) {
	snap := newSnapshot()

	counterKeys, err := s.scan(ctx, s.prefix+":c:*")
	if err != nil {
		return nil, err
	}
	for _, key := range counterKeys {
		name := strings.TrimPrefix(key, s.prefix+":c:")
		v, err := s.client.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			continue
		}
		snap.counters[name] = v
	}

	setKeys, err := s.scan(ctx, s.prefix+":clset:*")
	if err != nil {
		return nil, err
	}
	for _, set := range setKeys {
		name := strings.TrimPrefix(set, s.prefix+":clset:")
		combos, err := s.client.SMembers(ctx, set).Result()
		if err != nil {
			continue
		}
		for _, combo := range combos {
			v, err := s.client.Get(ctx, s.prefix+":cl:"+name+":"+combo).Int64()
			if err != nil {
				continue
			}
			snap.addLabeled(name, combo, v)
		}
	}

	gaugeKeys, err := s.scan(ctx, s.prefix+":g:*")
	if err != nil {
		return nil, err
	}
	for _, key := range gaugeKeys {
		name := strings.TrimPrefix(key, s.prefix+":g:")
		v, err := s.client.Get(ctx, key).Float64()
		if err != nil {
			continue
		}
		snap.gauges[name] = v
	}

	countKeys, err := s.scan(ctx, s.prefix+":h:*:count")
	if err != nil {
		return nil, err
	}
	for _, key := range countKeys {
		name := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":h:"), ":count")
		base := s.prefix + ":h:" + name
		h := &histogram{sum: 0}
		h.count, _ = s.client.Get(ctx, base+":count").Int64()
		h.sum, _ = s.client.Get(ctx, base+":sum").Float64()
		for _, le := range s.buckets {
			n, err := s.client.Get(ctx, base+":bucket:"+formatBound(le)).Int64()
			if err != nil && err != redis.Nil {
				continue
			}
			h.buckets = append(h.buckets, bucket{le: formatBound(le), count: n})
		}
		inf, _ := s.client.Get(ctx, base+":bucket:+Inf").Int64()
		h.buckets = append(h.buckets, bucket{le: "+Inf", count: inf})
		snap.histograms[name] = h
	}

	return snap, nil
}

func (s *RedisSink) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// labelString serializes labels as "k=v,k2=v2" with keys sorted, so the
// same combination always maps to the same Redis key.
func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func formatBound(le float64) string {
	return strconv.FormatFloat(le, 'g', -1, 64)
}
