// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Metrics are buffered in memory, submitted on a ticker while a run is in
// progress, and flushed once more on Close so short dry runs still report.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"stagegate/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// Service becomes tag "service:<name>". Defaults to "stagegate".
	Service string
	// Tags are extra Datadog tags, e.g. "env:prod".
	Tags []string
	// FlushEvery defaults to 60 seconds.
	FlushEvery time.Duration

	// test seams
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the slice of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags  []string
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[string]*counter
	samples  map[string]*histogram
}

type counter struct {
	metric string
	tags   []string
	value  float64
}

type histogram struct {
	metric string
	tags   []string
	values []float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client. Credentials
// come from DD_API_KEY and DD_SITE as read by the client.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	service := opts.Service
	if service == "" {
		service = "stagegate"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "service:"+service)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[string]*counter),
		samples:    make(map[string]*histogram),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	k := metrics.Key(name, labels)

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[k]
	if !ok {
		c = &counter{metric: ddName(name), tags: labelTags(labels)}
		b.counters[k] = c
	}
	c.value += delta
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k := metrics.Key(name, labels)

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.samples[k]
	if !ok {
		h = &histogram{metric: ddName(name), tags: labelTags(labels)}
		b.samples[k] = h
	}
	h.values = append(h.values, value)
}

// Flush submits buffered metrics and resets local buffers, even when submission fails.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counters, samples := b.counters, b.samples
	b.counters = make(map[string]*counter)
	b.samples = make(map[string]*histogram)
	b.mu.Unlock()

	if len(counters) == 0 && len(samples) == 0 {
		return nil
	}

	series := b.buildSeries(counters, samples, b.now().Unix())
	_, _, err := b.api.SubmitMetrics(b.ctx, datadogV2.MetricPayload{Series: series}, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure so naming and tagging can be tested without a network.
func (b *Backend) buildSeries(counters map[string]*counter, samples map[string]*histogram, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counters)+6*len(samples))

	for _, k := range sortedKeys(counters) {
		c := counters[k]
		series = append(series, point(c.metric, datadogV2.METRICINTAKETYPE_COUNT, c.value, withTags(b.baseTags, c.tags...), nowUnix))
	}

	for _, k := range sortedKeys(samples) {
		h := samples[k]
		cp := append([]float64(nil), h.values...)
		sort.Float64s(cp)
		tags := withTags(b.baseTags, h.tags...)
		gauge := datadogV2.METRICINTAKETYPE_GAUGE
		series = append(series,
			point(h.metric+".p50", gauge, percentileNearestRank(cp, 0.50), tags, nowUnix),
			point(h.metric+".p90", gauge, percentileNearestRank(cp, 0.90), tags, nowUnix),
			point(h.metric+".p99", gauge, percentileNearestRank(cp, 0.99), tags, nowUnix),
			point(h.metric+".max", gauge, cp[len(cp)-1], tags, nowUnix),
			point(h.metric+".samples", gauge, float64(len(cp)), tags, nowUnix),
		)
	}
	return series
}

func point(metric string, kind datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   kind.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// ddName maps stagegate_tables_total to stagegate.tables.total.
func ddName(name string) string {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) == 1 {
		return name
	}
	rest := parts[1]
	for _, suffix := range []string{"_total", "_seconds"} {
		if strings.HasSuffix(rest, suffix) {
			rest = strings.TrimSuffix(rest, suffix) + "." + strings.TrimPrefix(suffix, "_")
			break
		}
	}
	return parts[0] + "." + rest
}

func labelTags(labels metrics.Labels) []string {
	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		if v == "" {
			v = "unknown"
		}
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return tags
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)
