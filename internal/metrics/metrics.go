// Package metrics is the seam between run code and a metrics vendor.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Metric names emitted by a run.
const (
	TablesTotal          = "stagegate_tables_total"           // labels: phase, status
	RecordsTotal         = "stagegate_records_total"          // labels: kind
	ChecksTotal          = "stagegate_checks_total"           // labels: category, status
	PhaseDurationSeconds = "stagegate_phase_duration_seconds" // labels: phase
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives counters and histogram samples.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}

// Recorder keeps counters and samples in memory.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]float64
	samples  map[string][]float64
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]float64),
		samples:  make(map[string][]float64),
	}
}

func (r *Recorder) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[Key(name, labels)] += delta
}

func (r *Recorder) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := Key(name, labels)
	r.samples[k] = append(r.samples[k], value)
}

// Counter returns the accumulated value for name and labels.
func (r *Recorder) Counter(name string, labels Labels) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[Key(name, labels)]
}

// Samples returns a copy of the observations for name and labels.
func (r *Recorder) Samples(name string, labels Labels) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.samples[Key(name, labels)]...)
}

// Key renders name{k=v,...} with labels sorted.
func Key(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
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
	return name + "{" + strings.Join(parts, ",") + "}"
}
