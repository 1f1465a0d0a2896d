package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry lazily creates prometheus vectors behind the IncCounter /
// SetGauge / Observe helpers used throughout the engine. A metric name
// keeps the label keys of its first use; call sites must stay consistent.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]*prometheus.HistogramVec
}

var reg = &registry{
	prom:     prometheus.NewRegistry(),
	counters: map[string]*prometheus.CounterVec{},
	gauges:   map[string]*prometheus.GaugeVec{},
	hists:    map[string]*prometheus.HistogramVec{},
}

// labelKeys returns the sorted key set so vector creation is stable
// regardless of map iteration order.
func labelKeys(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	vec, ok := reg.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		reg.prom.MustRegister(vec)
		reg.counters[name] = vec
	}
	reg.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	vec, ok := reg.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		reg.prom.MustRegister(vec)
		reg.gauges[name] = vec
	}
	reg.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Set(value)
}

// Observe records a histogram sample. Durations are observed in seconds.
func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	vec, ok := reg.hists[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.DefBuckets,
		}, labelKeys(labels))
		reg.prom.MustRegister(vec)
		reg.hists[name] = vec
	}
	reg.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Observe(value)
}

// ObserveDuration records an elapsed duration in seconds.
func ObserveDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name, d.Seconds(), labels)
}

// Handler serves the Prometheus text exposition for the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

var (
	startTime = time.Now()
	version   = "dev" // set via build flags
)

// SetVersion sets the version string for health reports.
func SetVersion(v string) {
	version = v
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status    string `json:"status"` // "healthy" or "degraded"
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Detail    string `json:"detail,omitempty"`
}

// HealthHandler reports process health. The engine is degraded while
// entries are suppressed pending an operator reset.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		health := HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
		}
		if v, ok := gaugeValue("risk_entries_suppressed"); ok && v == 1 {
			health.Status = "degraded"
			health.Detail = "entries suppressed pending operator reset"
		}
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusPartialContent
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// gaugeValue reads back a single-sample gauge from the registry.
func gaugeValue(name string) (float64, bool) {
	mfs, err := reg.prom.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if g := m.GetGauge(); g != nil {
				return g.GetValue(), true
			}
		}
	}
	return 0, false
}
