// Package metrics provides minimal Prometheus-text counters, gauges,
// and histograms with an HTTP exposition handler.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

type Counter struct {
	v    uint64
	name string
	help string
}

func NewCounter(name, help string) *Counter { return &Counter{name: name, help: help} }
func (c *Counter) Inc()                     { atomic.AddUint64(&c.v, 1) }
func (c *Counter) Add(n uint64)             { atomic.AddUint64(&c.v, n) }
func (c *Counter) Value() uint64            { return atomic.LoadUint64(&c.v) }
func (c *Counter) expose(w http.ResponseWriter) {
	if c.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
	}
	fmt.Fprintf(w, "# TYPE %s counter\n%s %d\n", c.name, c.name, c.Value())
}

type Gauge struct {
	v    uint64
	name string
	help string
}

func NewGauge(name, help string) *Gauge { return &Gauge{name: name, help: help} }
func (g *Gauge) Set(n uint64)           { atomic.StoreUint64(&g.v, n) }
func (g *Gauge) Value() uint64          { return atomic.LoadUint64(&g.v) }
func (g *Gauge) expose(w http.ResponseWriter) {
	if g.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
	}
	fmt.Fprintf(w, "# TYPE %s gauge\n%s %d\n", g.name, g.name, g.Value())
}

// Histogram is a thread-safe cumulative bucket histogram; +Inf is
// implied.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	counts  []uint64
	sum     float64
	cnt     uint64
	mu      sync.Mutex
}

func defaultBuckets() []float64 {
	// seconds, matching the usual HTTP-latency spread
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
}

func NewHistogram(name, help string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = defaultBuckets()
	}
	cp := make([]float64, len(buckets))
	copy(cp, buckets)
	sort.Float64s(cp)
	return &Histogram{name: name, help: help, buckets: cp, counts: make([]uint64, len(cp))}
}

func (h *Histogram) Observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.SearchFloat64s(h.buckets, v)
	if i < len(h.counts) {
		h.counts[i]++
	}
	h.cnt++
	h.sum += v
}

func (h *Histogram) expose(w http.ResponseWriter) {
	if h.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help)
	}
	fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
	h.mu.Lock()
	defer h.mu.Unlock()
	var cum uint64
	for i, b := range h.buckets {
		cum += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cum)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.cnt)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.cnt)
}

// Registry collects metrics and serves them in Prometheus text format.
type Registry struct {
	mu       sync.Mutex
	counters []*Counter
	gauges   []*Gauge
	histos   []*Histogram
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(c *Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, c)
}

func (r *Registry) RegisterGauge(g *Gauge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, g)
}

func (r *Registry) RegisterHistogram(h *Histogram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histos = append(r.histos, h)
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.counters {
		c.expose(w)
	}
	for _, g := range r.gauges {
		g.expose(w)
	}
	for _, h := range r.histos {
		h.expose(w)
	}
}
