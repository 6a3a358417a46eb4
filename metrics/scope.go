package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that prefixes every stat name it reports
// with its own dotted namespace, so a CA's counters and a front end's
// counters sharing one process don't collide in Prometheus.
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64) error
	Gauge(stat string, value int64) error
	GaugeDelta(stat string, value int64) error
	Timing(stat string, delta int64) error
	TimingDuration(stat string, delta time.Duration) error
	SetInt(stat string, value int64) error

	MustRegister(...prometheus.Collector)
}

// lazyCollectors registers a prometheus.Counter, Gauge, or Summary with
// registerer the first time a given stat name is touched, and hands
// back the same collector on every later call for that name. Each
// Scope component (CA, directory, nonce pool, ...) calls Inc/Gauge/
// Timing with its own stat names without first declaring them, so
// something has to own this registration bookkeeping.
type lazyCollectors struct {
	registerer prometheus.Registerer

	mu        sync.Mutex
	counters  map[string]prometheus.Counter
	gauges    map[string]prometheus.Gauge
	summaries map[string]prometheus.Summary
}

func newLazyCollectors(registerer prometheus.Registerer) *lazyCollectors {
	return &lazyCollectors{
		registerer: registerer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		summaries:  make(map[string]prometheus.Summary),
	}
}

func (l *lazyCollectors) counter(name string) prometheus.Counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: sanitizeMetricName(name), Help: name})
	l.registerer.MustRegister(c)
	l.counters[name] = c
	return c
}

func (l *lazyCollectors) gauge(name string) prometheus.Gauge {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitizeMetricName(name), Help: name})
	l.registerer.MustRegister(g)
	l.gauges[name] = g
	return g
}

func (l *lazyCollectors) summary(name string) prometheus.Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.summaries[name]; ok {
		return s
	}
	s := prometheus.NewSummary(prometheus.SummaryOpts{Name: sanitizeMetricName(name), Help: name})
	l.registerer.MustRegister(s)
	l.summaries[name] = s
	return s
}

// sanitizeMetricName turns a dotted Scope stat path into a Prometheus-
// legal metric name: periods aren't valid in a metric name, underscores
// are.
func sanitizeMetricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// promScope is a Scope backed by a Prometheus registry.
type promScope struct {
	registerer prometheus.Registerer
	collectors *lazyCollectors
	prefix     string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that reports to registerer, with every
// stat name prefixed by scopes joined with periods.
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		registerer: registerer,
		prefix:     strings.Join(scopes, ".") + ".",
		collectors: newLazyCollectors(registerer),
	}
}

// NewScope returns a child Scope whose prefix is this Scope's prefix
// plus scopes, joined by periods.
func (s *promScope) NewScope(scopes ...string) Scope {
	scope := strings.Join(scopes, ".")
	return NewPromScope(s.registerer, s.prefix+scope)
}

func (s *promScope) Inc(stat string, value int64) error {
	s.collectors.counter(s.prefix + stat).Add(float64(value))
	return nil
}

func (s *promScope) Gauge(stat string, value int64) error {
	s.collectors.gauge(s.prefix + stat).Set(float64(value))
	return nil
}

func (s *promScope) GaugeDelta(stat string, value int64) error {
	s.collectors.gauge(s.prefix + stat).Add(float64(value))
	return nil
}

func (s *promScope) Timing(stat string, delta int64) error {
	s.collectors.summary(s.prefix + stat + "_seconds").Observe(float64(delta))
	return nil
}

func (s *promScope) TimingDuration(stat string, delta time.Duration) error {
	s.collectors.summary(s.prefix + stat + "_seconds").Observe(delta.Seconds())
	return nil
}

func (s *promScope) SetInt(stat string, value int64) error {
	s.collectors.gauge(s.prefix + stat).Set(float64(value))
	return nil
}

func (s *promScope) MustRegister(cs ...prometheus.Collector) {
	s.registerer.MustRegister(cs...)
}

// noopScope discards every stat. Components built in tests, or run
// without a metrics.Scope wired in by the caller, get one of these so
// they don't need a nil check before every Inc/Gauge call.
type noopScope struct{}

// NewNoopScope returns a Scope that discards everything reported to it.
func NewNoopScope() Scope {
	return noopScope{}
}
func (ns noopScope) NewScope(scopes ...string) Scope {
	return ns
}
func (noopScope) Inc(stat string, value int64) error {
	return nil
}
func (noopScope) Gauge(stat string, value int64) error {
	return nil
}
func (noopScope) GaugeDelta(stat string, value int64) error {
	return nil
}
func (noopScope) Timing(stat string, delta int64) error {
	return nil
}
func (noopScope) TimingDuration(stat string, delta time.Duration) error {
	return nil
}
func (noopScope) SetInt(stat string, value int64) error {
	return nil
}
func (noopScope) MustRegister(...prometheus.Collector) {
}
