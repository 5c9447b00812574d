// Package metrics exposes the screening counters of the service to
// Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/consultant-1379/sc-envoy-sub001/internal/engine"
	"github.com/consultant-1379/sc-envoy-sub001/internal/reselect"
)

const namespace = "sbiscreen"

var _ engine.Recorder = (*Metrics)(nil)

// Metrics owns a private registry and every collector of the service.
type Metrics struct {
	registry *prometheus.Registry

	phasesTotal        *prometheus.CounterVec
	actionsTotal       *prometheus.CounterVec
	localRepliesTotal  *prometheus.CounterVec
	lookupsTotal       *prometheus.CounterVec
	eventsTotal        *prometheus.CounterVec
	reselectTotal      *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	processingSeconds  *prometheus.HistogramVec
	streamErrorsTotal  *prometheus.CounterVec
	activeStreams      prometheus.Gauge
	kvtEntries         prometheus.Gauge
	configLoadedAtSecs prometheus.Gauge
}

// New creates the collectors and registers them with a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_total",
			Help:      "Screening and routing phases run, by phase and whether iteration stopped",
		}, []string{"phase", "stopped"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Filter actions executed, by action kind",
		}, []string{"kind"}),
		localRepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_replies_total",
			Help:      "Local replies sent instead of forwarding",
		}, []string{"status", "details"}),
		lookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "NLF discovery and SLF lookups, by outcome",
		}, []string{"kind", "outcome"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_reported_total",
			Help:      "Screening events raised by report_event",
		}, []string{"event_type", "severity"}),
		reselectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reselect_decisions_total",
			Help:      "Decisions of the reselection priority coordinator",
		}, []string{"outcome"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages processed, by side and outcome",
		}, []string{"side", "outcome"}),
		processingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent running the phases of one side of a transaction",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, []string{"side"}),
		streamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "ext_proc stream failures, by stage",
		}, []string{"stage"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open ext_proc streams",
		}),
		kvtEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kvt_entries",
			Help:      "Key-value table entries loaded from the database",
		}),
		configLoadedAtSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "filter_config_loaded_timestamp_seconds",
			Help:      "Unix time the filter configuration was compiled",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.phasesTotal,
		m.actionsTotal,
		m.localRepliesTotal,
		m.lookupsTotal,
		m.eventsTotal,
		m.reselectTotal,
		m.messagesTotal,
		m.processingSeconds,
		m.streamErrorsTotal,
		m.activeStreams,
		m.kvtEntries,
		m.configLoadedAtSecs,
	)
	return m
}

// Registry returns the registry the metrics server exposes.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) PhaseCompleted(phase string, stopped bool) {
	m.phasesTotal.WithLabelValues(phase, strconv.FormatBool(stopped)).Inc()
}

func (m *Metrics) ActionExecuted(kind string) {
	m.actionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) LocalReply(status int, details string) {
	m.localRepliesTotal.WithLabelValues(strconv.Itoa(status), details).Inc()
}

func (m *Metrics) Lookup(kind, outcome string) {
	m.lookupsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) EventReported(eventType, severity string) {
	m.eventsTotal.WithLabelValues(eventType, severity).Inc()
}

// ReselectObserver counts coordinator decisions.
func (m *Metrics) ReselectObserver() reselect.Observer {
	return func(o reselect.Outcome) {
		m.reselectTotal.WithLabelValues(string(o)).Inc()
	}
}

// MessageProcessed records one side of a transaction.
func (m *Metrics) MessageProcessed(side, outcome string, d time.Duration) {
	m.messagesTotal.WithLabelValues(side, outcome).Inc()
	m.processingSeconds.WithLabelValues(side).Observe(d.Seconds())
}

// StreamError counts a failed receive, send or processing step.
func (m *Metrics) StreamError(stage string) {
	m.streamErrorsTotal.WithLabelValues(stage).Inc()
}

// StreamOpened and StreamClosed track open ext_proc streams.
func (m *Metrics) StreamOpened() { m.activeStreams.Inc() }
func (m *Metrics) StreamClosed() { m.activeStreams.Dec() }

// FilterConfigLoaded records a compiled filter configuration and the number
// of database table entries merged into it.
func (m *Metrics) FilterConfigLoaded(at time.Time, kvtEntries int) {
	m.configLoadedAtSecs.Set(float64(at.Unix()))
	m.kvtEntries.Set(float64(kvtEntries))
}
