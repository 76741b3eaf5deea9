package main

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server counters. The totals are plain atomics read by
// INFO; the registry exposes them, along with everything else, to
// Prometheus on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	TotalConnections atomic.Uint64
	TotalCommands    atomic.Uint64

	commands   *prometheus.CounterVec
	errors     prometheus.Counter
	promotions prometheus.Counter
	rewrites   *prometheus.CounterVec
}

// NewMetrics creates the counters on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_commands_total",
			Help: "Commands processed, by command name",
		}, []string{"command"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardinal_error_replies_total",
			Help: "Error replies sent to clients",
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardinal_sketch_promotions_total",
			Help: "Sketches promoted from sparse to dense",
		}),
		rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_journal_rewrites_total",
			Help: "Journal compactions, by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.commands,
		m.errors,
		m.promotions,
		m.rewrites,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cardinal_connections_total",
			Help: "Client connections accepted",
		}, func() float64 { return float64(m.TotalConnections.Load()) }),
	)
	return m
}

func (m *Metrics) observeCommand(name string) {
	m.TotalCommands.Add(1)
	m.commands.WithLabelValues(name).Inc()
}

// RegisterGauge exposes fn as a gauge.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
