package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	settlementsTotal   *prometheus.CounterVec
	registrationsTotal *prometheus.CounterVec
	pollOutcomesTotal  *prometheus.CounterVec
	loginsTotal        *prometheus.CounterVec
	journalDepth       prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowbridge_settlements_total",
		Help: "Total number of settlement submissions",
	}, []string{"status"})

	registrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowbridge_registrations_total",
		Help: "Off-chain settlement registrations by outcome",
	}, []string{"status"})

	pollOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowbridge_poll_outcomes_total",
		Help: "Terminal finality-poll outcomes",
	}, []string{"outcome"})

	logins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowbridge_logins_total",
		Help: "Signed-message login attempts",
	}, []string{"status"})

	journal := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowbridge_registration_journal_depth",
		Help: "Failed registrations awaiting manual replay",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(settlements, registrations, pollOutcomes, logins, journal)

	return &metricsRegistry{
		registry:           r,
		settlementsTotal:   settlements,
		registrationsTotal: registrations,
		pollOutcomesTotal:  pollOutcomes,
		loginsTotal:        logins,
		journalDepth:       journal,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSettlement(status string) {
	m.settlementsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRegistration(status string) {
	m.registrationsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incPollOutcome(outcome string) {
	m.pollOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incLogin(status string) {
	m.loginsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) setJournalDepth(depth int) {
	m.journalDepth.Set(float64(depth))
}
