package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config labels every series with the service and environment.
type Config struct {
	ServiceName string
	Environment string
}

// WorkflowMetrics captures lab workflow health: command outcomes, status
// transitions, guard rejections and money flowing through the ledger.
type WorkflowMetrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	payments        *prometheus.CounterVec
	paymentAmount   *prometheus.CounterVec
	ledgerDrift     *prometheus.CounterVec
	viewCache       *prometheus.CounterVec
	registry        prometheus.Gatherer
}

// New registers the workflow instruments with registerer. A nil registerer
// uses a fresh registry, which is what tests want.
func New(registerer prometheus.Registerer, cfg Config) *WorkflowMetrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registerer == nil {
		reg := prometheus.NewRegistry()
		registerer, gatherer = reg, reg
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "labflow"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &WorkflowMetrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "labflow_commands_total",
			Help:        "Workflow commands by outcome.",
			ConstLabels: constLabels,
		}, []string{"command", "provenance", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "labflow_command_duration_seconds",
			Help:        "Workflow command latency including retries.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"command"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "labflow_status_transitions_total",
			Help:        "Committed lab test status transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to", "provenance"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "labflow_guard_rejections_total",
			Help:        "Commands rejected by a workflow guard.",
			ConstLabels: constLabels,
		}, []string{"command", "guard"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "labflow_payments_total",
			Help:        "Payments appended to a lab test ledger.",
			ConstLabels: constLabels,
		}, []string{"method", "provenance"}),
		paymentAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "labflow_payment_amount_total",
			Help:        "Sum of recorded payment amounts.",
			ConstLabels: constLabels,
		}, []string{"method"}),
		ledgerDrift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "labflow_ledger_drift_total",
			Help:        "Records whose denormalized paid amount disagreed with their payment rows.",
			ConstLabels: constLabels,
		}, []string{"provenance"}),
		viewCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "labflow_view_invalidations_total",
			Help:        "Cached read views invalidated by commands.",
			ConstLabels: constLabels,
		}, []string{"query"}),
		registry: gatherer,
	}

	registerer.MustRegister(
		m.commands,
		m.commandDuration,
		m.transitions,
		m.rejections,
		m.payments,
		m.paymentAmount,
		m.ledgerDrift,
		m.viewCache,
	)
	return m
}

func (m *WorkflowMetrics) CommandCompleted(command, provenance, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, provenance, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *WorkflowMetrics) Transition(from, to, provenance string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, provenance).Inc()
}

func (m *WorkflowMetrics) GuardRejected(command, guard string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(command, guard).Inc()
}

func (m *WorkflowMetrics) PaymentRecorded(method, provenance string, amount float64) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(method, provenance).Inc()
	m.paymentAmount.WithLabelValues(method).Add(amount)
}

func (m *WorkflowMetrics) LedgerDrift(provenance string) {
	if m == nil {
		return
	}
	m.ledgerDrift.WithLabelValues(provenance).Inc()
}

func (m *WorkflowMetrics) ViewInvalidated(query string) {
	if m == nil {
		return
	}
	m.viewCache.WithLabelValues(query).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *WorkflowMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
