// Package metrics owns the relayer's prometheus registry.
package metrics

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "relayer"

// Metrics groups every collector the relayer exports. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	watcherPolls     *prometheus.CounterVec
	watcherEvents    *prometheus.CounterVec
	watcherReorgs    *prometheus.CounterVec
	watermark        *prometheus.GaugeVec
	rpcErrors        *prometheus.CounterVec
	proposalsSigned  *prometheus.CounterVec
	proposalsDropped *prometheus.CounterVec
	queueTransitions *prometheus.CounterVec
	queueItems       *prometheus.GaugeVec
	gasSpent         *prometheus.CounterVec
	feesEarned       *prometheus.CounterVec
	withdrawSessions *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		watcherPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "polls_total",
			Help: "Watcher polls by outcome.",
		}, []string{"chain", "contract", "result"}),
		watcherEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "events_total",
			Help: "Domain events emitted.",
		}, []string{"chain", "contract", "kind"}),
		watcherReorgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "reorgs_total",
			Help: "Chain reorganizations detected.",
		}, []string{"chain", "contract"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "watermark_block",
			Help: "Last fully processed block.",
		}, []string{"chain", "contract"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_errors_total",
			Help: "Failed chain RPC calls.",
		}, []string{"chain"}),
		proposalsSigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proposals", Name: "signed_total",
			Help: "Proposals signed and verified.",
		}, []string{"backend"}),
		proposalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proposals", Name: "dropped_total",
			Help: "Proposals discarded before queueing.",
		}, []string{"reason"}),
		queueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "transitions_total",
			Help: "Queue item status transitions.",
		}, []string{"chain", "from", "to"}),
		queueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "items",
			Help: "Queue items per status.",
		}, []string{"chain", "status"}),
		gasSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gas_spent_total",
			Help: "Gas units spent by finalized transactions.",
		}, []string{"chain"}),
		feesEarned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fees_earned_wei_total",
			Help: "Relayer fees quoted for finalized withdrawals, in wei.",
		}, []string{"chain"}),
		withdrawSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "withdraw", Name: "sessions_total",
			Help: "Withdraw flows by terminal message.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.watcherPolls, m.watcherEvents, m.watcherReorgs, m.watermark, m.rpcErrors,
		m.proposalsSigned, m.proposalsDropped, m.queueTransitions, m.queueItems,
		m.gasSpent, m.feesEarned, m.withdrawSessions,
	)
	return m
}

func (m *Metrics) WatcherPoll(chain, contract, result string) {
	if m == nil {
		return
	}
	m.watcherPolls.WithLabelValues(chain, contract, result).Inc()
}

func (m *Metrics) WatcherEvent(chain, contract, kind string) {
	if m == nil {
		return
	}
	m.watcherEvents.WithLabelValues(chain, contract, kind).Inc()
}

func (m *Metrics) WatcherReorg(chain, contract string) {
	if m == nil {
		return
	}
	m.watcherReorgs.WithLabelValues(chain, contract).Inc()
}

func (m *Metrics) Watermark(chain, contract string, block uint64) {
	if m == nil {
		return
	}
	m.watermark.WithLabelValues(chain, contract).Set(float64(block))
}

func (m *Metrics) RPCError(chain string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(chain).Inc()
}

func (m *Metrics) ProposalSigned(backend string) {
	if m == nil {
		return
	}
	m.proposalsSigned.WithLabelValues(backend).Inc()
}

func (m *Metrics) ProposalDropped(reason string) {
	if m == nil {
		return
	}
	m.proposalsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueueTransition(chain, from, to string) {
	if m == nil {
		return
	}
	m.queueTransitions.WithLabelValues(chain, from, to).Inc()
}

func (m *Metrics) QueueItems(chain string, counts map[string]int64) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.queueItems.WithLabelValues(chain, status).Set(float64(n))
	}
}

func (m *Metrics) GasSpent(chain string, gas uint64) {
	if m == nil {
		return
	}
	m.gasSpent.WithLabelValues(chain).Add(float64(gas))
}

func (m *Metrics) FeeEarned(chain string, wei float64) {
	if m == nil {
		return
	}
	m.feesEarned.WithLabelValues(chain).Add(wei)
}

func (m *Metrics) WithdrawSession(result string) {
	if m == nil {
		return
	}
	m.withdrawSessions.WithLabelValues(result).Inc()
}

// Text renders every metric in the prometheus text exposition format.
func (m *Metrics) Text() (string, error) {
	if m == nil {
		return "", nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
