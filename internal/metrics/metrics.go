// Package metrics exposes Prometheus collectors for the decision engine:
//
//   - lot_broker_cycles_total{pair,outcome}  decision cycles by outcome
//   - lot_broker_required_margin{pair}       margin required in the last cycle
//   - lot_broker_position_ratio{pair}        current price / sustained minimum
//   - lot_broker_held_quantity{pair}         quantity held across open lots
//   - lot_broker_open_lots{pair}             number of open lots
//   - lot_broker_lots_sold_total{pair}       lots removed by confirmed fills
//   - lot_broker_feed_failures_total{pair}   price feed failures
package metrics

import (
	"lotBroker/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine collectors.
type Metrics struct {
	cycles         *prometheus.CounterVec
	requiredMargin *prometheus.GaugeVec
	positionRatio  *prometheus.GaugeVec
	heldQuantity   *prometheus.GaugeVec
	openLots       *prometheus.GaugeVec
	lotsSold       *prometheus.CounterVec
	feedFailures   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered (useful in tests and tools).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lot_broker_cycles_total",
				Help: "Decision cycles by outcome",
			},
			[]string{"pair", "outcome"},
		),
		requiredMargin: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lot_broker_required_margin",
				Help: "Required margin computed in the last cycle",
			},
			[]string{"pair"},
		),
		positionRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lot_broker_position_ratio",
				Help: "Current price divided by the sustained historical minimum",
			},
			[]string{"pair"},
		),
		heldQuantity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lot_broker_held_quantity",
				Help: "Quantity held across open lots",
			},
			[]string{"pair"},
		),
		openLots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lot_broker_open_lots",
				Help: "Number of open purchase lots",
			},
			[]string{"pair"},
		),
		lotsSold: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lot_broker_lots_sold_total",
				Help: "Lots removed from the ledger by confirmed fills",
			},
			[]string{"pair"},
		),
		feedFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lot_broker_feed_failures_total",
				Help: "Price feed failures",
			},
			[]string{"pair"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.requiredMargin, m.positionRatio, m.heldQuantity, m.openLots, m.lotsSold, m.feedFailures)
	}
	return m
}

// ObserveCycle counts a finished cycle.
func (m *Metrics) ObserveCycle(pair string, outcome domain.CycleOutcome) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(pair, string(outcome)).Inc()
}

// ObserveEvaluation records the inputs and result of the margin computation.
func (m *Metrics) ObserveEvaluation(pair string, trend domain.TrendState, requiredMargin float64) {
	if m == nil {
		return
	}
	m.requiredMargin.WithLabelValues(pair).Set(requiredMargin)
	m.positionRatio.WithLabelValues(pair).Set(trend.PositionRatio)
}

// ObserveInventory records the ledger size.
func (m *Metrics) ObserveInventory(pair string, held float64, lots int) {
	if m == nil {
		return
	}
	m.heldQuantity.WithLabelValues(pair).Set(held)
	m.openLots.WithLabelValues(pair).Set(float64(lots))
}

// LotsSold counts lots removed by a confirmed fill.
func (m *Metrics) LotsSold(pair string, n int) {
	if m == nil {
		return
	}
	m.lotsSold.WithLabelValues(pair).Add(float64(n))
}

// FeedFailure counts a failed price fetch.
func (m *Metrics) FeedFailure(pair string) {
	if m == nil {
		return
	}
	m.feedFailures.WithLabelValues(pair).Inc()
}
