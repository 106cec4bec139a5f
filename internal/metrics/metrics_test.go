package metrics

import (
	"testing"

	"lotBroker/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCycle("BTCUSDT", domain.OutcomeSettled)
	m.ObserveCycle("BTCUSDT", domain.OutcomeSettled)
	m.ObserveCycle("BTCUSDT", domain.OutcomeNothingToSell)
	m.ObserveEvaluation("BTCUSDT", domain.TrendState{PositionRatio: 1.2}, 0.07)
	m.ObserveInventory("BTCUSDT", 1.5, 3)
	m.LotsSold("BTCUSDT", 2)
	m.FeedFailure("BTCUSDT")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles.WithLabelValues("BTCUSDT", "settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("BTCUSDT", "nothing_to_sell")))
	assert.Equal(t, 0.07, testutil.ToFloat64(m.requiredMargin.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.2, testutil.ToFloat64(m.positionRatio.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.heldQuantity.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openLots.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.lotsSold.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedFailures.WithLabelValues("BTCUSDT")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle("X", domain.OutcomeFailed)
		m.FeedFailure("X")
		m.LotsSold("X", 1)
	})
}
