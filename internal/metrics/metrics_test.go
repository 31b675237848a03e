package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/takedown/internal/match"
	"github.com/roach88/takedown/internal/rules"
)

func TestQueueMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	q, err := NewQueue(reg)
	require.NoError(t, err)

	q.SetDepth(3, 1)
	q.ObserveDelivered()
	q.ObserveDelivered()
	q.ObserveRetry()
	q.ObservePermanentFailure(2)
	q.ObserveRemap()

	assert.Equal(t, 3.0, testutil.ToFloat64(q.Pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.Failed))
	assert.Equal(t, 2.0, testutil.ToFloat64(q.Delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.Retries))
	assert.Equal(t, 2.0, testutil.ToFloat64(q.PermanentFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.Remaps))

	_, err = NewQueue(reg)
	assert.Error(t, err, "double registration is reported")
}

func TestNilQueueIsSafe(t *testing.T) {
	var q *Queue
	assert.NotPanics(t, func() {
		q.SetDepth(1, 1)
		q.ObserveDelivered()
		q.ObserveRetry()
		q.ObserveDrain(0)
	})
}

func TestEngineMetrics(t *testing.T) {
	m, err := NewEngine(prometheus.NewRegistry())
	require.NoError(t, err)

	e := match.New(rules.Folkstyle())
	stop := m.Observe(e)
	defer stop()

	require.NoError(t, e.Start("local-1", "", match.Entrant{Name: "A"}, match.Entrant{Name: "B"}))
	require.NoError(t, e.Score(match.SlotA, rules.Takedown, 2))
	require.NoError(t, e.Score(match.SlotB, rules.Escape, 1))
	require.NoError(t, e.Undo())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Actions.WithLabelValues("score")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("undo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("start")))
}
