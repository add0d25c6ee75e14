package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.ObserveRun("verified", 3*time.Second)
	m.ObserveRun("failed", time.Second)
	m.ObserveVerifierResult("V1", "pass")
	m.ObserveVerifierResult("V1", "pass")
	m.IncRollback()
	m.IncEventAppended("note.status")
	m.IncPrompt()
	m.IncWSConnection()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("verified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.verifierResults.WithLabelValues("V1", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("note.status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promptsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsConnections))

	m.DecWSConnection()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.wsConnections))
}

func TestDuplicateRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.IncRollback()
	second.IncRollback()
	assert.Equal(t, 2.0, testutil.ToFloat64(first.rollbacksTotal))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveRun("verified", time.Second)
		m.IncRollback()
		m.IncPrompt()
	})
}
