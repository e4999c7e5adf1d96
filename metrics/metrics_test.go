package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestFlowsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := NewFlows(reg)

	f.Launch("OK")
	f.Launch("OK")
	f.Launch("RULE_VIOLATION")
	f.Acceptance("Recorded")
	f.Notarisation("NOTARY_CONFLICT")
	f.CursorPoll()

	assert.Equal(t, 2.0, testutil.ToFloat64(f.launches.WithLabelValues("OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.launches.WithLabelValues("RULE_VIOLATION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.acceptances.WithLabelValues("Recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.notarisations.WithLabelValues("NOTARY_CONFLICT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.cursorPolls))

	count, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestNilFlowsIsNoop(t *testing.T) {
	var f *Flows
	assert.NotPanics(t, func() {
		f.Launch("OK")
		f.Acceptance("Sent")
		f.Notarisation("OK")
		f.CursorPoll()
	})
}
