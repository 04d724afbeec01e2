package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterVecs(t *testing.T) {
	SieveExecutions.Reset()
	SieveExecutions.WithLabelValues("discard").Inc()
	SieveExecutions.WithLabelValues("discard").Inc()
	SieveExecutions.WithLabelValues("keep").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(SieveExecutions.WithLabelValues("discard")))
	assert.Equal(t, 2, testutil.CollectAndCount(SieveExecutions))

	ProgramCacheRequests.Reset()
	ProgramCacheRequests.WithLabelValues("memory", "hit").Inc()
	expected := `
# HELP sieve_program_cache_total Program cache lookups
# TYPE sieve_program_cache_total counter
sieve_program_cache_total{result="hit",tier="memory"} 1
`
	require.NoError(t, testutil.CollectAndCompare(ProgramCacheRequests, strings.NewReader(expected)))
}

func TestHistogramObservations(t *testing.T) {
	before := sampleCount(t, SieveCompileDuration)
	SieveCompileDuration.Observe(0.002)
	SieveCompileDuration.Observe(0.02)
	assert.Equal(t, before+2, sampleCount(t, SieveCompileDuration))
}

func sampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}
