package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsDisabled(t *testing.T) {
	m := New(false)
	require.NotNil(t, m, "metrics should not be nil (noop)")

	// These should not panic even though they're noop
	m.RecordLogin("credentials", ResultSuccess)
	m.RecordExchange(ResultFailure)
	m.RecordRefresh(ResultSuccess, time.Millisecond)
	m.RecordSharedRefresh()
	m.RecordSessionExpired()
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLogin("google", ResultSuccess)
		m.RecordRefresh(ResultRejected, time.Second)
		m.RecordSessionExpired()
	})
}

func TestMetricsEnabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(true, WithRegisterer(reg))

	m.RecordLogin("credentials", ResultSuccess)
	m.RecordLogin("credentials", ResultSuccess)
	m.RecordLogin("google", ResultFailure)
	m.RecordRefresh(ResultSuccess, 20*time.Millisecond)
	m.RecordRefresh(ResultRejected, 5*time.Millisecond)
	m.RecordSharedRefresh()
	m.RecordSharedRefresh()
	m.RecordSharedRefresh()
	m.RecordSessionExpired()
	m.RecordExchange(ResultNoop)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.loginTotal.WithLabelValues("credentials", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loginTotal.WithLabelValues("google", ResultFailure)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.refreshShared))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.expiredTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchangeTotal.WithLabelValues(ResultNoop)))

	expected := `
# HELP authkit_refresh_total Total refresh calls by result
# TYPE authkit_refresh_total counter
authkit_refresh_total{result="rejected"} 1
authkit_refresh_total{result="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "authkit_refresh_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.refreshSeconds))
}
