package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ManagedQueues.Set(3)
	c.DiscoverySeen.WithLabelValues("dnssd").Inc()
	c.ReconcileActions.WithLabelValues("create_or_modify").Inc()
	c.ReconcileFailures.WithLabelValues("delete").Inc()
	c.DispatchDecisions.WithLabelValues("selected").Inc()
	c.RetryExhausted.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"cups_browsed_managed_queues",
		"cups_browsed_discovery_sightings_total",
		"cups_browsed_reconcile_actions_total",
		"cups_browsed_reconcile_failures_total",
		"cups_browsed_dispatch_decisions_total",
		"cups_browsed_retry_exhausted_total",
	} {
		require.True(t, names[want], "missing metric family %q", want)
	}
}

func TestNewCollectorDefaultsToDefaultRegisterer(t *testing.T) {
	// A nil registerer must fall back to prometheus.DefaultRegisterer
	// rather than panicking on a nil receiver.
	require.NotPanics(t, func() {
		NewCollector(nil)
	})
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ManagedQueues.Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := new(strings.Builder)
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), "cups_browsed_managed_queues")
}
