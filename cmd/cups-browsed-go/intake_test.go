package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cups-browsed-go/internal/access"
	"cups-browsed-go/internal/cluster"
	"cups-browsed-go/internal/config"
	"cups-browsed-go/internal/discovery"
	"cups-browsed-go/internal/metrics"
	"cups-browsed-go/internal/model"
	"cups-browsed-go/internal/netstate"
	"cups-browsed-go/internal/registry"
)

// TestMain checks that the presence-sweep goroutine launched by
// runSweep always exits once its context is cancelled.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestIntake(t *testing.T, cfg config.Config) *intake {
	t.Helper()
	tracker := netstate.New()
	mc := metrics.NewCollector(prometheus.NewRegistry())
	return newIntake(registry.New(), cluster.New(cfg.Clusters, cfg.AutoClustering), access.Policy{AllowAll: true}, tracker, "testhost", cfg, mc)
}

func TestOnDiscoveredUpsertsRegistryEntry(t *testing.T) {
	cfg := config.Default()
	in := newTestIntake(t, cfg)

	in.onDiscovered(model.DiscoveredPrinter{
		ServiceName: "Office Laser",
		Host:        "office-laser.local",
		IP:          "10.0.0.5",
		Port:        631,
		Transport:   model.TransportIPP,
	})

	entries := in.reg.All()
	require.Len(t, entries, 1)
	require.Equal(t, "Office_Laser", entries[0].QueueName)

	in.mu.Lock()
	_, seen := in.lastSeen["Office_Laser"]
	in.mu.Unlock()
	require.True(t, seen)
}

func TestOnDiscoveredSkipsFilteredSighting(t *testing.T) {
	cfg := config.Default()
	cfg.FilterRules = []model.FilterRule{{Sense: model.SenseDeny, Field: "location", Kind: model.FilterExact, Value: "Secure"}}
	in := newTestIntake(t, cfg)

	in.onDiscovered(model.DiscoveredPrinter{
		ServiceName: "Vault Printer",
		Host:        "vault.local",
		IP:          "10.0.0.9",
		Port:        631,
		Transport:   model.TransportIPP,
		Location:    "Secure",
	})

	require.Empty(t, in.reg.All())
}

func TestOnRemovedEvictsLastSeenForServiceName(t *testing.T) {
	cfg := config.Default()
	in := newTestIntake(t, cfg)

	in.onDiscovered(model.DiscoveredPrinter{
		ServiceName: "Office Laser",
		Host:        "office-laser.local",
		IP:          "10.0.0.5",
		Port:        631,
		Transport:   model.TransportIPP,
	})
	in.onRemoved("Office Laser")

	in.mu.Lock()
	_, seen := in.lastSeen["Office_Laser"]
	_, tracked := in.serviceQueue["Office Laser"]
	in.mu.Unlock()
	require.False(t, seen)
	require.False(t, tracked)
}

func TestRunSweepMarksUnseenQueuesMissing(t *testing.T) {
	cfg := config.Default()
	cfg.BrowseInterval = 5 * time.Millisecond
	cfg.BrowseTimeout = 1 * time.Millisecond
	in := newTestIntake(t, cfg)

	in.onDiscovered(model.DiscoveredPrinter{
		ServiceName: "Office Laser",
		Host:        "office-laser.local",
		IP:          "10.0.0.5",
		Port:        631,
		Transport:   model.TransportIPP,
	})
	in.onDiscovered(model.DiscoveredPrinter{
		ServiceName: "Office Laser",
		Host:        "office-laser.local",
		IP:          "10.0.0.5",
		Port:        631,
		Transport:   model.TransportIPP,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go in.runSweep(ctx)

	require.Eventually(t, func() bool {
		e, ok := in.reg.ByQueueName("Office_Laser")
		return ok && e.Status != model.StatusConfirmed
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestParseDefaultOptions(t *testing.T) {
	require.Equal(t, map[string]string{"sides": "two-sided-long-edge", "fit-to-page": "true"},
		parseDefaultOptions("sides=two-sided-long-edge fit-to-page"))
	require.Empty(t, parseDefaultOptions(""))
}

func TestParsePollTargets(t *testing.T) {
	targets := parsePollTargets([]string{"print-server.example.com:631", "", "printer2.example.com"})
	require.Equal(t, []discovery.PollTarget{
		{Host: "print-server.example.com", Port: 631, Transport: model.TransportIPP},
		{Host: "printer2.example.com", Port: 0, Transport: model.TransportIPP},
	}, targets)
}

func TestBrowseProtocolEnabled(t *testing.T) {
	protocols := []string{"dnssd", "cups"}
	require.True(t, browseProtocolEnabled(protocols, "dnssd"))
	require.True(t, browseProtocolEnabled(protocols, "CUPS"))
	require.False(t, browseProtocolEnabled(protocols, "snmp"))
}

func TestQueueNameFromURI(t *testing.T) {
	require.Equal(t, "Office-Laser", queueNameFromURI("ipp://localhost:631/printers/Office-Laser"))
	require.Equal(t, "bare-name", queueNameFromURI("bare-name"))
}
