package main

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"cups-browsed-go/internal/access"
	"cups-browsed-go/internal/cluster"
	"cups-browsed-go/internal/config"
	"cups-browsed-go/internal/discovery"
	"cups-browsed-go/internal/logging"
	"cups-browsed-go/internal/metrics"
	"cups-browsed-go/internal/model"
	"cups-browsed-go/internal/netstate"
	"cups-browsed-go/internal/registry"
)

// intake is the shared glue between the discovery components (Browser,
// Poller, and the incomplete-sighting Resolver) and the registry: it
// applies the access/filter/self-origin checks, resolves the local
// queue name, and upserts the result.
//
// Disappearance is detected by a separate batched sweep
// (registry.Registry.MarkMissing), not from here: DNS-SD only
// announces a removal via an explicit TTL-0 "goodbye" record, which
// this daemon may never see for a host that simply goes dark.
type intake struct {
	reg          *registry.Registry
	clusters     *cluster.Resolver
	access       access.Policy
	tracker      *netstate.Tracker
	selfHostname string
	cfg          config.Config
	metrics      *metrics.Collector

	mu            sync.Mutex
	lastSeen      map[string]time.Time
	serviceQueue  map[string]string // DNS-SD/poll service name -> assigned queue name
}

func newIntake(reg *registry.Registry, clusters *cluster.Resolver, pol access.Policy, tracker *netstate.Tracker, selfHostname string, cfg config.Config, mc *metrics.Collector) *intake {
	return &intake{
		reg:          reg,
		clusters:     clusters,
		access:       pol,
		tracker:      tracker,
		selfHostname: selfHostname,
		cfg:          cfg,
		metrics:      mc,
		lastSeen:     make(map[string]time.Time),
		serviceQueue: make(map[string]string),
	}
}

func (in *intake) onDiscovered(d model.DiscoveredPrinter) {
	log := logging.Component("intake")

	if discovery.IsSelfOrigin(in.tracker, in.selfHostname, d) {
		return
	}
	if !discovery.MatchFilters(in.cfg.FilterRules, d) {
		return
	}
	if d.IP != "" {
		if peer := net.ParseIP(d.IP); !in.access.Allowed(peer) {
			return
		}
	}

	namingPolicy := in.cfg.LocalQueueNamingIPPPrinter
	if d.IsCupsQueue {
		namingPolicy = in.cfg.LocalQueueNamingRemoteCUPS
	}

	existing := map[string]string{}
	for _, e := range in.reg.All() {
		existing[e.QueueName] = e.DeviceURI()
	}
	queueName := in.clusters.QueueNameFor(d, namingPolicy, existing)

	inst := model.DiscoveryInstance{
		InterfaceName: d.InterfaceName,
		Transport:     d.Transport,
		Family:        d.Family,
		Host:          d.Host,
		IP:            d.IP,
		Port:          d.Port,
		Resource:      d.Resource,
		Origin:        d.Origin,
		DiscoveredAt:  now(),
	}

	if in.clusters.IsClusterName(queueName) {
		in.reg.UpsertCluster(d.DeviceURI(), queueName, inst)
	} else {
		in.reg.Upsert(inst, queueName, false)
	}

	in.mu.Lock()
	in.lastSeen[queueName] = now()
	if d.ServiceName != "" {
		in.serviceQueue[d.ServiceName] = queueName
	}
	in.mu.Unlock()

	if in.metrics != nil {
		in.metrics.DiscoverySeen.WithLabelValues(originLabel(d.Origin)).Inc()
	}
	log.Debug().Str("queue", queueName).Str("host", d.Host).Msg("discovered")
}

func (in *intake) onRemoved(serviceName string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if queueName, ok := in.serviceQueue[serviceName]; ok {
		delete(in.lastSeen, queueName)
		delete(in.serviceQueue, serviceName)
	}
}

// runSweep periodically rebuilds the set of queue names seen within
// BrowseTimeout and hands it to the registry's batched MarkMissing,
// the actual disappearance-detection mechanism.
func (in *intake) runSweep(ctx context.Context) {
	interval := in.cfg.BrowseInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := in.cfg.BrowseTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := now().Add(-timeout)
			seen := map[string]bool{}
			in.mu.Lock()
			for name, last := range in.lastSeen {
				if last.After(cutoff) {
					seen[name] = true
				}
			}
			in.mu.Unlock()
			in.reg.MarkMissing(seen)
		}
	}
}

func originLabel(o model.Origin) string {
	switch o {
	case model.OriginDNSSD:
		return "dnssd"
	case model.OriginPoll:
		return "poll"
	default:
		return "legacy"
	}
}

// now is a seam so this file doesn't call time.Now() directly in more
// than one place.
var now = time.Now

func parseDefaultOptions(value string) map[string]string {
	out := map[string]string{}
	for _, field := range strings.Fields(value) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			out[field] = "true"
			continue
		}
		out[k] = v
	}
	return out
}

func parsePollTargets(entries []string) []discovery.PollTarget {
	var out []discovery.PollTarget
	for _, e := range entries {
		host, portStr, ok := strings.Cut(e, ":")
		port := 0
		if ok {
			if n, err := strconv.Atoi(portStr); err == nil {
				port = n
			}
		}
		if host == "" {
			continue
		}
		out = append(out, discovery.PollTarget{Host: host, Port: port, Transport: model.TransportIPP})
	}
	return out
}

func browseProtocolEnabled(protocols []string, name string) bool {
	for _, p := range protocols {
		if strings.EqualFold(strings.TrimSpace(p), name) {
			return true
		}
	}
	return false
}

func queueNameFromURI(uri string) string {
	idx := strings.LastIndexByte(uri, '/')
	if idx < 0 {
		return uri
	}
	return uri[idx+1:]
}
