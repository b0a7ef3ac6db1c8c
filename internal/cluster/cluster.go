// Package cluster resolves a discovered printer to a local queue name:
// sanitizing the candidate name, picking between manual cluster
// definitions and auto-clustering, and falling back to a
// name@host-qualified name on collision, per spec.md §4.5.
package cluster

import (
	"regexp"
	"strings"

	"cups-browsed-go/internal/model"
)

var invalidQueueNameChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// NameSource identifies which field a candidate queue name was derived
// from, since spec.md §4.5 picks the collapse separator by source:
// DNS-SD-sourced names collapse to "_", make/model-sourced names to "-".
type NameSource int

const (
	SourceDNSSD NameSource = iota
	SourceMakeModel
)

func (s NameSource) separator() string {
	if s == SourceMakeModel {
		return "-"
	}
	return "_"
}

// SanitizeQueueName rewrites a candidate name into one the local
// scheduler accepts as a printer/class name: only letters and digits are
// kept, with runs of any other character collapsed to a single separator
// (chosen by source) and trimmed from the ends.
func SanitizeQueueName(candidate string, source NameSource) string {
	candidate = strings.TrimSpace(candidate)
	sep := source.separator()
	sanitized := invalidQueueNameChars.ReplaceAllString(candidate, sep)
	sanitized = strings.Trim(sanitized, sep)
	if sanitized == "" {
		return "printer"
	}
	return sanitized
}

// BaseName computes the un-qualified candidate queue name for a
// discovered printer: the sanitized make/model when naming policy says
// "makemodel", otherwise (including "remote") the DNS-SD service name.
// When the chosen field is empty it falls back to the service name, then
// the make/model, then the host. The remote queue name is not used.
func BaseName(d model.DiscoveredPrinter, namingPolicy string) string {
	switch strings.ToLower(namingPolicy) {
	case "makemodel":
		if d.MakeModel != "" {
			return SanitizeQueueName(d.MakeModel, SourceMakeModel)
		}
	case "remote":
		if d.ServiceName != "" {
			return SanitizeQueueName(d.ServiceName, SourceDNSSD)
		}
	}
	if d.ServiceName != "" {
		return SanitizeQueueName(d.ServiceName, SourceDNSSD)
	}
	if d.MakeModel != "" {
		return SanitizeQueueName(d.MakeModel, SourceMakeModel)
	}
	return SanitizeQueueName(d.Host, SourceDNSSD)
}

// Resolver assigns discovered printers to local queue names, applying
// manual cluster matchers before falling back to one queue per printer
// (or auto-clustering by base name, when enabled).
type Resolver struct {
	Clusters       []model.Cluster
	AutoClustering bool
}

// New builds a Resolver from configuration.
func New(clusters []model.Cluster, autoClustering bool) *Resolver {
	return &Resolver{Clusters: clusters, AutoClustering: autoClustering}
}

// QueueNameFor returns the local queue name this discovered printer maps
// to, given the set of queue names already assigned to OTHER distinct
// device URIs (for collision detection), per spec.md §4.5's "distinct
// service, same computed name" case.
func (r *Resolver) QueueNameFor(d model.DiscoveredPrinter, namingPolicy string, existing map[string]string) string {
	base := BaseName(d, namingPolicy)

	if clusterName, ok := r.matchManualCluster(d, base); ok {
		return clusterName
	}

	if r.AutoClustering {
		if owner, taken := existing[base]; taken && owner != d.DeviceURI() {
			// Auto-clustering intentionally lets same-base-name printers
			// share a queue; nothing to rename here.
			return base
		}
		return base
	}

	owner, taken := existing[base]
	if !taken || owner == d.DeviceURI() {
		return base
	}
	return FallbackName(base, d.Host)
}

// FallbackName computes the name@host-qualified fallback used when two
// distinct printers sanitize to the same base name and auto-clustering is
// off, per spec.md §4.5.
func FallbackName(base, host string) string {
	return SanitizeQueueName(base, SourceDNSSD) + "@" + SanitizeQueueName(host, SourceDNSSD)
}

// IsClusterName reports whether name is one of the manually-configured
// cluster queue names, so a caller deciding between Registry.Upsert and
// Registry.UpsertCluster knows which path applies.
func (r *Resolver) IsClusterName(name string) bool {
	for _, c := range r.Clusters {
		if c.LocalQueueName == name {
			return true
		}
	}
	return false
}

func (r *Resolver) matchManualCluster(d model.DiscoveredPrinter, base string) (string, bool) {
	for _, c := range r.Clusters {
		for _, matcher := range c.Matchers {
			if matches(matcher, d, base) {
				return c.LocalQueueName, true
			}
		}
	}
	return "", false
}

func matches(matcher string, d model.DiscoveredPrinter, base string) bool {
	matcher = strings.TrimSpace(matcher)
	if matcher == "" {
		return false
	}
	if strings.EqualFold(matcher, base) {
		return true
	}
	if strings.EqualFold(matcher, d.ServiceName) {
		return true
	}
	if strings.EqualFold(matcher, d.MakeModel) {
		return true
	}
	if re, err := regexp.Compile(matcher); err == nil {
		if re.MatchString(d.ServiceName) || re.MatchString(d.MakeModel) || re.MatchString(base) {
			return true
		}
	}
	return false
}
