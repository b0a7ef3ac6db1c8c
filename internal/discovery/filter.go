package discovery

import (
	"regexp"
	"strconv"
	"strings"

	"cups-browsed-go/internal/model"
)

// LocalOrigin reports whether a discovered printer is actually the
// local scheduler advertising its own shared queues back onto the
// segment — a sighting this daemon must never reconcile into a remote
// entry.
type LocalOrigin interface {
	IsLocalAddr(ip string) bool
}

// IsSelfOrigin reports whether d originated from this host.
func IsSelfOrigin(tracker LocalOrigin, selfHostname string, d model.DiscoveredPrinter) bool {
	if tracker != nil && d.IP != "" && tracker.IsLocalAddr(d.IP) {
		return true
	}
	host := strings.TrimSuffix(strings.ToLower(d.Host), ".")
	self := strings.ToLower(selfHostname)
	if host == "localhost" || host == "localhost.localdomain" {
		return true
	}
	return self != "" && (host == self || strings.HasPrefix(host, self+"."))
}

// MatchFilters evaluates a discovered printer against the configured
// match rules. An empty rule set always matches.
func MatchFilters(rules []model.FilterRule, d model.DiscoveredPrinter) bool {
	if len(rules) == 0 {
		return true
	}
	decision := true
	for _, r := range rules {
		field := fieldValue(d, r.Field)
		if fieldMatches(r, field) {
			decision = r.Sense == model.SenseAllow
		}
	}
	return decision
}

func fieldValue(d model.DiscoveredPrinter, field string) string {
	switch strings.ToLower(field) {
	case "servicename", "name":
		return d.ServiceName
	case "makemodel", "make-and-model":
		return d.MakeModel
	case "host":
		return d.Host
	case "ip":
		return d.IP
	case "location":
		return d.Location
	case "uuid":
		return d.UUID
	case "iscupsqueue":
		return strconv.FormatBool(d.IsCupsQueue)
	default:
		return d.Attrs[strings.ToLower(field)]
	}
}

func fieldMatches(r model.FilterRule, value string) bool {
	switch r.Kind {
	case model.FilterBoolean:
		want, err := strconv.ParseBool(r.Value)
		if err != nil {
			return false
		}
		got, err := strconv.ParseBool(value)
		if err != nil {
			return false
		}
		return want == got
	case model.FilterExact:
		return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(r.Value))
	default: // FilterRegex
		re, err := regexp.Compile(r.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
}

// SightingClass is Classify's verdict on a freshly discovered instance,
// compared against the existing ones for the same logical printer:
// whether it upgrades, downgrades, or ties the preferred instance.
// Classify only reports the verdict; it does not touch any cached
// capabilities.
type SightingClass int

const (
	ClassTie SightingClass = iota
	ClassUpgrade
	ClassDowngrade
)

// Classify ranks a new instance against the current preferred one.
func Classify(existing []model.DiscoveryInstance, next model.DiscoveryInstance) SightingClass {
	if len(existing) == 0 {
		return ClassUpgrade
	}
	merged := append(append([]model.DiscoveryInstance(nil), existing...), next)
	sorted := model.SortInstances(merged)
	if sameInstance(sorted[0], next) && !sameInstance(existing[0], next) {
		return ClassUpgrade
	}
	if sameInstance(existing[0], sorted[0]) {
		return ClassTie
	}
	return ClassDowngrade
}

func sameInstance(a, b model.DiscoveryInstance) bool {
	return a.InterfaceName == b.InterfaceName && a.Transport == b.Transport && a.Family == b.Family && a.Host == b.Host
}
