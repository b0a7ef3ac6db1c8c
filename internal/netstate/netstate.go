// Package netstate tracks the host's network interfaces so discovery can
// tag each sighting with the interface it arrived on and distinguish
// local-origin loopback traffic from LAN traffic.
package netstate

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Interface is one tracked network interface snapshot.
type Interface struct {
	Name      string
	Index     int
	Up        bool
	Loopback  bool
	IPv4Addrs []string
	IPv6Addrs []string
}

// Lister abstracts net.Interfaces/net.Interface.Addrs so tests can fake
// interface enumeration without touching the real network stack.
type Lister interface {
	Interfaces() ([]net.Interface, error)
	Addrs(iface net.Interface) ([]net.Addr, error)
}

type systemLister struct{}

func (systemLister) Interfaces() ([]net.Interface, error) { return net.Interfaces() }
func (systemLister) Addrs(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() }

// Tracker holds the last-refreshed interface snapshot behind a lock.
type Tracker struct {
	mu       sync.RWMutex
	ifaces   map[string]Interface
	lister   Lister
	lastScan time.Time
}

// New builds a Tracker using the real OS interface list.
func New() *Tracker {
	return &Tracker{ifaces: map[string]Interface{}, lister: systemLister{}}
}

// NewWithLister builds a Tracker against a fake Lister, for tests.
func NewWithLister(l Lister) *Tracker {
	return &Tracker{ifaces: map[string]Interface{}, lister: l}
}

// Refresh re-enumerates interfaces; on an enumeration error it returns
// the error and keeps the previous snapshot. It is not debounced or
// scheduled here: the daemon calls it once at startup.
func (t *Tracker) Refresh() error {
	list, err := t.lister.Interfaces()
	if err != nil {
		return err
	}
	next := make(map[string]Interface, len(list))
	for _, raw := range list {
		iface := Interface{
			Name:     raw.Name,
			Index:    raw.Index,
			Up:       raw.Flags&net.FlagUp != 0,
			Loopback: raw.Flags&net.FlagLoopback != 0,
		}
		addrs, err := t.lister.Addrs(raw)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip := addrIP(a)
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				iface.IPv4Addrs = append(iface.IPv4Addrs, ip.String())
			} else {
				iface.IPv6Addrs = append(iface.IPv6Addrs, ip.String())
			}
		}
		next[raw.Name] = iface
	}

	t.mu.Lock()
	t.ifaces = next
	t.lastScan = now()
	t.mu.Unlock()
	return nil
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}

// now is a seam so tests can avoid relying on wall-clock ordering.
var now = time.Now

// Interfaces returns a stable-ordered snapshot of tracked interfaces.
func (t *Tracker) Interfaces() []Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Interface, 0, len(t.ifaces))
	for _, v := range t.ifaces {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InterfaceFor returns the tracked interface owning ip, if any.
func (t *Tracker) InterfaceFor(ip string) (Interface, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, iface := range t.ifaces {
		for _, a := range iface.IPv4Addrs {
			if a == ip {
				return iface, true
			}
		}
		for _, a := range iface.IPv6Addrs {
			if a == ip {
				return iface, true
			}
		}
	}
	return Interface{}, false
}

// IsLocalAddr reports whether ip belongs to one of this host's tracked
// interfaces (including loopback), used to recognize that a discovered
// service is actually the local scheduler advertising itself rather than
// a remote peer.
func (t *Tracker) IsLocalAddr(ip string) bool {
	if ip == "127.0.0.1" || ip == "::1" {
		return true
	}
	_, ok := t.InterfaceFor(ip)
	return ok
}

// IsLocalHostname reports whether host names this machine: "localhost",
// or a name matching one of the tracked interfaces' reverse-lookup-free
// heuristics (exact hostname match only — no DNS round trip here).
func IsLocalHostname(host, selfHostname string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if host == "localhost" || host == "localhost.localdomain" {
		return true
	}
	self := strings.ToLower(strings.TrimSpace(selfHostname))
	if self == "" {
		return false
	}
	return host == self || strings.HasPrefix(host, self+".")
}
