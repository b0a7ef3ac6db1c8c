package discovery

import (
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"golang.org/x/sync/singleflight"

	"cups-browsed-go/internal/model"
)

// Resolver fills in any record the continuous Browser missed (a PTR seen
// without its SRV/TXT arriving in the same packet, e.g. across a
// congested segment) with a one-shot mdns.Lookup, deduplicating
// concurrent resolutions of the same service instance so a burst of
// duplicate PTR sightings from several interfaces only triggers one
// query in flight.
type Resolver struct {
	group   singleflight.Group
	Timeout time.Duration
}

// NewResolver builds a Resolver with the given per-lookup timeout.
func NewResolver(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{Timeout: timeout}
}

// Resolve performs a one-shot mDNS lookup for serviceName under the
// given service type ("_ipp._tcp" or "_ipps._tcp"), returning the
// completed record.
func (r *Resolver) Resolve(serviceName, service string) (model.DiscoveredPrinter, error) {
	key := service + "|" + serviceName
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.lookup(serviceName, service)
	})
	if err != nil {
		return model.DiscoveredPrinter{}, err
	}
	return v.(model.DiscoveredPrinter), nil
}

func (r *Resolver) lookup(serviceName, service string) (model.DiscoveredPrinter, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 32)
	go func() {
		_ = mdns.Query(&mdns.QueryParam{
			Service: service,
			Domain:  "local",
			Timeout: r.Timeout,
			Entries: entriesCh,
		})
		close(entriesCh)
	}()

	var match *mdns.ServiceEntry
	for e := range entriesCh {
		if e == nil {
			continue
		}
		if strings.HasPrefix(e.Name, serviceName+".") || strings.EqualFold(e.Name, serviceName) {
			match = e
		}
	}
	if match == nil {
		return model.DiscoveredPrinter{}, errNoMatch(serviceName)
	}
	return fromServiceEntry(match, service), nil
}

func fromServiceEntry(e *mdns.ServiceEntry, service string) model.DiscoveredPrinter {
	txt := map[string]string{}
	for _, field := range e.InfoFields {
		k, v, ok := strings.Cut(field, "=")
		if ok {
			txt[strings.ToLower(k)] = v
		}
	}
	transport := model.TransportIPP
	secure := strings.Contains(service, "ipps")
	if secure {
		transport = model.TransportIPPS
	}
	ip := ""
	if e.AddrV4 != nil {
		ip = e.AddrV4.String()
	} else if e.AddrV6 != nil {
		ip = e.AddrV6.String()
	}
	return model.DiscoveredPrinter{
		Origin:      model.OriginDNSSD,
		Host:        strings.TrimSuffix(e.Host, "."),
		IP:          ip,
		Port:        e.Port,
		Resource:    txt["rp"],
		Transport:   transport,
		ServiceName: e.Name,
		ServiceType: service,
		MakeModel:   txt["ty"],
		UUID:        txt["uuid"],
		Location:    txt["note"],
		Attrs:       txt,
	}
}

type errNoMatch string

func (e errNoMatch) Error() string { return "discovery: no mdns match for " + string(e) }
