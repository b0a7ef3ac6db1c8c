package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/gosnmp/gosnmp"

	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/model"
)

// PollTarget is one explicitly configured host this daemon polls on a
// fixed interval instead of (or in addition to) DNS-SD.
type PollTarget struct {
	Host      string
	Port      int
	Transport model.Transport
	Resource  string
}

// Poller periodically fetches Get-Printer-Attributes from a fixed list
// of hosts, falling back to an SNMP sysDescr/sysName query when IPP
// itself is unreachable.
type Poller struct {
	Targets        []PollTarget
	Interval       time.Duration
	Timeout        time.Duration
	SNMPCommunity  string
	SNMPPort       int
	OnDiscover     func(model.DiscoveredPrinter)
}

// Run polls every target once per Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for _, target := range p.Targets {
		if ctx.Err() != nil {
			return
		}
		d, ok := p.pollOne(ctx, target)
		if ok && p.OnDiscover != nil {
			p.OnDiscover(d)
		}
	}
}

func (p *Poller) pollOne(ctx context.Context, target PollTarget) (model.DiscoveredPrinter, bool) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	useTLS := target.Transport == model.TransportIPPS
	client := ippclient.New(target.Host, portOrDefault(target.Port, useTLS), useTLS, "", "", timeout, 1, false)

	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, 1)
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	uri := target.Transport.String() + "://" + target.Host + ":" + itoa(portOrDefault(target.Port, useTLS)) + normalizeResource(target.Resource)
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(uri)))

	resource := target.Resource
	if resource == "" {
		resource = "/ipp/print"
	}
	reply, err := client.Send(ctx, resource, msg, nil)
	if err != nil || reply == nil {
		return p.snmpFallback(target)
	}

	d := model.DiscoveredPrinter{
		Origin:      model.OriginPoll,
		Host:        target.Host,
		Port:        portOrDefault(target.Port, useTLS),
		Resource:    resource,
		Transport:   target.Transport,
		ServiceName: target.Host,
	}
	for _, group := range reply.Printer {
		switch group.Name {
		case "printer-make-and-model":
			d.MakeModel = group.Values[0].V.String()
		case "printer-info":
			d.ServiceName = group.Values[0].V.String()
		case "printer-location":
			d.Location = group.Values[0].V.String()
		case "printer-uuid":
			d.UUID = strings.TrimPrefix(group.Values[0].V.String(), "urn:uuid:")
		case "document-format-supported":
			for _, v := range group.Values {
				d.Formats = append(d.Formats, v.V.String())
			}
		case "color-supported":
			d.Color = group.Values[0].V.(goipp.Boolean) == true
		}
	}
	return d, true
}

func (p *Poller) snmpFallback(target PollTarget) (model.DiscoveredPrinter, bool) {
	community := p.SNMPCommunity
	if community == "" {
		community = "public"
	}
	port := p.SNMPPort
	if port == 0 {
		port = 161
	}
	params := &gosnmp.GoSNMP{
		Target:    target.Host,
		Port:      uint16(port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   2 * time.Second,
		Retries:   1,
	}
	if err := params.Connect(); err != nil {
		return model.DiscoveredPrinter{}, false
	}
	defer params.Conn.Close()

	result, err := params.Get([]string{
		".1.3.6.1.2.1.1.5.0", // sysName
		".1.3.6.1.2.1.1.1.0", // sysDescr
		".1.3.6.1.2.1.1.6.0", // sysLocation
	})
	if err != nil {
		return model.DiscoveredPrinter{}, false
	}

	// SNMP-only replies carry no rich capability set, the same bare
	// sysName/sysDescr/sysLocation trio the legacy CUPS UDP broadcast
	// protocol advertised before DNS-SD existed, so this sighting is
	// tagged as legacy-broadcast origin rather than a full poll.
	d := model.DiscoveredPrinter{
		Origin:          model.OriginLegacyBroadcast,
		LegacyBroadcast: true,
		Host:            target.Host,
		Port:            portOrDefault(target.Port, target.Transport == model.TransportIPPS),
		Resource:        target.Resource,
		Transport:       target.Transport,
		ServiceName:     target.Host,
	}
	for _, v := range result.Variables {
		s, ok := v.Value.(string)
		if !ok {
			continue
		}
		switch v.Name {
		case ".1.3.6.1.2.1.1.5.0":
			if s != "" {
				d.ServiceName = s
			}
		case ".1.3.6.1.2.1.1.1.0":
			d.MakeModel = s
		case ".1.3.6.1.2.1.1.6.0":
			d.Location = s
		}
	}
	return d, true
}

func portOrDefault(port int, useTLS bool) int {
	if port != 0 {
		return port
	}
	if useTLS {
		return 443
	}
	return 631
}

func normalizeResource(resource string) string {
	if resource == "" {
		return "/ipp/print"
	}
	if resource[0] != '/' {
		return "/" + resource
	}
	return resource
}
