// Package discovery is the intake boundary: it turns DNS-SD sightings,
// legacy CUPS broadcast polling, and SNMP fallback probes into
// model.DiscoveredPrinter records, and filters them before they reach
// the registry. It never decides local queue naming (internal/cluster)
// or registry state (internal/registry).
package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"

	"cups-browsed-go/internal/model"
)

const (
	mdnsGroupAddr = "224.0.0.251:5353"
	// ippServiceType and ippsServiceType are the two DNS-SD service
	// types this daemon subscribes to — the same ones any IPP print
	// server advertises itself under.
	ippServiceType  = "_ipp._tcp.local."
	ippsServiceType = "_ipps._tcp.local."
)

// Browser continuously listens for mDNS PTR/SRV/TXT/A announcements on
// the local segment and reports add/remove events, rather than polling
// with one-shot queries.
type Browser struct {
	InterfaceName string
	OnAdd         func(model.DiscoveredPrinter)
	OnRemove      func(serviceName string)

	// OnIncomplete, when set, is called with a service instance's name
	// and DNS-SD service type ("_ipp._tcp" / "_ipps._tcp") when its
	// SRV/TXT records did not arrive in the same packet, so a caller
	// can fall back to a one-shot Resolver.Resolve lookup rather than
	// silently dropping the sighting.
	OnIncomplete func(serviceName, serviceType string)

	conn *ipv4.PacketConn
}

// Run joins the mDNS multicast group, sends an initial query for both
// service types, and processes responses until ctx is cancelled.
func (b *Browser) Run(ctx context.Context) error {
	group := net.ParseIP("224.0.0.251")
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 5353})
	if err != nil {
		return err
	}
	defer udpConn.Close()

	pconn := ipv4.NewPacketConn(udpConn)
	if iface, err := net.InterfaceByName(b.InterfaceName); err == nil {
		_ = pconn.JoinGroup(iface, &net.UDPAddr{IP: group})
	} else {
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			_ = pconn.JoinGroup(&ifaces[i], &net.UDPAddr{IP: group})
		}
	}
	b.conn = pconn

	if err := b.query(); err != nil {
		return err
	}

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = pconn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, _, err := pconn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		b.handlePacket(buf[:n])
	}
}

func (b *Browser) query() error {
	for _, svc := range []string{ippServiceType, ippsServiceType} {
		msg := new(dns.Msg)
		msg.SetQuestion(svc, dns.TypePTR)
		msg.RecursionDesired = false
		packed, err := msg.Pack()
		if err != nil {
			return err
		}
		addr, err := net.ResolveUDPAddr("udp4", mdnsGroupAddr)
		if err != nil {
			return err
		}
		if _, err := b.conn.WriteTo(packed, nil, addr); err != nil {
			return err
		}
	}
	return nil
}

func (b *Browser) handlePacket(data []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return
	}

	all := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
	for _, rr := range msg.Answer {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		if !strings.HasSuffix(ptr.Hdr.Name, "_ipp._tcp.local.") && !strings.HasSuffix(ptr.Hdr.Name, "_ipps._tcp.local.") {
			continue
		}
		if ptr.Hdr.Ttl == 0 {
			if b.OnRemove != nil {
				b.OnRemove(serviceInstanceName(ptr.Ptr))
			}
			continue
		}
		secure := strings.HasSuffix(ptr.Hdr.Name, "_ipps._tcp.local.")
		if d, ok := buildFromRecords(ptr.Ptr, secure, all); ok {
			d.InterfaceName = b.InterfaceName
			if b.OnAdd != nil {
				b.OnAdd(d)
			}
		} else if b.OnIncomplete != nil {
			svcType := "_ipp._tcp"
			if secure {
				svcType = "_ipps._tcp"
			}
			b.OnIncomplete(serviceInstanceName(ptr.Ptr), svcType)
		}
	}
}

func serviceInstanceName(fqdn string) string {
	parts := strings.SplitN(fqdn, ".", 2)
	return unescapeLabel(parts[0])
}

func unescapeLabel(s string) string {
	return strings.ReplaceAll(s, "\\.", ".")
}

// buildFromRecords assembles a DiscoveredPrinter from the SRV, TXT, and
// A/AAAA records accompanying a PTR answer, matching the standard IPP
// DNS-SD TXT key conventions (ty/rp/note/pdl/UUID/printer-type).
func buildFromRecords(instanceFQDN string, secure bool, rrs []dns.RR) (model.DiscoveredPrinter, bool) {
	var (
		target string
		port   int
		txt    = map[string]string{}
		ipv4s  []string
		ipv6s  []string
	)
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.SRV:
			if v.Hdr.Name == instanceFQDN {
				target = v.Target
				port = int(v.Port)
			}
		case *dns.TXT:
			if v.Hdr.Name == instanceFQDN {
				for _, kv := range v.Txt {
					k, val, ok := strings.Cut(kv, "=")
					if ok {
						txt[strings.ToLower(k)] = val
					}
				}
			}
		case *dns.A:
			if target == "" || v.Hdr.Name == target {
				ipv4s = append(ipv4s, v.A.String())
			}
		case *dns.AAAA:
			if target == "" || v.Hdr.Name == target {
				ipv6s = append(ipv6s, v.AAAA.String())
			}
		}
	}
	if target == "" || port == 0 {
		return model.DiscoveredPrinter{}, false
	}
	ip := ""
	family := model.FamilyIPv4
	if len(ipv4s) > 0 {
		ip = ipv4s[0]
	} else if len(ipv6s) > 0 {
		ip = ipv6s[0]
		family = model.FamilyIPv6
	}

	transport := model.TransportIPP
	if secure {
		transport = model.TransportIPPS
	}

	resource := txt["rp"]
	d := model.DiscoveredPrinter{
		Origin:      model.OriginDNSSD,
		Host:        strings.TrimSuffix(target, "."),
		IP:          ip,
		Port:        port,
		Resource:    resource,
		Transport:   transport,
		ServiceName: serviceInstanceName(instanceFQDN),
		ServiceType: serviceTypeLabel(secure),
		Family:      family,
		MakeModel:   makeModelFromTXT(txt),
		UUID:        txt["uuid"],
		Location:    txt["note"],
		Attrs:       txt,
	}
	if pdl := txt["pdl"]; pdl != "" {
		d.Formats = strings.Split(pdl, ",")
	}
	d.IsCupsQueue = isCupsQueueFromTXT(txt, resource)
	d.Color = txtBool(txt["color"])
	d.Duplex = txtBool(txt["duplex"])
	return d, true
}

// makeModelFromTXT derives the make/model hint per spec.md §4.3's
// preferred order: "ty" first, then "product" (stripped of its wrapping
// parentheses), then "usb_MFG"+"usb_MDL" joined.
func makeModelFromTXT(txt map[string]string) string {
	if ty := strings.TrimSpace(txt["ty"]); ty != "" {
		return ty
	}
	if product := strings.TrimSpace(txt["product"]); product != "" {
		return strings.TrimSuffix(strings.TrimPrefix(product, "("), ")")
	}
	mfg := strings.TrimSpace(txt["usb_mfg"])
	mdl := strings.TrimSpace(txt["usb_mdl"])
	switch {
	case mfg != "" && mdl != "":
		return mfg + " " + mdl
	case mfg != "":
		return mfg
	case mdl != "":
		return mdl
	}
	return ""
}

// isCupsQueueFromTXT classifies a sighting as a remote-scheduler queue
// (cupsQueue) versus a raw network printer: a "printer-type" TXT key
// means the remote side is itself a print scheduler queue; otherwise the
// resource path's "printers/"/"classes/" prefix decides, per spec.md
// §4.3.
func isCupsQueueFromTXT(txt map[string]string, resource string) bool {
	if _, ok := txt["printer-type"]; ok {
		return true
	}
	resource = strings.TrimPrefix(strings.ToLower(resource), "/")
	return strings.HasPrefix(resource, "printers/") || strings.HasPrefix(resource, "classes/")
}

// txtBool parses a DNS-SD TXT boolean value, accepting the "T"/"F"
// convention IPP printers advertise Color/Duplex with alongside the more
// ordinary boolean spellings.
func txtBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "t", "true", "1", "yes":
		return true
	default:
		return false
	}
}

func serviceTypeLabel(secure bool) string {
	if secure {
		return ippsServiceType
	}
	return ippServiceType
}
