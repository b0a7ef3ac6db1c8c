package netstate

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	ifaces map[string][]net.Addr
}

func (f fakeLister) Interfaces() ([]net.Interface, error) {
	out := make([]net.Interface, 0, len(f.ifaces))
	idx := 1
	names := make([]string, 0, len(f.ifaces))
	for name := range f.ifaces {
		names = append(names, name)
	}
	for _, name := range names {
		flags := net.FlagUp
		if name == "lo" {
			flags |= net.FlagLoopback
		}
		out = append(out, net.Interface{Name: name, Index: idx, Flags: flags})
		idx++
	}
	return out, nil
}

func (f fakeLister) Addrs(iface net.Interface) ([]net.Addr, error) {
	return f.ifaces[iface.Name], nil
}

func mustCIDR(s string) net.Addr {
	ip, ipnet, _ := net.ParseCIDR(s)
	ipnet.IP = ip
	return ipnet
}

func TestRefreshPopulatesInterfaces(t *testing.T) {
	tr := NewWithLister(fakeLister{ifaces: map[string][]net.Addr{
		"lo":   {mustCIDR("127.0.0.1/8")},
		"eth0": {mustCIDR("192.168.1.20/24")},
	}})
	require.NoError(t, tr.Refresh())

	ifaces := tr.Interfaces()
	require.Len(t, ifaces, 2)

	eth0, ok := tr.InterfaceFor("192.168.1.20")
	require.True(t, ok)
	require.Equal(t, "eth0", eth0.Name)
}

func TestIsLocalAddrRecognizesLoopbackAndInterfaceIP(t *testing.T) {
	tr := NewWithLister(fakeLister{ifaces: map[string][]net.Addr{
		"eth0": {mustCIDR("10.0.0.5/24")},
	}})
	require.NoError(t, tr.Refresh())

	require.True(t, tr.IsLocalAddr("127.0.0.1"))
	require.True(t, tr.IsLocalAddr("10.0.0.5"))
	require.False(t, tr.IsLocalAddr("10.0.0.99"))
}

func TestIsLocalHostname(t *testing.T) {
	require.True(t, IsLocalHostname("localhost", "printhost"))
	require.True(t, IsLocalHostname("printhost", "printhost"))
	require.True(t, IsLocalHostname("printhost.local", "printhost"))
	require.False(t, IsLocalHostname("otherhost", "printhost"))
}
