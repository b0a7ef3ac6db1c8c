package access

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"cups-browsed-go/internal/model"
)

func TestPolicyAllowDenyLastMatchWins(t *testing.T) {
	p := Policy{
		Order: OrderAllowDeny,
		Rules: []model.AccessRule{
			{Sense: model.SenseAllow, Kind: model.KindNetwork, Value: "192.168.1.0/24"},
			{Sense: model.SenseDeny, Kind: model.KindIP, Value: "192.168.1.50"},
		},
	}
	require.True(t, p.Allowed(net.ParseIP("192.168.1.10")))
	require.False(t, p.Allowed(net.ParseIP("192.168.1.50")))
	require.False(t, p.Allowed(net.ParseIP("10.0.0.1")))
}

func TestPolicyDenyAllowDefaultsToAllow(t *testing.T) {
	p := Policy{
		Order: OrderDenyAllow,
		Rules: []model.AccessRule{
			{Sense: model.SenseDeny, Kind: model.KindNetwork, Value: "10.0.0.0/8"},
		},
	}
	require.True(t, p.Allowed(net.ParseIP("192.168.1.10")))
	require.False(t, p.Allowed(net.ParseIP("10.1.2.3")))
}

func TestPolicyAllowAllDenyAll(t *testing.T) {
	require.True(t, (Policy{AllowAll: true}).Allowed(net.ParseIP("1.2.3.4")))
	require.False(t, (Policy{DenyAll: true}).Allowed(net.ParseIP("1.2.3.4")))
}

func TestPolicyNilPeerDenied(t *testing.T) {
	require.False(t, (Policy{Order: OrderDenyAllow}).Allowed(nil))
}
