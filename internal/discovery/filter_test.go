package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cups-browsed-go/internal/model"
)

type fakeLocal struct{ local map[string]bool }

func (f fakeLocal) IsLocalAddr(ip string) bool { return f.local[ip] }

func TestIsSelfOriginRecognizesLoopbackAndSelfHostname(t *testing.T) {
	tracker := fakeLocal{local: map[string]bool{"192.168.1.10": true}}

	require.True(t, IsSelfOrigin(tracker, "myhost", model.DiscoveredPrinter{IP: "192.168.1.10"}))
	require.True(t, IsSelfOrigin(tracker, "myhost", model.DiscoveredPrinter{Host: "localhost"}))
	require.True(t, IsSelfOrigin(tracker, "myhost", model.DiscoveredPrinter{Host: "myhost.local"}))
	require.False(t, IsSelfOrigin(tracker, "myhost", model.DiscoveredPrinter{IP: "192.168.1.20", Host: "otherhost"}))
}

func TestMatchFiltersEmptyRulesAlwaysMatch(t *testing.T) {
	require.True(t, MatchFilters(nil, model.DiscoveredPrinter{}))
}

func TestMatchFiltersDenyThenAllowLastMatchWins(t *testing.T) {
	rules := []model.FilterRule{
		{Sense: model.SenseDeny, Field: "makemodel", Kind: model.FilterRegex, Value: ".*"},
		{Sense: model.SenseAllow, Field: "makemodel", Kind: model.FilterExact, Value: "HP LaserJet 4000"},
	}
	require.True(t, MatchFilters(rules, model.DiscoveredPrinter{MakeModel: "HP LaserJet 4000"}))
	require.False(t, MatchFilters(rules, model.DiscoveredPrinter{MakeModel: "Canon MX920"}))
}

func TestMatchFiltersBooleanField(t *testing.T) {
	rules := []model.FilterRule{
		{Sense: model.SenseDeny, Field: "iscupsqueue", Kind: model.FilterBoolean, Value: "true"},
	}
	require.False(t, MatchFilters(rules, model.DiscoveredPrinter{IsCupsQueue: true}))
	require.True(t, MatchFilters(rules, model.DiscoveredPrinter{IsCupsQueue: false}))
}

func TestClassifyUpgradeWhenNoExistingInstances(t *testing.T) {
	next := model.DiscoveryInstance{Host: "a.local", Transport: model.TransportIPPS}
	require.Equal(t, ClassUpgrade, Classify(nil, next))
}

func TestClassifyUpgradeWhenSecureReplacesPlain(t *testing.T) {
	existing := []model.DiscoveryInstance{{Host: "a.local", Transport: model.TransportIPP}}
	next := model.DiscoveryInstance{Host: "a.local", InterfaceName: "eth1", Transport: model.TransportIPPS}
	require.Equal(t, ClassUpgrade, Classify(existing, next))
}

func TestClassifyTieWhenSameInstanceReported(t *testing.T) {
	existing := []model.DiscoveryInstance{{Host: "a.local", Transport: model.TransportIPPS}}
	next := model.DiscoveryInstance{Host: "a.local", Transport: model.TransportIPPS}
	require.Equal(t, ClassTie, Classify(existing, next))
}
