package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cups-browsed-go/internal/access"
	"cups-browsed-go/internal/model"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cups-browsed.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().BrowseInterval, cfg.BrowseInterval)
	require.Equal(t, []string{"dnssd"}, cfg.BrowseProtocols)
}

func TestLoadParsesTopLevelDirectives(t *testing.T) {
	cfg, err := Load(writeConf(t, strings.Join([]string{
		`BrowseProtocols dnssd cups`,
		`BrowsePoll print-server.example.com:631`,
		`BrowseInterval 10`,
		`BrowseTimeout 1m`,
		`BrowseOrder allow,deny`,
		`BrowseAllow from 192.168.1.0/24`,
		`BrowseDeny from 192.168.1.50`,
		`BrowseFilter deny location regex ^Secure`,
		`UpdateCupsQueuesMaxPerCall 5`,
		`PauseBetweenCupsQueueUpdates 500ms`,
		`AutoShutdown no-jobs`,
		`AutoShutdownTimeout 1m`,
	}, "\n")))
	require.NoError(t, err)

	require.Equal(t, []string{"dnssd", "cups"}, cfg.BrowseProtocols)
	require.Equal(t, []string{"print-server.example.com:631"}, cfg.BrowsePoll)
	require.Equal(t, 10*time.Second, cfg.BrowseInterval)
	require.Equal(t, time.Minute, cfg.BrowseTimeout)
	require.Equal(t, access.OrderAllowDeny, cfg.BrowseOrder)
	require.Len(t, cfg.BrowseAccess, 2)
	require.Len(t, cfg.FilterRules, 1)
	require.Equal(t, model.FilterRegex, cfg.FilterRules[0].Kind)
	require.Equal(t, 5, cfg.MaxUpdatesPerCall)
	require.Equal(t, 500*time.Millisecond, cfg.PauseBetweenUpdates)
	require.Equal(t, model.ShutdownNoJobs, cfg.AutoShutdownMode)
	require.Equal(t, time.Minute, cfg.AutoShutdownTimeout)
}

func TestLoadParsesClusterBlocks(t *testing.T) {
	path := writeConf(t, strings.Join([]string{
		`<Cluster office-laser>`,
		`  Matcher Floor3-HP`,
		`  Matcher Floor3-HP-Spare`,
		`</Cluster>`,
		"",
	}, "\n"))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Clusters, 1)
	require.Equal(t, "office-laser", cfg.Clusters[0].LocalQueueName)
	require.Equal(t, []string{"Floor3-HP", "Floor3-HP-Spare"}, cfg.Clusters[0].Matchers)
}

func TestLoadIgnoresMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)
	require.Equal(t, Default().BrowseInterval, cfg.BrowseInterval)
}

func TestApplyOverrideAppliesSingleDirective(t *testing.T) {
	cfg := Default()
	ApplyOverride(&cfg, "BrowseInterval=5")
	require.Equal(t, 5*time.Second, cfg.BrowseInterval)
}

func TestParseTimeSecondsSuffixes(t *testing.T) {
	cases := map[string]int{
		"30":  30,
		"30s": 30,
		"2m":  120,
		"1h":  3600,
		"1d":  86400,
	}
	for in, want := range cases {
		n, ok := parseTimeSeconds(in)
		require.True(t, ok, in)
		require.Equal(t, want, n, in)
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	n, ok := parseSize("2m")
	require.True(t, ok)
	require.EqualValues(t, 2*1024*1024, n)
}

func TestBuildAccessPolicyReflectsConfig(t *testing.T) {
	cfg := Default()
	cfg.BrowseOrder = access.OrderDenyAllow
	cfg.BrowseAccess = []model.AccessRule{{Sense: model.SenseDeny, Kind: model.KindNetwork, Value: "10.0.0.0/8"}}

	policy := BuildAccessPolicy(cfg)
	require.Equal(t, access.OrderDenyAllow, policy.Order)
	require.Len(t, policy.Rules, 1)
}
