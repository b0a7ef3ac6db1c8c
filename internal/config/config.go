// Package config loads cups-browsed-go's configuration surface: protocol
// selection, poll list, allow/deny rules, filter rules, cluster
// definitions, naming policy, shutdown policy, and timers.
//
// Loading precedence (lowest to highest): built-in defaults, the
// line-oriented cups-browsed.conf file, an optional structured YAML
// overlay, environment variables, then CLI flags (applied by the caller
// via ApplyOverride after Load returns), the same layering CUPS itself
// uses when it stacks cups-files.conf/cupsd.conf under environment
// overrides.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cups-browsed-go/internal/access"
	"cups-browsed-go/internal/model"
)

// Config is the full, flattened configuration surface consumed by every
// component in the daemon.
type Config struct {
	// Discovery intake.
	BrowseProtocols                    []string // "dnssd", "cups" (periodic polling)
	BrowsePoll                         []string // host:port targets for periodic polling
	BrowseInterval                     time.Duration
	BrowseTimeout                      time.Duration
	RefreshCapabilitiesOnEachDiscovery bool
	FilterRules                        []model.FilterRule

	// Access policy.
	BrowseOrder    access.Order
	BrowseAllowAll bool
	BrowseDenyAll  bool
	BrowseAccess   []model.AccessRule

	// Cluster resolver.
	Clusters                   []model.Cluster
	AutoClustering             bool
	LocalQueueNamingIPPPrinter string // "dnssd" | "makemodel"
	LocalQueueNamingRemoteCUPS string // "dnssd" | "makemodel" | "remote"

	// Queue reconciler.
	HttpLocalTimeout                 time.Duration
	HttpRemoteTimeout                time.Duration
	HttpMaxRetries                   int
	MaxUpdatesPerCall                int
	PauseBetweenUpdates              time.Duration
	AllowResharingRemoteCUPSPrinters bool
	DefaultOptions                   string
	QueueMarkName                    string

	// Scheduler notification handler.
	NotifyLeaseDuration time.Duration
	DBusNotifications   bool

	// Job dispatcher.
	QueueOn model.QueueOnPolicy

	// Auto-shutdown controller.
	AutoShutdownMode    model.ShutdownMode
	AutoShutdownTimeout time.Duration
	AutoShutdownAvahi   bool

	// Option persistence / registry persistence.
	CacheDir string
	DBPath   string

	KeepGeneratedQueuesOnShutdown bool

	// Local scheduler connection (consumed by internal/ippclient).
	LocalServer   string
	LocalUser     string
	LocalPassword string
	LocalInsecure bool

	// Ambient.
	LogPath     string
	LogLevel    string
	MaxLogSize  int64
	MetricsAddr string
	HealthzAddr string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		BrowseProtocols: []string{"dnssd"},
		BrowseInterval:  30 * time.Second,
		BrowseTimeout:   60 * time.Second,
		BrowseOrder:     access.OrderDenyAllow,

		AutoClustering:             false,
		LocalQueueNamingIPPPrinter: "dnssd",
		LocalQueueNamingRemoteCUPS: "dnssd",

		HttpLocalTimeout:    5 * time.Second,
		HttpRemoteTimeout:   10 * time.Second,
		HttpMaxRetries:      5,
		MaxUpdatesPerCall:   10,
		PauseBetweenUpdates: 2 * time.Second,
		QueueMarkName:       "cups-browsed",

		NotifyLeaseDuration: 24 * time.Hour,

		QueueOn: model.QueueOnClient,

		AutoShutdownMode:    model.ShutdownDisabled,
		AutoShutdownTimeout: 30 * time.Second,

		CacheDir: filepath.Join("data", "cache", "cups-browsed"),
		DBPath:   filepath.Join("data", "cups-browsed.db"),

		LocalServer: "localhost:631",
		LogPath:     "stderr",
		LogLevel:    "info",
		MaxLogSize:  1024 * 1024,
	}
}

// Load builds the effective configuration: defaults, then confPath (if it
// exists), then a "<confPath-without-ext>.yaml" structured overlay (if it
// exists), then CUPS_BROWSED_* environment variables.
func Load(confPath string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(confPath) != "" {
		if err := applyConfFile(&cfg, confPath); err != nil {
			return cfg, err
		}
		yamlPath := yamlOverlayPath(confPath)
		if _, err := os.Stat(yamlPath); err == nil {
			if err := applyYAMLOverlay(&cfg, yamlPath); err != nil {
				return cfg, err
			}
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func yamlOverlayPath(confPath string) string {
	ext := filepath.Ext(confPath)
	return strings.TrimSuffix(confPath, ext) + ".yaml"
}

// ApplyOverride applies one "-o key=value" CLI directive using the same
// directive names as the .conf file, for the highest-precedence layer.
func ApplyOverride(cfg *Config, kv string) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return
	}
	applyDirective(cfg, strings.TrimSpace(key), strings.TrimSpace(value))
}

func applyConfFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var inCluster *model.Cluster
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "<Cluster ") {
			name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "<Cluster "), ">"))
			inCluster = &model.Cluster{LocalQueueName: name}
			continue
		}
		if line == "</Cluster>" {
			if inCluster != nil {
				cfg.Clusters = append(cfg.Clusters, *inCluster)
			}
			inCluster = nil
			continue
		}
		if inCluster != nil {
			parts := strings.Fields(line)
			if len(parts) >= 2 && strings.EqualFold(parts[0], "matcher") {
				inCluster.Matchers = append(inCluster.Matchers, strings.Join(parts[1:], " "))
			}
			continue
		}

		keyToken, rest := firstField(line)
		applyDirective(cfg, keyToken, rest)
	}
	return sc.Err()
}

func firstField(line string) (string, string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", ""
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))
	return parts[0], unquoteValue(rest)
}

func applyDirective(cfg *Config, key, value string) {
	switch strings.ToLower(key) {
	case "browselocalprotocols", "browseprotocols":
		cfg.BrowseProtocols = parseProtocolList(value)
	case "browsepoll":
		cfg.BrowsePoll = appendUnique(cfg.BrowsePoll, value)
	case "browseinterval":
		if d, ok := parseDuration(value); ok {
			cfg.BrowseInterval = d
		}
	case "browsetimeout":
		if d, ok := parseDuration(value); ok {
			cfg.BrowseTimeout = d
		}
	case "refreshcapabilitiesoneachdiscovery":
		if b, ok := parseBool(value); ok {
			cfg.RefreshCapabilitiesOnEachDiscovery = b
		}
	case "browsefilter":
		if rule, ok := parseFilterRule(value); ok {
			cfg.FilterRules = append(cfg.FilterRules, rule)
		}
	case "browseorder":
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "allow,deny":
			cfg.BrowseOrder = access.OrderAllowDeny
		case "deny,allow":
			cfg.BrowseOrder = access.OrderDenyAllow
		}
	case "browseallow":
		if strings.EqualFold(strings.TrimSpace(value), "all") {
			cfg.BrowseAllowAll = true
		} else if rule, ok := parseAccessRule(model.SenseAllow, value); ok {
			cfg.BrowseAccess = append(cfg.BrowseAccess, rule)
		}
	case "browsedeny":
		if strings.EqualFold(strings.TrimSpace(value), "all") {
			cfg.BrowseDenyAll = true
		} else if rule, ok := parseAccessRule(model.SenseDeny, value); ok {
			cfg.BrowseAccess = append(cfg.BrowseAccess, rule)
		}
	case "createippprinterqueues", "autoclustering":
		if b, ok := parseBool(value); ok {
			cfg.AutoClustering = b
		}
	case "localqueuenamingippprinter":
		cfg.LocalQueueNamingIPPPrinter = strings.ToLower(strings.TrimSpace(value))
	case "localqueuenamingremotecups":
		cfg.LocalQueueNamingRemoteCUPS = strings.ToLower(strings.TrimSpace(value))
	case "httplocaltimeout":
		if d, ok := parseDuration(value); ok {
			cfg.HttpLocalTimeout = d
		}
	case "httpremotetimeout":
		if d, ok := parseDuration(value); ok {
			cfg.HttpRemoteTimeout = d
		}
	case "httpmaxretries":
		if n, ok := parseInt(value); ok && n >= 0 {
			cfg.HttpMaxRetries = n
		}
	case "updatecupsqueuesmaxpercall":
		if n, ok := parseInt(value); ok && n > 0 {
			cfg.MaxUpdatesPerCall = n
		}
	case "pausebetweencupsqueueupdates":
		if d, ok := parseDuration(value); ok {
			cfg.PauseBetweenUpdates = d
		}
	case "allowresharingremotecupsprinters":
		if b, ok := parseBool(value); ok {
			cfg.AllowResharingRemoteCUPSPrinters = b
		}
	case "defaultoptions":
		cfg.DefaultOptions = value
	case "notifyleaseduration":
		if d, ok := parseDuration(value); ok {
			cfg.NotifyLeaseDuration = d
		}
	case "dbusnotifications":
		if b, ok := parseBool(value); ok {
			cfg.DBusNotifications = b
		}
	case "queueonservers":
		if b, ok := parseBool(value); ok {
			if b {
				cfg.QueueOn = model.QueueOnServers
			} else {
				cfg.QueueOn = model.QueueOnClient
			}
		}
	case "autoshutdown":
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "no-queues":
			cfg.AutoShutdownMode = model.ShutdownNoQueues
		case "no-jobs":
			cfg.AutoShutdownMode = model.ShutdownNoJobs
		case "off", "false", "no", "0":
			cfg.AutoShutdownMode = model.ShutdownDisabled
		}
	case "autoshutdowntimeout":
		if d, ok := parseDuration(value); ok {
			cfg.AutoShutdownTimeout = d
		}
	case "autoshutdownavahi":
		if b, ok := parseBool(value); ok {
			cfg.AutoShutdownAvahi = b
		}
	case "cachedir":
		cfg.CacheDir = value
	case "dbpath":
		cfg.DBPath = value
	case "keepgeneratedqueuesonshutdown":
		if b, ok := parseBool(value); ok {
			cfg.KeepGeneratedQueuesOnShutdown = b
		}
	case "localserver":
		cfg.LocalServer = value
	case "localuser":
		cfg.LocalUser = value
	case "localinsecure":
		if b, ok := parseBool(value); ok {
			cfg.LocalInsecure = b
		}
	case "logpath":
		cfg.LogPath = value
	case "loglevel":
		cfg.LogLevel = value
	case "maxlogsize":
		if n, ok := parseSize(value); ok {
			cfg.MaxLogSize = n
		}
	case "metricsaddr":
		cfg.MetricsAddr = value
	case "healthzaddr":
		cfg.HealthzAddr = value
	}
}

func parseFilterRule(value string) (model.FilterRule, bool) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return model.FilterRule{}, false
	}
	var sense model.RuleSense
	switch strings.ToLower(parts[0]) {
	case "allow":
		sense = model.SenseAllow
	case "deny":
		sense = model.SenseDeny
	default:
		return model.FilterRule{}, false
	}
	field := strings.ToLower(parts[1])
	kind := model.FilterRegex
	valueStart := 2
	if len(parts) >= 4 {
		switch strings.ToLower(parts[2]) {
		case "regex":
			kind = model.FilterRegex
			valueStart = 3
		case "exact":
			kind = model.FilterExact
			valueStart = 3
		case "boolean":
			kind = model.FilterBoolean
			valueStart = 3
		}
	}
	return model.FilterRule{
		Sense: sense,
		Field: field,
		Kind:  kind,
		Value: strings.Join(parts[valueStart:], " "),
	}, true
}

func parseAccessRule(sense model.RuleSense, value string) (model.AccessRule, bool) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "from ")
	value = strings.TrimSpace(value)
	if value == "" {
		return model.AccessRule{}, false
	}
	kind := model.KindIP
	if strings.Contains(value, "/") || strings.Contains(value, " ") {
		kind = model.KindNetwork
	}
	return model.AccessRule{Sense: sense, Kind: kind, Value: value}, true
}

func parseProtocolList(value string) []string {
	parts := strings.Fields(value)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if p == "none" {
			return nil
		}
		out = appendUnique(out, p)
	}
	return out
}

func appendUnique(list []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return list
	}
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func parseInt(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseDuration(value string) (time.Duration, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, ok := parseTimeSeconds(v); ok {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// parseTimeSeconds parses a bare integer, or an integer with an s/m/h/d/w
// suffix, into whole seconds.
func parseTimeSeconds(value string) (int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := 1
	last := v[len(v)-1]
	switch last {
	case 's', 'S':
		mult = 1
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 60
		v = v[:len(v)-1]
	case 'h', 'H':
		mult = 60 * 60
		v = v[:len(v)-1]
	case 'd', 'D':
		mult = 24 * 60 * 60
		v = v[:len(v)-1]
	case 'w', 'W':
		mult = 7 * 24 * 60 * 60
		v = v[:len(v)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n * mult, true
}

func parseSize(value string) (int64, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := int64(1)
	last := v[len(v)-1]
	switch last {
	case 'k', 'K':
		mult = 1024
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n * mult, true
}

func unquoteValue(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			value = value[1 : len(value)-1]
		}
	}
	return strings.TrimSpace(value)
}

func applyEnvOverrides(cfg *Config) {
	for _, key := range []string{
		"BrowseProtocols", "BrowsePoll", "BrowseInterval", "BrowseTimeout",
		"HttpLocalTimeout", "HttpRemoteTimeout", "HttpMaxRetries",
		"UpdateCupsQueuesMaxPerCall", "PauseBetweenCupsQueueUpdates",
		"AutoShutdown", "AutoShutdownTimeout", "AutoShutdownAvahi",
		"CacheDir", "DBPath", "LocalServer", "LocalUser", "LocalInsecure",
		"LogPath", "LogLevel", "MaxLogSize", "MetricsAddr", "HealthzAddr",
	} {
		if v, ok := os.LookupEnv("CUPS_BROWSED_" + strings.ToUpper(key)); ok {
			applyDirective(cfg, key, v)
		}
	}
}

// BuildAccessPolicy assembles the access.Policy consumed by the access
// component from the parsed configuration.
func BuildAccessPolicy(cfg Config) access.Policy {
	return access.Policy{
		Order:    cfg.BrowseOrder,
		AllowAll: cfg.BrowseAllowAll,
		DenyAll:  cfg.BrowseDenyAll,
		Rules:    cfg.BrowseAccess,
	}
}
