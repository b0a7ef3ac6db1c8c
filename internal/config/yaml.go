package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"cups-browsed-go/internal/model"
)

// applyYAMLOverlay layers a structured YAML file on top of cfg, for sites
// that prefer a koanf-style config over the line-oriented directives.
// Keys mirror the .conf directive names, lower-cased with dots instead of
// nesting (e.g. "browse.interval", "clusters.<name>.matchers").
func applyYAMLOverlay(cfg *Config, path string) error {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return err
	}

	if v := k.Strings("browse.protocols"); len(v) > 0 {
		cfg.BrowseProtocols = v
	}
	if v := k.Strings("browse.poll"); len(v) > 0 {
		cfg.BrowsePoll = v
	}
	if v := k.String("browse.interval"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.BrowseInterval = d
		}
	}
	if v := k.String("browse.timeout"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.BrowseTimeout = d
		}
	}
	if k.Exists("browse.refresh_capabilities_each_discovery") {
		cfg.RefreshCapabilitiesOnEachDiscovery = k.Bool("browse.refresh_capabilities_each_discovery")
	}
	if v := k.String("browse.order"); v != "" {
		applyDirective(cfg, "browseorder", v)
	}
	for _, rule := range k.Strings("browse.allow") {
		applyDirective(cfg, "browseallow", rule)
	}
	for _, rule := range k.Strings("browse.deny") {
		applyDirective(cfg, "browsedeny", rule)
	}
	for _, rule := range k.Strings("browse.filter") {
		applyDirective(cfg, "browsefilter", rule)
	}

	if k.Exists("naming.auto_clustering") {
		cfg.AutoClustering = k.Bool("naming.auto_clustering")
	}
	if v := k.String("naming.ipp_printer"); v != "" {
		cfg.LocalQueueNamingIPPPrinter = strings.ToLower(v)
	}
	if v := k.String("naming.remote_cups"); v != "" {
		cfg.LocalQueueNamingRemoteCUPS = strings.ToLower(v)
	}
	for _, clusterKey := range k.MapKeys("clusters") {
		name := k.String("clusters." + clusterKey + ".queue")
		if name == "" {
			name = clusterKey
		}
		cfg.Clusters = append(cfg.Clusters, model.Cluster{
			LocalQueueName: name,
			Matchers:       k.Strings("clusters." + clusterKey + ".matchers"),
		})
	}

	if v := k.String("http.local_timeout"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.HttpLocalTimeout = d
		}
	}
	if v := k.String("http.remote_timeout"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.HttpRemoteTimeout = d
		}
	}
	if k.Exists("http.max_retries") {
		cfg.HttpMaxRetries = k.Int("http.max_retries")
	}

	if k.Exists("reconcile.max_updates_per_call") {
		cfg.MaxUpdatesPerCall = k.Int("reconcile.max_updates_per_call")
	}
	if v := k.String("reconcile.pause_between_updates"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.PauseBetweenUpdates = d
		}
	}
	if k.Exists("reconcile.allow_resharing_remote_cups_printers") {
		cfg.AllowResharingRemoteCUPSPrinters = k.Bool("reconcile.allow_resharing_remote_cups_printers")
	}
	if v := k.String("reconcile.default_options"); v != "" {
		cfg.DefaultOptions = v
	}

	if v := k.String("notify.lease_duration"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.NotifyLeaseDuration = d
		}
	}
	if k.Exists("notify.dbus") {
		cfg.DBusNotifications = k.Bool("notify.dbus")
	}

	if k.Exists("dispatch.queue_on_servers") {
		if k.Bool("dispatch.queue_on_servers") {
			cfg.QueueOn = model.QueueOnServers
		} else {
			cfg.QueueOn = model.QueueOnClient
		}
	}

	if v := k.String("shutdown.mode"); v != "" {
		applyDirective(cfg, "autoshutdown", v)
	}
	if v := k.String("shutdown.timeout"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.AutoShutdownTimeout = d
		}
	}
	if k.Exists("shutdown.avahi_bound") {
		cfg.AutoShutdownAvahi = k.Bool("shutdown.avahi_bound")
	}
	if k.Exists("shutdown.keep_generated_queues") {
		cfg.KeepGeneratedQueuesOnShutdown = k.Bool("shutdown.keep_generated_queues")
	}

	if v := k.String("storage.cache_dir"); v != "" {
		cfg.CacheDir = v
	}
	if v := k.String("storage.db_path"); v != "" {
		cfg.DBPath = v
	}

	if v := k.String("local.server"); v != "" {
		cfg.LocalServer = v
	}
	if v := k.String("local.user"); v != "" {
		cfg.LocalUser = v
	}
	if k.Exists("local.insecure") {
		cfg.LocalInsecure = k.Bool("local.insecure")
	}

	if v := k.String("log.path"); v != "" {
		cfg.LogPath = v
	}
	if v := k.String("log.level"); v != "" {
		cfg.LogLevel = v
	}
	if v := k.String("log.max_size"); v != "" {
		if n, ok := parseSize(v); ok {
			cfg.MaxLogSize = n
		}
	}
	if v := k.String("metrics.addr"); v != "" {
		cfg.MetricsAddr = v
	}

	return nil
}
