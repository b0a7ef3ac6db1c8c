// cups-browsed-go is the discovery-reconciliation daemon: it discovers
// remote IPP/IPPS printers via DNS-SD and configured polling, maintains
// a registry of their state, and reconciles local print-scheduler
// queues to match, dispatching jobs submitted to a shared queue name
// across its cluster members.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"cups-browsed-go/internal/autoshutdown"
	"cups-browsed-go/internal/cluster"
	"cups-browsed-go/internal/config"
	"cups-browsed-go/internal/dbusnotify"
	"cups-browsed-go/internal/discovery"
	"cups-browsed-go/internal/dispatch"
	"cups-browsed-go/internal/ippclient"
	"cups-browsed-go/internal/logging"
	"cups-browsed-go/internal/metrics"
	"cups-browsed-go/internal/model"
	"cups-browsed-go/internal/netstate"
	"cups-browsed-go/internal/notify"
	"cups-browsed-go/internal/optstore"
	"cups-browsed-go/internal/reconciler"
	"cups-browsed-go/internal/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	confPath := flag.String("c", "", "path to cups-browsed.conf")
	foreground := flag.Bool("f", false, "log to stderr instead of the configured log file")
	debug := flag.Bool("d", false, "force debug-level logging")
	var overrides stringList
	flag.Var(&overrides, "o", "override one config directive as key=value (repeatable)")
	shutdownArg := flag.String("s", "", "override the auto-shutdown mode (no-queues|no-jobs|off)")
	flag.Parse()

	// 2. Load config.
	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	for _, o := range overrides {
		config.ApplyOverride(&cfg, o)
	}
	if *foreground {
		cfg.LogPath = "stderr"
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *shutdownArg != "" {
		config.ApplyOverride(&cfg, "autoshutdown="+*shutdownArg)
	}

	// 3. Set up logging.
	logging.Configure(cfg.LogPath, cfg.MaxLogSize, cfg.LogLevel)
	log := logging.Component("main")

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		log.Error().Err(err).Msg("create cache dir")
		return 1
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error().Err(err).Msg("create db dir")
			return 1
		}
	}

	// 4. Open the registry store and hydrate the in-memory registry.
	store, err := registry.OpenStore(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("open registry store")
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	if persisted, err := store.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted registry; starting empty")
	} else {
		reg.Load(persisted)
	}

	capCache, err := registry.NewCapCache(256)
	if err != nil {
		log.Error().Err(err).Msg("build capability cache")
		return 1
	}

	tracker := netstate.New()
	if err := tracker.Refresh(); err != nil {
		log.Warn().Err(err).Msg("failed to enumerate local interfaces")
	}
	selfHostname, _ := os.Hostname()

	// 5. Build the component set.
	accessPolicy := config.BuildAccessPolicy(cfg)
	clusterResolver := cluster.New(cfg.Clusters, cfg.AutoClustering)
	optStore := optstore.New(cfg.CacheDir)
	localServer, localUser, localPassword, localInsecure := cfg.LocalServer, cfg.LocalUser, cfg.LocalPassword, cfg.LocalInsecure
	if cfg.LocalServer == config.Default().LocalServer && cfg.LocalUser == "" {
		// cups-browsed.conf left local-server at its default and set no
		// local-user; defer to the system's standard
		// CUPS client.conf/CUPS_* resolution, the same fallback libcups
		// applies for any client binary.
		override := ippclient.LoadLocalServerOverride()
		localServer = fmt.Sprintf("%s:%d", override.Host, override.Port)
		localUser = override.User
		if localPassword == "" {
			localPassword = override.Password
		}
		if !localInsecure {
			localInsecure = override.InsecureSkipVerify
		}
	}
	local := ippclient.NewFromLocalServer(localServer, localUser, localPassword, cfg.HttpLocalTimeout, cfg.HttpMaxRetries, localInsecure)

	metricsCollector := metrics.NewCollector(nil)

	rec := reconciler.New(reg, local, optStore)
	rec.MaxUpdatesPerCall = cfg.MaxUpdatesPerCall
	rec.PauseBetweenUpdates = cfg.PauseBetweenUpdates
	rec.HttpMaxRetries = cfg.HttpMaxRetries
	rec.DefaultOptions = parseDefaultOptions(cfg.DefaultOptions)
	rec.AllowResharingRemoteCUPSPrinters = cfg.AllowResharingRemoteCUPSPrinters
	rec.KeepGeneratedQueuesOnShutdown = cfg.KeepGeneratedQueuesOnShutdown
	rec.Metrics = metricsCollector
	rec.FetchCapabilities = func(ctx context.Context, e model.Entry) (model.Capabilities, error) {
		if !cfg.RefreshCapabilitiesOnEachDiscovery {
			if caps, ok := capCache.Get(e.ID); ok {
				return caps, nil
			}
		}
		caps, err := discovery.FetchCapabilities(ctx, e.DeviceURI(), cfg.HttpRemoteTimeout, cfg.HttpMaxRetries, cfg.LocalInsecure)
		if err != nil {
			return model.Capabilities{}, err
		}
		capCache.Put(e.ID, caps)
		return caps, nil
	}
	rec.QueueState = func(ctx context.Context, queueName string) (string, string, int, bool, error) {
		return queryLocalQueueState(ctx, local, queueName)
	}
	rec.SetShared = func(ctx context.Context, queueName string, shared bool) error {
		return setLocalQueueShared(ctx, local, queueName, shared)
	}
	rec.DisableQueue = func(ctx context.Context, queueName, message string) error {
		return disableLocalQueue(ctx, local, queueName, message)
	}
	rec.DefaultQueueName = func(ctx context.Context) (string, error) {
		return localDefaultQueueName(ctx, local)
	}
	rec.BrowseTimeout = cfg.BrowseTimeout

	dispatcher := dispatch.New(reg, local)
	dispatcher.QueueOn = cfg.QueueOn
	dispatcher.Metrics = metricsCollector

	shutdownCtl := autoshutdown.New(reg, cfg.AutoShutdownMode, cfg.AutoShutdownTimeout)
	shutdownCtl.AvahiBound = cfg.AutoShutdownAvahi
	shutdownCtl.Shutdown = func() {
		log.Info().Msg("auto-shutdown condition held past timeout; stopping")
		cancel()
	}

	notifyHandler := notify.New(local, reg, optStore)
	if cfg.NotifyLeaseDuration > 0 {
		notifyHandler.LeaseDuration = cfg.NotifyLeaseDuration
	}
	notifyHandler.OnJobProcessing = func(ctx context.Context, queueName string, jobID int) {
		constraints, err := fetchJobConstraints(ctx, local, jobID)
		if err != nil {
			log.Debug().Err(err).Str("queue", queueName).Int("job", jobID).Msg("failed to read job attributes for dispatch; using defaults")
		}
		if _, err := dispatcher.Dispatch(ctx, queueName, constraints, int64(jobID)); err != nil {
			log.Warn().Err(err).Str("queue", queueName).Int("job", jobID).Msg("dispatch failed")
		}
	}

	var dbusWatcher *dbusnotify.Watcher
	if cfg.DBusNotifications || cfg.AutoShutdownAvahi {
		dbusWatcher, err = dbusnotify.New()
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to session bus; default-printer and avahi-presence notifications disabled")
			dbusWatcher = nil
		} else {
			defer dbusWatcher.Close()
			dbusWatcher.OnDefaultPrinterChanged = func(printerURI string) {
				name := queueNameFromURI(printerURI)
				if def, err := localDefaultQueueName(ctx, local); err == nil && def == name {
					_ = optStore.SaveRemoteDefault(name)
				}
			}
			dbusWatcher.OnAvahiPresenceChanged = shutdownCtl.OnAvahiPresenceChanged
		}
	}
	rec.HasDefaultChangeNotifications = dbusWatcher != nil

	in := newIntake(reg, clusterResolver, accessPolicy, tracker, selfHostname, cfg, metricsCollector)

	browser := &discovery.Browser{OnAdd: in.onDiscovered, OnRemove: in.onRemoved}
	resolver := discovery.NewResolver(cfg.BrowseTimeout)
	browser.OnIncomplete = func(serviceName, serviceType string) {
		d, err := resolver.Resolve(serviceName, serviceType)
		if err != nil {
			log.Debug().Err(err).Str("service", serviceName).Msg("could not resolve incomplete sighting")
			return
		}
		in.onDiscovered(d)
	}

	var poller *discovery.Poller
	if targets := parsePollTargets(cfg.BrowsePoll); len(targets) > 0 {
		poller = &discovery.Poller{
			Targets:    targets,
			Interval:   cfg.BrowseInterval,
			Timeout:    cfg.BrowseTimeout,
			OnDiscover: in.onDiscovered,
		}
	}

	// 6. Run every component on its own goroutine.
	var wg sync.WaitGroup
	runComponent := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
		log.Debug().Str("component", name).Msg("started")
	}

	if browseProtocolEnabled(cfg.BrowseProtocols, "dnssd") {
		runComponent("discovery-browser", func(ctx context.Context) {
			if err := browser.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("discovery browser exited")
			}
		})
	}
	if poller != nil {
		runComponent("discovery-poller", func(ctx context.Context) {
			if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("discovery poller exited")
			}
		})
	}
	runComponent("presence-sweep", in.runSweep)
	runComponent("reconciler", rec.Run)
	runComponent("notify", notifyHandler.Run)
	runComponent("autoshutdown", func(ctx context.Context) { shutdownCtl.Run(ctx, 5*time.Second) })
	if dbusWatcher != nil {
		runComponent("dbusnotify", func(ctx context.Context) {
			if err := dbusWatcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("dbus watcher exited")
			}
		})
	}

	var metricsServer, healthzServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		runComponent("metrics-server", func(ctx context.Context) {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving /metrics")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server exited")
			}
		})
	}
	if cfg.HealthzAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		healthzServer = &http.Server{Addr: cfg.HealthzAddr, Handler: mux}
		runComponent("healthz-server", func(ctx context.Context) {
			log.Info().Str("addr", cfg.HealthzAddr).Msg("serving /healthz")
			if err := healthzServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("healthz server exited")
			}
		})
	}

	// 7. Wait for a shutdown signal (or an auto-shutdown trigger), then
	// drain everything in order.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	usrSigs := make(chan os.Signal, 1)
	signal.Notify(usrSigs, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	go func() {
		for sig := range usrSigs {
			switch sig {
			case syscall.SIGUSR1:
				log.Info().Msg("SIGUSR1: enabling auto-shutdown")
				shutdownCtl.Enable()
			case syscall.SIGUSR2:
				log.Info().Msg("SIGUSR2: disabling auto-shutdown")
				shutdownCtl.Disable()
			case syscall.SIGHUP:
				if err := logging.Rotate(); err != nil {
					log.Error().Err(err).Msg("SIGHUP: log rotation failed")
				} else {
					log.Info().Msg("SIGHUP: log rotated")
				}
			}
		}
	}()

	log.Info().Str("local_server", cfg.LocalServer).Msg("cups-browsed-go started")

	select {
	case <-sigs:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("auto-shutdown triggered")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if healthzServer != nil {
		_ = healthzServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	if entries := reg.All(); len(entries) > 0 {
		if err := store.Save(shutdownCtx, entries); err != nil {
			log.Error().Err(err).Msg("failed to persist registry on shutdown")
		}
	}
	return 0
}

// stringList collects repeated -o flags.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}
