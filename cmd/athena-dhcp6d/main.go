// athena-dhcp6d serves DHCPv6 addresses and delegated prefixes.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/anomaly"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/audit"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/ddns"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/dhcp6"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/lease"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/link"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/logging"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/policy"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/radius"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/syslog"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/athena-dhcp6d/config.toml", "path to configuration file")
	debugPort := flag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	links, err := link.Build(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Printf("configuration OK: %d links\n", len(links.Links))
		return
	}

	if *debugPort != "" {
		runtime.SetMutexProfileFraction(5)
		runtime.SetBlockProfileRate(1)
		go func() {
			addr := "localhost:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	logger := logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stdout)
	logger.Info("athena-dhcp6d starting",
		"version", version,
		"config", *configPath,
		"links", len(links.Links),
		"listen", cfg.Server.Listen)

	if err := run(cfg, links, logger); err != nil {
		logger.Error("athena-dhcp6d failed", "error", err)
		os.Exit(1)
	}
	logger.Info("athena-dhcp6d stopped")
}

func run(cfg *config.Config, links *link.Table, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := lease.OpenStore(cfg.Server.LeaseBackend, cfg.Server.LeaseDB)
	if err != nil {
		return fmt.Errorf("opening binding store: %w", err)
	}
	defer store.Close()
	count, _ := store.Count()
	logger.Info("binding store opened",
		"backend", cfg.Server.LeaseBackend,
		"path", cfg.Server.LeaseDB,
		"bindings", count)

	bus := events.NewBus(cfg.Hooks.EventBufferSize, logger)
	go bus.Start()
	defer bus.Stop()

	leases := lease.NewManager(store, links, bus, logger)
	if err := leases.Reconcile(); err != nil {
		return fmt.Errorf("reconciling bindings: %w", err)
	}

	global := policy.Chain{links.Policies}
	reaper := lease.NewReaper(leases,
		global.Duration(policy.ReaperStartupDelay),
		global.Duration(policy.ReaperRunPeriod))
	reaper.Start(ctx)
	defer reaper.Stop()

	dispatcher := newDispatcher(cfg, bus, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	ifaces := cfg.Server.Interfaces
	if len(ifaces) == 0 {
		ifaces = links.Interfaces()
	}
	duidPath := filepath.Join(filepath.Dir(cfg.Server.LeaseDB), "server-duid")
	serverID, err := dhcp6.LoadServerDUID(cfg.Server.ServerDUID, duidPath, cfg.Server.DUIDType, ifaces)
	if err != nil {
		return fmt.Errorf("loading server DUID: %w", err)
	}

	if cfg.Audit.Enabled {
		auditDB, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditDB.Close()
		retention := config.DurationOr(cfg.Audit.Retention, config.DefaultAuditRetention)
		auditLog, err := audit.NewLog(auditDB, bus, hex.EncodeToString(serverID), retention, logger)
		if err != nil {
			return fmt.Errorf("initializing audit log: %w", err)
		}
		auditLog.Start()
		defer auditLog.Stop()
	}

	dnsUpdates := ddns.NewManager(&cfg.DDNS, bus, logger)
	if dnsUpdates != nil {
		dnsUpdates.Start()
		defer dnsUpdates.Stop()
	}

	if cfg.Syslog.Enabled {
		fwd := syslog.NewForwarder(cfg.Syslog, bus, logger)
		if err := fwd.Start(); err != nil {
			return fmt.Errorf("starting SIEM forwarder: %w", err)
		}
		defer fwd.Stop()
	}

	if cfg.Anomaly.Enabled {
		detector := anomaly.NewDetector(bus, anomaly.ConfigFrom(cfg.Anomaly), logger)
		detector.Start()
		defer detector.Stop()
	}

	proc := dhcp6.NewProcessor(links, leases, serverID, logger)
	proc.SetDDNS(dnsUpdates != nil)

	radiusClient := radius.NewClient(logger)
	for _, l := range links.Links {
		if l.Radius.Enabled {
			radiusClient.SetLink(l.Name, l.Radius)
		}
	}
	if radiusClient.Enabled() {
		proc.SetRadius(radiusClient)
	}

	limiter := dhcp6.NewRateLimiter(cfg.Server.RateLimit.Enabled,
		cfg.Server.RateLimit.MaxSolicitsPerSecond,
		cfg.Server.RateLimit.MaxPerDUIDPerSecond)

	server := dhcp6.NewServer(proc, limiter, ifaces, cfg.Server.Listen, cfg.Server.Workers, logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting DHCPv6 server: %w", err)
	}
	defer server.Stop()

	metrics.ServerStartTime.SetToCurrentTime()
	metrics.ServerInfo.WithLabelValues(version).Set(1)

	var metricsServer *nethttp.Server
	if cfg.Server.MetricsListen != "" {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &nethttp.Server{Addr: cfg.Server.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics endpoint listening", "address", cfg.Server.MetricsListen)
	}

	if cfg.Server.PIDFile != "" {
		if err := writePIDFile(cfg.Server.PIDFile); err != nil {
			logger.Warn("failed to write PID file", "path", cfg.Server.PIDFile, "error", err)
		} else {
			defer removePIDFile(cfg.Server.PIDFile)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Warn("received SIGHUP, links and pools are fixed for the life of the process; restart to apply configuration changes")
			continue
		}
		logger.Info("received shutdown signal", "signal", sig.String())
		break
	}

	cancel()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.DefaultShutdownGracePeriod)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// newDispatcher registers the configured script and webhook hooks.
func newDispatcher(cfg *config.Config, bus *events.Bus, logger *slog.Logger) *events.Dispatcher {
	webhookTimeout := config.DurationOr(cfg.Hooks.WebhookTimeout, config.DefaultWebhookTimeout)
	scriptTimeout := config.DurationOr(cfg.Hooks.ScriptTimeout, config.DefaultScriptTimeout)

	d := events.NewDispatcher(bus, logger, cfg.Hooks.ScriptConcurrency, webhookTimeout)
	for _, s := range cfg.Hooks.Scripts {
		d.AddScript(events.ScriptConfig{
			Selector: events.Selector{Events: s.Events, Links: s.Links},
			Name:     s.Name,
			Command:  s.Command,
			Timeout:  config.DurationOr(s.Timeout, scriptTimeout),
		})
	}
	for _, w := range cfg.Hooks.Webhooks {
		d.AddWebhook(events.WebhookConfig{
			Selector:     events.Selector{Events: w.Events, Links: w.Links},
			Name:         w.Name,
			URL:          w.URL,
			Method:       w.Method,
			Headers:      w.Headers,
			Timeout:      config.DurationOr(w.Timeout, webhookTimeout),
			Retries:      w.Retries,
			RetryBackoff: config.DurationOr(w.RetryBackoff, config.DefaultWebhookRetryBackoff),
			Secret:       w.Secret,
			Template:     w.Template,
		})
	}
	return d
}

// writePIDFile writes the current process ID to the given path.
func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating PID directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// removePIDFile removes the PID file.
func removePIDFile(path string) {
	os.Remove(path)
}
