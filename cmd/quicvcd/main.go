// quicvcd daemon -- QUICVC protocol engine (see internal/quicvc for the
// wire format and handshake state machine).
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quicvc-project/quicvc/internal/api"
	"github.com/quicvc-project/quicvc/internal/config"
	qmetrics "github.com/quicvc-project/quicvc/internal/metrics"
	"github.com/quicvc-project/quicvc/internal/netio"
	"github.com/quicvc-project/quicvc/internal/quicvc"
	appversion "github.com/quicvc-project/quicvc/internal/version"
	"github.com/quicvc-project/quicvc/internal/verifier"
)

// shutdownTimeout is the maximum time to wait for the admin HTTP server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainTimeout is the time to wait after closing all connections before
// proceeding with shutdown, giving the final CLOSE packets a chance to
// reach their peers.
const drainTimeout = 2 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("quicvcd starting",
		slog.String("version", appversion.Version),
		slog.String("api_addr", cfg.API.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("quicvc_port", cfg.QUICVC.Port),
	)

	fr := startFlightRecorder(logger)

	shutdownProfiler, err := startProfiling(cfg.Profiling, logger)
	if err != nil {
		logger.Warn("failed to start continuous profiler", slog.String("error", err.Error()))
	}
	defer shutdownProfiler()

	reg := prometheus.NewRegistry()
	collector := qmetrics.NewCollector(reg)

	v, err := newVerifier(cfg.Verifier)
	if err != nil {
		logger.Error("failed to build credential verifier", slog.String("error", err.Error()))
		return 1
	}

	transport, err := netio.NewTransport(cfg.QUICVC.Port)
	if err != nil {
		logger.Error("failed to bind QUICVC transport", slog.String("error", err.Error()))
		return 1
	}
	defer transport.Close()

	mgr := quicvc.NewManager(logger, toEngineConfig(cfg.QUICVC), transport, v,
		quicvc.WithMetrics(collector),
		quicvc.WithOwnerID(cfg.Owner.PersonID),
	)

	if err := runServers(cfg, mgr, transport, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("quicvcd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("quicvcd stopped")
	return 0
}

// runServers sets up and runs the admin API, metrics, and transport
// receiver using an errgroup with signal-aware context for graceful
// shutdown.
func runServers(
	cfg *config.Config,
	mgr *quicvc.Manager,
	transport *netio.Transport,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	apiSrv := api.NewServer(mgr, true)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	recv := netio.NewReceiver(transport, mgr, logger)
	g.Go(func() error {
		return recv.Run(gCtx)
	})

	// The engine loop outlives gCtx so that gracefulShutdown can still close
	// connections through it; it is stopped once gracefulShutdown returns.
	mgrCtx, stopMgr := context.WithCancel(context.WithoutCancel(gCtx))
	g.Go(func() error {
		return mgr.Run(mgrCtx)
	})

	startHTTPServers(gCtx, g, cfg, apiSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		defer stopMgr()
		return gracefulShutdown(gCtx, mgr, logger, fr, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin API and metrics HTTP server
// goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	apiSrv *api.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin API server listening", slog.String("addr", cfg.API.Addr))
		if err := apiSrv.Listen(cfg.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve admin API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. If watchdog is not configured, the
// goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the dynamic log level.
// Blocks until ctx is cancelled. There are no declarative connections to
// reconcile: connections are established on demand via the admin API.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown — drain connections + stop servers
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, closes
// every live connection, stops the flight recorder, then shuts down the
// HTTP servers.
func gracefulShutdown(
	ctx context.Context,
	mgr *quicvc.Manager,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	apiSrv *api.Server,
	metricsSrv *http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	for _, snap := range mgr.Connections() {
		mgr.Disconnect(context.WithoutCancel(ctx), snap.DeviceID, snap.Peer, true)
	}

	time.Sleep(drainTimeout)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := apiSrv.Shutdown(); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown admin API: %w", err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown metrics server: %w", err))
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Continuous Profiling — grafana/pyroscope-go
// -------------------------------------------------------------------------

// startProfiling starts a pyroscope profiler when enabled, returning a
// no-op shutdown function otherwise.
func startProfiling(cfg config.ProfilingConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddr,
	})
	if err != nil {
		return func() {}, fmt.Errorf("start pyroscope profiler: %w", err)
	}

	logger.Info("continuous profiling enabled",
		slog.String("server_addr", cfg.ServerAddr),
		slog.String("application_name", cfg.ApplicationName),
	)

	return func() {
		if err := profiler.Stop(); err != nil {
			logger.Warn("failed to stop pyroscope profiler", slog.String("error", err.Error()))
		}
	}, nil
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newVerifier builds the JWT credential verifier from the configured
// per-issuer keys.
func newVerifier(cfg config.VerifierConfig) (verifier.Verifier, error) {
	keys := make(map[string][]byte, len(cfg.IssuerKeys))
	for issuer, encoded := range cfg.IssuerKeys {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode issuer key for %q: %w", issuer, err)
		}
		keys[issuer] = key
	}
	return verifier.NewJWTVerifier(keys), nil
}

// toEngineConfig maps the daemon's koanf-backed config.QUICVCConfig onto
// the engine's own quicvc.Config.
func toEngineConfig(cfg config.QUICVCConfig) quicvc.Config {
	return quicvc.Config{
		Port:              cfg.Port,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		ConnectionIDLen:   cfg.ConnectionIDLen,
		EnableEncryption:  cfg.EnableEncryption,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
