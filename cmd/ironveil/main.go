package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uppnrise/iron-veil/internal/api"
	"github.com/uppnrise/iron-veil/internal/config"
	"github.com/uppnrise/iron-veil/internal/health"
	"github.com/uppnrise/iron-veil/internal/metrics"
	"github.com/uppnrise/iron-veil/internal/proxy"
	"github.com/uppnrise/iron-veil/internal/state"
)

func main() {
	port := flag.Int("port", 6543, "port to listen on")
	upstreamHost := flag.String("upstream-host", "127.0.0.1", "upstream database host")
	upstreamPort := flag.Int("upstream-port", 5432, "upstream database port")
	configPath := flag.String("config", "proxy.yaml", "path to configuration file")
	apiPort := flag.Int("api-port", 3001, "management API port")
	protocol := flag.String("protocol", "postgres", "database protocol to proxy (postgres|mysql)")
	shutdownTimeout := flag.Int("shutdown-timeout", 30, "graceful shutdown timeout in seconds")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(*port, *upstreamHost, *upstreamPort, *configPath, *apiPort, *protocol, *shutdownTimeout); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(port int, upstreamHost string, upstreamPort int, configPath string, apiPort int, protocol string, shutdownTimeout int) error {
	var proto proxy.Protocol
	switch protocol {
	case "postgres":
		proto = proxy.ProtocolPostgres
	case "mysql":
		proto = proxy.ProtocolMySQL
	default:
		return fmt.Errorf("unknown protocol %q (must be postgres or mysql)", protocol)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("configuration loaded", "path", configPath, "rules", len(cfg.Rules), "masking_enabled", cfg.MaskingEnabled)

	tlsConfig, err := loadTLS(cfg.TLS)
	if err != nil {
		return fmt.Errorf("loading TLS material: %w", err)
	}

	st := state.New(cfg)
	m := metrics.New()

	upstreamAddr := net.JoinHostPort(upstreamHost, fmt.Sprintf("%d", upstreamPort))

	opts := proxy.Options{
		UpstreamAddr:      upstreamAddr,
		Protocol:          proto,
		TLSConfig:         tlsConfig,
		UpstreamTLS:       cfg.UpstreamTLS,
		UpstreamTLSStrict: cfg.UpstreamTLSStrict,
	}

	server := proxy.NewServer(opts, cfg.Limits, st, m)
	if err := server.Listen(fmt.Sprintf("0.0.0.0:%d", port)); err != nil {
		return err
	}

	checker := health.NewChecker(upstreamAddr, st, m, cfg.HealthCheck)
	checker.Start()

	apiServer := api.NewServer(st, m, configPath)
	if err := apiServer.Start(fmt.Sprintf("127.0.0.1:%d", apiPort)); err != nil {
		return fmt.Errorf("starting management server: %w", err)
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		st.ReplaceConfig(newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	go server.Serve()
	slog.Info("iron-veil ready",
		"port", port,
		"upstream", upstreamAddr,
		"protocol", protocol,
		"api_port", apiPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig.String())

	server.Stop()
	if watcher != nil {
		watcher.Stop()
	}

	slog.Info("waiting for active connections",
		"active", st.ActiveConnections(),
		"grace_seconds", shutdownTimeout)
	server.Drain(time.Duration(shutdownTimeout) * time.Second)

	apiServer.Stop()
	checker.Stop()

	slog.Info("shutdown complete")
	return nil
}

// loadTLS builds the client-side TLS acceptor config, or nil when offload is
// disabled.
func loadTLS(tc *config.TLSConfig) (*tls.Config, error) {
	if tc == nil || !tc.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(tc.CertPath, tc.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	slog.Info("client-side TLS enabled", "cert", tc.CertPath)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
