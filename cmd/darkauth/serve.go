package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ghodss/yaml"

	"github.com/puzed/darkauth/audit"
	"github.com/puzed/darkauth/internal/kek"
	"github.com/puzed/darkauth/internal/otp"
	"github.com/puzed/darkauth/internal/session"
	"github.com/puzed/darkauth/opaque"
	"github.com/puzed/darkauth/ratelimit"
	"github.com/puzed/darkauth/server"
	"github.com/puzed/darkauth/storage"
)

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Run the identity provider",
		Example: "darkauth serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			return runServe(args[0])
		},
	}
}

// serverRunner pairs an http.Server with the oklog/run actor contract so
// graceful shutdown behaves identically for every listener this process
// owns.
type serverRunner struct {
	name string
	srv  *http.Server
}

func newServerRunner(name string, srv *http.Server) *serverRunner {
	return &serverRunner{name: name, srv: srv}
}

func (r *serverRunner) RunAndShutdownGracefully(gr *run.Group, logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) error {
	listener, err := net.Listen("tcp", r.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", r.name, r.srv.Addr, err)
	}
	gr.Add(func() error {
		logger.Info("listening", "server", r.name, "addr", r.srv.Addr)
		return r.srv.Serve(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "server", r.name, "error", err)
		}
	})
	return nil
}

func runServe(configFile string) error {
	configData, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}
	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", configFile, err)
	}
	if err := resolveEnvKeys(&c); err != nil {
		return fmt.Errorf("resolving env overrides: %w", err)
	}

	level, err := parseLogLevel(c.Logger.Level)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Info("config loaded", "issuer", c.Issuer, "storage", c.Storage.Type)

	store, err := c.Storage.Config.Open(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	clock := clockwork.NewRealClock()

	salt, err := kek.LoadOrCreateSalt(context.Background(), store)
	if err != nil {
		return fmt.Errorf("failed to load kek salt: %w", err)
	}
	kekBytes := kek.Derive(c.KEKPassphrase, salt, kek.DefaultArgonParams)
	keyring := kek.New(store, kekBytes, clock, logger, 90*24*time.Hour, 30*24*time.Hour)
	if err := keyring.EnsureActiveKey(context.Background()); err != nil {
		return fmt.Errorf("failed to initialize signing key: %w", err)
	}

	serverConfig, err := c.toServerConfig()
	if err != nil {
		return err
	}

	sessions := session.New(store, clock, serverConfig.SessionInactivity, serverConfig.SessionAbsolute, serverConfig.Secure)
	opaqueEngine := opaque.New(store, store, clock, logger, serverConfig.OpaqueSessionTTL)
	otpEngine := otp.New(store, store, clock, c.Issuer)
	limiter := ratelimit.New(clock)
	auditLogger := audit.New(store, clock, logger)

	installToken, err := ensureInstallToken(context.Background(), store, logger)
	if err != nil {
		return err
	}

	srv := server.New(serverConfig, store, sessions, opaqueEngine, otpEngine, keyring, limiter, auditLogger, clock, logger, installToken)
	handler := srv.Handler()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(prometheus.NewGoCollector())
	promRegistry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	var gr run.Group

	if c.Telemetry.HTTP != "" {
		telemetryMux := http.NewServeMux()
		telemetryMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: telemetryMux}
		defer telemetrySrv.Close()
		if err := newServerRunner("telemetry", telemetrySrv).RunAndShutdownGracefully(&gr, logger); err != nil {
			return err
		}
	}

	userSrv := &http.Server{Addr: fmt.Sprintf(":%d", c.UserPort), Handler: handler}
	defer userSrv.Close()
	if err := newServerRunner("user", userSrv).RunAndShutdownGracefully(&gr, logger); err != nil {
		return err
	}

	adminSrv := &http.Server{Addr: fmt.Sprintf(":%d", c.AdminPort), Handler: handler}
	defer adminSrv.Close()
	if err := newServerRunner("admin", adminSrv).RunAndShutdownGracefully(&gr, logger); err != nil {
		return err
	}

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Info("shutting down", "reason", err)
	}
	return nil
}

const installTokenSettingKey = "install_token"

// ensureInstallToken mints and logs the one-time install token the first
// time the process starts against an uninitialized store, spec §4.E
// "Install gate". Once the store reports initialized, no token is issued
// and /install/* stays closed.
func ensureInstallToken(ctx context.Context, store storage.Storage, logger interface {
	Warn(msg string, args ...any)
}) (string, error) {
	if _, err := store.GetSetting(ctx, "system_initialized"); err == nil {
		return "", nil
	} else if err != storage.ErrNotFound {
		return "", fmt.Errorf("check initialization state: %w", err)
	}

	if existing, err := store.GetSetting(ctx, installTokenSettingKey); err == nil {
		return existing.Value, nil
	} else if err != storage.ErrNotFound {
		return "", fmt.Errorf("load install token: %w", err)
	}

	token := storage.NewID()
	if err := store.SetSetting(ctx, storage.Setting{Key: installTokenSettingKey, Value: token, Secure: true}); err != nil {
		return "", fmt.Errorf("store install token: %w", err)
	}
	logger.Warn("system is uninitialized, install token generated; send it as the X-Install-Token header to /install/*", "installToken", token)
	return token, nil
}
