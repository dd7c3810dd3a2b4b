package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/csai/battle-agent/internal/api"
	"github.com/csai/battle-agent/internal/auth"
	"github.com/csai/battle-agent/internal/config"
	"github.com/csai/battle-agent/internal/identity"
	"github.com/csai/battle-agent/internal/observability"
	"github.com/csai/battle-agent/internal/orchestrator"
	"github.com/csai/battle-agent/internal/terminal"
)

func runServe(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	if err := a.engine.StartupSelfCheck(ctx); err != nil {
		logger.Error("startup_self_check_failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", errStartup, err)
	}
	if summary, err := a.engine.Reconcile(ctx); err != nil {
		logger.Warn("startup_reconcile_failed", slog.String("error", err.Error()))
	} else {
		logger.Info("startup_reconcile_completed",
			slog.Int("checked", summary.Checked),
			slog.Int("removed_containers", summary.RemovedContainers),
			slog.Int("removed_networks", summary.RemovedNetworks))
	}

	verifier, err := identity.NewJWTVerifier(cfg.Identity.JWTSecret, cfg.Identity.Issuer, cfg.Identity.Audience)
	if err != nil {
		return err
	}
	term := terminal.New(terminal.Options{
		Verifier: verifier,
		Store:    a.store,
		Runtime:  a.docker,
		Metrics:  a.metrics,
		Logger:   logger,
		Shell:    cfg.Terminal.Shell,
		TTY:      cfg.Terminal.TTY,
	})
	guard := auth.NewStaffGuard(cfg.Auth)
	limiter := auth.NewRateLimiter(cfg.RateLimit, a.metrics)
	apiServer := api.New(cfg, api.Deps{
		Engine:    a.engine,
		Records:   a.store,
		Configs:   a.layout,
		Scenarios: a.catalog,
		Verifier:  verifier,
		Terminal:  term,
		Staff:     guard.Wrap,
		Limit:     limiter.Middleware,
		Metrics:   a.metrics,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      observability.Middleware(logger, a.metrics, apiServer.Routes()),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		TLSConfig:    buildTLSConfig(cfg, logger),
	}

	loopCtx, cancelLoops := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLoops()
	go runExpiryLoop(loopCtx, cfg, a.engine, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("battle_agent_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("server_id", a.engine.ServerID()),
			slog.String("auth_mode", cfg.Auth.Mode))
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	var runErr error
	select {
	case <-sigCh:
	case err, ok := <-serveErr:
		if ok {
			logger.Error("server_failed", slog.String("error", err.Error()))
			runErr = err
		}
	}

	cancelLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	if cfg.Session.CleanupOnShutdown {
		n, err := a.engine.CleanupAllSessions(context.Background())
		if err != nil {
			logger.Warn("shutdown_cleanup_incomplete", slog.Int("removed", n), slog.String("error", err.Error()))
		} else {
			logger.Info("shutdown_cleanup_completed", slog.Int("removed", n))
		}
	}
	logger.Info("battle_agent_stopped")
	return runErr
}

func runExpiryLoop(ctx context.Context, cfg config.Config, eng *orchestrator.Engine, logger *slog.Logger) {
	if cfg.Session.MaxLifetimeMinutes <= 0 || cfg.Session.ExpireIntervalSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(cfg.Session.ExpireIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := eng.ExpireDue(ctx)
			if err != nil {
				logger.Warn("expire_loop_failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Info("sessions_expired", slog.Int("count", n))
			}
		}
	}
}

func buildTLSConfig(cfg config.Config, logger *slog.Logger) *tls.Config {
	if cfg.Server.TLSClientCAFile == "" {
		return nil
	}
	caPem, err := os.ReadFile(cfg.Server.TLSClientCAFile)
	if err != nil {
		logger.Warn("tls_client_ca_read_failed", slog.String("error", err.Error()))
		return nil
	}
	certs := x509.NewCertPool()
	if ok := certs.AppendCertsFromPEM(caPem); !ok {
		logger.Warn("tls_client_ca_parse_failed")
		return nil
	}
	tlsCfg := &tls.Config{ClientCAs: certs, MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSRequireClientCert {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg
}
