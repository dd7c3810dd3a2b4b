package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/battle-agent/internal/config"
	"github.com/csai/battle-agent/internal/metrics"
	"github.com/csai/battle-agent/internal/network"
	"github.com/csai/battle-agent/internal/observability"
	"github.com/csai/battle-agent/internal/orchestrator"
	"github.com/csai/battle-agent/internal/pool"
	"github.com/csai/battle-agent/internal/readiness"
	"github.com/csai/battle-agent/internal/runtime"
	"github.com/csai/battle-agent/internal/scenario"
	"github.com/csai/battle-agent/internal/state"
	"github.com/csai/battle-agent/internal/wireguard"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "battle-agent:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "battle-agent",
		Short:         "Provisions team battle sessions: networks, VPN gateways, team containers and terminals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if cfgFile != "" {
				if err := os.Setenv("BATTLE_AGENT_CONFIG_FILE", cfgFile); err != nil {
					return err
				}
			}
			if envFile != "" {
				return os.Setenv("BATTLE_AGENT_ENV_FILE", envFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return runServe(cmd.Context()) },
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (overrides BATTLE_AGENT_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", ".env file (overrides BATTLE_AGENT_ENV_FILE)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, terminal proxy and expiry loop",
			RunE:  func(cmd *cobra.Command, _ []string) error { return runServe(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Tear down every session owned by this server and prune orphaned configs",
			RunE:  func(cmd *cobra.Command, _ []string) error { return runCleanup(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Re-reserve resources of stored sessions and remove orphaned containers and networks",
			RunE:  func(cmd *cobra.Command, _ []string) error { return runReconcile(cmd.Context()) },
		},
	)
	return root
}

// app is the wired engine shared by every subcommand.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Registry
	docker  *runtime.Client
	store   state.Store
	pool    *pool.Pool
	layout  *wireguard.Layout
	catalog *scenario.Catalog
	engine  *orchestrator.Engine
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.Observability)
	reg := metrics.New()

	docker, err := runtime.New(ctx, logger)
	if err != nil {
		logger.Error("runtime_init_failed", slog.String("error", err.Error()))
		return nil, err
	}
	cidr, err := netip.ParsePrefix(cfg.Pool.SubnetCIDR)
	if err != nil {
		_ = docker.Close()
		return nil, err
	}
	pl, err := pool.New(cfg.Pool.PortStart, cfg.Pool.PortEnd, cidr, cfg.Pool.SubnetPrefixLen, logger)
	if err != nil {
		_ = docker.Close()
		return nil, err
	}
	pl.Start(context.WithoutCancel(ctx), docker)

	st, err := state.Open(cfg.Storage)
	if err != nil {
		_ = docker.Close()
		logger.Error("state_init_failed", slog.String("error", err.Error()))
		return nil, err
	}

	layout := wireguard.NewLayout(cfg.Gateway.ConfigRoot)
	catalog := scenario.NewCatalog(cfg.Scenarios.Dir)
	engineCfg := cfg
	if engineCfg.Session.ServerID == "" {
		if id, err := orchestrator.MachineID(); err == nil {
			engineCfg.Session.ServerID = id
		}
	}
	provisioner := network.New(docker, pl, layout, network.Options{
		GatewayImage:   cfg.Gateway.Image,
		InternalSubnet: cfg.Gateway.InternalSubnet,
		InitScriptDir:  cfg.Gateway.InitScriptDir,
		HostOctet:      cfg.Gateway.HostOctet,
		PUID:           cfg.Gateway.PUID,
		PGID:           cfg.Gateway.PGID,
		ServerID:       engineCfg.Session.ServerID,
		DNS:            cfg.Runtime.DNS,
		RestartPolicy:  cfg.Runtime.RestartPolicy,
		Health: readiness.Poller{
			Interval: time.Duration(cfg.Gateway.HealthIntervalSeconds) * time.Second,
			Attempts: cfg.Gateway.HealthAttempts,
		},
	}, logger)

	engine, err := orchestrator.New(engineCfg, orchestrator.Deps{
		Runtime:   docker,
		Store:     st,
		Pool:      pl,
		Network:   provisioner,
		Layout:    layout,
		Scenarios: catalog,
		Metrics:   reg,
		Logger:    logger,
	})
	if err != nil {
		_ = st.Close()
		_ = docker.Close()
		logger.Error("engine_init_failed", slog.String("error", err.Error()))
		return nil, err
	}
	return &app{
		cfg:     engineCfg,
		logger:  logger,
		metrics: reg,
		docker:  docker,
		store:   st,
		pool:    pl,
		layout:  layout,
		catalog: catalog,
		engine:  engine,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("state_close_failed", slog.String("error", err.Error()))
	}
	_ = a.docker.Close()
}

func runCleanup(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	n, err := a.engine.CleanupAllSessions(ctx)
	report := map[string]any{
		"status":         "ok",
		"server_id":      a.engine.ServerID(),
		"removed":        n,
		"cleaned_at_utc": time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		report["status"] = "incomplete"
		report["error"] = err.Error()
	}
	printReport(report)
	return err
}

func runReconcile(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	summary, err := a.engine.Reconcile(ctx)
	if err != nil {
		a.logger.Error("reconcile_failed", slog.String("error", err.Error()))
		return err
	}
	printReport(map[string]any{
		"status":             "ok",
		"checked":            summary.Checked,
		"reserved":           summary.Reserved,
		"pruned_configs":     summary.PrunedConfigs,
		"removed_containers": summary.RemovedContainers,
		"removed_networks":   summary.RemovedNetworks,
		"reconciled_at_utc":  time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

func printReport(v map[string]any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var errStartup = errors.New("startup self-check failed")
