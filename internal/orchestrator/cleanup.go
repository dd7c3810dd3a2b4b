package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/csai/battle-agent/internal/runtime"
	"github.com/csai/battle-agent/internal/state"
)

type ReconcileSummary struct {
	Checked           int
	Reserved          int
	PrunedConfigs     int
	RemovedContainers int
	RemovedNetworks   int
}

// CleanupSession tears down everything the session owns. Objects that are
// already gone are skipped; every other failure is logged, does not stop
// the remaining steps and is returned joined.
func (e *Engine) CleanupSession(ctx context.Context, sess state.Session) error {
	log := e.log.With(slog.String("session_id", sess.ID))
	var errs []error
	note := func(step string, err error) {
		if err == nil {
			return
		}
		if runtime.IsNotFound(err) || errors.Is(err, state.ErrNotFound) {
			log.Warn("cleanup_step_skipped", slog.String("step", step), slog.String("error", err.Error()))
			return
		}
		log.Error("cleanup_step_failed", slog.String("step", step), slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
	}

	if sess.GatewayContainerID != "" {
		note("remove gateway", e.removeContainer(ctx, sess.GatewayContainerID))
	}
	for _, teamID := range sess.TeamIDs {
		team, err := e.store.GetTeam(ctx, teamID)
		if err != nil {
			note("load team "+teamID, err)
			continue
		}
		if team.ContainerID != "" {
			note("remove team container "+teamID, e.removeContainer(ctx, team.ContainerID))
		}
		note("delete team "+teamID, e.store.DeleteTeam(ctx, teamID))
	}
	if sess.ID != "" {
		note("remove configs", e.layout.RemoveSession(sess.ID))
	}
	if sess.Subnet != "" {
		if p, err := netip.ParsePrefix(sess.Subnet); err == nil {
			e.pool.ReleaseSubnet(p)
		} else {
			note("release subnet", err)
		}
	}
	if sess.WGPort > 0 {
		e.pool.ReleasePort(sess.WGPort)
	}
	if ref := firstNonEmpty(sess.NetworkID, sess.NetworkName); ref != "" {
		note("remove network", e.rt.RemoveNetwork(ctx, ref))
	}
	note("delete session", e.store.DeleteSession(ctx, sess.ID))

	e.metrics.IncSessionCleaned()
	e.refreshActive(ctx)
	log.Info("session_cleaned", slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// CleanupSessionByID is CleanupSession for a stored session owned by this
// process.
func (e *Engine) CleanupSessionByID(ctx context.Context, id string) error {
	sess, err := e.store.GetSession(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if sess.ServerID != e.serverID {
		return fmt.Errorf("%w: session %s belongs to server %s", ErrForbidden, id, sess.ServerID)
	}
	return e.CleanupSession(ctx, sess)
}

// CleanupAllSessions removes every session created by this process and any
// config directory no stored session refers to.
func (e *Engine) CleanupAllSessions(ctx context.Context) (int, error) {
	e.log.Info("cleanup_all_started", slog.String("server_id", e.serverID))
	var errs []error
	if _, err := e.pruneConfigs(ctx); err != nil {
		errs = append(errs, err)
	}
	list, err := e.store.ListSessionsByServer(ctx, e.serverID)
	if err != nil {
		return 0, errors.Join(append(errs, fmt.Errorf("list sessions: %w", err))...)
	}
	for _, sess := range list {
		if err := e.CleanupSession(ctx, sess); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
		}
	}
	e.log.Info("cleanup_all_completed", slog.Int("sessions", len(list)))
	return len(list), errors.Join(errs...)
}

// ExpireDue cleans up sessions of this process past their deadline.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	list, err := e.store.ListSessionsByServer(ctx, e.serverID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var errs []error
	expired := 0
	for _, sess := range list {
		if !sess.Expired(now) {
			continue
		}
		e.log.Info("session_expired", slog.String("session_id", sess.ID), slog.Time("expires_at", sess.ExpiresAt))
		expired++
		if err := e.CleanupSession(ctx, sess); err != nil {
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// Reconcile re-adopts pool resources of persisted sessions after a restart
// and removes labelled runtime objects and config directories of this
// process that no session refers to.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	if err := e.pool.WaitReady(ctx); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrPoolNotReady, err)
	}
	mine, err := e.store.ListSessionsByServer(ctx, e.serverID)
	if err != nil {
		return summary, fmt.Errorf("list sessions: %w", err)
	}
	known := map[string]bool{}
	for _, sess := range mine {
		summary.Checked++
		known[sess.ID] = true
		subnet, _ := netip.ParsePrefix(sess.Subnet)
		e.pool.Reserve(subnet, sess.WGPort)
		summary.Reserved++
	}

	var errs []error
	pruned, err := e.pruneConfigs(ctx)
	summary.PrunedConfigs = pruned
	if err != nil {
		errs = append(errs, err)
	}

	containers, err := e.rt.ListManagedContainers(ctx)
	if err != nil {
		return summary, errors.Join(append(errs, err)...)
	}
	for _, c := range containers {
		if !e.orphaned(c, known) {
			continue
		}
		if err := e.removeContainer(ctx, c.ID); err != nil && !runtime.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		e.log.Info("orphan_container_removed", slog.String("container", strings.TrimPrefix(c.Name, "/")), slog.String("session_id", c.SessionID))
		summary.RemovedContainers++
	}

	networks, err := e.rt.ListManagedNetworks(ctx)
	if err != nil {
		return summary, errors.Join(append(errs, err)...)
	}
	for _, n := range networks {
		if !e.orphaned(n, known) {
			continue
		}
		if err := e.rt.RemoveNetwork(ctx, n.ID); err != nil && !runtime.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		e.log.Info("orphan_network_removed", slog.String("network", n.Name), slog.String("session_id", n.SessionID))
		summary.RemovedNetworks++
	}
	e.refreshActive(ctx)
	return summary, errors.Join(errs...)
}

func (e *Engine) orphaned(obj runtime.ManagedObject, known map[string]bool) bool {
	if obj.ServerID != e.serverID || obj.SessionID == "" {
		return false
	}
	return !known[obj.SessionID] && !e.isCreating(obj.SessionID)
}

// pruneConfigs keeps directories of every stored session regardless of
// owner and of sessions still being created.
func (e *Engine) pruneConfigs(ctx context.Context) (int, error) {
	all, err := e.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	keep := map[string]bool{}
	for _, sess := range all {
		keep[sess.ID] = true
	}
	e.mu.Lock()
	for id := range e.creating {
		keep[id] = true
	}
	e.mu.Unlock()
	removed, err := e.layout.PruneOrphans(keep)
	if len(removed) > 0 {
		e.log.Info("orphan_configs_pruned", slog.Int("count", len(removed)))
	}
	return len(removed), err
}

// removeContainer stops then force-removes. A stop failure other than
// not-found still falls through to the forced remove.
func (e *Engine) removeContainer(ctx context.Context, id string) error {
	timeout := time.Duration(e.cfg.Runtime.StopTimeoutSeconds) * time.Second
	if err := e.rt.StopContainer(ctx, id, timeout); err != nil {
		if runtime.IsNotFound(err) {
			return err
		}
		e.log.Warn("container_stop_failed", slog.String("container_id", id), slog.String("error", err.Error()))
	}
	return e.rt.RemoveContainer(ctx, id)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
