// Package api is the HTTP surface: player routes authenticated by identity
// token, staff routes behind the agent guard, and the terminal upgrade.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/csai/battle-agent/internal/config"
	"github.com/csai/battle-agent/internal/identity"
	"github.com/csai/battle-agent/internal/metrics"
	"github.com/csai/battle-agent/internal/network"
	"github.com/csai/battle-agent/internal/orchestrator"
	"github.com/csai/battle-agent/internal/scenario"
	"github.com/csai/battle-agent/internal/state"
	"github.com/csai/battle-agent/internal/wireguard"
)

type Orchestrator interface {
	CreateSession(ctx context.Context, in orchestrator.CreateInput) (orchestrator.CreateResult, error)
	StartSession(ctx context.Context, sessionID, callerID string) (orchestrator.StartResult, error)
	ListSessions(ctx context.Context) ([]state.Session, error)
	CleanupSessionByID(ctx context.Context, id string) error
	CleanupAllSessions(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (orchestrator.ReconcileSummary, error)
	Health(ctx context.Context) (orchestrator.HealthStatus, error)
	Ready(ctx context.Context) error
	ServerID() string
}

type Records interface {
	GetTeam(ctx context.Context, id string) (state.Team, error)
	GetUser(ctx context.Context, uid string) (state.User, error)
}

type Configs interface {
	MemberConfig(sessionID, teamID string, n int) (wireguard.MemberConfig, error)
	TunnelAddress(sessionID, teamID string) (string, error)
}

type ScenarioLister interface {
	List() ([]string, error)
}

type Middleware func(http.Handler) http.Handler

type Deps struct {
	Engine    Orchestrator
	Records   Records
	Configs   Configs
	Scenarios ScenarioLister
	Verifier  identity.Verifier
	Terminal  http.Handler
	Staff     Middleware
	Limit     Middleware
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

type Server struct {
	cfg       config.Config
	d         Deps
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, d Deps) *Server {
	passthrough := func(h http.Handler) http.Handler { return h }
	if d.Staff == nil {
		d.Staff = passthrough
	}
	if d.Limit == nil {
		d.Limit = passthrough
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg, d: d, metrics: d.Metrics, logger: d.Logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	health := func(h http.HandlerFunc) http.Handler {
		if s.cfg.Server.HealthPublic {
			return h
		}
		return s.d.Staff(h)
	}
	mux.Handle("GET /healthz", health(s.handleHealthz))
	mux.Handle("GET /readyz", health(s.handleReadyz))
	mux.Handle("GET "+s.cfg.Observability.MetricsPath, health(s.handleMetrics))

	player := func(h http.HandlerFunc) http.Handler { return s.d.Limit(h) }
	mux.Handle("GET /api/scenarios", player(s.handleScenarios))
	mux.Handle("POST /api/session", player(s.handleCreateSession))
	mux.Handle("POST /api/start-session", player(s.handleStartSession))
	mux.Handle("GET /api/config/{sessionId}/{teamId}/{userId}/{token}", player(s.handleMemberConfig))
	if s.d.Terminal != nil {
		mux.Handle("GET /terminals/", s.d.Limit(s.d.Terminal))
	}

	staff := func(h http.HandlerFunc) http.Handler { return s.d.Limit(s.d.Staff(h)) }
	mux.Handle("GET /v1/sessions", staff(s.handleListSessions))
	mux.Handle("DELETE /v1/sessions/{id}", staff(s.handleDeleteSession))
	mux.Handle("POST /v1/cleanup", staff(s.handleCleanupAll))
	mux.Handle("POST /v1/reconcile", staff(s.handleReconcile))
	return mux
}

// principal verifies a player token; an empty principal is never accepted.
func (s *Server) principal(ctx context.Context, token string) (string, bool) {
	if token == "" || s.d.Verifier == nil {
		return "", false
	}
	uid, err := s.d.Verifier.VerifyToken(ctx, token)
	if err != nil || uid == "" {
		s.logger.Warn("token_rejected")
		return "", false
	}
	return uid, true
}

func (s *Server) handleScenarios(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.d.Scenarios.List()
	if err != nil {
		s.logger.Error("scenario_list_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Unable to list scenarios.", nil)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioListResponse{Scenarios: ids})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", nil)
		return
	}
	uid, ok := s.principal(r.Context(), req.Token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token.", nil)
		return
	}
	if req.SelectedScenario == nil || req.NumTeams == nil || req.NumMembersPerTeam == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body",
			map[string]any{"required": []string{"selectedScenario", "numTeams", "numMembersPerTeam"}})
		return
	}

	res, err := s.d.Engine.CreateSession(r.Context(), orchestrator.CreateInput{
		ScenarioIndex:     *req.SelectedScenario,
		NumTeams:          *req.NumTeams,
		NumMembersPerTeam: *req.NumMembersPerTeam,
		AdminID:           uid,
	})
	if err != nil {
		s.writeOrchErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{Result: CreateSessionResult{SessionID: res.SessionID, TeamIDs: res.TeamIDs}})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body", nil)
		return
	}
	uid, ok := s.principal(r.Context(), req.Token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token.", nil)
		return
	}
	if req.SessionID == nil || strings.TrimSpace(*req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid session ID", nil)
		return
	}

	res, err := s.d.Engine.StartSession(r.Context(), strings.TrimSpace(*req.SessionID), uid)
	if err != nil {
		status, code := classify(err)
		msg := res.Message
		if msg == "" {
			s.logger.Error("session_start_error", slog.String("error", err.Error()))
			msg = "Error starting session: " + err.Error()
		}
		writeJSON(w, status, StartSessionResponse{Result: msg, Error: &ErrorBody{Code: code, Message: msg}})
		return
	}
	writeJSON(w, http.StatusOK, StartSessionResponse{Result: res.Message, TeamsAndMembers: res.TeamsAndMembers})
}

func (s *Server) handleMemberConfig(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	teamID := r.PathValue("teamId")
	userID := r.PathValue("userId")

	uid, ok := s.principal(r.Context(), r.PathValue("token"))
	if !ok || uid != userID {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token.", nil)
		return
	}

	user, uerr := s.d.Records.GetUser(r.Context(), userID)
	team, terr := s.d.Records.GetTeam(r.Context(), teamID)
	if err := errors.Join(uerr, terr); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "User or team not found", nil)
			return
		}
		s.logger.Error("config_lookup_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Error retrieving config.", nil)
		return
	}
	if team.SessionID != sessionID {
		writeError(w, http.StatusNotFound, "not_found", "User or team not found", nil)
		return
	}
	slot := slices.Index(team.MemberIDs, userID)
	if slot < 0 {
		writeError(w, http.StatusForbidden, "forbidden", "User is not in the given team", nil)
		return
	}

	mc, err := s.d.Configs.MemberConfig(sessionID, teamID, slot+1)
	if err != nil {
		s.logger.Error("member_config_read_failed", slog.String("session_id", sessionID), slog.String("team_id", teamID), slog.String("error", err.Error()))
		if errors.Is(err, wireguard.ErrConfigMissing) {
			writeError(w, http.StatusNotFound, "config_missing", "Error reading config or image file", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Error reading config or image file", nil)
		return
	}
	addr, err := s.d.Configs.TunnelAddress(team.SessionID, team.ID)
	if err != nil {
		if team.IPAddress == "" {
			s.logger.Error("tunnel_address_failed", slog.String("team_id", teamID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "Error retrieving config.", nil)
			return
		}
		addr = team.IPAddress
	}
	writeJSON(w, http.StatusOK, MemberConfigResponse{
		Config:    mc.Config,
		QRCode:    base64.StdEncoding.EncodeToString(mc.QRCode),
		Username:  user.UserName,
		IPAddress: addr,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	items, err := s.d.Engine.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Unable to list sessions.", map[string]any{"error": err.Error()})
		return
	}
	payloads := make([]SessionPayload, 0, len(items))
	for _, sess := range items {
		payloads = append(payloads, toSessionPayload(sess))
	}
	writeJSON(w, http.StatusOK, SessionListResponse{OK: true, ServerID: s.d.Engine.ServerID(), Sessions: payloads})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.d.Engine.CleanupSessionByID(r.Context(), id); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) || errors.Is(err, orchestrator.ErrForbidden) {
			s.writeOrchErr(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, "cleanup_incomplete", "Session cleanup finished with errors.", map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, DeleteSessionResponse{OK: true, SessionID: id})
}

func (s *Server) handleCleanupAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Engine.CleanupAllSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup_incomplete", "Cleanup finished with errors.", map[string]any{"removed": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{OK: true, Removed: n})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.d.Engine.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reconcile_failed", "Reconciliation failed.", map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		OK:                true,
		Checked:           summary.Checked,
		Reserved:          summary.Reserved,
		PrunedConfigs:     summary.PrunedConfigs,
		RemovedContainers: summary.RemovedContainers,
		RemovedNetworks:   summary.RemovedNetworks,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Engine.Health(r.Context())
	dockerOK := err == nil
	s.metrics.SetActiveSessions(st.ActiveSessions)
	status, code := "ok", http.StatusOK
	if !dockerOK {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:           status,
		Version:          s.cfg.Server.Version,
		ServerID:         s.d.Engine.ServerID(),
		Uptime:           int64(time.Since(s.startedAt).Seconds()),
		DockerOK:         dockerOK,
		PoolReady:        st.PoolReady,
		ActiveSessions:   st.ActiveSessions,
		PortsRemaining:   st.PortsRemaining,
		SubnetsRemaining: st.SubnetsRemaining,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Engine.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput), errors.Is(err, scenario.ErrInvalidScenario):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, orchestrator.ErrNoCapacity):
		return http.StatusServiceUnavailable, "no_capacity"
	case errors.Is(err, orchestrator.ErrPoolNotReady):
		return http.StatusServiceUnavailable, "pool_not_ready"
	case errors.Is(err, network.ErrGatewayUnhealthy):
		return http.StatusGatewayTimeout, "gateway_unhealthy"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

var messages = map[string]string{
	"invalid_input":     "Invalid request.",
	"forbidden":         "Operation not permitted.",
	"not_found":         "Session not found.",
	"conflict":          "Operation conflicts with the session state.",
	"no_capacity":       "No capacity available, please try again later.",
	"pool_not_ready":    "Server is still starting, please try again later.",
	"gateway_unhealthy": "VPN gateway did not become healthy.",
	"internal_error":    "Operation failed.",
}

func (s *Server) writeOrchErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("orchestrator_error", slog.String("code", code), slog.String("error", err.Error()))
	}
	writeError(w, status, code, messages[code], map[string]any{"error": err.Error()})
}

func toSessionPayload(sess state.Session) SessionPayload {
	return SessionPayload{
		ID:          sess.ID,
		ScenarioID:  sess.ScenarioID,
		TeamIDs:     sess.TeamIDs,
		NumTeams:    sess.NumTeams,
		NumUsers:    sess.NumUsers,
		AdminUID:    sess.AdminUID,
		Started:     sess.Started,
		NetworkName: sess.NetworkName,
		Subnet:      sess.Subnet,
		WGPort:      sess.WGPort,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}
