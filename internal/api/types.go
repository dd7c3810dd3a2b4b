package api

import "time"

type CreateSessionRequest struct {
	SelectedScenario  *int   `json:"selectedScenario"`
	NumTeams          *int   `json:"numTeams"`
	NumMembersPerTeam *int   `json:"numMembersPerTeam"`
	Token             string `json:"token"`
}

type CreateSessionResult struct {
	SessionID string   `json:"sessionId"`
	TeamIDs   []string `json:"teamIds"`
}

type CreateSessionResponse struct {
	Result CreateSessionResult `json:"result"`
}

type StartSessionRequest struct {
	SessionID *string `json:"sessionId"`
	Token     string  `json:"token"`
}

type StartSessionResponse struct {
	Result          string              `json:"result"`
	TeamsAndMembers map[string][]string `json:"teamsAndMembers,omitempty"`
	Error           *ErrorBody          `json:"error,omitempty"`
}

type MemberConfigResponse struct {
	Config    string `json:"config"`
	QRCode    string `json:"qrCode"`
	Username  string `json:"username"`
	IPAddress string `json:"ipAddress"`
}

type ScenarioListResponse struct {
	Scenarios []string `json:"scenarios"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type SessionPayload struct {
	ID          string    `json:"session_id"`
	ScenarioID  string    `json:"scenario_id"`
	TeamIDs     []string  `json:"team_ids"`
	NumTeams    int       `json:"num_teams"`
	NumUsers    int       `json:"num_users"`
	AdminUID    string    `json:"admin_uid"`
	Started     bool      `json:"started"`
	NetworkName string    `json:"network_name"`
	Subnet      string    `json:"subnet"`
	WGPort      int       `json:"wg_port"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

type SessionListResponse struct {
	OK       bool             `json:"ok"`
	ServerID string           `json:"server_id"`
	Sessions []SessionPayload `json:"sessions"`
}

type DeleteSessionResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
}

type CleanupResponse struct {
	OK      bool `json:"ok"`
	Removed int  `json:"removed"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	ServerID         string `json:"server_id"`
	Uptime           int64  `json:"uptime_seconds"`
	DockerOK         bool   `json:"docker_ok"`
	PoolReady        bool   `json:"pool_ready"`
	ActiveSessions   int    `json:"active_sessions"`
	PortsRemaining   int    `json:"ports_remaining"`
	SubnetsRemaining int    `json:"subnets_remaining"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

type ReconcileResponse struct {
	OK                bool `json:"ok"`
	Checked           int  `json:"checked"`
	Reserved          int  `json:"reserved"`
	PrunedConfigs     int  `json:"pruned_configs"`
	RemovedContainers int  `json:"removed_containers"`
	RemovedNetworks   int  `json:"removed_networks"`
}
