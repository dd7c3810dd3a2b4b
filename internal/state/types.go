package state

import "time"

// Session is one exercise instance: a network, a gateway and one container
// per team. Started flips to true exactly once.
type Session struct {
	ID                 string    `json:"id"`
	TeamIDs            []string  `json:"team_ids"`
	NumTeams           int       `json:"num_teams"`
	NumUsers           int       `json:"num_users"`
	ScenarioID         string    `json:"scenario_id"`
	AdminUID           string    `json:"admin_uid"`
	Started            bool      `json:"started"`
	ServerID           string    `json:"server_id"`
	NetworkID          string    `json:"network_id"`
	NetworkName        string    `json:"network_name"`
	GatewayContainerID string    `json:"wg_container_id"`
	WGPort             int       `json:"wg_port"`
	Subnet             string    `json:"subnet"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Expired reports whether the session outlived its deadline. A zero
// deadline never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

type Team struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	NumMembers  int      `json:"num_members"`
	MemberIDs   []string `json:"member_ids"`
	ContainerID string   `json:"container_id"`
	SessionID   string   `json:"session_id"`
	IPAddress   string   `json:"ip_address"`
}

// User is the login record; the display name doubles as the OS account name.
type User struct {
	UID      string `json:"uid"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	TeamID   string `json:"team_id"`
}

type Snapshot struct {
	Sessions  map[string]Session `json:"sessions"`
	Teams     map[string]Team    `json:"teams"`
	Users     map[string]User    `json:"users"`
	UpdatedAt time.Time          `json:"updated_at"`
}
