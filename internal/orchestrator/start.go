package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/csai/battle-agent/internal/state"
)

type StartResult struct {
	Success         bool
	Message         string
	TeamsAndMembers map[string][]string
}

var userNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,31}$`)

type provisionStep struct {
	name string
	argv []string
}

// accountSteps installs sudo, creates a sudo-enabled login and sets its
// password to the user name. Every step can be rerun after a partial start.
func accountSteps(userName string) []provisionStep {
	q := shellquote.Join(userName)
	sudoers := shellquote.Join(userName + " ALL=(ALL) NOPASSWD:ALL")
	creds := shellquote.Join(userName + ":" + userName)
	createUser := fmt.Sprintf("{ id -u %s >/dev/null 2>&1 || useradd -m -s /bin/bash %s; } && usermod -aG sudo %s && { grep -qxF %s /etc/sudoers || echo %s >> /etc/sudoers; }",
		q, q, q, sudoers, sudoers)
	return []provisionStep{
		{name: "install sudo", argv: []string{"/bin/sh", "-c", "apt update && apt install sudo -y > /dev/null 2>&1"}},
		{name: "create user", argv: []string{"/bin/sh", "-c", createUser}},
		{name: "set password", argv: []string{"/bin/sh", "-c", fmt.Sprintf("echo %s | chpasswd", creds)}},
	}
}

type accountJob struct {
	team     state.Team
	userName string
}

// StartSession provisions an OS account for every member in their team's
// container, plus the admin in every container, then marks the session
// started. Only the admin may start a session, and only once.
func (e *Engine) StartSession(ctx context.Context, sessionID, callerID string) (StartResult, error) {
	if !e.beginStart(sessionID) {
		return failed("Session is already being started.", ErrConflict)
	}
	defer e.endStart(sessionID)

	sess, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, state.ErrNotFound) {
		return failed("Session not found.", ErrNotFound)
	}
	if err != nil {
		return StartResult{}, fmt.Errorf("load session: %w", err)
	}
	if sess.Started {
		return failed("Session is already started.", ErrConflict)
	}
	if callerID != sess.AdminUID {
		return failed("Only the session admin can start the session.", ErrForbidden)
	}
	if len(sess.TeamIDs) == 0 {
		return failed("No teams found in this session", ErrInvalidInput)
	}

	jobs, err := e.planAccounts(ctx, sess)
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			return StartResult{Message: rej.msg}, err
		}
		return StartResult{}, err
	}

	log := e.log.With(slog.String("session_id", sess.ID))
	for _, job := range jobs {
		if err := e.provisionAccount(ctx, job.team.ContainerID, job.userName); err != nil {
			log.Error("account_provisioning_failed",
				slog.String("team_id", job.team.ID),
				slog.String("user_name", job.userName),
				slog.String("error", err.Error()))
			return failed(fmt.Sprintf("Failed to create user %s in %s: %v", job.userName, job.team.Name, err), ErrProvisioning)
		}
	}

	// A cleanup may have removed the record while commands ran.
	latest, err := e.store.GetSession(ctx, sess.ID)
	if errors.Is(err, state.ErrNotFound) {
		log.Warn("session_removed_while_starting")
		return failed("Session was removed while it was being started.", ErrNotFound)
	}
	if err != nil {
		return StartResult{}, fmt.Errorf("reload session: %w", err)
	}
	latest.Started = true
	if err := e.store.PutSession(ctx, latest); err != nil {
		return StartResult{}, fmt.Errorf("persist session: %w", err)
	}
	e.metrics.IncSessionStarted()

	teamsAndMembers := map[string][]string{}
	for _, job := range jobs {
		teamsAndMembers[job.team.Name] = job.team.MemberIDs
	}
	msg := fmt.Sprintf("Session %s started successfully.", sess.ID)
	log.Info("session_started", slog.Int("accounts", len(jobs)))
	return StartResult{Success: true, Message: msg, TeamsAndMembers: teamsAndMembers}, nil
}

// planAccounts resolves every team and user before any command runs so a
// missing record never leaves a session half provisioned.
func (e *Engine) planAccounts(ctx context.Context, sess state.Session) ([]accountJob, error) {
	admin, err := e.store.GetUser(ctx, sess.AdminUID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, reject(ErrNotFound, "User with ID %s not found.", sess.AdminUID)
	}
	if err != nil {
		return nil, fmt.Errorf("load admin: %w", err)
	}

	var jobs []accountJob
	for _, teamID := range sess.TeamIDs {
		team, err := e.store.GetTeam(ctx, teamID)
		if errors.Is(err, state.ErrNotFound) {
			return nil, reject(ErrNotFound, "Team with ID %s not found.", teamID)
		}
		if err != nil {
			return nil, fmt.Errorf("load team: %w", err)
		}
		if len(team.MemberIDs) == 0 {
			return nil, reject(ErrInvalidInput, "Team %s has no members.", team.Name)
		}
		for _, uid := range team.MemberIDs {
			if uid == sess.AdminUID {
				continue
			}
			u, err := e.store.GetUser(ctx, uid)
			if errors.Is(err, state.ErrNotFound) {
				return nil, reject(ErrNotFound, "User with ID %s not found.", uid)
			}
			if err != nil {
				return nil, fmt.Errorf("load user: %w", err)
			}
			jobs = append(jobs, accountJob{team: team, userName: u.UserName})
		}
		jobs = append(jobs, accountJob{team: team, userName: admin.UserName})
	}
	for _, job := range jobs {
		if !userNamePattern.MatchString(job.userName) {
			return nil, reject(ErrInvalidInput, "User name %q cannot be used as an account name.", job.userName)
		}
	}
	return jobs, nil
}

// provisionAccount runs the account steps in order and stops at the first
// failure, naming the step.
func (e *Engine) provisionAccount(ctx context.Context, containerID, userName string) error {
	for _, step := range accountSteps(userName) {
		if _, err := e.rt.RunToCompletion(ctx, containerID, step.argv); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// rejection is a refused start: msg is shown to the caller as is.
type rejection struct {
	kind error
	msg  string
}

func (r *rejection) Error() string { return r.kind.Error() + ": " + r.msg }
func (r *rejection) Unwrap() error { return r.kind }

func reject(kind error, format string, args ...any) error {
	return &rejection{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func failed(msg string, kind error) (StartResult, error) {
	return StartResult{Message: msg}, &rejection{kind: kind, msg: msg}
}

func (e *Engine) beginStart(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.starting[id]; busy {
		return false
	}
	e.starting[id] = struct{}{}
	return true
}

func (e *Engine) endStart(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.starting, id)
}
