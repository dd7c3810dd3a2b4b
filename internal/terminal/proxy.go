// Package terminal relays a websocket to an interactive shell inside a team
// container.
package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/csai/battle-agent/internal/identity"
	"github.com/csai/battle-agent/internal/metrics"
	"github.com/csai/battle-agent/internal/runtime"
	"github.com/csai/battle-agent/internal/state"
)

// Close codes sent to the browser. 1011 covers every target failure.
const (
	CodeUnauthorized = 4001
	CodeNotStarted   = 4002
	CodeNotMember    = 4003
)

const (
	PathPrefix     = "/terminals/"
	readLimit      = 64 << 10
	controlTimeout = 2 * time.Second
)

type Attacher interface {
	AttachInteractive(ctx context.Context, containerID string, opts runtime.AttachOptions) (io.ReadWriteCloser, error)
}

type Store interface {
	GetSession(ctx context.Context, id string) (state.Session, error)
	GetTeam(ctx context.Context, id string) (state.Team, error)
	GetUser(ctx context.Context, uid string) (state.User, error)
}

type Options struct {
	Verifier identity.Verifier
	Store    Store
	Runtime  Attacher
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Shell    string
	TTY      bool
}

type Proxy struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Proxy{
		opts: opts,
		log:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type target struct {
	teamID      string
	userID      string
	userName    string
	containerID string
}

// refusal is an authorization or lookup failure reported as a close frame.
type refusal struct {
	code int
	text string
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("terminal_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	connID := uuid.NewString()
	log := p.log.With(slog.String("conn_id", connID))

	tgt, ref := p.authorize(r.Context(), r.URL.Path)
	if ref != nil {
		p.opts.Metrics.IncTerminalRefused()
		log.Warn("terminal_refused", slog.Int("code", ref.code), slog.String("reason", ref.text))
		closeWith(conn, ref.code, ref.text)
		return
	}

	stream, err := p.opts.Runtime.AttachInteractive(context.WithoutCancel(r.Context()), tgt.containerID, runtime.AttachOptions{
		User:  tgt.userName,
		Shell: p.opts.Shell,
		TTY:   p.opts.TTY,
	})
	if err != nil {
		p.opts.Metrics.IncTerminalRefused()
		log.Error("terminal_attach_failed", slog.String("team_id", tgt.teamID), slog.String("error", err.Error()))
		closeWith(conn, websocket.CloseInternalServerErr, "Target container not available.")
		return
	}

	p.opts.Metrics.TerminalOpened()
	defer p.opts.Metrics.TerminalClosed()
	log.Info("terminal_opened", slog.String("team_id", tgt.teamID), slog.String("user_id", tgt.userID))
	relay(conn, stream)
	log.Info("terminal_closed", slog.String("team_id", tgt.teamID), slog.String("user_id", tgt.userID))
}

// authorize resolves /terminals/{teamId}/{userId}/{token} to a container and
// OS user, refusing before the runtime is touched.
func (p *Proxy) authorize(ctx context.Context, path string) (target, *refusal) {
	parts := strings.Split(strings.TrimPrefix(path, PathPrefix), "/")
	if !strings.HasPrefix(path, PathPrefix) || len(parts) != 3 || slices.Contains(parts, "") {
		return target{}, &refusal{websocket.CloseInternalServerErr, "Invalid URL format. Use /terminals/{teamId}/{userId}/{token}"}
	}
	teamID, userID, token := parts[0], parts[1], parts[2]

	uid, err := p.opts.Verifier.VerifyToken(ctx, token)
	if err != nil || uid != userID {
		return target{}, &refusal{CodeUnauthorized, "Unauthorized"}
	}

	team, err := p.opts.Store.GetTeam(ctx, teamID)
	if err != nil {
		return target{}, &refusal{websocket.CloseInternalServerErr, "Target container not available."}
	}
	if team.SessionID != "" {
		sess, err := p.opts.Store.GetSession(ctx, team.SessionID)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return target{}, &refusal{websocket.CloseInternalServerErr, "Target container not available."}
		}
		if err != nil || !sess.Started {
			return target{}, &refusal{CodeNotStarted, team.SessionID + " has not yet started."}
		}
	}
	if !slices.Contains(team.MemberIDs, userID) {
		return target{}, &refusal{CodeNotMember, "User is not part of the team."}
	}
	user, err := p.opts.Store.GetUser(ctx, userID)
	if err != nil || user.UserName == "" || team.ContainerID == "" {
		return target{}, &refusal{websocket.CloseInternalServerErr, "Target container not available."}
	}
	return target{teamID: teamID, userID: userID, userName: user.UserName, containerID: team.ContainerID}, nil
}

// relay copies in both directions until either side ends, then closes both.
func relay(conn *websocket.Conn, stream io.ReadWriteCloser) {
	var once sync.Once
	shutdown := func(code int, text string) {
		once.Do(func() {
			closeWith(conn, code, text)
			_ = stream.Close()
		})
	}
	conn.SetReadLimit(readLimit)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 32<<10)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					shutdown(websocket.CloseNormalClosure, "")
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
					shutdown(websocket.CloseNormalClosure, "")
				} else {
					shutdown(websocket.CloseInternalServerErr, "Stream error: "+err.Error())
				}
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			shutdown(websocket.CloseNormalClosure, "")
			break
		}
		if _, err := stream.Write(data); err != nil {
			shutdown(websocket.CloseInternalServerErr, "Stream error: "+err.Error())
			break
		}
	}
	<-done
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(controlTimeout))
	_ = conn.Close()
}
