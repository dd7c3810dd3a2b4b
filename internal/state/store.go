package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/csai/battle-agent/internal/config"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	GetSession(ctx context.Context, id string) (Session, error)
	PutSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]Session, error)
	ListSessionsByServer(ctx context.Context, serverID string) ([]Session, error)

	GetTeam(ctx context.Context, id string) (Team, error)
	PutTeam(ctx context.Context, t Team) error
	DeleteTeam(ctx context.Context, id string) error

	GetUser(ctx context.Context, uid string) (User, error)
	PutUser(ctx context.Context, u User) error

	Close() error
}

// Open picks the backend named by cfg.Driver.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.StateFile)
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// FileStore keeps everything in memory and rewrites a JSON snapshot on
// every mutation. Single process only.
type FileStore struct {
	path string
	mu   sync.RWMutex
	snap Snapshot
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, snap: emptySnapshot()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Sessions:  map[string]Session{},
		Teams:     map[string]Team{},
		Users:     map[string]User{},
		UpdatedAt: time.Now().UTC(),
	}
}

func (s *FileStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.snap.Sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return v, nil
}

func (s *FileStore) PutSession(_ context.Context, v Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Sessions[v.ID] = v
	return s.persistLocked()
}

func (s *FileStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.Sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.snap.Sessions, id)
	return s.persistLocked()
}

func (s *FileStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.snap.Sessions))
	for _, v := range s.snap.Sessions {
		out = append(out, v)
	}
	sortSessions(out)
	return out, nil
}

func (s *FileStore) ListSessionsByServer(ctx context.Context, serverID string) ([]Session, error) {
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, v := range all {
		if v.ServerID == serverID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *FileStore) GetTeam(_ context.Context, id string) (Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.snap.Teams[id]
	if !ok {
		return Team{}, ErrNotFound
	}
	return v, nil
}

func (s *FileStore) PutTeam(_ context.Context, v Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Teams[v.ID] = v
	return s.persistLocked()
}

func (s *FileStore) DeleteTeam(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.Teams[id]; !ok {
		return ErrNotFound
	}
	delete(s.snap.Teams, id)
	return s.persistLocked()
}

func (s *FileStore) GetUser(_ context.Context, uid string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.snap.Users[uid]
	if !ok {
		return User{}, ErrNotFound
	}
	return v, nil
}

func (s *FileStore) PutUser(_ context.Context, v User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Users[v.UID] = v
	return s.persistLocked()
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}
	if snap.Sessions == nil {
		snap.Sessions = map[string]Session{}
	}
	if snap.Teams == nil {
		snap.Teams = map[string]Team{}
	}
	if snap.Users == nil {
		snap.Users = map[string]User{}
	}
	s.snap = snap
	return nil
}

func (s *FileStore) persistLocked() error {
	s.snap.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	b, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func sortSessions(list []Session) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
