package sessions

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unixabg/dosi/internal/fsatomic"
)

// Session is the server-side half of an operator login. The cookie only
// carries the ID; logging out or pruning removes the record here.
type Session struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Addr      string    `json:"addr"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type diskFile struct {
	Version  int       `json:"version"`
	Sessions []Session `json:"sessions"`
}

type Store struct {
	path string
	now  func() time.Time
	mu   sync.RWMutex
	mem  map[string]Session
}

func New(path string) *Store {
	s := &Store{path: path, now: time.Now, mem: map[string]Session{}}
	_ = s.load()
	return s
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f diskFile
	ok, err := fsatomic.LoadJSON(s.path, &f)
	if err != nil || !ok {
		return err
	}
	s.mem = map[string]Session{}
	for _, it := range f.Sessions {
		s.mem[it.ID] = it
	}
	return nil
}

// Create starts a session for user that lasts ttl.
func (s *Store) Create(user, addr string, ttl time.Duration) (Session, error) {
	now := s.now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		User:      user,
		Addr:      addr,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.mem[sess.ID] = sess
	list := s.listLocked()
	s.mu.Unlock()
	return sess, s.persist(list)
}

// Get returns the live session with id. Expired sessions are reported as
// missing but only dropped from disk by Prune.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.mem[id]
	if !ok || !s.now().Before(v.ExpiresAt) {
		return Session{}, false
	}
	return v, true
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.mem[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.mem, id)
	list := s.listLocked()
	s.mu.Unlock()
	return s.persist(list)
}

// Prune drops expired sessions and returns how many were removed.
func (s *Store) Prune() (int, error) {
	now := s.now()
	s.mu.Lock()
	n := 0
	for id, v := range s.mem {
		if !now.Before(v.ExpiresAt) {
			delete(s.mem, id)
			n++
		}
	}
	list := s.listLocked()
	s.mu.Unlock()
	if n == 0 {
		return 0, nil
	}
	return n, s.persist(list)
}

// List returns a snapshot of all sessions, expired ones included.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() []Session {
	out := make([]Session, 0, len(s.mem))
	for _, v := range s.mem {
		out = append(out, v)
	}
	return out
}

func (s *Store) persist(list []Session) error {
	_ = os.MkdirAll(filepath.Dir(s.path), 0o755)
	return fsatomic.WithLock(s.path, func() error {
		return fsatomic.SaveJSON(context.TODO(), s.path, diskFile{Version: 1, Sessions: list}, fs.FileMode(0o600))
	})
}
