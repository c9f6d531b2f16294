package ratelimit

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/unixabg/dosi/internal/fsatomic"
)

// State is the persisted limiter state.
type State struct {
	Version int               `json:"version"`
	Buckets map[string]Bucket `json:"buckets"`
}

type Bucket struct {
	Hits   int       `json:"hits"`
	Window time.Time `json:"window"`
}

// Store is a fixed-window limiter keyed by arbitrary strings ("login:<ip>").
// Writes to disk are batched; Flush forces one.
type Store struct {
	path        string
	now         func() time.Time
	mu          sync.Mutex
	st          State
	lastPersist time.Time
	ops         int
}

func New(path string) *Store {
	s := &Store{path: path, now: time.Now, st: State{Version: 1, Buckets: map[string]Bucket{}}}
	_ = s.load()
	return s
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st State
	ok, err := fsatomic.LoadJSON(s.path, &st)
	if err != nil || !ok {
		return err
	}
	s.st = st
	if s.st.Buckets == nil {
		s.st.Buckets = map[string]Bucket{}
	}
	s.lastPersist = s.now()
	return nil
}

// Allow counts one hit against key and reports whether it is within limit for
// the current window, plus the remaining budget and when the window resets.
func (s *Store) Allow(key string, limit int, window time.Duration) (bool, int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	b := s.st.Buckets[key]
	if b.Window.IsZero() || now.Sub(b.Window) >= window {
		b = Bucket{Window: now}
	}
	resetAt := b.Window.Add(window)
	if b.Hits >= limit {
		s.maybePersistLocked()
		return false, 0, resetAt
	}
	b.Hits++
	s.st.Buckets[key] = b
	s.maybePersistLocked()
	return true, max(limit-b.Hits, 0), resetAt
}

// Reset forgets key, used after a successful login.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Buckets[key]; ok {
		delete(s.st.Buckets, key)
		s.maybePersistLocked()
	}
}

// Sweep drops buckets whose window ended before now-window.
func (s *Store) Sweep(window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	n := 0
	for k, b := range s.st.Buckets {
		if now.Sub(b.Window) >= window {
			delete(s.st.Buckets, k)
			n++
		}
	}
	return n
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := State{Version: s.st.Version, Buckets: make(map[string]Bucket, len(s.st.Buckets))}
	for k, v := range s.st.Buckets {
		out.Buckets[k] = v
	}
	return out
}

// Flush forces a persist to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	st := s.st
	_ = os.MkdirAll(filepath.Dir(s.path), 0o755)
	if err := fsatomic.WithLock(s.path, func() error {
		return fsatomic.SaveJSON(context.TODO(), s.path, st, fs.FileMode(0o600))
	}); err != nil {
		return err
	}
	s.lastPersist = s.now()
	s.ops = 0
	return nil
}

// maybePersistLocked persists every ~2s or every 10 ops.
func (s *Store) maybePersistLocked() {
	s.ops++
	if s.ops%10 == 0 || s.now().Sub(s.lastPersist) >= 2*time.Second {
		_ = s.persistLocked()
	}
}
