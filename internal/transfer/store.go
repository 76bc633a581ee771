package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"distributed-distort/internal/cursorlist"
	"distributed-distort/internal/domain"
	"distributed-distort/internal/metrics"

	"github.com/google/uuid"
)

// Store is the worker's table of live sessions, attached or detached.
type Store struct {
	mu       sync.Mutex
	sessions *cursorlist.List[*Session]
	workDir  string
	capacity int
	attached int
	onIdle   func(idle bool)
}

// NewStore creates a store whose sessions keep their scratch files in workDir.
// The worker counts as busy once capacity sessions are attached.
func NewStore(workDir string, capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		sessions: cursorlist.New[*Session](),
		workDir:  workDir,
		capacity: capacity,
	}
}

// OnIdleChange sets a hook called (outside the store lock) whenever the worker
// flips between idle and busy.
func (st *Store) OnIdleChange(fn func(idle bool)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onIdle = fn
}

// Acquire attaches the session for (username, filename). A detached session is
// resumed; an attached one gives ErrSessionBusy; otherwise a new one is created.
func (st *Store) Acquire(username, filename string, wt domain.WorkerType, factor int) (s *Session, resumed bool, err error) {
	st.mu.Lock()
	for it := st.sessions.Iter(); it.Next(); {
		cand := it.Value()
		if cand.Username != username || cand.Filename != filename {
			continue
		}
		cand.mu.Lock()
		if cand.attached {
			cand.mu.Unlock()
			st.mu.Unlock()
			return nil, false, fmt.Errorf("%w: %s/%s", ErrSessionBusy, username, filename)
		}
		cand.attached = true
		// Past the upload the output was already made with the stored factor.
		if cand.status < domain.StatusDistorting {
			cand.factor = factor
		}
		cand.mu.Unlock()
		s, resumed = cand, true
		break
	}

	if s == nil {
		s = &Session{
			ID:         uuid.NewString(),
			Username:   username,
			Filename:   filename,
			WorkerType: wt,
			Created:    time.Now(),
			factor:     factor,
			path:       filepath.Join(st.workDir, username+"_"+filename),
			attached:   true,
		}
		if err := st.sessions.Add(s); err != nil {
			st.mu.Unlock()
			return nil, false, fmt.Errorf("failed to track session: %w", err)
		}
		metrics.ActiveSessions.Inc()
	}
	hook, flipped := st.setAttachedLocked(st.attached + 1)
	st.mu.Unlock()

	if flipped && hook != nil {
		hook(false)
	}
	return s, resumed, nil
}

// setAttachedLocked updates the attached count and reports whether idleness changed.
func (st *Store) setAttachedLocked(n int) (func(bool), bool) {
	wasIdle := st.attached < st.capacity
	st.attached = n
	return st.onIdle, wasIdle != (st.attached < st.capacity)
}

// Detach releases ownership of s but keeps it for a later resume.
func (st *Store) Detach(s *Session) {
	s.closeFile()
	st.mu.Lock()
	s.mu.Lock()
	was := s.attached
	s.attached = false
	s.detachedAt = time.Now()
	s.interrupt = nil
	s.mu.Unlock()
	var (
		hook    func(bool)
		flipped bool
	)
	if was {
		hook, flipped = st.setAttachedLocked(st.attached - 1)
	}
	st.mu.Unlock()

	if flipped && hook != nil {
		hook(true)
	}
}

// Remove drops s from the store. Removing an absent session is a no-op.
func (st *Store) Remove(s *Session) {
	s.closeFile()
	st.mu.Lock()
	found := false
	st.sessions.GoToHead()
	for !st.sessions.IsAtEnd() {
		cur, err := st.sessions.Get()
		if err != nil {
			break
		}
		if cur == s {
			_, _ = st.sessions.Remove()
			found = true
			break
		}
		_ = st.sessions.Next()
	}

	var (
		hook    func(bool)
		flipped bool
	)
	if found {
		metrics.ActiveSessions.Dec()
		s.mu.Lock()
		was := s.attached
		s.attached = false
		s.interrupt = nil
		s.mu.Unlock()
		if was {
			hook, flipped = st.setAttachedLocked(st.attached - 1)
		}
	}
	st.mu.Unlock()

	if flipped && hook != nil {
		hook(true)
	}
}

// Get returns the session with the given ID.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for it := st.sessions.Iter(); it.Next(); {
		if s := it.Value(); s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
}

// List returns a snapshot of every session.
func (st *Store) List() []SessionInfo {
	st.mu.Lock()
	sessions := st.sessions.Values()
	st.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of tracked sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions.Len()
}

// Attached returns the number of sessions owned by a connection.
func (st *Store) Attached() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.attached
}

// CancelAll flags every attached session.
func (st *Store) CancelAll() {
	st.mu.Lock()
	sessions := st.sessions.Values()
	st.mu.Unlock()
	for _, s := range sessions {
		if s.Attached() {
			s.Cancel()
		}
	}
}

// Expired removes detached sessions that have waited longer than ttl for a
// resume and returns them. Their scratch files are left on disk.
func (st *Store) Expired(ttl time.Duration) []*Session {
	cutoff := time.Now().Add(-ttl)
	st.mu.Lock()
	var out []*Session
	st.sessions.GoToHead()
	for !st.sessions.IsAtEnd() {
		s, err := st.sessions.Get()
		if err != nil {
			break
		}
		s.mu.Lock()
		stale := !s.attached && s.detachedAt.Before(cutoff)
		s.mu.Unlock()
		if !stale {
			_ = st.sessions.Next()
			continue
		}
		_, _ = st.sessions.Remove()
		metrics.ActiveSessions.Dec()
		out = append(out, s)
	}
	st.mu.Unlock()
	return out
}

// WaitIdle blocks until no session is attached or ctx is done.
func (st *Store) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for st.Attached() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
