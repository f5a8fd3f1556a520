package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/IndenScale/monoco/internal/log"
)

// Store persists sessions as one JSON file each under
// .monoco/sessions/{session_id}.json. Writes are atomic (temp + rename) and
// invalidate a read-through cache so Get stays O(1) on the hot path.
type Store struct {
	dir   string
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	return &Store{
		dir:   dir,
		cache: gocache.New(gocache.NoExpiration, 0),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Put persists a session. The write is atomic; on success the cache entry
// is replaced with a private copy.
func (s *Store) Put(sess *Session) error {
	if sess == nil || sess.SessionID == "" {
		return fmt.Errorf("session must have an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", sess.SessionID, err)
	}

	final := s.path(sess.SessionID)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing session %s: %w", sess.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("committing session %s: %w", sess.SessionID, err)
	}

	cp := *sess
	s.cache.Set(sess.SessionID, &cp, gocache.NoExpiration)
	return nil
}

// Get returns a copy of the session, reading through the cache.
func (s *Store) Get(sessionID string) (*Session, error) {
	if v, ok := s.cache.Get(sessionID); ok {
		cp := *(v.(*Session))
		return &cp, nil
	}

	raw, err := os.ReadFile(s.path(sessionID)) //nolint:gosec // G304: path is derived from the store dir
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session %s: %w", sessionID, err)
	}

	cp := sess
	s.cache.Set(sessionID, &cp, gocache.NoExpiration)
	out := sess
	return &out, nil
}

// List returns all sessions on disk. Unreadable files are logged and
// skipped rather than failing the whole listing.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var sessions []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		sess, err := s.Get(id)
		if err != nil {
			log.ErrorErr(log.CatSched, "skipping unreadable session file", err, "file", e.Name())
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// ListActive returns all sessions in pending or running state.
func (s *Store) ListActive() ([]*Session, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var active []*Session
	for _, sess := range all {
		if !sess.IsTerminal() {
			active = append(active, sess)
		}
	}
	return active, nil
}

// ListByRole returns all sessions for a role.
func (s *Store) ListByRole(role string) ([]*Session, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, sess := range all {
		if sess.Task.Role == role {
			out = append(out, sess)
		}
	}
	return out, nil
}
