package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/IndenScale/monoco/internal/log"
)

// Directory names under the mailbox root.
const (
	dirInbound  = "inbound"
	dirOutbound = "outbound"
	dirArchive  = "archive"
	dirRejected = "_rejected"
	dirSending  = ".sending"
)

// Store provides atomic access to the maildir-style mailbox rooted at
// .monoco/mailbox. Files in inbound/ are immutable once committed; every
// state transition is a rename. Only the daemon and the CLI write here.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root (the mailbox directory itself).
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the mailbox root directory.
func (s *Store) Root() string { return s.root }

// InboundDir returns the inbound directory for a provider.
func (s *Store) InboundDir(provider string) string {
	return filepath.Join(s.root, dirInbound, provider)
}

// OutboundDir returns the outbound directory for a provider.
func (s *Store) OutboundDir(provider string) string {
	return filepath.Join(s.root, dirOutbound, provider)
}

// ArchiveDir returns the archive directory for a provider.
func (s *Store) ArchiveDir(provider string) string {
	return filepath.Join(s.root, dirArchive, provider)
}

// RejectedDir returns the quarantine directory for a provider.
func (s *Store) RejectedDir(provider string) string {
	return filepath.Join(s.root, dirRejected, provider)
}

// EnsureLayout creates the mailbox directory tree for the given providers.
func (s *Store) EnsureLayout(providers []string) error {
	for _, p := range providers {
		for _, dir := range []string{
			s.InboundDir(p), s.OutboundDir(p), s.ArchiveDir(p), s.RejectedDir(p),
		} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating mailbox dir %s: %w", dir, err)
			}
		}
	}
	return nil
}

// Providers lists the provider partitions currently present under inbound/.
func (s *Store) Providers() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirInbound))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var providers []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), "_") && !strings.HasPrefix(e.Name(), ".") {
			providers = append(providers, e.Name())
		}
	}
	sort.Strings(providers)
	return providers, nil
}

// CreateInbound writes a new inbound message atomically (write-to-temp in
// the same provider directory, then rename) and returns its path.
func (s *Store) CreateInbound(provider string, env Envelope, body string) (string, error) {
	return s.create(s.InboundDir(provider), env, body)
}

// CreateOutbound writes a new outbound message atomically and returns its path.
func (s *Store) CreateOutbound(provider string, env Envelope, body string) (string, error) {
	return s.create(s.OutboundDir(provider), env, body)
}

func (s *Store) create(dir string, env Envelope, body string) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	raw, err := Render(env, body)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating dir %s: %w", dir, err)
	}

	name := Filename(env.Timestamp, env.Provider, env.ID)
	final := filepath.Join(dir, name)

	// tmp + rename in the same directory keeps the commit atomic on POSIX
	// filesystems; readers never observe a partial file.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("writing message: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("committing message: %w", err)
	}

	log.Debug(log.CatMail, "message created", "path", final)
	return final, nil
}

// Read parses the message at path.
func (s *Store) Read(path string) (*Message, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the mailbox tree
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	msg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	msg.Path = path
	return msg, nil
}

// MoveToArchive moves a message into archive/{provider}/ keeping its
// filename (and therefore its embedded timestamp). Returns the new path.
func (s *Store) MoveToArchive(path string) (string, error) {
	provider := ProviderFromPath(path)
	dir := s.ArchiveDir(provider)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("archiving %s: %w", path, err)
	}
	log.Debug(log.CatMail, "message archived", "from", path, "to", dest)
	return dest, nil
}

// Quarantine moves an unparseable file into _rejected/{provider}/ for
// operator review. Returns the new path.
func (s *Store) Quarantine(path string) (string, error) {
	provider := ProviderFromPath(path)
	dir := s.RejectedDir(provider)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating rejected dir: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("quarantining %s: %w", path, err)
	}
	log.Warn(log.CatMail, "message quarantined", "from", path, "to", dest)
	return dest, nil
}

// ListOutbound returns the outbound message paths for a provider in
// filename order (which is timestamp order).
func (s *Store) ListOutbound(provider string) ([]string, error) {
	dir := s.OutboundDir(provider)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
