// Package memo reads and consumes the append-only memo inbox. Agents and
// humans append short notes under "## [hash]" headers; the architect drains
// the file once enough notes accumulate.
package memo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// headerRe matches one memo header line: "## [a1b2c3d4]".
var headerRe = regexp.MustCompile(`^## \[([0-9a-fA-F]{4,64})\]\s*$`)

// Entry is one memo block: its hash header and the body below it.
type Entry struct {
	Hash string
	Body string
}

// Parse splits inbox content into entries. Text before the first header is
// ignored; a header with no body yields an entry with an empty body.
func Parse(content string) []Entry {
	var entries []Entry
	var current *Entry
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		current.Body = strings.TrimSpace(strings.Join(body, "\n"))
		entries = append(entries, *current)
		current = nil
		body = nil
	}

	for _, line := range strings.Split(content, "\n") {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			current = &Entry{Hash: strings.ToLower(m[1])}
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return entries
}

// Render produces the canonical on-disk form of the entries.
func Render(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "## [%s]\n%s\n\n", e.Hash, e.Body)
	}
	return b.String()
}

// HashBody derives a short content hash for a new memo.
func HashBody(body string, now time.Time) string {
	sum := sha256.Sum256([]byte(body + now.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:4])
}

// Inbox wraps the inbox file and its archive.
type Inbox struct {
	path        string
	archivePath string
}

// NewInbox creates an inbox over the given file paths.
func NewInbox(path, archivePath string) *Inbox {
	return &Inbox{path: path, archivePath: archivePath}
}

// Path returns the inbox file location.
func (in *Inbox) Path() string { return in.path }

// Read returns the current entries. A missing inbox is empty, not an error.
func (in *Inbox) Read() ([]Entry, error) {
	raw, err := os.ReadFile(in.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading memo inbox: %w", err)
	}
	return Parse(string(raw)), nil
}

// Count returns the number of entries currently in the inbox.
func (in *Inbox) Count() (int, error) {
	entries, err := in.Read()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Append adds a new memo to the inbox and returns its hash.
func (in *Inbox) Append(body string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(in.path), 0o755); err != nil {
		return "", fmt.Errorf("creating memo dir: %w", err)
	}
	hash := HashBody(body, time.Now())
	f, err := os.OpenFile(in.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening memo inbox: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "## [%s]\n%s\n\n", hash, strings.TrimSpace(body)); err != nil {
		return "", fmt.Errorf("appending memo: %w", err)
	}
	return hash, nil
}

// Consume moves every entry to the archive and truncates the inbox. The
// archive is appended first so a crash between the two steps duplicates
// memos rather than losing them.
func (in *Inbox) Consume() ([]Entry, error) {
	entries, err := in.Read()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(in.archivePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	f, err := os.OpenFile(in.archivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening memo archive: %w", err)
	}
	if _, err := f.WriteString(Render(entries)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("archiving memos: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing memo archive: %w", err)
	}

	if err := atomicWrite(in.path, nil); err != nil {
		return nil, fmt.Errorf("truncating memo inbox: %w", err)
	}
	return entries, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
