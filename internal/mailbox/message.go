// Package mailbox implements the provider-partitioned on-disk message store.
// Each message is a UTF-8 file with a YAML front matter and a Markdown body;
// state transitions are directory moves, never in-place edits.
package mailbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session type values recognized in front matter.
const (
	SessionDirect  = "direct"
	SessionGroup   = "group"
	SessionThread  = "thread"
	SessionChannel = "channel"
)

// Media kinds recognized in front matter.
const (
	KindText     = "text"
	KindMarkdown = "markdown"
	KindImage    = "image"
	KindFile     = "file"
	KindAudio    = "audio"
	KindCard     = "card"
)

// ErrMalformed is returned when a message file cannot be parsed. The caller
// quarantines the file rather than crashing.
var ErrMalformed = errors.New("malformed message")

// Participant identifies one party in a conversation.
type Participant struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Participants holds everyone attached to a message.
type Participants struct {
	Sender     Participant   `yaml:"sender"`
	Recipients []Participant `yaml:"recipients,omitempty"`
	CC         []Participant `yaml:"cc,omitempty"`
	Mentions   []string      `yaml:"mentions,omitempty"`
}

// SessionRef groups messages belonging to one external conversation.
type SessionRef struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
}

// Correlation threads one user-visible task chain through messages and events.
type Correlation struct {
	CorrelationID string `yaml:"correlation_id"`
}

// Envelope is the structured header of a message file.
type Envelope struct {
	ID           string       `yaml:"id"`
	Provider     string       `yaml:"provider"`
	Session      SessionRef   `yaml:"session"`
	Participants Participants `yaml:"participants"`
	Timestamp    time.Time    `yaml:"timestamp"`
	Kind         string       `yaml:"type"`
	ThreadKey    string       `yaml:"thread_key,omitempty"`
	ParentID     string       `yaml:"parent_id,omitempty"`
	RootID       string       `yaml:"root_id,omitempty"`
	ReplyTo      string       `yaml:"reply_to,omitempty"`
	To           string       `yaml:"to,omitempty"`
	Artifacts    []string     `yaml:"artifacts,omitempty"`
	Correlation  *Correlation `yaml:"correlation,omitempty"`
	RetryCount   int          `yaml:"x-retry-count,omitempty"`
}

// Message is a fully parsed message file.
type Message struct {
	Envelope Envelope
	Body     string
	Path     string
}

// CorrelationID returns the correlation id, or empty when absent.
func (m *Message) CorrelationID() string {
	if m.Envelope.Correlation == nil {
		return ""
	}
	return m.Envelope.Correlation.CorrelationID
}

var validSessionTypes = map[string]bool{
	SessionDirect:  true,
	SessionGroup:   true,
	SessionThread:  true,
	SessionChannel: true,
}

var validKinds = map[string]bool{
	KindText:     true,
	KindMarkdown: true,
	KindImage:    true,
	KindFile:     true,
	KindAudio:    true,
	KindCard:     true,
}

// Validate checks the required front-matter keys.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if e.Provider == "" {
		return fmt.Errorf("%w: missing provider", ErrMalformed)
	}
	if e.Session.ID == "" {
		return fmt.Errorf("%w: missing session.id", ErrMalformed)
	}
	if !validSessionTypes[e.Session.Type] {
		return fmt.Errorf("%w: invalid session.type %q", ErrMalformed, e.Session.Type)
	}
	if e.Participants.Sender.ID == "" || e.Participants.Sender.Name == "" {
		return fmt.Errorf("%w: missing participants.sender", ErrMalformed)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if !validKinds[e.Kind] {
		return fmt.Errorf("%w: invalid type %q", ErrMalformed, e.Kind)
	}
	return nil
}

const frontMatterDelim = "---\n"

// Parse decodes a raw message file into envelope and body.
func Parse(raw []byte) (*Message, error) {
	text := string(raw)
	if !strings.HasPrefix(text, frontMatterDelim) {
		return nil, fmt.Errorf("%w: missing front matter opening delimiter", ErrMalformed)
	}
	rest := text[len(frontMatterDelim):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, fmt.Errorf("%w: missing front matter closing delimiter", ErrMalformed)
	}

	var env Envelope
	if err := yaml.Unmarshal([]byte(rest[:end]), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	body := rest[end+len("\n---\n"):]
	return &Message{Envelope: env, Body: body}, nil
}

// Render serializes a message back to the on-disk format.
func Render(env Envelope, body string) ([]byte, error) {
	header, err := yaml.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshaling front matter: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(frontMatterDelim)
	sb.Write(header)
	sb.WriteString("---\n")
	sb.WriteString(body)
	return []byte(sb.String()), nil
}

// Filename builds the canonical message filename:
// {ISO8601-compact}_{provider}_{uid}.md, e.g. 20260206T204530_lark_abc123.md.
// Filenames never change except by directory move.
func Filename(ts time.Time, provider, uid string) string {
	return fmt.Sprintf("%s_%s_%s.md", ts.UTC().Format("20060102T150405"), provider, uid)
}

// ProviderFromPath extracts the provider segment from a mailbox path, i.e.
// the parent directory name of the message file.
func ProviderFromPath(path string) string {
	return filepath.Base(filepath.Dir(path))
}
