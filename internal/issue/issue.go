// Package issue parses the YAML front matter of issue files. Issues are
// Markdown documents under Issues/ whose header carries the identity and
// kanban stage the watcher diffs against.
package issue

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stages an issue moves through. The watcher treats any other value as
// custom but still reports transitions.
const (
	StageBacklog = "backlog"
	StageTodo    = "todo"
	StageDoing   = "doing"
	StageReview  = "review"
	StageDone    = "done"
	StageClosed  = "closed"
)

// ErrNoFrontMatter is returned for files without a leading "---" block.
var ErrNoFrontMatter = errors.New("issue has no front matter")

// Issue is the parsed header of one issue file.
type Issue struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Stage string `yaml:"stage"`
	// Path is where the issue was read from; not part of the front matter.
	Path string `yaml:"-"`
}

// Closed reports whether the issue reached a final stage.
func (i *Issue) Closed() bool {
	return i.Stage == StageDone || i.Stage == StageClosed
}

// Parse extracts the front matter from raw issue content.
func Parse(raw string) (*Issue, error) {
	content := strings.TrimPrefix(raw, "\uFEFF")
	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return nil, ErrNoFrontMatter
	}
	rest := strings.TrimPrefix(content, "---\n")

	var header string
	if idx := strings.Index(rest, "\n---\n"); idx >= 0 {
		header = rest[:idx]
	} else if strings.HasSuffix(rest, "\n---") {
		header = strings.TrimSuffix(rest, "\n---")
	} else {
		return nil, ErrNoFrontMatter
	}

	var iss Issue
	if err := yaml.Unmarshal([]byte(header), &iss); err != nil {
		return nil, fmt.Errorf("parsing issue front matter: %w", err)
	}
	if iss.ID == "" {
		return nil, fmt.Errorf("issue front matter missing id")
	}
	return &iss, nil
}

// ParseFile reads and parses one issue file.
func ParseFile(path string) (*Issue, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the watched tree
	if err != nil {
		return nil, fmt.Errorf("reading issue %s: %w", path, err)
	}
	iss, err := Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	iss.Path = path
	return iss, nil
}
