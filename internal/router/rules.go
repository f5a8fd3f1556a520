package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/IndenScale/monoco/internal/config"
)

// Rule kinds, mirroring the routing.rules configuration surface.
const (
	KindCommand  = "command"
	KindMention  = "mention"
	KindKeyword  = "keyword"
	KindRegex    = "regex"
	KindFallback = "fallback"
)

// seededFallbackName marks the fallback rule injected when the
// configuration has none.
const seededFallbackName = "default-fallback"

// Rule is one compiled routing rule. Compiled rules are immutable; a
// reload builds a fresh list and swaps the reference.
type Rule struct {
	Name       string
	Kind       string
	Pattern    string
	TargetRole string
	Priority   int
	Enabled    bool

	re       *regexp.Regexp
	keywords []string
}

// CompileRules turns configuration rules into an evaluation-ordered list.
// Rules are sorted by descending priority; a fallback targeting the
// architect is appended when absent so evaluation always terminates.
func CompileRules(cfgRules []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgRules)+1)
	hasFallback := false

	for _, rc := range cfgRules {
		r := Rule{
			Name:       rc.Name,
			Kind:       rc.Kind,
			Pattern:    rc.Pattern,
			TargetRole: resolveRoleAlias(rc.TargetRole),
			Priority:   rc.Priority,
			Enabled:    rc.Enabled,
		}
		switch rc.Kind {
		case KindRegex:
			re, err := regexp.Compile(rc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid regex: %w", rc.Name, err)
			}
			r.re = re
		case KindKeyword:
			for _, kw := range strings.Split(rc.Pattern, "|") {
				if kw = strings.TrimSpace(kw); kw != "" {
					r.keywords = append(r.keywords, strings.ToLower(kw))
				}
			}
		case KindCommand:
			r.Pattern = "/" + strings.TrimPrefix(rc.Pattern, "/")
		case KindMention, KindFallback:
		default:
			return nil, fmt.Errorf("rule %q: unknown kind %q", rc.Name, rc.Kind)
		}
		if rc.Kind == KindFallback {
			hasFallback = true
		}
		rules = append(rules, r)
	}

	if !hasFallback {
		lowest := 0
		for _, r := range rules {
			if r.Priority < lowest {
				lowest = r.Priority
			}
		}
		rules = append(rules, Rule{
			Name:       seededFallbackName,
			Kind:       KindFallback,
			TargetRole: config.RoleArchitect,
			Priority:   lowest - 1,
			Enabled:    true,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return rules, nil
}

// resolveRoleAlias maps the "prime" alias to the mailbox role.
func resolveRoleAlias(role string) string {
	if role == "prime" {
		return config.RoleMailbox
	}
	return role
}

// matches evaluates the rule against a routing context.
func (r *Rule) matches(ctx *Context) bool {
	if !r.Enabled {
		return false
	}
	latest := ctx.Latest
	if latest == nil && r.Kind != KindFallback {
		return false
	}

	switch r.Kind {
	case KindFallback:
		return true

	case KindCommand:
		fields := strings.Fields(latest.Body)
		return len(fields) > 0 && fields[0] == r.Pattern

	case KindMention:
		want := strings.ToLower(r.Pattern)
		for _, m := range latest.Envelope.Participants.Mentions {
			if strings.ToLower(m) == want {
				return true
			}
		}
		return strings.Contains(strings.ToLower(latest.Body), want)

	case KindKeyword:
		body := strings.ToLower(ctx.ConcatenatedBody())
		for _, kw := range r.keywords {
			if strings.Contains(body, kw) {
				return true
			}
		}
		return false

	case KindRegex:
		return r.re.MatchString(ctx.ConcatenatedBody())
	}
	return false
}
