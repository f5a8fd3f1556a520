package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/mailbox"
)

func msg(body string, mentions ...string) *mailbox.Message {
	return &mailbox.Message{
		Envelope: mailbox.Envelope{
			ID:       "m1",
			Provider: "lark",
			Session:  mailbox.SessionRef{ID: "s1", Type: mailbox.SessionGroup},
			Participants: mailbox.Participants{
				Sender:   mailbox.Participant{ID: "u1", Name: "Alice"},
				Mentions: mentions,
			},
			Timestamp: time.Now(),
			Kind:      mailbox.KindText,
		},
		Body: body,
	}
}

func mustCompile(t *testing.T, rules []config.RuleConfig) []Rule {
	t.Helper()
	compiled, err := CompileRules(rules)
	require.NoError(t, err)
	return compiled
}

func newTestRouter(t *testing.T, rules []Rule) *Router {
	t.Helper()
	r, err := New(rules, nil)
	require.NoError(t, err)
	return r
}

func TestCompileRules_SeedsFallback(t *testing.T) {
	rules := mustCompile(t, []config.RuleConfig{
		{Name: "status", Kind: "command", Pattern: "status", TargetRole: "mailbox", Priority: 10, Enabled: true},
	})

	require.Len(t, rules, 2)
	last := rules[len(rules)-1]
	require.Equal(t, seededFallbackName, last.Name)
	require.Equal(t, KindFallback, last.Kind)
	require.Equal(t, config.RoleArchitect, last.TargetRole)
	require.Less(t, last.Priority, rules[0].Priority)
}

func TestCompileRules_ExplicitFallbackNotDuplicated(t *testing.T) {
	rules := mustCompile(t, []config.RuleConfig{
		{Name: "catch-all", Kind: "fallback", TargetRole: "prime", Priority: -100, Enabled: true},
	})
	require.Len(t, rules, 1)
	require.Equal(t, config.RoleMailbox, rules[0].TargetRole)
}

func TestCompileRules_InvalidRegex(t *testing.T) {
	_, err := CompileRules([]config.RuleConfig{
		{Name: "bad", Kind: "regex", Pattern: "([unclosed", Enabled: true},
	})
	require.Error(t, err)
}

func TestCompileRules_NormalizesCommandPrefix(t *testing.T) {
	rules := mustCompile(t, []config.RuleConfig{
		{Name: "a", Kind: "command", Pattern: "deploy", TargetRole: "engineer", Enabled: true},
		{Name: "b", Kind: "command", Pattern: "/ship", TargetRole: "engineer", Enabled: true},
	})
	require.Equal(t, "/deploy", rules[0].Pattern)
	require.Equal(t, "/ship", rules[1].Pattern)
}

func TestRoute_CommandMatchesFirstToken(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, []config.RuleConfig{
		{Name: "deploy", Kind: "command", Pattern: "deploy", TargetRole: "engineer", Priority: 10, Enabled: true},
	}))

	d, err := r.Route(r.BuildContext("s1", []*mailbox.Message{msg("/deploy now please")}))
	require.NoError(t, err)
	require.Equal(t, "engineer", d.Role)
	require.Equal(t, "deploy", d.Rule)

	// Command token must lead the body.
	d, err = r.Route(r.BuildContext("s2", []*mailbox.Message{msg("please /deploy")}))
	require.NoError(t, err)
	require.Equal(t, config.RoleArchitect, d.Role)
}

func TestRoute_MentionMatchesCaseInsensitive(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, []config.RuleConfig{
		{Name: "at-monoco", Kind: "mention", Pattern: "@monoco", TargetRole: "mailbox", Priority: 10, Enabled: true},
	}))

	d, err := r.Route(r.BuildContext("s1", []*mailbox.Message{msg("hi there", "@MONOCO")}))
	require.NoError(t, err)
	require.Equal(t, "mailbox", d.Role)

	// A mention inline in the body also counts.
	d, err = r.Route(r.BuildContext("s2", []*mailbox.Message{msg("ping @monoco about this")}))
	require.NoError(t, err)
	require.Equal(t, "mailbox", d.Role)
}

func TestRoute_KeywordSpansHistory(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, []config.RuleConfig{
		{Name: "bug-words", Kind: "keyword", Pattern: "crash|panic|stacktrace", TargetRole: "coroner", Priority: 10, Enabled: true},
	}))

	// First batch mentions a crash; the second batch alone does not, but the
	// conversation history still carries the keyword.
	_ = r.BuildContext("s1", []*mailbox.Message{msg("we saw a CRASH in prod")})
	d, err := r.Route(r.BuildContext("s1", []*mailbox.Message{msg("any update?")}))
	require.NoError(t, err)
	require.Equal(t, "coroner", d.Role)
}

func TestRoute_RegexRule(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, []config.RuleConfig{
		{Name: "issue-ref", Kind: "regex", Pattern: `(FEAT|BUG)-\d+`, TargetRole: "engineer", Priority: 10, Enabled: true},
	}))

	d, err := r.Route(r.BuildContext("s1", []*mailbox.Message{msg("look at BUG-42")}))
	require.NoError(t, err)
	require.Equal(t, "engineer", d.Role)
}

func TestRoute_PriorityDescendingFirstMatch(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, []config.RuleConfig{
		{Name: "low", Kind: "keyword", Pattern: "deploy", TargetRole: "architect", Priority: 1, Enabled: true},
		{Name: "high", Kind: "keyword", Pattern: "deploy", TargetRole: "engineer", Priority: 100, Enabled: true},
	}))

	d, err := r.Route(r.BuildContext("s1", []*mailbox.Message{msg("deploy it")}))
	require.NoError(t, err)
	require.Equal(t, "high", d.Rule)
	require.Equal(t, "engineer", d.Role)
}

func TestRoute_DisabledRuleSkipped(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, []config.RuleConfig{
		{Name: "off", Kind: "keyword", Pattern: "deploy", TargetRole: "engineer", Priority: 10, Enabled: false},
	}))

	d, err := r.Route(r.BuildContext("s1", []*mailbox.Message{msg("deploy it")}))
	require.NoError(t, err)
	require.Equal(t, config.RoleArchitect, d.Role)
}

func TestRoute_UnschedulableRoleIsError(t *testing.T) {
	rules := mustCompile(t, []config.RuleConfig{
		{Name: "to-engineer", Kind: "fallback", TargetRole: "engineer", Priority: 0, Enabled: true},
	})
	r, err := New(rules, func(role string) bool { return role != "engineer" })
	require.NoError(t, err)

	_, err = r.Route(r.BuildContext("s1", []*mailbox.Message{msg("hello")}))
	require.ErrorIs(t, err, ErrRoleUnavailable)
}

func TestReload_SwapsRules(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, nil))

	d, err := r.Route(r.BuildContext("s1", []*mailbox.Message{msg("hello")}))
	require.NoError(t, err)
	require.Equal(t, config.RoleArchitect, d.Role)

	r.Reload(mustCompile(t, []config.RuleConfig{
		{Name: "everything", Kind: "fallback", TargetRole: "prime", Priority: 0, Enabled: true},
	}))

	d, err = r.Route(r.BuildContext("s1", []*mailbox.Message{msg("hello again")}))
	require.NoError(t, err)
	require.Equal(t, config.RoleMailbox, d.Role)
}

func TestBuildContext_FoldsBatchIntoHistory(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, nil))

	first := msg("one")
	second := msg("two")
	third := msg("three")

	ctx := r.BuildContext("s1", []*mailbox.Message{first, second})
	require.Same(t, second, ctx.Latest)
	require.Equal(t, []*mailbox.Message{first}, ctx.History)

	ctx = r.BuildContext("s1", []*mailbox.Message{third})
	require.Same(t, third, ctx.Latest)
	require.Equal(t, []*mailbox.Message{first, second}, ctx.History)
}

func TestBuildContext_HistoryBounded(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, nil))

	for i := 0; i < historyDepth+5; i++ {
		r.BuildContext("s1", []*mailbox.Message{msg("filler")})
	}
	ctx := r.BuildContext("s1", nil)
	require.Len(t, ctx.History, historyDepth)
}

func TestRoute_RecordsLastRole(t *testing.T) {
	r := newTestRouter(t, mustCompile(t, nil))

	ctx := r.BuildContext("s1", []*mailbox.Message{msg("hello")})
	require.Empty(t, ctx.LastRole)

	_, err := r.Route(ctx)
	require.NoError(t, err)

	next := r.BuildContext("s1", []*mailbox.Message{msg("again")})
	require.Equal(t, config.RoleArchitect, next.LastRole)
}
