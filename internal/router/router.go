// Package router selects the target role for inbound conversations. Rules
// are evaluated highest priority first; the guaranteed fallback rule means
// every context routes in a single pass.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/IndenScale/monoco/internal/log"
	"github.com/IndenScale/monoco/internal/mailbox"
)

const (
	// conversationCacheSize bounds the number of tracked external sessions.
	conversationCacheSize = 1024
	// historyDepth is how many recent messages a conversation retains.
	historyDepth = 10
)

// ErrRoleUnavailable is the typed configuration error raised when a matched
// rule targets a role that is not schedulable.
var ErrRoleUnavailable = errors.New("routing target role unavailable")

// Context is the input to one routing decision.
type Context struct {
	SessionID string
	Latest    *mailbox.Message
	History   []*mailbox.Message
	LastRole  string
}

// ConcatenatedBody joins the history and latest bodies for pattern rules.
func (c *Context) ConcatenatedBody() string {
	var parts []string
	for _, m := range c.History {
		parts = append(parts, m.Body)
	}
	if c.Latest != nil {
		parts = append(parts, c.Latest.Body)
	}
	return strings.Join(parts, "\n")
}

// Decision is the outcome of a routing pass.
type Decision struct {
	Role   string
	Rule   string
	Reason string
}

// conversation is the per-session memory behind routing contexts.
type conversation struct {
	history  []*mailbox.Message
	lastRole string
}

// Router applies compiled rules to conversation contexts. The rule list is
// copy-on-write: Reload swaps the pointer and in-flight decisions finish on
// the list they started with.
type Router struct {
	rules         atomic.Pointer[[]Rule]
	conversations *lru.Cache[string, *conversation]
	// schedulable reports whether a role can currently be dispatched.
	schedulable func(role string) bool
}

// New builds a router from configuration rules. schedulable gates decision
// output; a matched rule whose role fails the gate is a configuration error.
func New(rules []Rule, schedulable func(role string) bool) (*Router, error) {
	cache, err := lru.New[string, *conversation](conversationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating conversation cache: %w", err)
	}
	r := &Router{conversations: cache, schedulable: schedulable}
	r.rules.Store(&rules)
	return r, nil
}

// Reload replaces the rule list. Takes effect on the next routing decision.
func (r *Router) Reload(rules []Rule) {
	r.rules.Store(&rules)
	log.Info(log.CatRoute, "routing rules reloaded", "count", len(rules))
}

// Rules returns the active rule list.
func (r *Router) Rules() []Rule {
	return *r.rules.Load()
}

// BuildContext assembles a routing context for a message batch, folding the
// batch into the session's conversation history. The last message of the
// batch is the decision subject.
func (r *Router) BuildContext(sessionID string, batch []*mailbox.Message) *Context {
	conv, ok := r.conversations.Get(sessionID)
	if !ok {
		conv = &conversation{}
		r.conversations.Add(sessionID, conv)
	}

	ctx := &Context{
		SessionID: sessionID,
		History:   append([]*mailbox.Message(nil), conv.history...),
		LastRole:  conv.lastRole,
	}
	if len(batch) > 0 {
		ctx.Latest = batch[len(batch)-1]
		ctx.History = append(ctx.History, batch[:len(batch)-1]...)
	}

	conv.history = append(conv.history, batch...)
	if len(conv.history) > historyDepth {
		conv.history = conv.history[len(conv.history)-historyDepth:]
	}
	return ctx
}

// Route evaluates the rules against the context. The first enabled match in
// descending priority order wins.
func (r *Router) Route(ctx *Context) (Decision, error) {
	for _, rule := range *r.rules.Load() {
		if !rule.matches(ctx) {
			continue
		}
		if r.schedulable != nil && !r.schedulable(rule.TargetRole) {
			return Decision{}, fmt.Errorf("%w: rule %q targets %q",
				ErrRoleUnavailable, rule.Name, rule.TargetRole)
		}
		d := Decision{
			Role:   rule.TargetRole,
			Rule:   rule.Name,
			Reason: fmt.Sprintf("%s rule %q matched", rule.Kind, rule.Name),
		}
		if conv, ok := r.conversations.Get(ctx.SessionID); ok {
			conv.lastRole = d.Role
		}
		log.Debug(log.CatRoute, "routed",
			"session", ctx.SessionID, "role", d.Role, "rule", d.Rule)
		return d, nil
	}
	// Unreachable when the compiled list carries its fallback.
	return Decision{}, fmt.Errorf("%w: no rule matched", ErrRoleUnavailable)
}
