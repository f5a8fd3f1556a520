// Package bus provides the in-process typed event bus that connects
// watchers, handlers, and the scheduler. Delivery is asynchronous with a
// bounded central queue; per-type publish order is preserved for each
// subscriber, and a failing handler never affects delivery to others.
package bus

import (
	"time"

	"github.com/IndenScale/monoco/internal/mailbox"
)

// Type identifies an event kind. The set is closed: watchers, scheduler,
// and policies only ever publish the types enumerated below.
type Type string

const (
	// Memo / ingress events.
	TypeMemoCreated      Type = "MEMO_CREATED"
	TypeMemoThreshold    Type = "MEMO_THRESHOLD"
	TypeMailboxInbound   Type = "MAILBOX_INBOUND_RECEIVED"
	TypeMailboxOutbound  Type = "MAILBOX_OUTBOUND_REQUESTED"
	TypeMailboxMalformed Type = "MAILBOX_MALFORMED"

	// Issue events.
	TypeIssueCreated      Type = "ISSUE_CREATED"
	TypeIssueStageChanged Type = "ISSUE_STAGE_CHANGED"
	TypeIssueClosed       Type = "ISSUE_CLOSED"

	// Scheduler lifecycle events.
	TypeSessionStarted    Type = "SESSION_STARTED"
	TypeSessionCompleted  Type = "SESSION_COMPLETED"
	TypeSessionFailed     Type = "SESSION_FAILED"
	TypeSessionTerminated Type = "SESSION_TERMINATED"

	// Externally-sourced events.
	TypePRCreated         Type = "PR_CREATED"
	TypeHandoverRequested Type = "HANDOVER_REQUESTED"

	// Observability events emitted by the core itself.
	TypeSchedulerOverload       Type = "SCHEDULER_OVERLOAD"
	TypeSchedulerHandlerFailure Type = "SCHEDULER_HANDLER_FAILURE"
	TypeSchedulerPersistFailure Type = "SCHEDULER_PERSIST_FAILURE"
	TypeSchedulerCooldown       Type = "SCHEDULER_COOLDOWN"
)

// Event is the envelope delivered to subscribers. Payloads carry everything
// a handler needs by value; handlers never read mutable state back out of
// the producer.
type Event struct {
	Type          Type
	Payload       any
	Timestamp     time.Time
	CorrelationID string
}

// MemoThreshold is the payload for TypeMemoThreshold: the ordered batch of
// unprocessed memo entries that crossed the accumulation threshold.
type MemoThreshold struct {
	Count int
	Memos []MemoEntry
}

// MemoEntry is one parsed memo from the inbox file.
type MemoEntry struct {
	Hash string
	Body string
}

// IssueChange is the payload for TypeIssueCreated, TypeIssueStageChanged,
// and TypeIssueClosed.
type IssueChange struct {
	IssueID   string
	Path      string
	FromStage string
	ToStage   string
}

// InboundBatch is the payload for TypeMailboxInbound: all messages that
// arrived for one conversation within the debounce window, in arrival order.
// Messages are carried by value; the files under inbound/ are immutable so
// no later read of mutable state is needed.
type InboundBatch struct {
	Provider  string
	SessionID string
	Messages  []mailbox.Message
}

// OutboundRequest is the payload for TypeMailboxOutbound: a message was
// queued under outbound/ and awaits courier delivery.
type OutboundRequest struct {
	Provider  string
	SessionID string
	Path      string
	ReplyTo   string
}

// MalformedMessage is the payload for TypeMailboxMalformed.
type MalformedMessage struct {
	Provider     string
	OriginalPath string
	RejectedPath string
	Reason       string
}

// SessionChange is the payload for the four scheduler lifecycle events.
type SessionChange struct {
	SessionID   string
	Role        string
	IssueID     string
	Engine      string
	PID         int
	ExitCode    int
	Reason      string
	LogLocation string
	ByTimeout   bool
}

// PRCreated is the payload for TypePRCreated.
type PRCreated struct {
	IssueID string
	Branch  string
	URL     string
}

// HandlerFailure is the payload for TypeSchedulerHandlerFailure.
type HandlerFailure struct {
	Handler   string
	EventType Type
	Reason    string
}

// Overload is the payload for TypeSchedulerOverload.
type Overload struct {
	DroppedType Type
	QueueDepth  int
}

// PersistFailure is the payload for TypeSchedulerPersistFailure.
type PersistFailure struct {
	SessionID string
	Attempted string
	Reason    string
}

// Cooldown is the payload for TypeSchedulerCooldown: a schedule request was
// refused because the (role, issue) pair is inside its failure cool-down.
type Cooldown struct {
	Role      string
	IssueID   string
	RetryAt   time.Time
	Attempts  int
	Remaining time.Duration
}
