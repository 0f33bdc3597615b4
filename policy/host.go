/*
Package policy defines the pluggable filter/decision surface a submitd daemon consults while
driving a session and while retrying queued mail. The original design routed these callbacks
through a sandboxed configuration module loaded from a file at startup; no sandboxing runtime
exists anywhere in this program's dependency stack, so the same pluggability is expressed as a
plain Go interface instead, selected once at daemon-construction time.
*/
package policy

import (
	"context"
	"io"
	"time"
)

// Decision is the outcome of a filter callback.
type Decision int

const (
	Accept Decision = iota
	Reject
)

// Verdict is the result of any filter callback: an accept, or a reject carrying the reply the
// session (or transport classification) should see.
type Verdict struct {
	Decision Decision
	// Code is the SMTP reply code to use on Reject; ignored on Accept.
	Code int
	// EnhancedStatus is the optional "x.y.z" RFC 3463 code to prefix the reply text with.
	EnhancedStatus string
	// Message is the human-readable reply text.
	Message string
}

// Accepted is the zero-effort affirmative verdict most filters return on the common path.
var Accepted = Verdict{Decision: Accept}

// ConnectionMetadata is created once per accepted TCP connection and carries a caller-opaque
// blob a Host implementation can use to stash its own bookkeeping across the session's lifetime.
type ConnectionMetadata struct {
	RemoteAddr string
	Opaque     []byte
}

// MailMetadata exists between MAIL FROM and the completion or abort of DATA.
type MailMetadata struct {
	Sender     string
	Recipients []string
	Opaque     []byte
}

// Host is the full set of callbacks a session and a queue engine consult. Implementations must
// be safe for concurrent use: unlike the sandboxed module this replaces, which was bound to a
// single worker thread, a Host here is shared by every session and queue worker goroutine.
type Host interface {
	// CanDoTLS reports whether STARTTLS should be advertised in the EHLO capability list.
	CanDoTLS() bool

	// FilterFrom decides whether to accept a MAIL FROM. conn is mutable scratch space.
	FilterFrom(ctx context.Context, sender string, conn *ConnectionMetadata) Verdict

	// FilterTo decides whether to accept a RCPT TO against the mail accumulated so far.
	FilterTo(ctx context.Context, recipient string, mail *MailMetadata, conn *ConnectionMetadata) Verdict

	// ReceivedHeader returns the "Received:" header line (including trailing CRLF) to prepend
	// to the message body before it is handed to storage, or nil to add nothing.
	ReceivedHeader(conn *ConnectionMetadata, mail *MailMetadata) []byte

	// HandleMail is the post-DATA hook. It MUST decide accept-or-reject for the completed
	// message; on Accept the caller proceeds to enqueue the body it already streamed to storage.
	HandleMail(ctx context.Context, mail *MailMetadata, conn *ConnectionMetadata, body io.Reader) Verdict

	// FoundInflightCheckDelay is the wait applied, at startup, before resuming a destination
	// found sitting in inflight/ (i.e. a worker was interrupted mid-send by a prior crash).
	FoundInflightCheckDelay() time.Duration

	// NextInterval returns the delay before the next attempt given the number of attempts made
	// so far (1-based). ok is false when the policy has given up, meaning the destination should
	// be dropped rather than rescheduled.
	NextInterval(attempt int) (delay time.Duration, ok bool)

	// LogStorageError is called when the queue engine encounters a filesystem error acting on a
	// destination; id is empty when the error predates identifying a specific destination.
	LogStorageError(err error, id string)
}
