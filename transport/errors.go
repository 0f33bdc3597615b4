/*
Package transport implements the client side of the relay: MX resolution, prioritized connect
attempts, phase-timed SMTP I/O against a remote exchanger, and the graded failure taxonomy the
queue engine uses to decide between rescheduling and dropping a destination.
*/
package transport

import (
	"errors"
	"fmt"

	"github.com/submitd/submitd/wire"
)

// Severity classifies a transport failure for the queue engine's retry decision.
type Severity int

const (
	// NetworkTransient covers DNS, connect, socket I/O, timeout, connection-aborted, oversize
	// reply, and unexpected-reply-code failures. Always rescheduled.
	NetworkTransient Severity = iota
	// MailTransient is a 4xx reply whose enhanced status subject is absent or "mail".
	MailTransient
	// MailboxTransient is a 4xx reply with the "mailbox" enhanced status subject.
	MailboxTransient
	// MailSystemTransient is a 4xx reply with the "mail system" subject. A reply the client
	// cannot parse at all is reported as NetworkTransient, not as this severity.
	MailSystemTransient
	// MailPermanent is a 5xx reply whose subject is absent or "mail". Causes a drop.
	MailPermanent
	// MailboxPermanent is a 5xx reply with the "mailbox" subject. Causes a drop.
	MailboxPermanent
	// MailSystemPermanent is a 5xx reply with the "mail system" subject. Causes a drop.
	MailSystemPermanent
)

// IsPermanent reports whether severity s should cause the queue to drop the destination rather
// than reschedule it.
func (s Severity) IsPermanent() bool {
	return s == MailPermanent || s == MailboxPermanent || s == MailSystemPermanent
}

// String renders a Severity as a metrics label value.
func (s Severity) String() string {
	switch s {
	case NetworkTransient:
		return "network_transient"
	case MailTransient:
		return "mail_transient"
	case MailboxTransient:
		return "mailbox_transient"
	case MailSystemTransient:
		return "mail_system_transient"
	case MailPermanent:
		return "mail_permanent"
	case MailboxPermanent:
		return "mailbox_permanent"
	case MailSystemPermanent:
		return "mail_system_permanent"
	default:
		return "unknown"
	}
}

// SeverityOf extracts the classified Severity from err, if it is (or wraps) a *Error.
func SeverityOf(err error) (Severity, bool) {
	var te *Error
	if !errors.As(err, &te) {
		return 0, false
	}
	return te.Severity, true
}

// Error is a classified transport failure.
type Error struct {
	Severity Severity
	Reply    *wire.Reply // nil for failures that never produced a reply (DNS, connect, timeout)
	Err      error
}

func (e *Error) Error() string {
	if e.Reply != nil {
		return fmt.Sprintf("transport: %v (reply %d)", e.Err, e.Reply.Code)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err (if it is, or wraps, a *Error) should cause a drop rather than
// a reschedule. A non-transport error is treated as NetworkTransient (never permanent).
func IsPermanent(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Severity.IsPermanent()
}

func newNetworkError(err error) *Error {
	return &Error{Severity: NetworkTransient, Err: err}
}

// classifyReply maps an unexpected SMTP reply to a transport.Error. A code below 400 is
// NetworkTransient; a 4xx or 5xx code uses its enhanced status subject when present, defaulting
// to the "Mail" variant otherwise.
func classifyReply(r wire.Reply) *Error {
	if r.Code < 400 {
		return &Error{Severity: NetworkTransient, Reply: &r, Err: fmt.Errorf("unexpected reply %d", r.Code)}
	}
	transientSubject := map[int]Severity{
		wire.SubjectOther:      MailTransient,
		wire.SubjectMailbox:    MailboxTransient,
		wire.SubjectMailSystem: MailSystemTransient,
	}
	permanentSubject := map[int]Severity{
		wire.SubjectOther:      MailPermanent,
		wire.SubjectMailbox:    MailboxPermanent,
		wire.SubjectMailSystem: MailSystemPermanent,
	}
	subject := wire.SubjectOther
	if r.Enhanced != nil {
		subject = r.Enhanced.Subject
	}
	var sev Severity
	var table map[int]Severity
	if r.Code >= 500 {
		table = permanentSubject
	} else {
		table = transientSubject
	}
	var ok bool
	sev, ok = table[subject]
	if !ok {
		if r.Code >= 500 {
			sev = MailPermanent
		} else {
			sev = MailTransient
		}
	}
	return &Error{Severity: sev, Reply: &r, Err: fmt.Errorf("unexpected reply %d", r.Code)}
}
