/*
Package session implements the server-side SMTP protocol state machine: a per-connection
interpreter that maps incoming commands to policy callbacks and SMTP replies. It is
transport-agnostic — it only needs an io.ReadWriter and a deadline-settable Conn — so it can be
driven against a real socket or, in tests, against an in-memory pipe.
*/
package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/submitd/submitd/applog"
	"github.com/submitd/submitd/metrics"
	"github.com/submitd/submitd/policy"
	"github.com/submitd/submitd/queue"
	"github.com/submitd/submitd/wire"
)

// policyPanicVerdict is the synthetic rejection a policy.Host call is turned into when it panics,
// so one misbehaving Host implementation cannot take the process down with it.
var policyPanicVerdict = policy.Verdict{Decision: policy.Reject, Code: 451, EnhancedStatus: "4.3.0", Message: "local error, try again later"}

// state names the position in the transition diagram:
//
//	Start -> Greeted -> HasSender -> HasRecipient -> DataStreaming -> Greeted (loop) -> Closed
type state int

const (
	stateStart state = iota
	stateGreeted
	stateHasSender
	stateHasRecipient
	stateDataStreaming
	stateClosed
)

// Config tunes a Session's fault tolerance and capability advertisement.
type Config struct {
	ServerName                         string
	IOTimeout                          time.Duration
	MaxConsecutiveUnrecognisedCommands int
	MaxMessageLength                   int64
	AllowTLS                           bool
}

// Session drives a single SMTP conversation to completion.
type Session struct {
	Config  Config
	Policy  policy.Host
	Storage queue.Storage
	Logger  *applog.Logger
	Metrics *metrics.Collectors

	conn       net.Conn
	reader     *bufio.Reader
	state      state
	connMeta   *policy.ConnectionMetadata
	mailMeta   *policy.MailMetadata
	unrecognisedInARow int
}

// New constructs a Session bound to conn, identified in logs and Received headers by
// conn.RemoteAddr().
func New(conn net.Conn, cfg Config, host policy.Host, storage queue.Storage, logger *applog.Logger) *Session {
	return &Session{
		Config:  cfg,
		Policy:  host,
		Storage: storage,
		Logger:  logger,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 4096),
		state:   stateStart,
		connMeta: &policy.ConnectionMetadata{RemoteAddr: conn.RemoteAddr().String()},
	}
}

// Serve runs the conversation until the client disconnects, issues QUIT, or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) {
	if s.Metrics != nil {
		s.Metrics.SessionsAccepted.Inc()
	}
	s.reply(220, "", "%s ESMTP ready", s.Config.ServerName)
	s.state = stateGreeted
	for s.state != stateClosed {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line, err := s.readLine()
		if err != nil {
			return
		}
		if !s.handleLine(ctx, line) {
			return
		}
	}
}

func (s *Session) readLine() (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.Config.IOTimeout))
	line, err := s.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) reply(code int, enhanced, format string, args ...interface{}) {
	s.conn.SetWriteDeadline(time.Now().Add(s.Config.IOTimeout))
	text := fmt.Sprintf(format, args...)
	if enhanced != "" {
		text = enhanced + " " + text
	}
	fmt.Fprintf(s.conn, "%d %s\r\n", code, text)
}

func (s *Session) replyMultiline(code int, lines ...string) {
	s.conn.SetWriteDeadline(time.Now().Add(s.Config.IOTimeout))
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(s.conn, "%d%c%s\r\n", code, sep, line)
	}
}

// handleLine processes one command line and reports whether the session should keep running.
func (s *Session) handleLine(ctx context.Context, line string) bool {
	cmd := wire.ParseCommand(line)
	if cmd.Verb == wire.VerbUnknown {
		if cmd.ErrorInfo != "" && strings.Contains(cmd.ErrorInfo, "address") {
			s.reply(553, "", "%s", cmd.ErrorInfo)
		} else {
			s.reply(500, "", "unrecognised command")
		}
		s.unrecognisedInARow++
		if s.unrecognisedInARow > s.Config.MaxConsecutiveUnrecognisedCommands {
			s.reply(554, "", "too many unrecognised commands")
			return false
		}
		return true
	}
	s.unrecognisedInARow = 0

	switch cmd.Verb {
	case wire.VerbEHLO, wire.VerbHELO:
		return s.handleGreeting(cmd)
	case wire.VerbMAILFROM:
		return s.handleMailFrom(ctx, cmd)
	case wire.VerbRCPTTO:
		return s.handleRcptTo(ctx, cmd)
	case wire.VerbDATA:
		return s.handleData(ctx, cmd)
	case wire.VerbRSET:
		s.resetMailState()
		s.reply(250, "", "OK")
		return true
	case wire.VerbNOOP:
		s.reply(250, "", "OK")
		return true
	case wire.VerbQUIT:
		s.reply(221, "", "bye")
		s.state = stateClosed
		return false
	case wire.VerbVRFY, wire.VerbHELP:
		s.reply(502, "", "command not implemented")
		return true
	case wire.VerbSTARTTLS:
		if !s.callCanDoTLS() {
			s.reply(502, "", "command not implemented")
			return true
		}
		s.reply(502, "", "command not implemented")
		return true
	default:
		s.reply(502, "", "command not implemented")
		return true
	}
}

func (s *Session) resetMailState() {
	s.mailMeta = nil
	s.state = stateGreeted
}

func (s *Session) handleGreeting(cmd wire.Command) bool {
	s.resetMailState()
	if cmd.Verb == wire.VerbHELO {
		s.reply(250, "", "%s", s.Config.ServerName)
		return true
	}
	caps := []string{s.Config.ServerName, "8BITMIME", fmt.Sprintf("SIZE %d", s.Config.MaxMessageLength)}
	if s.callCanDoTLS() {
		caps = append(caps, "STARTTLS")
	}
	caps = append(caps, "OK")
	s.replyMultiline(250, caps...)
	return true
}

func (s *Session) handleMailFrom(ctx context.Context, cmd wire.Command) bool {
	if s.state != stateGreeted {
		s.reply(503, "", "say HELO/EHLO first")
		return true
	}
	verdict := s.callVerdict("FilterFrom", func() policy.Verdict {
		return s.Policy.FilterFrom(ctx, cmd.Parameter, s.connMeta)
	})
	if verdict.Decision == policy.Reject {
		s.replyVerdict(verdict, 550)
		return true
	}
	s.mailMeta = &policy.MailMetadata{Sender: cmd.Parameter}
	s.state = stateHasSender
	s.reply(250, "2.1.0", "OK")
	return true
}

func (s *Session) handleRcptTo(ctx context.Context, cmd wire.Command) bool {
	if s.state != stateHasSender && s.state != stateHasRecipient {
		s.reply(503, "", "need MAIL FROM first")
		return true
	}
	verdict := s.callVerdict("FilterTo", func() policy.Verdict {
		return s.Policy.FilterTo(ctx, cmd.Parameter, s.mailMeta, s.connMeta)
	})
	if verdict.Decision == policy.Reject {
		s.replyVerdict(verdict, 550)
		return true
	}
	s.mailMeta.Recipients = append(s.mailMeta.Recipients, cmd.Parameter)
	s.state = stateHasRecipient
	s.reply(250, "2.1.5", "OK")
	return true
}

func (s *Session) handleData(ctx context.Context, cmd wire.Command) bool {
	if s.state != stateHasRecipient {
		if s.mailMeta == nil {
			s.reply(503, "", "need MAIL FROM first")
		} else {
			s.reply(503, "", "need RCPT TO first")
		}
		return true
	}
	s.reply(354, "", "start mail input; end with <CRLF>.<CRLF>")
	s.state = stateDataStreaming

	enqueuer, err := s.Storage.Enqueue(ctx)
	if err != nil {
		s.Logger.Warning("", err, "failed to open spool for incoming mail")
		s.reply(451, "", "local error, try again later")
		s.resetMailState()
		return true
	}

	if header := s.callReceivedHeader(); header != nil {
		enqueuer.Write(header)
	}

	// bodyForPolicy mirrors what is streamed to the spool, up to the message size limit, so
	// HandleMail can inspect the content it is deciding on rather than seeing an empty reader.
	var bodyForPolicy bytes.Buffer
	bodyCap := s.Config.MaxMessageLength
	dataReader := wire.NewDataReader(s.reader)
	buf := make([]byte, wire.DataBufSize)
	var status wire.DataStatus
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.Config.IOTimeout))
		var n int
		n, status = dataReader.Read(buf)
		if n > 0 {
			enqueuer.Write(buf[:n])
			if bodyCap <= 0 || int64(bodyForPolicy.Len()) < bodyCap {
				chunk := buf[:n]
				if bodyCap > 0 {
					if room := bodyCap - int64(bodyForPolicy.Len()); int64(len(chunk)) > room {
						chunk = chunk[:room]
					}
				}
				bodyForPolicy.Write(chunk)
			}
		}
		if status != wire.DataMore {
			break
		}
	}

	if status != wire.DataFinished {
		enqueuer.Discard()
		s.reply(451, "", "incomplete message, try again")
		s.resetMailState()
		return true
	}

	verdict := s.callVerdict("HandleMail", func() policy.Verdict {
		return s.Policy.HandleMail(ctx, s.mailMeta, s.connMeta, bytes.NewReader(bodyForPolicy.Bytes()))
	})
	if verdict.Decision == policy.Reject {
		enqueuer.Discard()
		s.replyVerdict(verdict, 550)
		s.resetMailState()
		return true
	}

	destinations := make([]queue.DestinationSpec, 0, len(s.mailMeta.Recipients))
	for _, rcpt := range s.mailMeta.Recipients {
		destinations = append(destinations, queue.DestinationSpec{
			Metadata: queue.Metadata{Sender: s.mailMeta.Sender, Recipient: rcpt, Opaque: s.mailMeta.Opaque},
			Schedule: queue.Schedule{At: time.Now()},
		})
	}
	if _, err := enqueuer.Commit(ctx, destinations); err != nil {
		s.Logger.Warning("", err, "failed to commit mail to spool")
		s.reply(451, "", "local error, try again later")
		s.resetMailState()
		return true
	}

	if s.Metrics != nil {
		s.Metrics.MessagesEnqueued.Inc()
	}
	s.reply(250, "2.0.0", "OK, message accepted")
	s.resetMailState()
	return true
}

// callVerdict invokes fn, which must call exactly one policy.Host method returning a Verdict, and
// recovers a panic escaping it into policyPanicVerdict rather than letting it cross the session's
// goroutine boundary.
func (s *Session) callVerdict(name string, fn func() policy.Verdict) (verdict policy.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Warning("", fmt.Errorf("panic: %v", r), "policy.%s panicked", name)
			verdict = policyPanicVerdict
		}
	}()
	return fn()
}

// callCanDoTLS recovers a panic from policy.Host.CanDoTLS, treating it as "no" since advertising
// a capability the policy cannot actually honour would be worse than declining it.
func (s *Session) callCanDoTLS() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Warning("", fmt.Errorf("panic: %v", r), "policy.CanDoTLS panicked")
			ok = false
		}
	}()
	return s.Policy.CanDoTLS()
}

// callReceivedHeader recovers a panic from policy.Host.ReceivedHeader, treating it as "no header"
// rather than failing the whole message over a cosmetic trace line.
func (s *Session) callReceivedHeader() (header []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Warning("", fmt.Errorf("panic: %v", r), "policy.ReceivedHeader panicked")
			header = nil
		}
	}()
	return s.Policy.ReceivedHeader(s.connMeta, s.mailMeta)
}

func (s *Session) replyVerdict(v policy.Verdict, fallbackCode int) {
	code := v.Code
	if code == 0 {
		code = fallbackCode
	}
	msg := v.Message
	if msg == "" {
		msg = "rejected"
	}
	s.reply(code, v.EnhancedStatus, "%s", msg)
}
