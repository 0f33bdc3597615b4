package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/submitd/submitd/applog"
	"github.com/submitd/submitd/wire"
)

// Phase timeouts, matching the spec's defaults exactly.
const (
	BannerTimeout       = 5 * time.Minute
	EHLOReplyTimeout    = 5 * time.Minute
	MAILReplyTimeout    = 5 * time.Minute
	RCPTReplyTimeout    = 5 * time.Minute
	DataInitTimeout     = 2 * time.Minute
	DataBlockTimeout    = 3 * time.Minute
	DataEndTimeout      = 10 * time.Minute
	CommandWriteTimeout = 5 * time.Minute
)

// Transport is the capability the queue engine depends on to deliver a destination.
type Transport interface {
	// Send delivers body (the raw RFC 5322 message, already dot-unstuffed on disk) from sender
	// to each recipient over a freshly established connection to the recipient domain's MX.
	Send(ctx context.Context, sender string, recipients []string, body io.Reader) error
}

// Client is the default Transport: it performs MX resolution, tries candidate hosts/IPs in the
// prioritized, randomized-within-tier order specified, and streams the message with CRLF
// dot-stuffing once a connection is established.
type Client struct {
	Resolver   *Resolver
	Logger     *applog.Logger
	ServerName string
	Rand       *rand.Rand
}

// NewClient constructs a Client using resolver for MX/A/AAAA lookups.
func NewClient(resolver *Resolver, serverName string) *Client {
	return &Client{
		Resolver:   resolver,
		Logger:     &applog.Logger{ComponentName: "transport"},
		ServerName: serverName,
		Rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send groups recipients by domain is intentionally NOT performed here: the queue engine calls
// Send once per destination, since each destination names exactly one recipient (§3).
func (c *Client) Send(ctx context.Context, sender string, recipients []string, body io.Reader) error {
	if len(recipients) != 1 {
		return newNetworkError(fmt.Errorf("transport: exactly one recipient per destination, got %d", len(recipients)))
	}
	recipient := recipients[0]
	domain := recipient
	if at := strings.IndexByte(recipient, '@'); at != -1 {
		domain = recipient[at+1:]
	}

	conn, err := c.connect(ctx, domain)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := &clientSession{conn: conn, reader: wire.NewReplyReader(conn), serverName: c.ServerName}
	if err := sess.greet(ctx); err != nil {
		return err
	}
	return sess.sendMail(ctx, sender, recipient, body)
}

// connect resolves domain to a prioritized, per-tier-randomized list of candidate hosts (or uses
// the domain directly if it is an IP literal), resolves each candidate to IPs, and dials the
// first that accepts a TCP connection. It records and returns the first error encountered if
// every attempt fails.
func (c *Client) connect(ctx context.Context, domain string) (net.Conn, error) {
	if ip := net.ParseIP(domain); ip != nil {
		return c.dial(ctx, net.JoinHostPort(domain, "25"))
	}

	mxes, err := c.Resolver.LookupMX(domain)
	if err != nil || len(mxes) == 0 {
		if err != nil {
			c.Logger.Info(domain, err, "MX lookup failed, falling back to A/AAAA")
		}
		return c.connectToHost(ctx, domain)
	}

	hosts := connectOrder(mxes, c.Rand)
	var firstErr error
	for _, host := range hosts {
		conn, err := c.connectToHost(ctx, host)
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = newNetworkError(fmt.Errorf("transport: no MX or address records for %s", domain))
	}
	return nil, firstErr
}

func (c *Client) connectToHost(ctx context.Context, host string) (net.Conn, error) {
	ips, err := c.Resolver.LookupIPs(host)
	if err != nil {
		return nil, newNetworkError(fmt.Errorf("resolving %s: %w", host, err))
	}
	var firstErr error
	for _, ip := range ips {
		conn, err := c.dial(ctx, net.JoinHostPort(ip.String(), "25"))
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = newNetworkError(fmt.Errorf("transport: no address records for %s", host))
	}
	return nil, firstErr
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newNetworkError(fmt.Errorf("connecting to %s: %w", addr, err))
	}
	return conn, nil
}

// clientSession drives the SMTP conversation once a TCP connection is established.
type clientSession struct {
	conn       net.Conn
	reader     *wire.ReplyReader
	serverName string
}

func (s *clientSession) readReply(timeout time.Duration) (wire.Reply, error) {
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	reply, err := s.reader.ReadReply()
	if err != nil {
		if err == wire.ErrTooLongReply {
			return wire.Reply{}, &Error{Severity: NetworkTransient, Err: err}
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return wire.Reply{}, newNetworkError(fmt.Errorf("timed out waiting for reply: %w", err))
		}
		return wire.Reply{}, newNetworkError(err)
	}
	return reply, nil
}

func (s *clientSession) writeCommand(cmd string, timeout time.Duration) error {
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := io.WriteString(s.conn, cmd+"\r\n"); err != nil {
		return newNetworkError(fmt.Errorf("sending command: %w", err))
	}
	return nil
}

func expectCode(reply wire.Reply, want int) error {
	if reply.Code != want {
		return classifyReply(reply)
	}
	return nil
}

func (s *clientSession) greet(ctx context.Context) error {
	banner, err := s.readReply(BannerTimeout)
	if err != nil {
		return err
	}
	if err := expectCode(banner, 220); err != nil {
		return err
	}
	if err := s.writeCommand("EHLO "+s.serverName, CommandWriteTimeout); err != nil {
		return err
	}
	ehloReply, err := s.readReply(EHLOReplyTimeout)
	if err != nil {
		return err
	}
	return expectCode(ehloReply, 250)
}

func (s *clientSession) sendMail(ctx context.Context, sender, recipient string, body io.Reader) error {
	if err := s.writeCommand(fmt.Sprintf("MAIL FROM:<%s>", sender), CommandWriteTimeout); err != nil {
		return err
	}
	mailReply, err := s.readReply(MAILReplyTimeout)
	if err != nil {
		return err
	}
	if err := expectCode(mailReply, 250); err != nil {
		return err
	}

	if err := s.writeCommand(fmt.Sprintf("RCPT TO:<%s>", recipient), CommandWriteTimeout); err != nil {
		return err
	}
	rcptReply, err := s.readReply(RCPTReplyTimeout)
	if err != nil {
		return err
	}
	if err := expectCode(rcptReply, 250); err != nil {
		return err
	}

	if err := s.writeCommand("DATA", CommandWriteTimeout); err != nil {
		return err
	}
	dataInitReply, err := s.readReply(DataInitTimeout)
	if err != nil {
		return err
	}
	if err := expectCode(dataInitReply, 354); err != nil {
		return err
	}

	if err := s.streamBody(body); err != nil {
		return err
	}

	endReply, err := s.readReply(DataEndTimeout)
	if err != nil {
		return err
	}
	return expectCode(endReply, 250)
}

// streamBody writes body to the connection with CRLF-line dot-stuffing, terminated by
// "<CRLF>.<CRLF>".
func (s *clientSession) streamBody(body io.Reader) error {
	s.conn.SetWriteDeadline(time.Now().Add(DataBlockTimeout))
	w := bufio.NewWriter(s.conn)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, ".") {
			w.WriteByte('.')
		}
		w.WriteString(line)
		w.WriteString("\r\n")
	}
	if err := scanner.Err(); err != nil {
		return newNetworkError(fmt.Errorf("reading message body: %w", err))
	}
	w.WriteString(".\r\n")
	if err := w.Flush(); err != nil {
		return newNetworkError(fmt.Errorf("writing message body: %w", err))
	}
	return nil
}
