package transport

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/submitd/submitd/wire"
)

// fakeServer plays the remote side of a clientSession conversation over a net.Pipe, scripted by
// a list of lines it sends in response to reading one line of client input per step.
type fakeServer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{conn: conn, reader: bufio.NewReader(conn)}
}

func (f *fakeServer) sendLine(line string) {
	f.conn.Write([]byte(line + "\r\n"))
}

func (f *fakeServer) readLine() (string, error) {
	line, err := f.reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func (f *fakeServer) readDataUntilDot() ([]string, error) {
	var lines []string
	for {
		line, err := f.readLine()
		if err != nil {
			return lines, err
		}
		if line == "." {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func newClientSessionPipe() (*clientSession, *fakeServer) {
	clientConn, serverConn := net.Pipe()
	sess := &clientSession{conn: clientConn, reader: wire.NewReplyReader(clientConn), serverName: "mail.example.com"}
	return sess, newFakeServer(serverConn)
}

func TestClientSessionGreetSuccess(t *testing.T) {
	sess, srv := newClientSessionPipe()
	defer sess.conn.Close()

	errc := make(chan error, 1)
	go func() { errc <- sess.greet(context.Background()) }()

	srv.sendLine("220 mx.example.org ESMTP ready")
	line, err := srv.readLine()
	require.NoError(t, err)
	require.Equal(t, "EHLO mail.example.com", line)
	srv.sendLine("250 mx.example.org")

	require.NoError(t, <-errc)
}

func TestClientSessionGreetRejectsBadBanner(t *testing.T) {
	sess, srv := newClientSessionPipe()
	defer sess.conn.Close()

	errc := make(chan error, 1)
	go func() { errc <- sess.greet(context.Background()) }()

	srv.sendLine("554 go away")

	err := <-errc
	require.Error(t, err)
	sev, ok := SeverityOf(err)
	require.True(t, ok)
	require.True(t, sev.IsPermanent())
}

func TestClientSessionSendMailFullConversation(t *testing.T) {
	sess, srv := newClientSessionPipe()
	defer sess.conn.Close()

	errc := make(chan error, 1)
	body := strings.NewReader("Subject: hi\r\n\r\n.leading dot line\r\nbody text\r\n")
	go func() { errc <- sess.sendMail(context.Background(), "alice@example.com", "bob@example.org", body) }()

	line, err := srv.readLine()
	require.NoError(t, err)
	require.Equal(t, "MAIL FROM:<alice@example.com>", line)
	srv.sendLine("250 2.1.0 OK")

	line, err = srv.readLine()
	require.NoError(t, err)
	require.Equal(t, "RCPT TO:<bob@example.org>", line)
	srv.sendLine("250 2.1.5 OK")

	line, err = srv.readLine()
	require.NoError(t, err)
	require.Equal(t, "DATA", line)
	srv.sendLine("354 send it")

	dataLines, err := srv.readDataUntilDot()
	require.NoError(t, err)
	require.Equal(t, []string{"Subject: hi", "", "..leading dot line", "body text"}, dataLines)
	srv.sendLine("250 2.0.0 accepted")

	require.NoError(t, <-errc)
}

func TestClientSessionSendMailStopsAtFirstRejection(t *testing.T) {
	sess, srv := newClientSessionPipe()
	defer sess.conn.Close()

	errc := make(chan error, 1)
	body := strings.NewReader("irrelevant body\r\n")
	go func() { errc <- sess.sendMail(context.Background(), "alice@example.com", "bob@example.org", body) }()

	line, err := srv.readLine()
	require.NoError(t, err)
	require.Equal(t, "MAIL FROM:<alice@example.com>", line)
	srv.sendLine("450 4.7.1 try again later")

	err = <-errc
	require.Error(t, err)
	sev, ok := SeverityOf(err)
	require.True(t, ok)
	require.False(t, sev.IsPermanent())
}

func TestClientSessionStreamBodyDotStuffsAndTerminates(t *testing.T) {
	sess, srv := newClientSessionPipe()
	defer sess.conn.Close()

	errc := make(chan error, 1)
	body := strings.NewReader(".\r\nplain line\r\n..double dot\r\n")
	go func() { errc <- sess.streamBody(body) }()

	lines, err := srv.readDataUntilDot()
	require.NoError(t, err)
	require.Equal(t, []string{"..", "plain line", "...double dot"}, lines)
	require.NoError(t, <-errc)
}

func TestExpectCodeMatches(t *testing.T) {
	require.NoError(t, expectCode(wire.Reply{Code: 250}, 250))
}

func TestExpectCodeMismatchClassifies(t *testing.T) {
	err := expectCode(wire.Reply{Code: 550, Enhanced: &wire.EnhancedStatus{Class: 5, Subject: wire.SubjectMailbox}}, 250)
	require.Error(t, err)
	sev, ok := SeverityOf(err)
	require.True(t, ok)
	require.Equal(t, MailboxPermanent, sev)
}

func TestClientDialConnectsToAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	resolver, err := NewResolver()
	require.NoError(t, err)
	c := &Client{Resolver: resolver, ServerName: "mail.example.com"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := c.dial(ctx, net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case remote := <-accepted:
		remote.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
}
