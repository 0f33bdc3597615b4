package wire

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadReplySingleLine(t *testing.T) {
	rr := NewReplyReader(strings.NewReader("250 2.1.0 Sender OK\r\n"))
	reply, err := rr.ReadReply()
	require.NoError(t, err)
	require.Equal(t, 250, reply.Code)
	require.NotNil(t, reply.Enhanced)
	require.Equal(t, 2, reply.Enhanced.Class)
	require.Equal(t, []string{"Sender OK"}, reply.Lines)
}

func TestReadReplyMultiLine(t *testing.T) {
	rr := NewReplyReader(strings.NewReader("250-mail.example.com\r\n250-8BITMIME\r\n250 OK\r\n"))
	reply, err := rr.ReadReply()
	require.NoError(t, err)
	require.Equal(t, 250, reply.Code)
	require.Equal(t, []string{"mail.example.com", "8BITMIME", "OK"}, reply.Lines)
}

func TestReadReplyWithoutEnhancedStatus(t *testing.T) {
	rr := NewReplyReader(strings.NewReader("550 mailbox unavailable\r\n"))
	reply, err := rr.ReadReply()
	require.NoError(t, err)
	require.Nil(t, reply.Enhanced)
	require.Equal(t, []string{"mailbox unavailable"}, reply.Lines)
}

// trickleReader delivers the input one byte at a time, exercising the reader's partial-line
// buffering across many small Read calls.
type trickleReader struct {
	data []byte
	pos  int
}

func (t *trickleReader) Read(p []byte) (int, error) {
	if t.pos >= len(t.data) {
		return 0, io.EOF
	}
	p[0] = t.data[t.pos]
	t.pos++
	return 1, nil
}

func TestReadReplyTrickle(t *testing.T) {
	rr := NewReplyReader(&trickleReader{data: []byte("250-2.1.0 first\r\n250 2.1.0 second\r\n")})
	reply, err := rr.ReadReply()
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, reply.Lines)
}

func TestReadReplyTooLong(t *testing.T) {
	oversized := "250-" + strings.Repeat("x", ReplyBufSize+1)
	rr := NewReplyReader(strings.NewReader(oversized))
	_, err := rr.ReadReply()
	require.ErrorIs(t, err, ErrTooLongReply)
}

func TestReplySerializeRoundTrip(t *testing.T) {
	original := "250-mail.example.com\r\n250-8BITMIME\r\n250 OK\r\n"
	rr := NewReplyReader(strings.NewReader(original))
	reply, err := rr.ReadReply()
	require.NoError(t, err)
	require.Equal(t, original, reply.Serialize())
}
