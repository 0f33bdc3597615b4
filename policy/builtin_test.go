package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBuiltin() *Builtin {
	b := NewBuiltin("mail.example.com", true)
	b.DNSBLTimeout = 50 * time.Millisecond
	return b
}

func TestBuiltinCanDoTLS(t *testing.T) {
	require.True(t, newTestBuiltin().CanDoTLS())
	require.False(t, NewBuiltin("mail.example.com", false).CanDoTLS())
}

func TestBuiltinFilterToAcceptsWellFormedAddress(t *testing.T) {
	b := newTestBuiltin()
	v := b.FilterTo(context.Background(), "bob@example.com", &MailMetadata{}, &ConnectionMetadata{})
	require.Equal(t, Accept, v.Decision)
}

func TestBuiltinFilterToRejectsAddressWithoutDomain(t *testing.T) {
	b := newTestBuiltin()
	v := b.FilterTo(context.Background(), "bob", &MailMetadata{}, &ConnectionMetadata{})
	require.Equal(t, Reject, v.Decision)
	require.Equal(t, 501, v.Code)
}

func TestBuiltinFilterFromAcceptsUnlistedAddress(t *testing.T) {
	b := newTestBuiltin()
	v := b.FilterFrom(context.Background(), "alice@example.com", &ConnectionMetadata{RemoteAddr: "127.0.0.1:54321"})
	require.Equal(t, Accept, v.Decision)
}

func TestBuiltinFilterFromAcceptsNullReversePath(t *testing.T) {
	b := newTestBuiltin()
	v := b.FilterFrom(context.Background(), "", &ConnectionMetadata{RemoteAddr: "127.0.0.1:54321"})
	require.Equal(t, Accept, v.Decision)
}

func TestBuiltinFilterFromRejectsAddressWithoutDomain(t *testing.T) {
	b := newTestBuiltin()
	v := b.FilterFrom(context.Background(), "alice", &ConnectionMetadata{RemoteAddr: "127.0.0.1:54321"})
	require.Equal(t, Reject, v.Decision)
	require.Equal(t, 501, v.Code)
}

func TestBuiltinFilterFromAcceptsNonIPv4(t *testing.T) {
	b := newTestBuiltin()
	v := b.FilterFrom(context.Background(), "alice@example.com", &ConnectionMetadata{RemoteAddr: "[::1]:54321"})
	require.Equal(t, Accept, v.Decision)
}

func TestBuiltinReceivedHeaderMentionsRemoteAddr(t *testing.T) {
	b := newTestBuiltin()
	header := b.ReceivedHeader(&ConnectionMetadata{RemoteAddr: "10.0.0.1:12345"}, &MailMetadata{})
	require.Contains(t, string(header), "10.0.0.1:12345")
	require.Contains(t, string(header), "mail.example.com")
}

func TestBuiltinNextIntervalBacksOffAndGivesUp(t *testing.T) {
	b := newTestBuiltin()
	prev := time.Duration(0)
	for attempt := 1; attempt < 8; attempt++ {
		delay, ok := b.NextInterval(attempt)
		require.True(t, ok, "attempt %d", attempt)
		require.Greater(t, delay, prev)
		prev = delay
	}
	_, ok := b.NextInterval(8)
	require.False(t, ok)
}

func TestBuiltinFoundInflightCheckDelay(t *testing.T) {
	b := newTestBuiltin()
	require.Equal(t, 5*time.Second, b.FoundInflightCheckDelay())
}
