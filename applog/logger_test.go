package applog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatPlainMessage(t *testing.T) {
	l := &Logger{ComponentName: "queue"}
	msg := l.Format("scanOnce", "", nil, "scanned %d entries", 3)
	require.Equal(t, "queue.scanOnce: scanned 3 entries", msg)
}

func TestFormatWithActorAndComponentID(t *testing.T) {
	l := &Logger{ComponentName: "session", ComponentID: []IDField{{Key: "remote", Value: "1.2.3.4:99"}}}
	msg := l.Format("handleData", "alice@example.com", nil, "streamed body")
	require.Equal(t, "session[remote=1.2.3.4:99].handleData(alice@example.com): streamed body", msg)
}

func TestFormatWithError(t *testing.T) {
	l := &Logger{ComponentName: "queue"}
	msg := l.Format("sendOne", "", errors.New("connection refused"), "send failed")
	require.Equal(t, `queue.sendOne: Error "connection refused" - send failed`, msg)
}

func TestTruncateStringLeavesShortStringsAlone(t *testing.T) {
	require.Equal(t, "short", TruncateString("short", 100))
}

func TestTruncateStringCutsMiddle(t *testing.T) {
	s := TruncateString("abcdefghijklmnopqrstuvwxyz", 20)
	require.LessOrEqual(t, len(s), 20+len(truncatedLabel))
	require.Contains(t, s, truncatedLabel)
	require.True(t, len(s) < len("abcdefghijklmnopqrstuvwxyz"))
}

func TestLintStringReplacesControlAndNonASCII(t *testing.T) {
	got := LintString("safe\x01texté", 100)
	require.Equal(t, "safe_text_", got)
}

func TestLintStringCapsLength(t *testing.T) {
	got := LintString("abcdefgh", 3)
	require.Equal(t, "abc", got)
}

func TestWarningDoesNotPanic(t *testing.T) {
	l := &Logger{ComponentName: "test"}
	require.NotPanics(t, func() {
		l.Warning("actor", errors.New("boom"), "something failed")
	})
}

func TestMaybeMinorErrorSuppressesClosedConnections(t *testing.T) {
	l := &Logger{ComponentName: "test"}
	require.NotPanics(t, func() {
		l.MaybeMinorError(errors.New("use of closed network connection"))
		l.MaybeMinorError(nil)
	})
}
