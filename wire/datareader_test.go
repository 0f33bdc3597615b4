package wire

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, dr *DataReader) (string, DataStatus) {
	t.Helper()
	var out strings.Builder
	buf := make([]byte, 8)
	for {
		n, status := dr.Read(buf)
		out.Write(buf[:n])
		if status != DataMore {
			return out.String(), status
		}
	}
}

func TestDataReaderFinishesOnTerminator(t *testing.T) {
	dr := NewDataReader(strings.NewReader("Subject: hi\r\n\r\nbody line\r\n.\r\n"))
	body, status := readAll(t, dr)
	require.Equal(t, DataFinished, status)
	require.Equal(t, "Subject: hi\r\n\r\nbody line\r\n", body)
}

func TestDataReaderUnstuffsLeadingDot(t *testing.T) {
	dr := NewDataReader(strings.NewReader("..leading dot\r\n.\r\n"))
	body, status := readAll(t, dr)
	require.Equal(t, DataFinished, status)
	require.Equal(t, ".leading dot\r\n", body)
}

func TestDataReaderEndOfInputWithoutTerminator(t *testing.T) {
	dr := NewDataReader(strings.NewReader("incomplete body\r\n"))
	_, status := readAll(t, dr)
	require.Equal(t, DataEndOfInput, status)
}

func TestDataReaderPropagatesError(t *testing.T) {
	dr := NewDataReader(&erroringReader{})
	_, status := readAll(t, dr)
	require.Equal(t, DataError, status)
}

type erroringReader struct{}

func (e *erroringReader) Read(p []byte) (int, error) {
	return 0, errBoom
}

var errBoom = io.ErrClosedPipe

func TestDataReaderFailsClosedOnOverlongLine(t *testing.T) {
	overlong := strings.Repeat("a", DataBufSize+10)
	dr := NewDataReader(strings.NewReader(overlong))
	_, status := readAll(t, dr)
	require.Equal(t, DataError, status)
	require.ErrorIs(t, dr.err, ErrOverlongLine)
}

func TestDataReaderTrickleAcrossReads(t *testing.T) {
	dr := NewDataReader(&trickleReader{data: []byte("one\r\ntwo\r\n.\r\n")})
	body, status := readAll(t, dr)
	require.Equal(t, DataFinished, status)
	require.Equal(t, "one\r\ntwo\r\n", body)
}
