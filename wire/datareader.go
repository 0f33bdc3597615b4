package wire

import (
	"bytes"
	"errors"
	"io"
)

// DataBufSize bounds the internal buffer of a DataReader.
const DataBufSize = 16 * 1024

// ErrOverlongLine is returned when a DATA line exceeds DataBufSize bytes without a CRLF.
var ErrOverlongLine = errors.New("wire: DATA line exceeded buffer size")

// DataStatus describes the terminal condition reached by a DataReader.
type DataStatus int

const (
	// DataMore indicates Read returned bytes but the terminator has not yet been seen.
	DataMore DataStatus = iota
	// DataFinished indicates the <CRLF>.<CRLF> terminator was consumed.
	DataFinished
	// DataEndOfInput indicates the underlying stream closed before the terminator appeared.
	DataEndOfInput
	// DataError indicates the underlying stream returned a non-EOF error, or a line overflowed
	// the internal buffer (ErrOverlongLine).
	DataError
)

// DataReader wraps a byte stream during the DATA phase of a session, surfacing the
// dot-unstuffed payload up to the terminating "." line; the CRLF that ends the last text line is
// part of the payload, the ".\r\n" line is not. Read is modelled on
// io.Reader but returns a DataStatus instead of an error, since "more data needed" and "stream
// ended without a terminator" are both conditions the caller must distinguish from an I/O error.
type DataReader struct {
	r    io.Reader
	raw  []byte // unparsed bytes read from r, not yet decoded
	rawN int
	err  error

	ready    []byte // decoded (unstuffed) bytes waiting to be handed to the caller
	readyPos int

	atLineStart bool
	finished    bool
}

// NewDataReader wraps r, ready to stream a single DATA payload.
func NewDataReader(r io.Reader) *DataReader {
	return &DataReader{r: r, raw: make([]byte, DataBufSize), atLineStart: true}
}

// Read copies unstuffed payload bytes into p and reports the current status. Once Read reports
// anything other than DataMore, further calls to Read return (0, status-appropriate).
func (dr *DataReader) Read(p []byte) (n int, status DataStatus) {
	for {
		if dr.readyPos < len(dr.ready) {
			n = copy(p, dr.ready[dr.readyPos:])
			dr.readyPos += n
			return n, DataMore
		}
		dr.ready = dr.ready[:0]
		dr.readyPos = 0
		if dr.finished {
			return 0, DataFinished
		}
		if dr.decodeAvailable() {
			continue
		}
		if dr.finished {
			continue
		}
		if dr.err != nil {
			if dr.err == io.EOF {
				return 0, DataEndOfInput
			}
			return 0, DataError
		}
		if !dr.refill() {
			continue
		}
	}
}

// refill reads more raw bytes from the underlying stream.
func (dr *DataReader) refill() bool {
	if dr.rawN >= len(dr.raw) {
		// The buffer is full and decodeAvailable still found no complete line: the client sent a
		// line longer than DataBufSize with no CRLF. Fail closed instead of spinning forever.
		dr.err = ErrOverlongLine
		return false
	}
	num, err := dr.r.Read(dr.raw[dr.rawN:])
	if num > 0 {
		dr.rawN += num
	}
	if err != nil {
		dr.err = err
	}
	return num > 0
}

// decodeAvailable consumes as many complete, unstuffed lines as are currently buffered in raw,
// appending them to ready, and detects the terminator. It reports whether it produced anything
// (including detecting termination) so the caller can loop back to drain `ready`.
func (dr *DataReader) decodeAvailable() bool {
	produced := false
	for {
		window := dr.raw[:dr.rawN]
		if dr.atLineStart && bytes.HasPrefix(window, []byte(".\r\n")) {
			dr.consumeRaw(3)
			dr.finished = true
			return true
		}
		idx := bytes.Index(window, []byte("\r\n"))
		if idx == -1 {
			break
		}
		line := window[:idx]
		if dr.atLineStart && len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		dr.ready = append(dr.ready, line...)
		dr.ready = append(dr.ready, '\r', '\n')
		dr.consumeRaw(idx + 2)
		dr.atLineStart = true
		produced = true
	}
	return produced
}

// consumeRaw discards the first n bytes of the raw buffer, compacting the remainder to offset 0.
func (dr *DataReader) consumeRaw(n int) {
	copy(dr.raw, dr.raw[n:dr.rawN])
	dr.rawN -= n
}
