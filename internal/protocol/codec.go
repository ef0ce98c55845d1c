package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// lengthHeaderSize is the fixed width of the decimal length prefix.
	lengthHeaderSize = 10

	// maxFrameSize bounds a single frame. File chunks are 8 KiB before
	// base64, so any legitimate frame is far below this.
	maxFrameSize = 16 << 20
)

// ErrPeerClosed is returned by Decode when the peer closes the stream
// before or during a frame. It is a normal end of conversation, not a
// protocol violation.
var ErrPeerClosed = errors.New("peer closed connection")

// ProtocolError reports a malformed frame. Callers must treat it as
// fatal to the connection.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode serializes an envelope into a single frame: a zero-padded
// 10-digit decimal byte count followed by the JSON body.
func Encode(e *Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, &ProtocolError{Op: "encode", Err: err}
	}
	frame := make([]byte, 0, lengthHeaderSize+len(body))
	frame = append(frame, fmt.Sprintf("%010d", len(body))...)
	frame = append(frame, body...)
	return frame, nil
}

// Decode reads exactly one frame from r. It returns ErrPeerClosed when
// the stream ends cleanly before or inside a frame, and a ProtocolError
// for malformed headers or bodies.
func Decode(r io.Reader) (*Envelope, error) {
	header := make([]byte, lengthHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, err
	}

	// Some peers emit space-padded lengths; tolerate both paddings.
	length, err := strconv.ParseUint(strings.TrimSpace(string(header)), 10, 32)
	if err != nil {
		return nil, &ProtocolError{Op: "parse length header", Err: err}
	}
	if length > maxFrameSize {
		return nil, &ProtocolError{Op: "parse length header", Err: fmt.Errorf("frame of %d bytes exceeds limit", length)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Op: "decode body", Err: err}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Op: "decode body", Err: errors.New("missing message_type")}
	}
	return &env, nil
}

// Write encodes the envelope and writes the whole frame to w.
func Write(w io.Writer, e *Envelope) error {
	frame, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}
