package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := NewPrivateMessage("hello there", "alice", "bob")

	frame, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(bytes.NewReader(frame))
	require.NoError(t, err)

	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.Sender, decoded.Sender)
	assert.Equal(t, original.Recipient, decoded.Recipient)
	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, "hello there", decoded.String("content"))
	assert.True(t, decoded.Bool("is_private"))
	assert.True(t, original.Timestamp.Equal(decoded.Timestamp))
}

func TestEncodeHeaderIsZeroPaddedDecimal(t *testing.T) {
	frame, err := Encode(NewConnect())
	require.NoError(t, err)

	header := string(frame[:lengthHeaderSize])
	assert.Len(t, header, 10)
	assert.Equal(t, fmt.Sprintf("%010d", len(frame)-lengthHeaderSize), header)
}

func TestDecodeAcceptsSpacePaddedHeader(t *testing.T) {
	// Peers that format the length with leading spaces instead of
	// zeroes must still be readable.
	body := `{"message_type":"CONNECT","data":{},"timestamp":"2024-05-01T10:30:00.000001","message_id":"abc"}`
	frame := fmt.Sprintf("%10d%s", len(body), body)

	env, err := Decode(strings.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, TypeConnect, env.Type)
	assert.Equal(t, "abc", env.ID)
}

func TestDecodeMalformedHeader(t *testing.T) {
	frame := "abcdefghij{}"

	_, err := Decode(strings.NewReader(frame))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeMalformedBody(t *testing.T) {
	body := "{not json"
	frame := fmt.Sprintf("%010d%s", len(body), body)

	_, err := Decode(strings.NewReader(frame))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeMissingMessageType(t *testing.T) {
	body := `{"data":{},"message_id":"x"}`
	frame := fmt.Sprintf("%010d%s", len(body), body)

	_, err := Decode(strings.NewReader(frame))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecodePeerClosed(t *testing.T) {
	_, err := Decode(strings.NewReader(""))
	assert.True(t, errors.Is(err, ErrPeerClosed))

	// A header cut off mid-read is also a peer departure, not a
	// protocol violation.
	_, err = Decode(strings.NewReader("00000"))
	assert.True(t, errors.Is(err, ErrPeerClosed))
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	frame := fmt.Sprintf("%010d", maxFrameSize+1)

	_, err := Decode(strings.NewReader(frame))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestWriteThenDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	first := NewPublicMessage("one", "alice")
	second := NewPublicMessage("two", "bob")
	require.NoError(t, Write(&buf, first))
	require.NoError(t, Write(&buf, second))

	got1, err := Decode(&buf)
	require.NoError(t, err)
	got2, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, "one", got1.String("content"))
	assert.Equal(t, "two", got2.String("content"))
	assert.NotEqual(t, got1.ID, got2.ID)
}

func TestTimestampWireFormat(t *testing.T) {
	ts := Timestamp{time.Date(2024, 5, 1, 10, 30, 0, 123456000, time.UTC)}

	raw, err := ts.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2024-05-01T10:30:00.123456"`, string(raw))

	var parsed Timestamp
	require.NoError(t, parsed.UnmarshalJSON(raw))
	assert.True(t, ts.Equal(parsed))
}

func TestTimestampRoundTripKeepsInstantAcrossZones(t *testing.T) {
	eastern := time.FixedZone("UTC-4", -4*60*60)
	ts := Timestamp{time.Date(2024, 5, 1, 11, 26, 1, 0, eastern)}

	raw, err := ts.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2024-05-01T15:26:01"`, string(raw))

	var parsed Timestamp
	require.NoError(t, parsed.UnmarshalJSON(raw))
	assert.True(t, ts.Equal(parsed), "instant shifted: sent %v got %v", ts.Time, parsed.Time)

	env := NewPublicMessage("zoned", "alice")
	env.Timestamp = ts
	frame, err := Encode(env)
	require.NoError(t, err)
	decoded, err := Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.True(t, env.Timestamp.Equal(decoded.Timestamp))
}

func TestEnvelopeAccessorsTolerateJSONNumbers(t *testing.T) {
	env := New(TypeFileChunk, map[string]interface{}{
		"chunk_index": float64(3),
		"file_size":   float64(9000),
		"users":       []interface{}{"alice", "bob"},
	})

	assert.Equal(t, 3, env.Int("chunk_index"))
	assert.Equal(t, int64(9000), env.Int64("file_size"))
	assert.Equal(t, []string{"alice", "bob"}, env.Strings("users"))
	assert.Equal(t, 0, env.Int("missing"))
	assert.Equal(t, "", env.String("missing"))
}
