package transfer

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestChunkBytesSplitsAtChunkSize(t *testing.T) {
	data := randomData(t, ChunkSize*2+100)
	chunks := ChunkBytes(data)
	assert.Len(t, chunks, 3)

	assert.Empty(t, ChunkBytes(nil))
	assert.Len(t, ChunkBytes(randomData(t, ChunkSize)), 1)
	assert.Len(t, ChunkBytes(randomData(t, ChunkSize+1)), 2)
}

func TestOutgoingChunkOrder(t *testing.T) {
	chunks := ChunkBytes(randomData(t, ChunkSize*3))
	m := NewManager()
	tr := m.StartOutgoing("t1", "alice", "bob", FileInfo{Filename: "a.bin"}, chunks)

	assert.Equal(t, 3, tr.TotalOutgoing())
	for want := 0; want < 3; want++ {
		index, data, ok := tr.NextChunk()
		require.True(t, ok)
		assert.Equal(t, want, index)
		assert.Equal(t, chunks[want], data)
	}
	_, _, ok := tr.NextChunk()
	assert.False(t, ok)
}

func TestIncomingReassemblyOutOfOrder(t *testing.T) {
	data := randomData(t, ChunkSize*2+512)
	chunks := ChunkBytes(data)
	info := FileInfo{Filename: "a.bin", Size: int64(len(data)), Hash: HashBytes(data)}

	m := NewManager()
	tr := m.StartIncoming("t1", "alice", "bob", info)

	for _, i := range []int{2, 0, 1} {
		require.NoError(t, tr.AddChunk(i, len(chunks), chunks[i]))
	}
	require.True(t, tr.ContentComplete())

	got, err := tr.Assemble()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, StatusCompleted, tr.Status)
}

func TestIncomingDuplicateChunksDoNotComplete(t *testing.T) {
	data := randomData(t, ChunkSize*2)
	chunks := ChunkBytes(data)
	tr := NewManager().StartIncoming("t1", "alice", "bob", FileInfo{Hash: HashBytes(data)})

	require.NoError(t, tr.AddChunk(0, 2, chunks[0]))
	require.NoError(t, tr.AddChunk(0, 2, chunks[0]))
	assert.Equal(t, 1, tr.ChunksSeen())
	assert.False(t, tr.ContentComplete())
}

func TestAddChunkRejectsBadIndex(t *testing.T) {
	tr := NewManager().StartIncoming("t1", "alice", "bob", FileInfo{})

	var ferr *FileTransferError
	require.ErrorAs(t, tr.AddChunk(-1, 2, "x"), &ferr)
	require.ErrorAs(t, tr.AddChunk(2, 2, "x"), &ferr)
}

func TestAssembleDetectsCorruption(t *testing.T) {
	data := randomData(t, ChunkSize+10)
	chunks := ChunkBytes(data)
	tr := NewManager().StartIncoming("t1", "alice", "bob", FileInfo{Hash: HashBytes(data)})

	// Replace the second chunk with different content of the same size.
	altered := ChunkBytes(randomData(t, ChunkSize+10))
	require.NoError(t, tr.AddChunk(0, 2, chunks[0]))
	require.NoError(t, tr.AddChunk(1, 2, altered[1]))

	_, err := tr.Assemble()
	var ferr *FileTransferError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, StatusFailed, tr.Status)
}

func TestAssembleIncomplete(t *testing.T) {
	tr := NewManager().StartIncoming("t1", "alice", "bob", FileInfo{})
	require.NoError(t, tr.AddChunk(0, 2, "AAAA"))

	_, err := tr.Assemble()
	var ferr *FileTransferError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, StatusFailed, tr.Status)
}

func TestChunkFileRoundTrip(t *testing.T) {
	data := randomData(t, ChunkSize+777)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	info, chunks, err := ChunkFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload.bin", info.Filename)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, HashBytes(data), info.Hash)
	assert.Len(t, chunks, 2)

	hash, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, info.Hash, hash)

	tr := NewManager().StartIncoming("t1", "alice", "bob", info)
	for i, chunk := range chunks {
		require.NoError(t, tr.AddChunk(i, len(chunks), chunk))
	}
	got, err := tr.Assemble()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.Len())

	m.StartOutgoing("out", "alice", "GLOBAL", FileInfo{}, nil)
	m.StartIncoming("in", "bob", "alice", FileInfo{})
	assert.Equal(t, 2, m.Len())

	var direction Direction
	found := m.WithTransfer("out", func(tr *Transfer) { direction = tr.Direction })
	require.True(t, found)
	assert.Equal(t, Outgoing, direction)

	assert.False(t, m.WithTransfer("missing", func(*Transfer) { t.Fatal("fn must not run") }))

	m.Remove("out")
	m.Remove("out")
	assert.Equal(t, 1, m.Len())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "requested", StatusRequested.String())
	assert.Equal(t, "completed", StatusCompleted.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "unknown", Status(99).String())
}
