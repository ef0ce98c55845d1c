// Package transfer implements chatwire file transfers: files are split
// into fixed-size base64 chunks, streamed by index, accumulated on the
// receiving side in any arrival order, and verified against a SHA-256
// hash declared up front. The receiver of a transfer, not the sender, is
// the authority on completion.
package transfer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChunkSize is the number of raw file bytes carried per chunk before
// base64 encoding.
const ChunkSize = 8192

// Direction distinguishes the two ends of a transfer.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Status is the per-transfer state machine.
type Status int

const (
	StatusRequested Status = iota
	StatusAccepted
	StatusDeclined
	StatusTransferring
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusAccepted:
		return "accepted"
	case StatusDeclined:
		return "declined"
	case StatusTransferring:
		return "transferring"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// FileTransferError reports a failure scoped to a single transfer. Other
// transfers and the connection are unaffected.
type FileTransferError struct {
	TransferID string
	Op         string
	Err        error
}

func (e *FileTransferError) Error() string {
	return fmt.Sprintf("transfer %s: %s: %v", e.TransferID, e.Op, e.Err)
}

func (e *FileTransferError) Unwrap() error { return e.Err }

// NewID returns a fresh transfer id.
func NewID() string { return uuid.NewString() }

// FileInfo describes the file being offered.
type FileInfo struct {
	Filename string
	Size     int64
	Hash     string
}

// Transfer tracks one file transfer end to end.
type Transfer struct {
	ID        string
	Direction Direction
	Sender    string
	Recipient string
	Info      FileInfo

	Status    Status
	StartedAt time.Time

	// Outgoing: every chunk, pre-encoded; NextIndex is the cursor.
	chunks    []string
	NextIndex int

	// Incoming: chunks accumulated by index.
	received    map[int]string
	TotalChunks int
}

// TotalOutgoing returns the number of chunks an outgoing transfer will
// send.
func (t *Transfer) TotalOutgoing() int { return len(t.chunks) }

// NextChunk returns the next outgoing chunk in strictly increasing index
// order, or ok=false when all chunks have been handed out.
func (t *Transfer) NextChunk() (index int, data string, ok bool) {
	if t.NextIndex >= len(t.chunks) {
		return 0, "", false
	}
	index = t.NextIndex
	data = t.chunks[index]
	t.NextIndex++
	return index, data, true
}

// AddChunk records an incoming chunk. Out-of-order and duplicate indexes
// are tolerated; duplicates do not advance the distinct count.
func (t *Transfer) AddChunk(index, total int, data string) error {
	if t.Direction != Incoming {
		return &FileTransferError{TransferID: t.ID, Op: "add chunk", Err: fmt.Errorf("transfer is not incoming")}
	}
	if index < 0 || (total > 0 && index >= total) {
		return &FileTransferError{TransferID: t.ID, Op: "add chunk", Err: fmt.Errorf("chunk index %d out of range 0..%d", index, total-1)}
	}
	if t.TotalChunks == 0 {
		t.TotalChunks = total
	}
	if t.received == nil {
		t.received = make(map[int]string, total)
	}
	t.received[index] = data
	t.Status = StatusTransferring
	return nil
}

// ChunksSeen returns the count of distinct chunk indexes received.
func (t *Transfer) ChunksSeen() int { return len(t.received) }

// ContentComplete reports whether every declared chunk has arrived.
func (t *Transfer) ContentComplete() bool {
	return t.TotalChunks > 0 && len(t.received) == t.TotalChunks
}

// Assemble decodes and concatenates the received chunks in index order,
// then verifies the result against the declared hash. On success the
// transfer moves to StatusCompleted; any gap, decode failure, or hash
// mismatch moves it to StatusFailed.
func (t *Transfer) Assemble() ([]byte, error) {
	if !t.ContentComplete() {
		t.Status = StatusFailed
		return nil, &FileTransferError{TransferID: t.ID, Op: "assemble", Err: fmt.Errorf("have %d of %d chunks", len(t.received), t.TotalChunks)}
	}
	var out []byte
	for i := 0; i < t.TotalChunks; i++ {
		encoded, ok := t.received[i]
		if !ok {
			t.Status = StatusFailed
			return nil, &FileTransferError{TransferID: t.ID, Op: "assemble", Err: fmt.Errorf("missing chunk %d", i)}
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Status = StatusFailed
			return nil, &FileTransferError{TransferID: t.ID, Op: "assemble", Err: fmt.Errorf("chunk %d: %w", i, err)}
		}
		out = append(out, raw...)
	}
	if got := HashBytes(out); got != t.Info.Hash {
		t.Status = StatusFailed
		return nil, &FileTransferError{TransferID: t.ID, Op: "verify", Err: fmt.Errorf("hash mismatch: declared %s, got %s", t.Info.Hash, got)}
	}
	t.Status = StatusCompleted
	return out, nil
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// ChunkBytes splits data into base64-encoded ChunkSize slices.
func ChunkBytes(data []byte) []string {
	var chunks []string
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, base64.StdEncoding.EncodeToString(data[off:end]))
	}
	return chunks
}

// ChunkFile reads, hashes, and chunks the file at path.
func ChunkFile(path string) (FileInfo, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileInfo{}, nil, err
	}
	info := FileInfo{
		Filename: filepath.Base(path),
		Size:     int64(len(data)),
		Hash:     HashBytes(data),
	}
	return info, ChunkBytes(data), nil
}

// Manager is the per-peer table of live transfers. All methods are safe
// for concurrent use; compound lookups go through WithTransfer so the
// read-modify-write happens inside the lock.
type Manager struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
}

// NewManager returns an empty transfer table.
func NewManager() *Manager {
	return &Manager{transfers: make(map[string]*Transfer)}
}

// StartOutgoing registers an outgoing transfer for the given file data.
func (m *Manager) StartOutgoing(id, sender, recipient string, info FileInfo, chunks []string) *Transfer {
	t := &Transfer{
		ID:        id,
		Direction: Outgoing,
		Sender:    sender,
		Recipient: recipient,
		Info:      info,
		Status:    StatusRequested,
		StartedAt: time.Now(),
		chunks:    chunks,
	}
	m.mu.Lock()
	m.transfers[id] = t
	m.mu.Unlock()
	return t
}

// StartIncoming registers an incoming transfer announced by a request
// envelope.
func (m *Manager) StartIncoming(id, sender, recipient string, info FileInfo) *Transfer {
	t := &Transfer{
		ID:        id,
		Direction: Incoming,
		Sender:    sender,
		Recipient: recipient,
		Info:      info,
		Status:    StatusAccepted,
		StartedAt: time.Now(),
		received:  make(map[int]string),
	}
	m.mu.Lock()
	m.transfers[id] = t
	m.mu.Unlock()
	return t
}

// WithTransfer runs fn with the named transfer under the table lock.
// It returns false, leaving fn uncalled, when the id is unknown; stray
// messages for finished transfers are benign no-ops.
func (m *Manager) WithTransfer(id string, fn func(*Transfer)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// Remove drops a transfer from the table.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.transfers, id)
	m.mu.Unlock()
}

// Len returns the number of live transfers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}
