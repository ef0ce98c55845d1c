package server

import (
	"sync"

	"github.com/jordanhw/chatwire/internal/protocol"
)

// trackedTransfer is the server's record of one relayed file transfer.
// The server never holds file bytes; it routes chunks between peers and,
// for GLOBAL transfers, remembers who accepted.
type trackedTransfer struct {
	sender     string
	recipient  string // username or protocol.RecipientGlobal
	acceptedBy []string
}

func (t *trackedTransfer) global() bool {
	return t.recipient == protocol.RecipientGlobal
}

func (t *trackedTransfer) hasAccepted(username string) bool {
	for _, u := range t.acceptedBy {
		if u == username {
			return true
		}
	}
	return false
}

// TransferTable is the active-transfer registry. Compound operations
// take the single table mutex; lookups for ids that are gone are benign
// no-ops by contract.
type TransferTable struct {
	mu        sync.Mutex
	transfers map[string]*trackedTransfer
}

// NewTransferTable returns an empty table.
func NewTransferTable() *TransferTable {
	return &TransferTable{transfers: make(map[string]*trackedTransfer)}
}

// Track records a new transfer.
func (tt *TransferTable) Track(id, sender, recipient string) {
	tt.mu.Lock()
	tt.transfers[id] = &trackedTransfer{sender: sender, recipient: recipient}
	tt.mu.Unlock()
}

// Cleanup forgets a transfer. Safe to call for unknown ids.
func (tt *TransferTable) Cleanup(id string) {
	tt.mu.Lock()
	delete(tt.transfers, id)
	tt.mu.Unlock()
}

// Len returns the number of tracked transfers.
func (tt *TransferTable) Len() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.transfers)
}

// transferSnapshot is a copy of one record taken under the lock.
type transferSnapshot struct {
	sender     string
	recipient  string
	global     bool
	acceptedBy []string
}

// Get returns a copy of the record for id.
func (tt *TransferTable) Get(id string) (transferSnapshot, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t, ok := tt.transfers[id]
	if !ok {
		return transferSnapshot{}, false
	}
	return transferSnapshot{
		sender:     t.sender,
		recipient:  t.recipient,
		global:     t.global(),
		acceptedBy: append([]string(nil), t.acceptedBy...),
	}, true
}

// Accept records an acceptance. For GLOBAL transfers the accepting user
// joins the recipient set; the set only grows until the transfer is
// cleaned up. The returned snapshot reflects the updated record.
func (tt *TransferTable) Accept(id, username string) (transferSnapshot, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t, ok := tt.transfers[id]
	if !ok {
		return transferSnapshot{}, false
	}
	if t.global() && !t.hasAccepted(username) {
		t.acceptedBy = append(t.acceptedBy, username)
	}
	return transferSnapshot{
		sender:     t.sender,
		recipient:  t.recipient,
		global:     t.global(),
		acceptedBy: append([]string(nil), t.acceptedBy...),
	}, true
}
