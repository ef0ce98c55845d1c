package server

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ContextCommon is the history context shared by all public messages.
// Private conversations use PrivateContext ids.
const ContextCommon = "common"

// HistoryRecord is one stored chat line.
type HistoryRecord struct {
	Content   string
	Sender    string
	Recipient string
	Private   bool
	Timestamp time.Time
}

// TransferRecord is one completed file transfer, kept per user.
type TransferRecord struct {
	Filename  string
	Size      int64
	Sender    string
	Recipient string
	Status    string
	Timestamp time.Time
}

const maxTransfersPerUser = 100

// History is the in-memory bounded message store. It deliberately does
// not survive restarts; appenders treat it as fire-and-forget.
type History struct {
	mu        sync.Mutex
	limit     int
	messages  map[string][]HistoryRecord
	transfers map[string][]TransferRecord
}

// NewHistory returns a store keeping at most limit messages per context.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 1000
	}
	return &History{
		limit:     limit,
		messages:  make(map[string][]HistoryRecord),
		transfers: make(map[string][]TransferRecord),
	}
}

// privateSep joins the participants in a private context id. It is a
// character ValidateUsername rejects, so ids split back unambiguously
// even for names containing underscores or spaces.
const privateSep = "|"

// PrivateContext returns the stable context id for a pair of users,
// independent of who is the sender.
func PrivateContext(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "private" + privateSep + a + privateSep + b
}

// Append stores a message in the named context, evicting the oldest
// entry once the context is full.
func (h *History) Append(contextID string, rec HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.messages[contextID], rec)
	if len(msgs) > h.limit {
		msgs = msgs[len(msgs)-h.limit:]
	}
	h.messages[contextID] = msgs
}

// Recent returns up to n most recent messages from a context, oldest
// first.
func (h *History) Recent(contextID string, n int) []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[contextID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]HistoryRecord, len(msgs))
	copy(out, msgs)
	return out
}

// PrivateContextsFor lists the private contexts involving a user.
func (h *History) PrivateContextsFor(username string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id := range h.messages {
		if id == ContextCommon {
			continue
		}
		rest, ok := strings.CutPrefix(id, "private"+privateSep)
		if !ok {
			continue
		}
		if a, b, found := strings.Cut(rest, privateSep); found && (a == username || b == username) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AppendTransfer stores a completed-transfer record for a user.
func (h *History) AppendTransfer(username string, rec TransferRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := append(h.transfers[username], rec)
	if len(records) > maxTransfersPerUser {
		records = records[len(records)-maxTransfersPerUser:]
	}
	h.transfers[username] = records
}

// TransfersFor returns up to n most recent transfer records for a user.
func (h *History) TransfersFor(username string, n int) []TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := h.transfers[username]
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	out := make([]TransferRecord, len(records))
	copy(out, records)
	return out
}
