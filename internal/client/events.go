package client

// EventKind names the asynchronous notifications a Client surfaces to
// its caller.
type EventKind int

const (
	// EventMessage is a public or private chat message from another user.
	EventMessage EventKind = iota
	// EventSystemInfo is an informational server notice.
	EventSystemInfo
	// EventSystemError is an error notice from the server.
	EventSystemError
	// EventUserList carries the current set of online usernames.
	EventUserList
	// EventTransferRequest is an incoming private file offer awaiting a
	// RespondToTransfer call.
	EventTransferRequest
	// EventTransferProgress reports chunk progress for either direction.
	EventTransferProgress
	// EventTransferComplete is the terminal notice for a transfer.
	EventTransferComplete
	// EventDisconnected fires once when the connection is lost for any
	// reason other than a deliberate Disconnect.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventSystemInfo:
		return "system_info"
	case EventSystemError:
		return "system_error"
	case EventUserList:
		return "user_list"
	case EventTransferRequest:
		return "transfer_request"
	case EventTransferProgress:
		return "transfer_progress"
	case EventTransferComplete:
		return "transfer_complete"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is one asynchronous notification. Which fields are set depends
// on Kind.
type Event struct {
	Kind    EventKind
	Sender  string
	Content string
	Private bool
	Users   []string

	TransferID string
	Filename   string
	FileSize   int64
	Chunk      int
	Total      int
	Success    bool
	Path       string
	Err        string
}
