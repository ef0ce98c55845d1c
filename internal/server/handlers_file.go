package server

import (
	"fmt"
	"time"

	"github.com/jordanhw/chatwire/internal/protocol"
)

// handleFileTransferRequest relays a transfer offer. A GLOBAL request is
// broadcast to everyone but the sender; a private request is forwarded
// to the one named recipient.
func (s *Server) handleFileTransferRequest(sess *Session, env *protocol.Envelope) {
	sender := sess.Username()
	transferID := env.String("transfer_id")
	recipient := env.Recipient
	if transferID == "" || recipient == "" {
		sess.sendSystem("Malformed file transfer request", protocol.SystemError)
		return
	}

	out := protocol.NewFileTransferRequest(
		transferID,
		env.String("filename"),
		env.Int64("file_size"),
		env.String("file_hash"),
		sender,
		recipient,
		env.Bool("is_private"),
	)

	log := sess.logger().WithField("transfer", transferID)

	if recipient == protocol.RecipientGlobal {
		sent := s.hub.Broadcast(out, sess.id)
		if sent == 0 {
			// Info, not error: nothing is wrong with the request itself.
			sess.sendSystem("No other users online to receive the file", protocol.SystemInfo)
			return
		}
		s.transfers.Track(transferID, sender, protocol.RecipientGlobal)
		log.WithField("offered_to", sent).Info("global file transfer offered")
		return
	}

	if !s.unicast(out, recipient) {
		sess.sendSystem(fmt.Sprintf("User %s is not online", recipient), protocol.SystemError)
		return
	}
	s.transfers.Track(transferID, sender, recipient)
	log.WithField("to", recipient).Info("file transfer offered")
}

// handleFileTransferResponse forwards an accept/decline to the original
// sender. Acceptances of a GLOBAL transfer grow the recipient set; a
// declined private transfer is dropped from the table immediately.
func (s *Server) handleFileTransferResponse(sess *Session, env *protocol.Envelope) {
	responder := sess.Username()
	transferID := env.String("transfer_id")
	accepted := env.Bool("accepted")
	log := sess.logger().WithField("transfer", transferID)

	var (
		rec transferSnapshot
		ok  bool
	)
	if accepted {
		rec, ok = s.transfers.Accept(transferID, responder)
	} else {
		rec, ok = s.transfers.Get(transferID)
	}
	if !ok {
		// The transfer may have completed or been cancelled; a late
		// response is not an error.
		log.Debug("response for unknown transfer, ignoring")
		return
	}

	out := protocol.NewFileTransferResponse(transferID, accepted, env.String("reason"), responder, rec.sender)
	if !s.unicast(out, rec.sender) {
		log.WithField("sender", rec.sender).Warn("original sender gone, dropping transfer")
		s.transfers.Cleanup(transferID)
		return
	}

	if !accepted && !rec.global {
		s.transfers.Cleanup(transferID)
		log.Info("file transfer declined")
	}
}

// handleFileChunk forwards a chunk to the recipient, or to every
// accepting recipient of a GLOBAL transfer.
func (s *Server) handleFileChunk(sess *Session, env *protocol.Envelope) {
	transferID := env.String("transfer_id")
	rec, ok := s.transfers.Get(transferID)
	if !ok {
		sess.logger().WithField("transfer", transferID).Debug("chunk for unknown transfer, ignoring")
		return
	}
	if sess.Username() != rec.sender {
		sess.logger().WithField("transfer", transferID).Warn("chunk from non-sender, ignoring")
		return
	}

	out := protocol.NewFileChunk(
		transferID,
		env.Int("chunk_index"),
		env.Int("total_chunks"),
		env.String("chunk_data"),
		rec.sender,
		rec.recipient,
	)

	for _, recipient := range s.chunkRecipients(rec) {
		if !s.unicast(out, recipient) {
			sess.logger().WithFields(map[string]interface{}{
				"transfer": transferID,
				"to":       recipient,
			}).Warn("chunk delivery failed")
		}
	}
}

func (s *Server) chunkRecipients(rec transferSnapshot) []string {
	if rec.global {
		return rec.acceptedBy
	}
	return []string{rec.recipient}
}

// handleFileTransferComplete routes completion notices. The receiving
// side's notice is authoritative: for private transfers it is forwarded
// to the sender and closes out the record. Sentinel (GLOBAL)
// completions are not echoed back to the sender, since each recipient
// finishes independently.
func (s *Server) handleFileTransferComplete(sess *Session, env *protocol.Envelope) {
	from := sess.Username()
	transferID := env.String("transfer_id")
	success := env.Bool("success")
	log := sess.logger().WithField("transfer", transferID)

	rec, ok := s.transfers.Get(transferID)
	if !ok {
		log.Debug("completion for unknown transfer, ignoring")
		return
	}

	if from == rec.sender {
		// Sender finished streaming; tell the receiving side.
		out := protocol.NewFileTransferComplete(
			transferID,
			success,
			env.String("final_hash"),
			env.String("error_message"),
			from,
			rec.recipient,
		)
		for _, recipient := range s.chunkRecipients(rec) {
			s.unicast(out, recipient)
		}
		if rec.global {
			// No per-recipient echo will follow for the sender; the
			// record's job is done.
			s.transfers.Cleanup(transferID)
		}
		return
	}

	// A receiver reported the verified result. The forwarded notice is
	// addressed to the original sender, not to the receiver's own name.
	s.recordTransferOutcome(from, rec, env)
	if !rec.global {
		toSender := protocol.NewFileTransferComplete(
			transferID,
			success,
			env.String("final_hash"),
			env.String("error_message"),
			from,
			rec.sender,
		)
		s.unicast(toSender, rec.sender)
		s.transfers.Cleanup(transferID)
	}
	log.WithField("success", success).Info("file transfer finished")
}

func (s *Server) recordTransferOutcome(receiver string, rec transferSnapshot, env *protocol.Envelope) {
	status := "completed"
	if !env.Bool("success") {
		status = "failed"
	}
	filename := env.String("filename")
	if filename == "" {
		// The completion envelope does not carry the filename.
		filename = "unknown"
	}
	s.history.AppendTransfer(receiver, TransferRecord{
		Filename:  filename,
		Sender:    rec.sender,
		Recipient: rec.recipient,
		Status:    status,
		Timestamp: time.Now(),
	})
}
