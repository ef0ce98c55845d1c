package client

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jordanhw/chatwire/internal/protocol"
	"github.com/jordanhw/chatwire/internal/transfer"
)

// SendFile offers the file at path to recipient, or to everyone when
// recipient is "GLOBAL". It returns the transfer id; chunks start
// flowing once an acceptance comes back.
func (c *Client) SendFile(path, recipient string) (string, error) {
	username, err := c.requireAuth()
	if err != nil {
		return "", err
	}
	info, chunks, err := transfer.ChunkFile(path)
	if err != nil {
		return "", &transfer.FileTransferError{Op: "read file", Err: err}
	}
	id := transfer.NewID()
	c.transfers.StartOutgoing(id, username, recipient, info, chunks)

	private := recipient != protocol.RecipientGlobal
	req := protocol.NewFileTransferRequest(id, info.Filename, info.Size, info.Hash, username, recipient, private)
	if err := c.writeEnvelope(req); err != nil {
		c.transfers.Remove(id)
		return "", err
	}
	c.log.WithFields(map[string]interface{}{
		"transfer_id": id,
		"filename":    info.Filename,
		"recipient":   recipient,
	}).Info("File transfer request sent")
	return id, nil
}

// RespondToTransfer answers a pending private file offer surfaced by an
// EventTransferRequest.
func (c *Client) RespondToTransfer(transferID string, accept bool, reason string) error {
	username, err := c.requireAuth()
	if err != nil {
		return err
	}
	var sender string
	found := c.transfers.WithTransfer(transferID, func(t *transfer.Transfer) {
		sender = t.Sender
	})
	if !found {
		return &transfer.FileTransferError{TransferID: transferID, Op: "respond", Err: fmt.Errorf("no such pending transfer")}
	}
	if !accept {
		c.transfers.Remove(transferID)
	}
	return c.writeEnvelope(protocol.NewFileTransferResponse(transferID, accept, reason, username, sender))
}

func (c *Client) handleFileTransferRequest(env *protocol.Envelope) {
	id := env.String("transfer_id")
	if id == "" {
		id = env.ID
	}
	if id == "" {
		c.log.Warn("File transfer request without transfer id, ignoring")
		return
	}
	info := transfer.FileInfo{
		Filename: env.String("filename"),
		Size:     env.Int64("file_size"),
		Hash:     env.String("file_hash"),
	}
	recipient := protocol.RecipientGlobal
	if env.Bool("is_private") {
		recipient = c.Username()
	}
	c.transfers.StartIncoming(id, env.Sender, recipient, info)
	c.log.WithFields(map[string]interface{}{
		"transfer_id": id,
		"filename":    info.Filename,
		"sender":      env.Sender,
	}).Info("Incoming file transfer request")

	if recipient == protocol.RecipientGlobal {
		// Broadcast offers are taken without asking.
		if err := c.writeEnvelope(protocol.NewFileTransferResponse(id, true, "", c.Username(), env.Sender)); err != nil {
			c.log.WithError(err).Warn("Failed to accept broadcast file transfer")
			return
		}
		c.publish(Event{
			Kind:    EventSystemInfo,
			Content: fmt.Sprintf("Receiving file: %s from %s", info.Filename, env.Sender),
		})
		return
	}
	c.publish(Event{
		Kind:       EventTransferRequest,
		TransferID: id,
		Sender:     env.Sender,
		Filename:   info.Filename,
		FileSize:   info.Size,
	})
}

func (c *Client) handleFileTransferResponse(env *protocol.Envelope) {
	id := env.String("transfer_id")
	if !env.Bool("accepted") {
		reason := env.String("reason")
		if reason == "" {
			reason = "declined"
		}
		var filename string
		c.transfers.WithTransfer(id, func(t *transfer.Transfer) {
			t.Status = transfer.StatusDeclined
			filename = t.Info.Filename
		})
		c.transfers.Remove(id)
		c.publish(Event{
			Kind:       EventTransferComplete,
			TransferID: id,
			Filename:   filename,
			Success:    false,
			Err:        reason,
		})
		return
	}

	// For broadcast offers every acceptor triggers a response, but the
	// chunks go out once. Later acceptances, and responses that arrive
	// after the transfer finished, are no-ops.
	c.mu.Lock()
	already := c.streaming[id]
	if !already {
		c.streaming[id] = true
	}
	c.mu.Unlock()
	if already {
		c.log.WithField("transfer_id", id).Debug("Transfer already streaming, ignoring extra acceptance")
		return
	}
	go c.streamChunks(id)
}

// streamChunks pushes every chunk of an accepted outgoing transfer in
// index order, then declares completion to the recipient.
func (c *Client) streamChunks(id string) {
	defer func() {
		c.mu.Lock()
		delete(c.streaming, id)
		c.mu.Unlock()
	}()

	var (
		total     int
		recipient string
		info      transfer.FileInfo
	)
	found := c.transfers.WithTransfer(id, func(t *transfer.Transfer) {
		t.Status = transfer.StatusTransferring
		total = t.TotalOutgoing()
		recipient = t.Recipient
		info = t.Info
	})
	if !found {
		c.log.WithField("transfer_id", id).Debug("Acceptance for unknown transfer, likely already completed")
		return
	}
	username := c.Username()

	for {
		var (
			index int
			data  string
			more  bool
		)
		c.transfers.WithTransfer(id, func(t *transfer.Transfer) {
			index, data, more = t.NextChunk()
		})
		if !more {
			break
		}
		if err := c.writeEnvelope(protocol.NewFileChunk(id, index, total, data, username, recipient)); err != nil {
			c.log.WithError(err).WithField("transfer_id", id).Error("Chunk send failed")
			c.transfers.Remove(id)
			c.publish(Event{
				Kind:       EventTransferComplete,
				TransferID: id,
				Filename:   info.Filename,
				Success:    false,
				Err:        err.Error(),
			})
			return
		}
		c.publish(Event{
			Kind:       EventTransferProgress,
			TransferID: id,
			Filename:   info.Filename,
			Chunk:      index + 1,
			Total:      total,
		})
	}

	done := protocol.NewFileTransferComplete(id, true, info.Hash, "", username, recipient)
	if err := c.writeEnvelope(done); err != nil {
		c.log.WithError(err).WithField("transfer_id", id).Error("Completion send failed")
	}
	c.transfers.Remove(id)
	c.publish(Event{
		Kind:       EventTransferComplete,
		TransferID: id,
		Filename:   info.Filename,
		Success:    true,
	})
	c.log.WithFields(map[string]interface{}{
		"transfer_id": id,
		"filename":    info.Filename,
		"chunks":      total,
	}).Info("File sent")
}

func (c *Client) handleFileChunk(env *protocol.Envelope) {
	id := env.String("transfer_id")
	var (
		complete bool
		seen     int
		total    int
		filename string
		addErr   error
	)
	found := c.transfers.WithTransfer(id, func(t *transfer.Transfer) {
		addErr = t.AddChunk(env.Int("chunk_index"), env.Int("total_chunks"), env.String("chunk_data"))
		seen = t.ChunksSeen()
		total = t.TotalChunks
		filename = t.Info.Filename
		complete = t.ContentComplete()
	})
	if !found {
		c.log.WithField("transfer_id", id).Debug("Chunk for unknown transfer, dropping")
		return
	}
	if addErr != nil {
		c.log.WithError(addErr).Warn("Rejected file chunk")
		return
	}
	c.publish(Event{
		Kind:       EventTransferProgress,
		TransferID: id,
		Filename:   filename,
		Chunk:      seen,
		Total:      total,
	})
	if complete {
		c.finishIncoming(id)
	}
}

// finishIncoming assembles and verifies a fully received transfer,
// writes the file into the download directory, and for private
// transfers reports the verdict back to the sender. On broadcast
// transfers the sender is not notified; it concludes on its own after
// the last chunk.
func (c *Client) finishIncoming(id string) {
	username := c.Username()
	var (
		data   []byte
		info   transfer.FileInfo
		sender string
		global bool
		err    error
	)
	found := c.transfers.WithTransfer(id, func(t *transfer.Transfer) {
		info = t.Info
		sender = t.Sender
		global = t.Recipient == protocol.RecipientGlobal
		data, err = t.Assemble()
	})
	if !found {
		return
	}
	c.transfers.Remove(id)

	if err == nil {
		var path string
		path, err = c.saveFile(info.Filename, data)
		if err == nil {
			if !global {
				done := protocol.NewFileTransferComplete(id, true, info.Hash, "", username, sender)
				if werr := c.writeEnvelope(done); werr != nil {
					c.log.WithError(werr).Warn("Failed to send completion notice")
				}
			}
			c.publish(Event{
				Kind:       EventTransferComplete,
				TransferID: id,
				Filename:   info.Filename,
				Success:    true,
				Path:       path,
			})
			c.log.WithFields(map[string]interface{}{
				"transfer_id": id,
				"path":        path,
			}).Info("File received")
			return
		}
	}

	c.log.WithError(err).WithField("transfer_id", id).Error("File transfer failed")
	if !global {
		done := protocol.NewFileTransferComplete(id, false, "", err.Error(), username, sender)
		if werr := c.writeEnvelope(done); werr != nil {
			c.log.WithError(werr).Warn("Failed to send failure notice")
		}
	}
	c.publish(Event{
		Kind:       EventTransferComplete,
		TransferID: id,
		Filename:   info.Filename,
		Success:    false,
		Err:        err.Error(),
	})
}

func (c *Client) handleFileTransferComplete(env *protocol.Envelope) {
	id := env.String("transfer_id")
	if env.Bool("success") {
		c.log.WithField("transfer_id", id).Debug("Peer confirmed transfer completion")
	} else {
		c.publish(Event{
			Kind:       EventTransferComplete,
			TransferID: id,
			Success:    false,
			Err:        env.String("error_message"),
		})
	}
	c.transfers.Remove(id)
}

// saveFile writes data into the download directory, adding a numeric
// suffix rather than overwriting an existing file of the same name.
func (c *Client) saveFile(filename string, data []byte) (string, error) {
	if err := os.MkdirAll(c.cfg.DownloadDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		base = "download"
	}
	path := filepath.Join(c.cfg.DownloadDir, base)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(c.cfg.DownloadDir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
