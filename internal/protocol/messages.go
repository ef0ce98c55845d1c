package protocol

// Constructors for the envelope payloads the core exchanges. Field names
// are part of the wire contract and must not change.

// NewConnect announces a new connection.
func NewConnect() *Envelope {
	return New(TypeConnect, nil)
}

// NewDisconnect announces an intentional disconnect.
func NewDisconnect() *Envelope {
	return New(TypeDisconnect, nil)
}

// NewAuthRequest asks the server to reserve a username.
func NewAuthRequest(username string) *Envelope {
	return New(TypeAuthRequest, map[string]interface{}{
		"username": username,
	})
}

// NewAuthResponse reports the outcome of an auth request. Status is
// "success" or "failure".
func NewAuthResponse(username, status string) *Envelope {
	return New(TypeAuthResponse, map[string]interface{}{
		"username": username,
		"status":   status,
	})
}

// NewPublicMessage carries a broadcast chat line.
func NewPublicMessage(content, sender string) *Envelope {
	return New(TypePublicMessage, map[string]interface{}{
		"content":    content,
		"is_private": false,
	}).From(sender)
}

// NewPrivateMessage carries a chat line for one named recipient.
func NewPrivateMessage(content, sender, recipient string) *Envelope {
	return New(TypePrivateMessage, map[string]interface{}{
		"content":    content,
		"is_private": true,
		"recipient":  recipient,
	}).From(sender).To(recipient)
}

// NewSystemMessage carries a server notice. Kind is SystemInfo or
// SystemError.
func NewSystemMessage(content, kind string) *Envelope {
	return New(TypeSystemMessage, map[string]interface{}{
		"content":             content,
		"system_message_type": kind,
	})
}

// NewUserListRequest asks for the current user list.
func NewUserListRequest() *Envelope {
	return New(TypeUserListRequest, nil)
}

// NewUserListResponse carries the current set of online usernames.
func NewUserListResponse(users []string) *Envelope {
	list := make([]interface{}, len(users))
	for i, u := range users {
		list[i] = u
	}
	return New(TypeUserListResponse, map[string]interface{}{
		"users": list,
	})
}

// NewKeyExchangeRequest sends a client's PEM public key to the server.
func NewKeyExchangeRequest(publicKeyPEM, sender string) *Envelope {
	return New(TypeKeyExchangeRequest, map[string]interface{}{
		"public_key": publicKeyPEM,
	}).From(sender)
}

// NewAESKeyExchange returns the shared symmetric key, wrapped under the
// recipient's public key and base64-encoded.
func NewAESKeyExchange(encryptedKey, recipient string) *Envelope {
	return New(TypeAESKeyExchange, map[string]interface{}{
		"encrypted_aes_key": encryptedKey,
	}).From("server").To(recipient)
}

// NewEncryptedMessage carries a symmetrically encrypted chat line. The
// server routes on the is_private flag without decrypting.
func NewEncryptedMessage(ciphertext, sender, recipient string, private bool) *Envelope {
	data := map[string]interface{}{
		"encrypted_content": ciphertext,
		"is_private":        private,
	}
	if private && recipient != "" {
		data["recipient"] = recipient
	}
	e := New(TypeEncryptedMessage, data).From(sender)
	if private {
		e.To(recipient)
	}
	return e
}

// NewFileTransferRequest offers a file to a recipient (or GLOBAL).
func NewFileTransferRequest(transferID, filename string, size int64, hash, sender, recipient string, private bool) *Envelope {
	return New(TypeFileTransferRequest, map[string]interface{}{
		"transfer_id": transferID,
		"filename":    filename,
		"file_size":   size,
		"file_hash":   hash,
		"is_private":  private,
	}).From(sender).To(recipient)
}

// NewFileTransferResponse accepts or declines an offered transfer.
func NewFileTransferResponse(transferID string, accepted bool, reason, sender, recipient string) *Envelope {
	return New(TypeFileTransferResponse, map[string]interface{}{
		"transfer_id": transferID,
		"accepted":    accepted,
		"reason":      reason,
	}).From(sender).To(recipient)
}

// NewFileChunk carries one base64-encoded slice of file bytes.
func NewFileChunk(transferID string, index, total int, data, sender, recipient string) *Envelope {
	return New(TypeFileChunk, map[string]interface{}{
		"transfer_id":  transferID,
		"chunk_index":  index,
		"total_chunks": total,
		"chunk_data":   data,
	}).From(sender).To(recipient)
}

// NewFileTransferComplete reports the terminal state of a transfer. The
// receiver emits the authoritative notice after hash verification.
func NewFileTransferComplete(transferID string, success bool, finalHash, errMsg, sender, recipient string) *Envelope {
	return New(TypeFileTransferComplete, map[string]interface{}{
		"transfer_id":   transferID,
		"success":       success,
		"final_hash":    finalHash,
		"error_message": errMsg,
	}).From(sender).To(recipient)
}
