// Package crypto implements the hybrid handshake used by chatwire: each
// peer holds an RSA keypair, the server owns one shared AES session key,
// and message bodies travel as AES-CBC ciphertext wrapped in base64.
//
// The session key is deliberately shared by every authenticated client;
// distributing one key n times under n public keys is the protocol's
// documented trust model, not an accident.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	rsaKeyBits = 2048
	aesKeySize = 32 // AES-256
	aesIVSize  = aes.BlockSize
)

// EncryptionError reports a handshake or cipher failure. The affected
// message is dropped; the connection stays open.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Engine holds one peer's RSA keypair and, once established, the shared
// AES session key and IV. All methods are safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	privateKey *rsa.PrivateKey
	aesKey     []byte
	aesIV      []byte
	log        *logrus.Entry
}

// NewEngine generates a fresh RSA-2048 keypair.
func NewEngine() (*Engine, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, &EncryptionError{Op: "generate keypair", Err: err}
	}
	return &Engine{
		privateKey: key,
		log:        logrus.WithField("component", "crypto"),
	}, nil
}

// PublicKeyPEM returns this engine's public key in PEM form for the
// key-exchange envelope.
func (e *Engine) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&e.privateKey.PublicKey)
	if err != nil {
		return "", &EncryptionError{Op: "marshal public key", Err: err}
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKeyPEM parses a peer's PEM-encoded RSA public key.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, &EncryptionError{Op: "parse public key", Err: errors.New("no PEM block found")}
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &EncryptionError{Op: "parse public key", Err: err}
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, &EncryptionError{Op: "parse public key", Err: fmt.Errorf("unexpected key type %T", key)}
	}
	return rsaKey, nil
}

// EnsureSessionKey generates the shared AES key and IV if they do not
// exist yet. Generation happens at most once per engine lifetime; every
// later call reuses the same material.
func (e *Engine) EnsureSessionKey() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aesKey != nil {
		return nil
	}
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return &EncryptionError{Op: "generate session key", Err: err}
	}
	iv := make([]byte, aesIVSize)
	if _, err := rand.Read(iv); err != nil {
		return &EncryptionError{Op: "generate session key", Err: err}
	}
	e.aesKey = key
	e.aesIV = iv
	e.log.Info("generated shared AES session key")
	return nil
}

// SetSessionKey installs key material unwrapped from an AES_KEY_EXCHANGE
// envelope.
func (e *Engine) SetSessionKey(key, iv []byte) error {
	if len(key) != aesKeySize || len(iv) != aesIVSize {
		return &EncryptionError{Op: "set session key", Err: fmt.Errorf("bad key material lengths %d/%d", len(key), len(iv))}
	}
	e.mu.Lock()
	e.aesKey = append([]byte(nil), key...)
	e.aesIV = append([]byte(nil), iv...)
	e.mu.Unlock()
	return nil
}

// HasSessionKey reports whether symmetric material is installed.
func (e *Engine) HasSessionKey() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aesKey != nil
}

// WrapSessionKey encrypts key||IV under the given public key with
// RSA-OAEP/SHA-256 and returns it base64-encoded. EnsureSessionKey must
// have succeeded first.
func (e *Engine) WrapSessionKey(peer *rsa.PublicKey) (string, error) {
	e.mu.Lock()
	material := append(append([]byte(nil), e.aesKey...), e.aesIV...)
	e.mu.Unlock()
	if len(material) == 0 {
		return "", &EncryptionError{Op: "wrap session key", Err: errors.New("no session key established")}
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peer, material, nil)
	if err != nil {
		return "", &EncryptionError{Op: "wrap session key", Err: err}
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapSessionKey decrypts a wrapped key blob with this engine's private
// key and installs the shared key and IV.
func (e *Engine) UnwrapSessionKey(encoded string) error {
	wrapped, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return &EncryptionError{Op: "unwrap session key", Err: err}
	}
	material, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, e.privateKey, wrapped, nil)
	if err != nil {
		return &EncryptionError{Op: "unwrap session key", Err: err}
	}
	if len(material) != aesKeySize+aesIVSize {
		return &EncryptionError{Op: "unwrap session key", Err: fmt.Errorf("unexpected material length %d", len(material))}
	}
	return e.SetSessionKey(material[:aesKeySize], material[aesKeySize:])
}

// Encrypt pads plaintext to the AES block size, encrypts it in CBC mode,
// prepends the IV, and returns the whole blob base64-encoded.
func (e *Engine) Encrypt(plaintext string) (string, error) {
	e.mu.Lock()
	key := e.aesKey
	iv := e.aesIV
	e.mu.Unlock()
	if key == nil {
		return "", &EncryptionError{Op: "encrypt", Err: errors.New("no session key established")}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &EncryptionError{Op: "encrypt", Err: err}
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(append(append([]byte(nil), iv...), ciphertext...)), nil
}

// Decrypt reverses Encrypt, taking the IV from the head of the decoded
// blob.
func (e *Engine) Decrypt(encoded string) (string, error) {
	e.mu.Lock()
	key := e.aesKey
	e.mu.Unlock()
	if key == nil {
		return "", &EncryptionError{Op: "decrypt", Err: errors.New("no session key established")}
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: err}
	}
	if len(blob) < aesIVSize || (len(blob)-aesIVSize)%aes.BlockSize != 0 || len(blob) == aesIVSize {
		return "", &EncryptionError{Op: "decrypt", Err: errors.New("ciphertext too short or misaligned")}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: err}
	}

	iv, ciphertext := blob[:aesIVSize], blob[aesIVSize:]
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plain, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", &EncryptionError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("bad padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("bad padding byte")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
