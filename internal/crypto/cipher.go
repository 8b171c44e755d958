package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

const gcmNonceLen = 12

// sealedPayload is the JSON form of an encrypted blob. []byte fields are
// base64 on the wire, so sealed payloads can ride inside JSON envelopes.
type sealedPayload struct {
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// Cipher seals and opens payloads with AES-256-GCM. The key is derived
// once at construction; every swarm member sharing the passphrase and
// salt derives the same key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the key from a passphrase and salt via argon2id. The
// salt is swarm-wide configuration, not per-message: deriving per message
// would cost an argon2 pass per envelope.
func NewCipher(passphrase string, salt []byte) (*Cipher, error) {
	return NewCipherFromKey(DeriveKey(passphrase, salt))
}

// NewCipherFromKey builds a cipher around a raw 256-bit key.
func NewCipherFromKey(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Seal encrypts plaintext and returns a self-contained JSON blob.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := sealedPayload{
		Nonce: nonce,
		Data:  c.aead.Seal(nil, nonce, plaintext, nil),
	}
	blob, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("marshal sealed payload: %w", err)
	}
	return blob, nil
}

// Open decrypts a blob produced by Seal. Tampered or wrong-key blobs
// return an error.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	var sealed sealedPayload
	if err := json.Unmarshal(blob, &sealed); err != nil {
		return nil, fmt.Errorf("unmarshal sealed payload: %w", err)
	}
	if len(sealed.Nonce) != gcmNonceLen {
		return nil, fmt.Errorf("bad nonce length %d", len(sealed.Nonce))
	}
	plaintext, err := c.aead.Open(nil, sealed.Nonce, sealed.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
