package crypto

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	salt := GenerateSalt()
	c, err := NewCipher("swarm-passphrase", salt)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plaintext := []byte(`{"op":"halt","target":"worker-3"}`)
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatal("sealed blob equals plaintext")
	}

	// Sealed blobs must be valid JSON so they can ride in envelopes.
	var probe map[string]any
	if err := json.Unmarshal(sealed, &probe); err != nil {
		t.Fatalf("sealed blob is not JSON: %v", err)
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened = %s, want %s", opened, plaintext)
	}
}

func TestSharedPassphraseInteroperates(t *testing.T) {
	salt := GenerateSalt()
	sender, err := NewCipher("shared-secret", salt)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	receiver, err := NewCipher("shared-secret", salt)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	sealed, err := sender.Seal([]byte("rendezvous at dawn"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := receiver.Open(sealed)
	if err != nil {
		t.Fatalf("open with peer cipher: %v", err)
	}
	if string(opened) != "rendezvous at dawn" {
		t.Errorf("opened = %q", opened)
	}
}

func TestWrongKeyFails(t *testing.T) {
	salt := GenerateSalt()
	a, _ := NewCipher("passphrase-a", salt)
	b, _ := NewCipher("passphrase-b", salt)

	sealed, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("open with wrong key succeeded")
	}
}

func TestTamperedBlobFails(t *testing.T) {
	c, err := NewCipherFromKey(make([]byte, 32))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	var payload struct {
		Nonce []byte `json:"nonce"`
		Data  []byte `json:"data"`
	}
	if err := json.Unmarshal(sealed, &payload); err != nil {
		t.Fatalf("unmarshal sealed: %v", err)
	}
	payload.Data[0] ^= 0xff
	tampered, _ := json.Marshal(payload)

	if _, err := c.Open(tampered); err == nil {
		t.Fatal("open of tampered blob succeeded")
	}
}

func TestOpenGarbageFails(t *testing.T) {
	c, err := NewCipherFromKey(make([]byte, 32))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if _, err := c.Open([]byte("not even json")); err == nil {
		t.Fatal("open of garbage succeeded")
	}
	if _, err := c.Open([]byte(`{"nonce":"AAA=","data":"AAA="}`)); err == nil {
		t.Fatal("open with short nonce succeeded")
	}
}

func TestNewCipherFromKeyRejectsBadLength(t *testing.T) {
	if _, err := NewCipherFromKey(make([]byte, 7)); err == nil {
		t.Fatal("7-byte key accepted")
	}
}
