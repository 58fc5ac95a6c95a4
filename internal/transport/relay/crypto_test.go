package relay

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
)

// pairedCiphers derives both sides of the key agreement: the gateway with the
// peer's public key, and the peer with the gateway's.
func pairedCiphers(t *testing.T) (*Cipher, *Cipher) {
	t.Helper()
	gwPub, gwPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	peerPub, peerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	gw, err := NewCipher(gwPriv, peerPub)
	if err != nil {
		t.Fatalf("NewCipher (gateway) failed: %v", err)
	}
	peer, err := NewCipher(peerPriv, gwPub)
	if err != nil {
		t.Fatalf("NewCipher (peer) failed: %v", err)
	}
	return gw, peer
}

func TestEncryptDecryptAcrossPeers(t *testing.T) {
	gw, peer := pairedCiphers(t)

	plaintext := []byte(`{"v":"1.0.0","type":"permission_request","payload":{"toolName":"Bash"}}`)
	wrapped, err := gw.Encrypt(plaintext, &Hint{Type: "permission_request", ToolName: "Bash", Risk: "dangerous"})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !wrapped.E2E {
		t.Error("wrapped message must carry e2e flag")
	}

	got, err := peer.Decrypt(wrapped)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip mismatch: %s", got)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	gw, peer := pairedCiphers(t)

	wrapped, err := gw.Encrypt([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	wrapped.Ciphertext = "AAAA" + wrapped.Ciphertext[4:]
	if _, err := peer.Decrypt(wrapped); err == nil {
		t.Error("tampered ciphertext must not decrypt")
	}
}

func TestDecryptWrongPeerFails(t *testing.T) {
	gw, _ := pairedCiphers(t)
	_, stranger := pairedCiphers(t)

	wrapped, err := gw.Encrypt([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := stranger.Decrypt(wrapped); err == nil {
		t.Error("unrelated keypair must not decrypt")
	}
}

func TestNonceCounterAdvances(t *testing.T) {
	gw, _ := pairedCiphers(t)

	a, err := gw.Encrypt([]byte("one"), nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := gw.Encrypt([]byte("two"), nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a.Nonce == b.Nonce {
		t.Error("consecutive nonces must differ")
	}
}

func TestHintCarriesOnlyRoutingMetadata(t *testing.T) {
	gw, _ := pairedCiphers(t)

	wrapped, err := gw.Encrypt([]byte(`{"target":"rm -rf /"}`), &Hint{Type: "permission_request", ToolName: "Bash", Risk: "dangerous"})
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	data, err := json.Marshal(wrapped)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	// The relay-visible form must never leak the command.
	if bytes.Contains(data, []byte("rm -rf")) {
		t.Error("wire form leaks plaintext")
	}
}

func TestIsWrapped(t *testing.T) {
	gw, _ := pairedCiphers(t)
	wrapped, _ := gw.Encrypt([]byte("x"), nil)
	data, _ := json.Marshal(wrapped)

	if _, ok := IsWrapped(data); !ok {
		t.Error("wrapped message not recognized")
	}
	if _, ok := IsWrapped([]byte(`{"v":"1.0.0","type":"heartbeat"}`)); ok {
		t.Error("plain envelope misdetected as wrapped")
	}
	if _, ok := IsWrapped([]byte(`{"e2e":true}`)); ok {
		t.Error("wrapper without nonce/ciphertext must not match")
	}
}
