package nostr

import (
	"encoding/hex"
	"testing"

	"zap-gateway/internal/types"
)

func TestFinalizeEventSignsAndVerifies(t *testing.T) {
	privKey, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	evt, err := FinalizeEvent(&types.EventTemplate{
		Kind:    types.KindZapRequest,
		Content: "test zap",
		Tags:    [][]string{{"p", "ab"}},
	}, privKey)
	if err != nil {
		t.Fatalf("FinalizeEvent: %v", err)
	}

	if len(evt.ID) != 64 {
		t.Errorf("event id %q, want 64 hex chars", evt.ID)
	}
	if len(evt.PubKey) != 64 {
		t.Errorf("pubkey %q, want 64 hex chars", evt.PubKey)
	}
	if evt.CreatedAt == 0 {
		t.Error("created_at should default to now")
	}
	if !ValidateEventSignature(&evt) {
		t.Fatal("signature should verify")
	}
}

func TestValidateRejectsTamperedEvent(t *testing.T) {
	privKey, _ := GeneratePrivateKey()
	evt, err := FinalizeEvent(&types.EventTemplate{Kind: 1, Content: "original"}, privKey)
	if err != nil {
		t.Fatal(err)
	}

	evt.Content = "tampered"
	evt.ID = ComputeEventID(&evt)
	if ValidateEventSignature(&evt) {
		t.Fatal("tampered event must not verify")
	}
}

func TestComputeEventIDDeterministic(t *testing.T) {
	evt := types.Event{
		PubKey:    "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{},
		Content:   "hello",
	}
	first := ComputeEventID(&evt)
	second := ComputeEventID(&evt)
	if first != second || len(first) != 64 {
		t.Fatalf("ComputeEventID unstable or malformed: %q vs %q", first, second)
	}
}

func TestGetPublicKeyXOnly(t *testing.T) {
	privKey, _ := GeneratePrivateKey()
	pubKey, err := GetPublicKey(privKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(pubKey) != 32 {
		t.Fatalf("pubkey is %d bytes, want 32 (x-only)", len(pubKey))
	}
}

func TestConversationKeySymmetry(t *testing.T) {
	alicePriv, _ := GeneratePrivateKey()
	alicePub, _ := GetPublicKey(alicePriv)
	bobPriv, _ := GeneratePrivateKey()
	bobPub, _ := GetPublicKey(bobPriv)

	aliceKey, err := GetConversationKey(alicePriv, bobPub)
	if err != nil {
		t.Fatal(err)
	}
	bobKey, err := GetConversationKey(bobPriv, alicePub)
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(aliceKey) != hex.EncodeToString(bobKey) {
		t.Fatal("conversation key must be symmetric")
	}
}

func TestNip44RoundTrip(t *testing.T) {
	alicePriv, _ := GeneratePrivateKey()
	bobPriv, _ := GeneratePrivateKey()
	bobPub, _ := GetPublicKey(bobPriv)

	convKey, err := GetConversationKey(alicePriv, bobPub)
	if err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"x", "hello zap", string(make([]byte, 1000))} {
		cipher, err := Nip44Encrypt(msg, convKey)
		if err != nil {
			t.Fatalf("Nip44Encrypt: %v", err)
		}
		plain, err := Nip44Decrypt(cipher, convKey)
		if err != nil {
			t.Fatalf("Nip44Decrypt: %v", err)
		}
		if plain != msg {
			t.Errorf("round trip lost the message (len %d)", len(msg))
		}
	}
}

func TestNip44DecryptRejectsTampering(t *testing.T) {
	alicePriv, _ := GeneratePrivateKey()
	bobPub, _ := func() ([]byte, error) {
		priv, _ := GeneratePrivateKey()
		return GetPublicKey(priv)
	}()

	convKey, _ := GetConversationKey(alicePriv, bobPub)
	cipher, _ := Nip44Encrypt("secret", convKey)

	otherKey := make([]byte, 32)
	copy(otherKey, convKey)
	otherKey[0] ^= 0xff
	if _, err := Nip44Decrypt(cipher, otherKey); err == nil {
		t.Fatal("decryption with the wrong key must fail the MAC check")
	}
}

func TestParseEventFromInterface(t *testing.T) {
	privKey, _ := GeneratePrivateKey()
	signed, err := FinalizeEvent(&types.EventTemplate{Kind: 1, Content: "hi"}, privKey)
	if err != nil {
		t.Fatal(err)
	}

	raw := map[string]interface{}{
		"id":         signed.ID,
		"pubkey":     signed.PubKey,
		"created_at": float64(signed.CreatedAt),
		"kind":       float64(signed.Kind),
		"tags":       []interface{}{},
		"content":    signed.Content,
		"sig":        signed.Sig,
	}

	evt, ok := ParseEventFromInterface(raw)
	if !ok {
		t.Fatal("valid event should parse")
	}
	if evt.ID != signed.ID || evt.Content != "hi" {
		t.Errorf("parsed event mismatch: %+v", evt)
	}

	raw["sig"] = "00" + signed.Sig[2:]
	if _, ok := ParseEventFromInterface(raw); ok {
		t.Fatal("event with a bad signature should be rejected")
	}
}
