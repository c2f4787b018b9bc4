package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"zap-gateway/internal/types"
)

// ComputeEventID computes the NIP-01 event id: sha256 of the canonical
// serialization [0, pubkey, created_at, kind, tags, content].
func ComputeEventID(evt *types.Event) string {
	tagsJSON, _ := json.Marshal(evt.Tags)
	contentJSON, _ := json.Marshal(evt.Content)

	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,%s]`,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		string(tagsJSON),
		string(contentJSON),
	)

	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:])
}

// FinalizeEvent turns a template into a signed event under the given private
// key: sets pubkey, computes the id and attaches a Schnorr signature.
func FinalizeEvent(tmpl *types.EventTemplate, privKeyBytes []byte) (types.Event, error) {
	pubKey, err := GetPublicKey(privKeyBytes)
	if err != nil {
		return types.Event{}, fmt.Errorf("deriving public key: %w", err)
	}

	createdAt := tmpl.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	tags := tmpl.Tags
	if tags == nil {
		tags = [][]string{}
	}

	evt := types.Event{
		PubKey:    hex.EncodeToString(pubKey),
		CreatedAt: createdAt,
		Kind:      tmpl.Kind,
		Tags:      tags,
		Content:   tmpl.Content,
	}
	evt.ID = ComputeEventID(&evt)

	sig, err := signEventID(privKeyBytes, evt.ID)
	if err != nil {
		return types.Event{}, err
	}
	evt.Sig = sig

	return evt, nil
}

func signEventID(privKeyBytes []byte, eventID string) (string, error) {
	if len(privKeyBytes) == 0 {
		return "", fmt.Errorf("empty private key")
	}

	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return "", fmt.Errorf("invalid private key")
	}

	idBytes, err := hex.DecodeString(eventID)
	if err != nil {
		return "", fmt.Errorf("invalid event id hex: %w", err)
	}

	sig, err := schnorr.Sign(privKey, idBytes)
	if err != nil {
		return "", fmt.Errorf("signing event: %w", err)
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

// ValidateEventSignature verifies the Schnorr signature on a received event.
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ParseEventFromInterface converts raw websocket message data to an Event,
// validating the signature when one is present.
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}

	evt := types.Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	if evt.Sig != "" && !ValidateEventSignature(&evt) {
		slog.Warn("event signature validation failed", "event_id", types.ShortID(evt.ID))
		return types.Event{}, false
	}

	return evt, evt.ID != ""
}
