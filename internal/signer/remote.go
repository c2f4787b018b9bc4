package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zap-gateway/internal/nostr"
	"zap-gateway/internal/types"
)

// remoteSigner implements NIP-46 remote signing: the request is encrypted
// to the user's pubkey with an ephemeral key, published as a kind-24133
// event to the provider relay, and the response arrives on a subscription
// addressed to the ephemeral pubkey. The ephemeral key is materialized
// lazily and persists across calls within one signer instance.
type remoteSigner struct {
	providerRelay string
	userPubkey    string
	relay         Relay
	openAuthURL   func(url string)

	mu           sync.Mutex
	ephemeralKey []byte
	ephemeralPub string
}

// rpcRequest is the JSON-RPC shaped payload NIP-46 signers expect.
type rpcRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type rpcResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (s *remoteSigner) Pubkey() string { return s.userPubkey }

// ensureEphemeralKey generates the session keypair on first use.
func (s *remoteSigner) ensureEphemeralKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ephemeralKey != nil {
		return nil
	}
	privKey, err := nostr.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating session key: %w", err)
	}
	pubKey, err := nostr.GetPublicKey(privKey)
	if err != nil {
		return fmt.Errorf("deriving session pubkey: %w", err)
	}
	s.ephemeralKey = privKey
	s.ephemeralPub = hex.EncodeToString(pubKey)
	return nil
}

func (s *remoteSigner) Sign(ctx context.Context, tmpl *types.EventTemplate) (types.Event, error) {
	if err := s.ensureEphemeralKey(); err != nil {
		return types.Event{}, err
	}

	userKeyBytes, err := decodeHexKey(s.userPubkey)
	if err != nil {
		return types.Event{}, fmt.Errorf("invalid user pubkey: %w", err)
	}
	conversationKey, err := nostr.GetConversationKey(s.ephemeralKey, userKeyBytes)
	if err != nil {
		return types.Event{}, fmt.Errorf("deriving conversation key: %w", err)
	}

	templateJSON, err := json.Marshal(tmpl)
	if err != nil {
		return types.Event{}, fmt.Errorf("encoding template: %w", err)
	}

	requestID := randomRequestID()
	payload, err := json.Marshal(rpcRequest{
		ID:     requestID,
		Method: "sign_event",
		Params: []string{string(templateJSON)},
	})
	if err != nil {
		return types.Event{}, fmt.Errorf("encoding request: %w", err)
	}

	ciphertext, err := nostr.Nip44Encrypt(string(payload), conversationKey)
	if err != nil {
		return types.Event{}, fmt.Errorf("encrypting request: %w", err)
	}

	wrapper, err := nostr.FinalizeEvent(&types.EventTemplate{
		Kind:    types.KindNostrConnect,
		Content: ciphertext,
		Tags:    [][]string{{"p", s.userPubkey}},
	}, s.ephemeralKey)
	if err != nil {
		return types.Event{}, fmt.Errorf("signing request envelope: %w", err)
	}

	// Subscribe before publishing so the response cannot slip past us.
	events, closeSub, err := s.relay.Subscribe(ctx, []string{s.providerRelay}, types.Filter{
		Kinds:   []int{types.KindNostrConnect},
		Authors: []string{s.userPubkey},
		PTags:   []string{s.ephemeralPub},
	})
	if err != nil {
		return types.Event{}, fmt.Errorf("subscribing for signer response: %w", err)
	}
	defer closeSub()

	if err := s.relay.Publish(ctx, []string{s.providerRelay}, wrapper); err != nil {
		return types.Event{}, fmt.Errorf("publishing signing request: %w", err)
	}

	slog.Debug("remote signer: waiting for response",
		"request", requestID, "relay", s.providerRelay)

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return types.Event{}, errors.New("signer subscription closed")
			}
			signed, done, err := s.handleResponse(evt, requestID, conversationKey)
			if err != nil {
				return types.Event{}, err
			}
			if done {
				return signed, nil
			}
		case <-ctx.Done():
			return types.Event{}, ctx.Err()
		}
	}
}

// handleResponse processes one incoming event. done=false means keep
// waiting: the event was for another request, undecryptable, or an
// auth_url challenge.
func (s *remoteSigner) handleResponse(evt types.Event, requestID string, conversationKey []byte) (types.Event, bool, error) {
	plaintext, err := nostr.Nip44Decrypt(evt.Content, conversationKey)
	if err != nil {
		slog.Debug("remote signer: undecryptable event", "event", types.ShortID(evt.ID))
		return types.Event{}, false, nil
	}

	var resp rpcResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		slog.Debug("remote signer: malformed response", "event", types.ShortID(evt.ID))
		return types.Event{}, false, nil
	}

	if resp.ID != requestID {
		return types.Event{}, false, nil
	}

	if resp.Result == "auth_url" {
		slog.Info("remote signer: approval required", "url", resp.Error)
		if s.openAuthURL != nil {
			s.openAuthURL(resp.Error)
		}
		return types.Event{}, false, nil
	}

	if resp.Error != "" {
		return types.Event{}, false, fmt.Errorf("remote signer rejected request: %s", resp.Error)
	}

	var signed types.Event
	if err := json.Unmarshal([]byte(resp.Result), &signed); err != nil {
		return types.Event{}, false, fmt.Errorf("decoding signed event: %w", err)
	}
	if signed.Sig == "" {
		return types.Event{}, false, errors.New("remote signer returned unsigned event")
	}
	return signed, true, nil
}

func randomRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
