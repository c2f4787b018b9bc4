// Package signer produces signed Nostr events under one of four signing
// modes unified behind a single contract: anonymous ephemeral keys, an
// injected extension port, a NIP-46 remote signer, and a declared but inert
// bunker mode. Mode selection is an exhaustive dispatch; a misconfigured
// mode is a constructor error, never a runtime left value.
package signer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"zap-gateway/internal/nostr"
	"zap-gateway/internal/types"
)

// Mode selects a signing strategy.
type Mode string

const (
	ModeAnon      Mode = "anon"
	ModeExtension Mode = "nip07"
	ModeRemote    Mode = "nostrconnect"
	ModeBunker    Mode = "bunker"
)

// ErrNotImplemented is returned by the bunker mode, which exists only to
// keep the mode enumeration complete.
var ErrNotImplemented = errors.New("bunker signing is not implemented")

// Signer signs event templates. Implementations must not mutate the
// template beyond filling defaulted fields.
type Signer interface {
	// Sign finalizes the template into a signed event.
	Sign(ctx context.Context, tmpl *types.EventTemplate) (types.Event, error)
	// Pubkey returns the signing identity's public key in hex, or "" when
	// the mode has no persistent identity (anon) or it is not yet known.
	Pubkey() string
}

// PubkeyFetcher is implemented by signers that must ask their provider for
// the user's pubkey before it is available through Pubkey.
type PubkeyFetcher interface {
	FetchPubkey(ctx context.Context) (string, error)
}

// Port is the message channel to an extension-side signing provider. The
// transport is injected so tests can use an in-process implementation.
type Port interface {
	Request(ctx context.Context, typ string, payload json.RawMessage) (json.RawMessage, error)
}

// Relay is the slice of the relay pool the remote signer needs. Publish
// must deliver to at least one relay or error; Subscribe returns a stream
// and an idempotent close.
type Relay interface {
	Publish(ctx context.Context, relays []string, evt types.Event) error
	Subscribe(ctx context.Context, relays []string, filter types.Filter) (<-chan types.Event, func(), error)
}

// Config carries the per-mode context. Only the fields the selected mode
// needs are required; New reports exactly which field is missing.
type Config struct {
	// Extension mode.
	Port Port

	// Remote mode.
	ProviderRelay string
	UserPubkey    string
	Relay         Relay
	// OpenAuthURL is invoked when the remote signer demands out-of-band
	// approval. Optional; a nil callback logs and keeps waiting.
	OpenAuthURL func(url string)
}

// New builds a signer for the mode. Missing required configuration is an
// error here, before any signing is attempted.
func New(mode Mode, cfg Config) (Signer, error) {
	switch mode {
	case ModeAnon:
		return &anonSigner{}, nil
	case ModeExtension:
		if cfg.Port == nil {
			return nil, errors.New("extension mode requires a signing port")
		}
		return &extensionSigner{port: cfg.Port}, nil
	case ModeRemote:
		if cfg.ProviderRelay == "" {
			return nil, errors.New("remote signing requires a provider relay")
		}
		if cfg.UserPubkey == "" {
			return nil, errors.New("remote signing requires the user pubkey")
		}
		if cfg.Relay == nil {
			return nil, errors.New("remote signing requires a relay connection")
		}
		return &remoteSigner{
			providerRelay: cfg.ProviderRelay,
			userPubkey:    cfg.UserPubkey,
			relay:         cfg.Relay,
			openAuthURL:   cfg.OpenAuthURL,
		}, nil
	case ModeBunker:
		return &bunkerSigner{}, nil
	default:
		return nil, fmt.Errorf("unknown signing mode %q", mode)
	}
}

// anonSigner generates a fresh single-use keypair per call. No state is
// kept between calls so zaps stay unlinkable.
type anonSigner struct{}

func (s *anonSigner) Sign(ctx context.Context, tmpl *types.EventTemplate) (types.Event, error) {
	privKey, err := nostr.GeneratePrivateKey()
	if err != nil {
		return types.Event{}, fmt.Errorf("generating ephemeral key: %w", err)
	}
	return nostr.FinalizeEvent(tmpl, privKey)
}

func (s *anonSigner) Pubkey() string { return "" }

// extensionSigner delegates signing to a provider on the other side of a
// Port. No timeout is imposed here; the caller's ctx bounds the wait.
type extensionSigner struct {
	port   Port
	pubkey string
}

func (s *extensionSigner) Sign(ctx context.Context, tmpl *types.EventTemplate) (types.Event, error) {
	payload, err := json.Marshal(tmpl)
	if err != nil {
		return types.Event{}, fmt.Errorf("encoding template: %w", err)
	}

	resp, err := s.port.Request(ctx, "sign-event", payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("extension signing: %w", err)
	}

	var evt types.Event
	if err := json.Unmarshal(resp, &evt); err != nil {
		return types.Event{}, fmt.Errorf("decoding signed event: %w", err)
	}
	if evt.Sig == "" {
		return types.Event{}, errors.New("extension returned unsigned event")
	}
	s.pubkey = evt.PubKey
	return evt, nil
}

func (s *extensionSigner) Pubkey() string { return s.pubkey }

// FetchPubkey asks the provider for the user's pubkey and caches it.
func (s *extensionSigner) FetchPubkey(ctx context.Context) (string, error) {
	resp, err := s.port.Request(ctx, "get-pubkey", nil)
	if err != nil {
		return "", fmt.Errorf("extension pubkey request: %w", err)
	}
	var pubkey string
	if err := json.Unmarshal(resp, &pubkey); err != nil {
		return "", fmt.Errorf("decoding pubkey response: %w", err)
	}
	if len(pubkey) != 64 {
		return "", fmt.Errorf("extension returned invalid pubkey %q", pubkey)
	}
	s.pubkey = pubkey
	return pubkey, nil
}

type bunkerSigner struct{}

func (s *bunkerSigner) Sign(ctx context.Context, tmpl *types.EventTemplate) (types.Event, error) {
	return types.Event{}, ErrNotImplemented
}

func (s *bunkerSigner) Pubkey() string { return "" }

func decodeHexKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key is %d bytes, want 32", len(b))
	}
	return b, nil
}
