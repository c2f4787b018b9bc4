// Package identity resolves page-supplied aliases to canonical Nostr
// identities. An alias is either a bech32 npub or a NIP-05 identifier
// (name@domain) looked up through the domain's /.well-known/nostr.json.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"zap-gateway/internal/either"
	"zap-gateway/internal/nips"
	"zap-gateway/internal/types"
)

// Identity is a resolved canonical identity.
type Identity struct {
	Pubkey    string   `json:"pubkey"`
	Relays    []string `json:"relays,omitempty"`
	Extension *ExtInfo `json:"extension,omitempty"`
}

// ExtInfo carries optional display hints a domain may publish for a pubkey.
type ExtInfo struct {
	Icon  string `json:"icon,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// Alias is what the caller hands us. Exactly one of the fields should be
// set; Npub wins when both are present.
type Alias struct {
	Npub  string
	NIP05 string
}

// wellKnownDoc is the shape of /.well-known/nostr.json.
type wellKnownDoc struct {
	Names     map[string]string            `json:"names"`
	NIP46     map[string][]string          `json:"nip46"`
	Extension map[string]map[string]string `json:"nostrize-extension"`
}

// Resolver performs identity lookups. It is cache-agnostic; callers wrap it
// in a cache store keyed by alias.
type Resolver struct {
	client *http.Client
}

// NewResolver builds a resolver. A nil client gets a default with a short
// timeout and a redirect cap.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}
	return &Resolver{client: client}
}

// Resolve turns an alias into an identity. A malformed npub is a hard error
// since it indicates a caller bug, not a network condition. All NIP-05
// lookup failures come back as the left side of the result.
func (r *Resolver) Resolve(ctx context.Context, alias Alias) (either.E[Identity], error) {
	if alias.Npub != "" {
		pubkey, err := nips.DecodePubkey(alias.Npub)
		if err != nil {
			return either.E[Identity]{}, fmt.Errorf("invalid npub %q: %w", alias.Npub, err)
		}
		return either.Ok(Identity{Pubkey: pubkey}), nil
	}

	if alias.NIP05 == "" {
		return either.E[Identity]{}, fmt.Errorf("empty alias")
	}

	url, err := WellKnownURL(alias.NIP05)
	if err != nil {
		return either.Err[Identity](err), nil
	}
	name := nameOf(alias.NIP05)
	return r.fetch(ctx, url, name), nil
}

// ResolveURL resolves a name against an explicit well-known URL. Used by the
// fallback chain where the document location differs from the standard path.
func (r *Resolver) ResolveURL(ctx context.Context, url, name string) either.E[Identity] {
	return r.fetch(ctx, url, name)
}

// ResolveWithFallback tries the primary URL first and, on any failure,
// retries the secondary before giving up. The first success short-circuits.
func (r *Resolver) ResolveWithFallback(ctx context.Context, primary, secondary, name string) either.E[Identity] {
	result := r.fetch(ctx, primary, name)
	if result.IsRight() {
		return result
	}
	slog.Debug("identity: primary lookup failed, trying fallback",
		"primary", primary, "error", result.Left())
	return r.fetch(ctx, secondary, name)
}

func (r *Resolver) fetch(ctx context.Context, url, name string) either.E[Identity] {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return either.Err[Identity](fmt.Errorf("building request for %s: %w", url, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return either.Err[Identity](fmt.Errorf("fetching %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return either.Err[Identity](fmt.Errorf("lookup at %s returned status %d", url, resp.StatusCode))
	}

	var doc wellKnownDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return either.Err[Identity](fmt.Errorf("parsing response from %s: %w", url, err))
	}

	pubkey, ok := doc.Names[name]
	if !ok {
		return either.Err[Identity](fmt.Errorf("name %q not found in identity document at %s", name, url))
	}
	pubkey = strings.ToLower(pubkey)
	if !validPubkey(pubkey) {
		return either.Err[Identity](fmt.Errorf("name %q maps to invalid pubkey %q at %s", name, pubkey, url))
	}

	ident := Identity{Pubkey: pubkey}
	if relays, ok := doc.NIP46[pubkey]; ok {
		ident.Relays = relays
	}
	if ext, ok := doc.Extension[pubkey]; ok {
		ident.Extension = &ExtInfo{Icon: ext["icon"], Emoji: ext["emoji"]}
	}

	slog.Debug("identity: resolved", "name", name, "pubkey", types.ShortID(pubkey), "relays", len(ident.Relays))
	return either.Ok(ident)
}

// WellKnownURL builds the standard lookup URL for a name@domain identifier.
func WellKnownURL(nip05 string) (string, error) {
	parts := strings.SplitN(nip05, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid identifier %q: want name@domain", nip05)
	}
	name := strings.ToLower(parts[0])
	domain := strings.ToLower(parts[1])
	if domain == "" || strings.ContainsAny(domain, "/\\") {
		return "", fmt.Errorf("invalid domain in identifier %q", nip05)
	}
	return fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, name), nil
}

// validPubkey reports whether s is exactly 64 lowercase hex characters.
func validPubkey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func nameOf(nip05 string) string {
	parts := strings.SplitN(nip05, "@", 2)
	return strings.ToLower(parts[0])
}
