// Package types provides shared type definitions used across internal packages.
package types

// Standard Nostr event kinds used by the zap pipeline.
const (
	KindProfile      = 0     // NIP-01 profile metadata
	KindRelayList    = 10002 // NIP-65 relay list
	KindNostrConnect = 24133 // NIP-46 remote signer messages
	KindZapRequest   = 9734  // NIP-57 zap request
	KindZapReceipt   = 9735  // NIP-57 zap receipt
)

// Event represents a signed Nostr event (NIP-01).
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// TagValue returns the second element of the first tag whose name matches,
// or "" if no such tag exists.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// EventTemplate is an unsigned event under construction. The pipeline builds
// templates and hands them to a Signer; it never mutates received events.
type EventTemplate struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
}

// Filter represents a Nostr subscription filter (NIP-01).
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	PTags   []string // #p tag filter
	ETags   []string // #e tag filter
	Since   *int64
	Until   *int64
	Limit   int
}

// ToWire converts the filter to the JSON object shape relays expect.
func (f Filter) ToWire() map[string]interface{} {
	wire := map[string]interface{}{}
	if len(f.IDs) > 0 {
		wire["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		wire["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		wire["kinds"] = f.Kinds
	}
	if len(f.PTags) > 0 {
		wire["#p"] = f.PTags
	}
	if len(f.ETags) > 0 {
		wire["#e"] = f.ETags
	}
	if f.Since != nil {
		wire["since"] = *f.Since
	}
	if f.Until != nil {
		wire["until"] = *f.Until
	}
	if f.Limit > 0 {
		wire["limit"] = f.Limit
	}
	return wire
}

// RelaySet holds the effective read/write relay sets for an identity.
// Both slices are deduplicated; ordering carries no meaning.
type RelaySet struct {
	Read  []string
	Write []string
}

// LocalRelay is one entry of the locally configured relay list.
type LocalRelay struct {
	URL     string `json:"relay"`
	Enabled bool   `json:"enabled"`
	Read    bool   `json:"read"`
	Write   bool   `json:"write"`
}

// ShortID truncates an event id or pubkey to 12 chars for log fields.
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
