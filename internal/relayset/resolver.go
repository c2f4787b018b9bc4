// Package relayset computes the effective read/write relay set for an
// identity by combining locally configured relays with NIP-65 relay list
// discovery (kind 10002), gated by per-source flags.
package relayset

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"zap-gateway/internal/types"
)

// SourceFlags gates which discovery sources contribute to the result.
type SourceFlags struct {
	Local     bool
	RelayList bool
}

// Fetcher is the slice of the relay pool the resolver needs.
type Fetcher interface {
	FetchOne(ctx context.Context, relays []string, filter types.Filter) (*types.Event, error)
}

// Resolver combines local configuration with relay list discovery.
type Resolver struct {
	pool    Fetcher
	timeout time.Duration
}

// NewResolver builds a resolver around a pool. A zero timeout defaults to
// five seconds per discovery fetch.
func NewResolver(pool Fetcher, timeout time.Duration) *Resolver {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{pool: pool, timeout: timeout}
}

// Resolve returns the effective relay set for pubkey. Anonymous mode uses
// local relays only so no discovery traffic can link the lookup to an
// identity. Discovery failures degrade to an empty discovered set and never
// fail the resolution.
func (r *Resolver) Resolve(ctx context.Context, pubkey string, local []types.LocalRelay, flags SourceFlags, anonymous bool) types.RelaySet {
	read := map[string]bool{}
	write := map[string]bool{}

	if flags.Local {
		for _, lr := range local {
			if !lr.Enabled || lr.URL == "" {
				continue
			}
			if lr.Read {
				read[lr.URL] = true
			}
			if lr.Write {
				write[lr.URL] = true
			}
		}
	}

	if !anonymous && flags.RelayList && pubkey != "" {
		discovered := r.discover(ctx, pubkey, keys(write))
		for url, dir := range discovered {
			if dir.read {
				read[url] = true
			}
			if dir.write {
				write[url] = true
			}
		}
	}

	return types.RelaySet{Read: keys(read), Write: keys(write)}
}

type direction struct {
	read  bool
	write bool
}

// discover fetches the newest kind-10002 event for pubkey and parses its
// "r" tags. An absent marker means both read and write.
func (r *Resolver) discover(ctx context.Context, pubkey string, via []string) map[string]direction {
	if len(via) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	evt, err := r.pool.FetchOne(ctx, via, types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindRelayList},
		Limit:   1,
	})
	if err != nil || evt == nil {
		slog.Debug("relayset: discovery degraded to empty",
			"pubkey", types.ShortID(pubkey), "error", err)
		return nil
	}

	out := map[string]direction{}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" || tag[1] == "" {
			continue
		}
		d := direction{read: true, write: true}
		if len(tag) >= 3 {
			switch tag[2] {
			case "read":
				d = direction{read: true}
			case "write":
				d = direction{write: true}
			}
		}
		prev := out[tag[1]]
		out[tag[1]] = direction{read: prev.read || d.read, write: prev.write || d.write}
	}

	slog.Debug("relayset: discovered", "pubkey", types.ShortID(pubkey), "relays", len(out))
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
