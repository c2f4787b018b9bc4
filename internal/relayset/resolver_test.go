package relayset

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"zap-gateway/internal/types"
)

const testPubkey = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

// fakeFetcher returns a canned relay list event or error.
type fakeFetcher struct {
	event *types.Event
	err   error
	calls int
}

func (f *fakeFetcher) FetchOne(ctx context.Context, relays []string, filter types.Filter) (*types.Event, error) {
	f.calls++
	return f.event, f.err
}

func relayListEvent(tags [][]string) *types.Event {
	return &types.Event{
		ID:        "ee",
		PubKey:    testPubkey,
		Kind:      types.KindRelayList,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
	}
}

var allFlags = SourceFlags{Local: true, RelayList: true}

func TestLocalRelaysSplitByFlags(t *testing.T) {
	r := NewResolver(&fakeFetcher{}, time.Second)
	local := []types.LocalRelay{
		{URL: "wss://a", Enabled: true, Read: true, Write: true},
		{URL: "wss://b", Enabled: true, Read: true},
		{URL: "wss://c", Enabled: true, Write: true},
		{URL: "wss://d", Enabled: false, Read: true, Write: true},
	}

	set := r.Resolve(context.Background(), testPubkey, local, SourceFlags{Local: true}, false)

	if want := []string{"wss://a", "wss://b"}; !reflect.DeepEqual(set.Read, want) {
		t.Errorf("Read = %v, want %v", set.Read, want)
	}
	if want := []string{"wss://a", "wss://c"}; !reflect.DeepEqual(set.Write, want) {
		t.Errorf("Write = %v, want %v", set.Write, want)
	}
}

func TestAnonymousSkipsDiscovery(t *testing.T) {
	fetcher := &fakeFetcher{event: relayListEvent([][]string{{"r", "wss://discovered"}})}
	r := NewResolver(fetcher, time.Second)
	local := []types.LocalRelay{{URL: "wss://a", Enabled: true, Read: true, Write: true}}

	set := r.Resolve(context.Background(), testPubkey, local, allFlags, true)

	if fetcher.calls != 0 {
		t.Errorf("discovery ran %d times in anonymous mode, want 0", fetcher.calls)
	}
	if !reflect.DeepEqual(set.Read, []string{"wss://a"}) {
		t.Errorf("Read = %v, want local only", set.Read)
	}
}

func TestDiscoveryMarkers(t *testing.T) {
	fetcher := &fakeFetcher{event: relayListEvent([][]string{
		{"r", "wss://both"},
		{"r", "wss://ro", "read"},
		{"r", "wss://wo", "write"},
	})}
	r := NewResolver(fetcher, time.Second)
	local := []types.LocalRelay{{URL: "wss://a", Enabled: true, Write: true}}

	set := r.Resolve(context.Background(), testPubkey, local, allFlags, false)

	if want := []string{"wss://both", "wss://ro"}; !reflect.DeepEqual(set.Read, want) {
		t.Errorf("Read = %v, want %v", set.Read, want)
	}
	if want := []string{"wss://a", "wss://both", "wss://wo"}; !reflect.DeepEqual(set.Write, want) {
		t.Errorf("Write = %v, want %v", set.Write, want)
	}
}

func TestUnionDeduplicates(t *testing.T) {
	fetcher := &fakeFetcher{event: relayListEvent([][]string{
		{"r", "wss://a"},
		{"r", "wss://a", "read"},
	})}
	r := NewResolver(fetcher, time.Second)
	local := []types.LocalRelay{{URL: "wss://a", Enabled: true, Read: true, Write: true}}

	set := r.Resolve(context.Background(), testPubkey, local, allFlags, false)

	if !reflect.DeepEqual(set.Read, []string{"wss://a"}) {
		t.Errorf("Read = %v, duplicate across sources must appear once", set.Read)
	}
	if !reflect.DeepEqual(set.Write, []string{"wss://a"}) {
		t.Errorf("Write = %v, duplicate across sources must appear once", set.Write)
	}
}

func TestResolveIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{event: relayListEvent([][]string{{"r", "wss://x"}})}
	r := NewResolver(fetcher, time.Second)
	local := []types.LocalRelay{
		{URL: "wss://b", Enabled: true, Read: true, Write: true},
		{URL: "wss://a", Enabled: true, Read: true, Write: true},
	}

	first := r.Resolve(context.Background(), testPubkey, local, allFlags, false)
	second := r.Resolve(context.Background(), testPubkey, local, allFlags, false)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated resolution differs: %v vs %v", first, second)
	}
}

func TestDiscoveryFailureDegrades(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("relay unreachable")}
	r := NewResolver(fetcher, time.Second)
	local := []types.LocalRelay{{URL: "wss://a", Enabled: true, Read: true, Write: true}}

	set := r.Resolve(context.Background(), testPubkey, local, allFlags, false)

	if !reflect.DeepEqual(set.Read, []string{"wss://a"}) || !reflect.DeepEqual(set.Write, []string{"wss://a"}) {
		t.Errorf("set = %+v, discovery failure must degrade to local relays", set)
	}
}

func TestRelayListFlagDisablesDiscovery(t *testing.T) {
	fetcher := &fakeFetcher{event: relayListEvent([][]string{{"r", "wss://discovered"}})}
	r := NewResolver(fetcher, time.Second)

	set := r.Resolve(context.Background(), testPubkey, nil, SourceFlags{Local: true}, false)

	if fetcher.calls != 0 {
		t.Errorf("discovery ran with RelayList flag off")
	}
	if len(set.Read) != 0 || len(set.Write) != 0 {
		t.Errorf("set = %+v, want empty", set)
	}
}
