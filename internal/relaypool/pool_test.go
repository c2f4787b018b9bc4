package relaypool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zap-gateway/internal/types"
)

var upgrader = websocket.Upgrader{}

// fakeRelay is a minimal in-process relay: it acknowledges EVENTs and
// replays stored events for any REQ.
type fakeRelay struct {
	srv      *httptest.Server
	stored   []types.Event
	acceptOK bool
	reason   string
}

func newFakeRelay(t *testing.T, acceptOK bool, stored ...types.Event) *fakeRelay {
	t.Helper()
	f := &fakeRelay{stored: stored, acceptOK: acceptOK}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg []json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if len(msg) < 2 {
				continue
			}
			var msgType string
			json.Unmarshal(msg[0], &msgType)

			switch msgType {
			case "EVENT":
				var evt types.Event
				json.Unmarshal(msg[1], &evt)
				conn.WriteJSON([]interface{}{"OK", evt.ID, f.acceptOK, f.reason})
			case "REQ":
				var subID string
				json.Unmarshal(msg[1], &subID)
				for _, evt := range f.stored {
					conn.WriteJSON([]interface{}{"EVENT", subID, evt})
				}
				conn.WriteJSON([]interface{}{"EOSE", subID})
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func storedEvent(id string, createdAt int64) types.Event {
	return types.Event{
		ID:        id,
		PubKey:    strings.Repeat("ab", 32),
		Kind:      1,
		CreatedAt: createdAt,
		Tags:      [][]string{},
	}
}

func testPool(t *testing.T) *Pool {
	t.Helper()
	p := New()
	t.Cleanup(p.Close)
	return p
}

func TestPublishAccountsPerRelay(t *testing.T) {
	good := newFakeRelay(t, true)
	bad := newFakeRelay(t, false)
	bad.reason = "blocked: spam"

	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := pool.Publish(ctx, []string{good.wsURL(), bad.wsURL()}, storedEvent("e1", 1))

	if !result.Success() {
		t.Fatal("publish with one accepting relay should succeed")
	}
	if len(result.Fulfilled) != 1 || len(result.Rejected) != 1 {
		t.Fatalf("fulfilled=%d rejected=%d, want 1/1", len(result.Fulfilled), len(result.Rejected))
	}
	if result.Rejected[0].Reason != "blocked: spam" {
		t.Errorf("rejection reason = %q", result.Rejected[0].Reason)
	}
}

func TestPublishUnreachableRelayIsRejection(t *testing.T) {
	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := pool.Publish(ctx, []string{"ws://127.0.0.1:1"}, storedEvent("e1", 1))
	if result.Success() || len(result.Rejected) != 1 {
		t.Fatalf("unreachable relay should reject, got %+v", result)
	}
}

func TestSubscribeDeduplicatesAcrossRelays(t *testing.T) {
	evt := storedEvent("same-id", 10)
	a := newFakeRelay(t, true, evt)
	b := newFakeRelay(t, true, evt)

	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := pool.Subscribe(ctx, []string{a.wsURL(), b.wsURL()}, types.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	select {
	case got := <-sub.Events:
		if got.ID != "same-id" {
			t.Fatalf("event id = %q", got.ID)
		}
	case <-ctx.Done():
		t.Fatal("no event delivered")
	}

	select {
	case dup := <-sub.Events:
		t.Fatalf("duplicate event %q delivered", dup.ID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	relay := newFakeRelay(t, true)

	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := pool.Subscribe(ctx, []string{relay.wsURL()}, types.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatal(err)
	}

	sub.Close()
	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}

func TestSubscribeOneMatches(t *testing.T) {
	relay := newFakeRelay(t, true,
		storedEvent("miss", 1),
		storedEvent("hit", 2),
	)

	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := pool.SubscribeOne(ctx, []string{relay.wsURL()}, types.Filter{Kinds: []int{1}},
		func(evt types.Event) bool { return evt.ID == "hit" })
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "hit" {
		t.Fatalf("SubscribeOne = %q, want hit", got.ID)
	}
}

func TestFetchOneReturnsNewest(t *testing.T) {
	relay := newFakeRelay(t, true,
		storedEvent("old", 100),
		storedEvent("new", 200),
		storedEvent("middle", 150),
	)

	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := pool.FetchOne(ctx, []string{relay.wsURL()}, types.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "new" {
		t.Fatalf("FetchOne = %+v, want the newest event", got)
	}
}

func TestFetchOneEmptyRelay(t *testing.T) {
	relay := newFakeRelay(t, true)

	pool := testPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := pool.FetchOne(ctx, []string{relay.wsURL()}, types.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("FetchOne = %+v, want nil after EOSE with no events", got)
	}
}

func TestRelayURLSafety(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"ws://127.0.0.1:8080", true},
		{"ws://localhost:8080", true},
		{"wss://relay.damus.io", true},
		{"https://relay.damus.io", false},
		{"wss://", false},
		{"ws://10.0.0.5:8080", false},
	}
	for _, c := range cases {
		if got := isRelayURLSafe(c.url); got != c.ok {
			t.Errorf("isRelayURLSafe(%q) = %v, want %v", c.url, got, c.ok)
		}
	}
}
