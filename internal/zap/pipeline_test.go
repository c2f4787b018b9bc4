package zap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"zap-gateway/internal/either"
	"zap-gateway/internal/lnurl"
	"zap-gateway/internal/signer"
	"zap-gateway/internal/types"
)

const (
	recipientPubkey = "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
	notifyPubkey    = "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
)

// fakeRelay serves canned metadata and a scripted receipt stream.
type fakeRelay struct {
	metadata   *types.Event
	fetchErr   error
	receipts   chan types.Event
	closeCount int
}

func (f *fakeRelay) FetchOne(ctx context.Context, relays []string, filter types.Filter) (*types.Event, error) {
	return f.metadata, f.fetchErr
}

func (f *fakeRelay) Subscribe(ctx context.Context, relays []string, filter types.Filter) (<-chan types.Event, func(), error) {
	return f.receipts, func() { f.closeCount++ }, nil
}

// fakeEndpoint skips the HTTP leg of LNURL resolution.
type fakeEndpoint struct {
	desc       lnurl.Descriptor
	resolveErr error
	invoice    string
	invoiceErr error
	gotRequest string
}

func (f *fakeEndpoint) ResolveEndpoint(ctx context.Context, metadata *types.Event) either.E[lnurl.Descriptor] {
	if f.resolveErr != nil {
		return either.Err[lnurl.Descriptor](f.resolveErr)
	}
	return either.Ok(f.desc)
}

func (f *fakeEndpoint) RequestInvoice(ctx context.Context, desc lnurl.Descriptor, amountMsat int64, zapRequestJSON, comment string) (string, error) {
	f.gotRequest = zapRequestJSON
	return f.invoice, f.invoiceErr
}

func testPipeline(t *testing.T) (*Pipeline, *fakeRelay, *fakeEndpoint) {
	t.Helper()
	relay := &fakeRelay{
		metadata: &types.Event{Kind: types.KindProfile, PubKey: recipientPubkey, Content: `{"lud16":"alice@pay.example.com"}`},
		receipts: make(chan types.Event, 10),
	}
	endpoint := &fakeEndpoint{
		desc: lnurl.Descriptor{
			Callback:    "https://pay.example.com/cb",
			MinSendable: 1000,
			MaxSendable: 100000,
			AllowsNostr: true,
			NostrPubkey: notifyPubkey,
		},
		invoice: "lnbc1testinvoice",
	}
	return NewPipeline(relay, endpoint), relay, endpoint
}

func anonParams(sats int64) Params {
	s, _ := signer.New(signer.ModeAnon, signer.Config{})
	return Params{
		RecipientPubkey: recipientPubkey,
		AmountSats:      sats,
		Comment:         "great work",
		ReceiptRelays:   []string{"wss://a", "wss://b"},
		ReadRelays:      []string{"wss://a"},
		Signer:          s,
	}
}

func TestSettleHappyPath(t *testing.T) {
	p, _, endpoint := testPipeline(t)

	result, err := p.Settle(context.Background(), anonParams(50))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.IsLeft() {
		t.Fatalf("Settle left: %v", result.Left())
	}

	s := result.Right()
	if s.Invoice != "lnbc1testinvoice" {
		t.Errorf("invoice = %q", s.Invoice)
	}
	if s.AmountMsat != 50000 {
		t.Errorf("amountMsat = %d, want 50000", s.AmountMsat)
	}
	if s.CorrelationRef != "" {
		t.Error("profile zap should not carry a correlation ref")
	}

	req := s.ZapRequest
	if req.Kind != types.KindZapRequest {
		t.Errorf("request kind = %d, want %d", req.Kind, types.KindZapRequest)
	}
	if req.TagValue("p") != recipientPubkey {
		t.Errorf("p tag = %q", req.TagValue("p"))
	}
	if req.TagValue("amount") != "50000" {
		t.Errorf("amount tag = %q", req.TagValue("amount"))
	}
	var relaysTag []string
	for _, tag := range req.Tags {
		if len(tag) > 0 && tag[0] == "relays" {
			relaysTag = tag[1:]
		}
	}
	if len(relaysTag) != 2 || relaysTag[0] != "wss://a" {
		t.Errorf("relays tag = %v", relaysTag)
	}
	if endpoint.gotRequest == "" || !strings.Contains(endpoint.gotRequest, `"sig"`) {
		t.Error("invoice request should carry the signed event JSON")
	}
}

func TestSettleExclusiveBounds(t *testing.T) {
	cases := []struct {
		sats   int64
		wantOK bool
	}{
		{1, false},    // 1000 msat, equal to min
		{100, false},  // 100000 msat, equal to max
		{50, true},    // strictly inside
		{101, false},  // above max
	}
	for _, c := range cases {
		p, _, _ := testPipeline(t)
		result, err := p.Settle(context.Background(), anonParams(c.sats))
		if err != nil {
			t.Fatalf("Settle(%d sats): %v", c.sats, err)
		}
		if result.IsRight() != c.wantOK {
			t.Errorf("Settle(%d sats) ok = %v, want %v (left: %v)",
				c.sats, result.IsRight(), c.wantOK, result.Left())
		}
	}
}

func TestSettleEventZapCarriesCorrelationRef(t *testing.T) {
	p, _, _ := testPipeline(t)
	params := anonParams(50)
	params.ZapEvent = true

	result, err := p.Settle(context.Background(), params)
	if err != nil || result.IsLeft() {
		t.Fatalf("Settle: %v / %v", err, result.Left())
	}

	s := result.Right()
	if len(s.CorrelationRef) != 64 {
		t.Fatalf("correlation ref %q, want 64 hex chars", s.CorrelationRef)
	}
	if s.ZapRequest.TagValue("e") != s.CorrelationRef {
		t.Error("e tag should carry the correlation ref")
	}
}

func TestSettleNoMetadataIsLeft(t *testing.T) {
	p, relay, _ := testPipeline(t)
	relay.metadata = nil

	result, err := p.Settle(context.Background(), anonParams(50))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.IsRight() {
		t.Fatal("missing metadata should be a Left")
	}
}

func TestSettleEndpointLeftPassesThrough(t *testing.T) {
	p, _, endpoint := testPipeline(t)
	endpoint.resolveErr = errors.New("no payment address")

	result, err := p.Settle(context.Background(), anonParams(50))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.IsRight() || !strings.Contains(result.Left().Error(), "no payment address") {
		t.Fatalf("Settle = %v, want the endpoint's Left", result.Left())
	}
}

func TestSettleInvoiceFailureIsError(t *testing.T) {
	p, _, endpoint := testPipeline(t)
	endpoint.invoiceErr = errors.New("callback returned status 500")

	_, err := p.Settle(context.Background(), anonParams(50))
	if err == nil {
		t.Fatal("invoice failure must be a hard error")
	}
}

func TestCorrelationRefsDistinct(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		ref := NewCorrelationRef()
		if len(ref) != 64 {
			t.Fatalf("ref %q, want 64 hex chars", ref)
		}
		if seen[ref] {
			t.Fatalf("duplicate correlation ref after %d draws", i)
		}
		seen[ref] = true
	}
}

func receipt(id string, tags [][]string) types.Event {
	return types.Event{
		ID:        id,
		PubKey:    notifyPubkey,
		Kind:      types.KindZapReceipt,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
	}
}

func TestAwaitReceiptMatchesBolt11(t *testing.T) {
	p, relay, _ := testPipeline(t)

	result, err := p.Settle(context.Background(), anonParams(50))
	if err != nil || result.IsLeft() {
		t.Fatalf("Settle: %v / %v", err, result.Left())
	}
	s := result.Right()

	relay.receipts <- receipt("r1", [][]string{{"bolt11", "some-other-invoice"}})
	relay.receipts <- receipt("r2", [][]string{{"bolt11", s.Invoice}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := p.AwaitReceipt(ctx, s, []string{"wss://a"})
	if err != nil {
		t.Fatalf("AwaitReceipt: %v", err)
	}
	if got.ID != "r2" {
		t.Errorf("receipt = %q, want the bolt11 match r2", got.ID)
	}
	if relay.closeCount != 1 {
		t.Errorf("subscription closed %d times, want exactly 1", relay.closeCount)
	}
}

func TestAwaitReceiptMatchesCorrelationRef(t *testing.T) {
	p, relay, _ := testPipeline(t)
	params := anonParams(50)
	params.ZapEvent = true

	result, err := p.Settle(context.Background(), params)
	if err != nil || result.IsLeft() {
		t.Fatalf("Settle: %v / %v", err, result.Left())
	}
	s := result.Right()

	relay.receipts <- receipt("r1", [][]string{{"e", strings.Repeat("00", 32)}})
	relay.receipts <- receipt("r2", [][]string{{"e", s.CorrelationRef}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := p.AwaitReceipt(ctx, s, []string{"wss://a"})
	if err != nil {
		t.Fatalf("AwaitReceipt: %v", err)
	}
	if got.ID != "r2" {
		t.Errorf("receipt = %q, want the correlated r2", got.ID)
	}
}

func TestAwaitReceiptCallerTimeout(t *testing.T) {
	p, relay, _ := testPipeline(t)

	result, err := p.Settle(context.Background(), anonParams(50))
	if err != nil || result.IsLeft() {
		t.Fatalf("Settle: %v / %v", err, result.Left())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.AwaitReceipt(ctx, result.Right(), []string{"wss://a"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitReceipt err = %v, want deadline exceeded", err)
	}
	if relay.closeCount != 1 {
		t.Errorf("subscription closed %d times on timeout, want exactly 1", relay.closeCount)
	}
}
