// Package zap orchestrates the settlement flow: recipient metadata fetch,
// payment endpoint resolution, zap request construction and signing,
// invoice request, and receipt confirmation over a relay subscription.
package zap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"zap-gateway/internal/either"
	"zap-gateway/internal/lnurl"
	"zap-gateway/internal/signer"
	"zap-gateway/internal/types"
)

// receiptTolerance widens the receipt filter's since bound to absorb clock
// skew between us and the receipt publisher.
const receiptTolerance = 5 * time.Minute

// Fetcher retrieves the newest event matching a filter.
type Fetcher interface {
	FetchOne(ctx context.Context, relays []string, filter types.Filter) (*types.Event, error)
}

// Subscriber opens a receipt subscription. The returned close function must
// be idempotent; the pipeline guarantees it is called on every path.
type Subscriber interface {
	Subscribe(ctx context.Context, relays []string, filter types.Filter) (<-chan types.Event, func(), error)
}

// Relay is what the pipeline needs from the pool.
type Relay interface {
	Fetcher
	Subscriber
}

// EndpointResolver resolves payment endpoints and requests invoices.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, metadata *types.Event) either.E[lnurl.Descriptor]
	RequestInvoice(ctx context.Context, desc lnurl.Descriptor, amountMsat int64, zapRequestJSON, comment string) (string, error)
}

// Params describes one zap attempt. Relay sets arrive already resolved.
type Params struct {
	RecipientPubkey string
	AmountSats      int64
	Comment         string
	// ReceiptRelays go into the zap request's relays tag; the recipient's
	// wallet publishes the receipt there.
	ReceiptRelays []string
	// ReadRelays are used to fetch the recipient's profile metadata.
	ReadRelays []string
	// ZapEvent marks a zap of a specific piece of content rather than a
	// profile; it adds a random correlation reference to the request.
	ZapEvent bool
	Signer   signer.Signer
}

// Settlement is the outcome of a successful invoice request, carrying
// everything needed to await the matching receipt.
type Settlement struct {
	Invoice        string           `json:"invoice"`
	ZapRequest     types.Event      `json:"zapRequest"`
	CorrelationRef string           `json:"correlationRef,omitempty"`
	Descriptor     lnurl.Descriptor `json:"-"`
	RequestedAt    int64            `json:"requestedAt"`
	AmountMsat     int64            `json:"amountMsat"`
}

// Pipeline drives zap settlement. One pipeline serves many concurrent
// zaps; each call owns its own subscription and correlation state.
type Pipeline struct {
	relay Relay
	lnurl EndpointResolver
}

func NewPipeline(relay Relay, lnurlResolver EndpointResolver) *Pipeline {
	return &Pipeline{relay: relay, lnurl: lnurlResolver}
}

// Settle runs the flow up to and including the invoice request. Recoverable
// conditions (no payment address, amount out of range) come back as left
// values; signing and invoice failures are hard errors.
func (p *Pipeline) Settle(ctx context.Context, params Params) (either.E[Settlement], error) {
	if params.Signer == nil {
		return either.E[Settlement]{}, errors.New("no signer configured")
	}
	if len(params.RecipientPubkey) != 64 {
		return either.E[Settlement]{}, fmt.Errorf("invalid recipient pubkey %q", params.RecipientPubkey)
	}

	metadata, err := p.relay.FetchOne(ctx, params.ReadRelays, types.Filter{
		Authors: []string{params.RecipientPubkey},
		Kinds:   []int{types.KindProfile},
		Limit:   1,
	})
	if metadata == nil {
		if err != nil {
			return either.Err[Settlement](fmt.Errorf("fetching recipient profile: %v", err)), nil
		}
		return either.Err[Settlement](errors.New("no profile metadata found for recipient")), nil
	}

	endpoint := p.lnurl.ResolveEndpoint(ctx, metadata)
	if endpoint.IsLeft() {
		return either.Err[Settlement](endpoint.Left()), nil
	}
	desc := endpoint.Right()

	msat := params.AmountSats * 1000
	if msat <= desc.MinSendable || msat >= desc.MaxSendable {
		return either.Err[Settlement](fmt.Errorf(
			"amount %d msat outside the open range (%d, %d)",
			msat, desc.MinSendable, desc.MaxSendable)), nil
	}

	var correlationRef string
	if params.ZapEvent {
		correlationRef = NewCorrelationRef()
	}

	tmpl := buildZapRequest(params, msat, correlationRef)
	signed, err := params.Signer.Sign(ctx, tmpl)
	if err != nil {
		return either.E[Settlement]{}, fmt.Errorf("signing zap request: %w", err)
	}

	signedJSON, err := json.Marshal(signed)
	if err != nil {
		return either.E[Settlement]{}, fmt.Errorf("encoding zap request: %w", err)
	}

	invoice, err := p.lnurl.RequestInvoice(ctx, desc, msat, string(signedJSON), params.Comment)
	if err != nil {
		return either.E[Settlement]{}, fmt.Errorf("requesting invoice: %w", err)
	}

	slog.Info("zap: invoice issued",
		"recipient", types.ShortID(params.RecipientPubkey),
		"msat", msat,
		"correlated", correlationRef != "")

	return either.Ok(Settlement{
		Invoice:        invoice,
		ZapRequest:     signed,
		CorrelationRef: correlationRef,
		Descriptor:     desc,
		RequestedAt:    time.Now().Unix(),
		AmountMsat:     msat,
	}), nil
}

// buildZapRequest assembles the unsigned kind-9734 template.
func buildZapRequest(params Params, msat int64, correlationRef string) *types.EventTemplate {
	relaysTag := append([]string{"relays"}, params.ReceiptRelays...)
	tags := [][]string{
		relaysTag,
		{"amount", strconv.FormatInt(msat, 10)},
		{"p", params.RecipientPubkey},
	}
	if correlationRef != "" {
		tags = append(tags, []string{"e", correlationRef})
	}
	return &types.EventTemplate{
		Kind:    types.KindZapRequest,
		Content: params.Comment,
		Tags:    tags,
	}
}

// AwaitReceipt blocks until a kind-9735 receipt matching the settlement
// arrives or ctx expires. A receipt matches on the correlation reference
// when one was issued, otherwise on an exact bolt11 tag match against the
// invoice. The subscription is closed exactly once on every return path.
// No internal timeout exists; the caller's ctx is the wall clock.
func (p *Pipeline) AwaitReceipt(ctx context.Context, s Settlement, relays []string) (*types.Event, error) {
	since := s.RequestedAt - int64(receiptTolerance.Seconds())
	filter := types.Filter{
		Authors: []string{s.Descriptor.NostrPubkey},
		Kinds:   []int{types.KindZapReceipt},
		PTags:   []string{s.ZapRequest.TagValue("p")},
		Since:   &since,
		Limit:   1,
	}
	if s.CorrelationRef != "" {
		filter.ETags = []string{s.CorrelationRef}
	}

	events, closeSub, err := p.relay.Subscribe(ctx, relays, filter)
	if err != nil {
		return nil, fmt.Errorf("subscribing for receipt: %w", err)
	}
	defer closeSub()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil, errors.New("receipt subscription closed")
			}
			if s.matchesReceipt(&evt) {
				slog.Info("zap: receipt confirmed", "event", types.ShortID(evt.ID))
				return &evt, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// matchesReceipt applies the correlation discipline from the zap request.
func (s Settlement) matchesReceipt(evt *types.Event) bool {
	if s.CorrelationRef != "" {
		return evt.TagValue("e") == s.CorrelationRef
	}
	return evt.TagValue("bolt11") == s.Invoice
}

// NewCorrelationRef returns a fresh 64-hex-character reference used to
// correlate a receipt with its request. Must be cryptographically random
// so concurrent zaps cannot collide.
func NewCorrelationRef() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
