// Package lnurl resolves a recipient's Lightning payment endpoint from
// profile metadata and requests BOLT11 invoices from it (LNURL-pay with
// NIP-57 zap support).
package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zap-gateway/internal/either"
	"zap-gateway/internal/nips"
	"zap-gateway/internal/types"
)

const httpTimeout = 10 * time.Second

// Descriptor is the validated LNURL-pay endpoint for a zap recipient.
type Descriptor struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"` // millisats, exclusive bound for zaps
	MaxSendable    int64  `json:"maxSendable"` // millisats, exclusive bound for zaps
	Metadata       string `json:"metadata"`
	Tag            string `json:"tag"`
	AllowsNostr    bool   `json:"allowsNostr"`
	NostrPubkey    string `json:"nostrPubkey"`
	CommentAllowed int    `json:"commentAllowed"`
}

type payResponse struct {
	PR     string `json:"pr"`
	Routes []any  `json:"routes"`
}

type lnurlError struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Resolver resolves payment endpoints. A nil client gets a default with a
// timeout.
type Resolver struct {
	client   *http.Client
	validate func(string) error
}

func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &Resolver{client: client, validate: validateExternalURL}
}

// ResolveEndpoint extracts the Lightning address from a kind-0 metadata
// event and resolves it to a validated descriptor. Every failure, from a
// missing address through a rejecting endpoint, is a left value. Many
// identities simply have no payment address; that is not a crash condition.
func (r *Resolver) ResolveEndpoint(ctx context.Context, metadata *types.Event) either.E[Descriptor] {
	if metadata == nil {
		return either.Err[Descriptor](errors.New("no profile metadata available"))
	}

	var profile struct {
		Lud16 string `json:"lud16"`
		Lud06 string `json:"lud06"`
	}
	if err := json.Unmarshal([]byte(metadata.Content), &profile); err != nil {
		return either.Err[Descriptor](fmt.Errorf("parsing profile metadata: %v", err))
	}

	var endpoint string
	switch {
	case profile.Lud16 != "":
		url, err := lud16URL(profile.Lud16)
		if err != nil {
			return either.Err[Descriptor](err)
		}
		endpoint = url
	case profile.Lud06 != "":
		url, err := lud06URL(profile.Lud06)
		if err != nil {
			return either.Err[Descriptor](err)
		}
		endpoint = url
	default:
		return either.Err[Descriptor](errors.New("profile has no lud16 or lud06 payment address"))
	}

	desc, err := r.fetchDescriptor(ctx, endpoint)
	if err != nil {
		return either.Err[Descriptor](err)
	}

	if !desc.AllowsNostr {
		return either.Err[Descriptor](errors.New("endpoint does not allow nostr zaps"))
	}
	if desc.NostrPubkey == "" {
		return either.Err[Descriptor](errors.New("endpoint missing nostr notification pubkey"))
	}

	return either.Ok(*desc)
}

// lud16URL turns user@domain into the well-known lnurlp URL.
func lud16URL(lud16 string) (string, error) {
	parts := strings.SplitN(lud16, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid lud16 %q: expected user@domain", lud16)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], strings.ToLower(parts[0])), nil
}

// lud06URL decodes a bech32 lnurl string into its target URL.
func lud06URL(lud06 string) (string, error) {
	lower := strings.ToLower(lud06)
	if !strings.HasPrefix(lower, "lnurl1") {
		return "", errors.New("invalid lud06: must start with lnurl1")
	}
	hrp, data, err := nips.Bech32Decode(lower)
	if err != nil {
		return "", fmt.Errorf("decoding lnurl: %v", err)
	}
	if hrp != "lnurl" {
		return "", errors.New("invalid lnurl prefix")
	}
	urlBytes, err := nips.Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("converting lnurl bits: %v", err)
	}
	return string(urlBytes), nil
}

func (r *Resolver) fetchDescriptor(ctx context.Context, endpoint string) (*Descriptor, error) {
	if err := r.validate(endpoint); err != nil {
		return nil, fmt.Errorf("invalid lnurl endpoint: %v", err)
	}

	body, err := r.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var desc Descriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("parsing lnurl response: %v", err)
	}
	if desc.Tag != "payRequest" {
		return nil, fmt.Errorf("unexpected lnurl tag %q (expected payRequest)", desc.Tag)
	}
	if desc.Callback == "" {
		return nil, errors.New("lnurl missing callback")
	}
	if desc.MinSendable <= 0 || desc.MaxSendable <= 0 {
		return nil, errors.New("lnurl missing amount limits")
	}
	return &desc, nil
}

// RequestInvoice fetches a BOLT11 invoice from the descriptor's callback.
// zapRequestJSON is the signed kind-9734 event serialized as JSON. Failures
// here are hard errors surfaced to the caller with no automatic retry.
func (r *Resolver) RequestInvoice(ctx context.Context, desc Descriptor, amountMsat int64, zapRequestJSON, comment string) (string, error) {
	if err := r.validate(desc.Callback); err != nil {
		return "", fmt.Errorf("invalid callback URL: %v", err)
	}

	callbackURL, err := url.Parse(desc.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %v", err)
	}

	query := callbackURL.Query()
	query.Set("amount", fmt.Sprintf("%d", amountMsat))
	if zapRequestJSON != "" {
		query.Set("nostr", zapRequestJSON)
	}
	if comment != "" {
		query.Set("comment", comment)
	}
	callbackURL.RawQuery = query.Encode()

	body, err := r.getJSON(ctx, callbackURL.String())
	if err != nil {
		return "", err
	}

	var resp payResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing callback response: %v", err)
	}
	if resp.PR == "" {
		return "", errors.New("callback returned empty invoice")
	}
	return resp.PR, nil
}

func (r *Resolver) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %v", err)
	}

	var lnErr lnurlError
	if err := json.Unmarshal(body, &lnErr); err == nil && lnErr.Status == "ERROR" {
		return nil, fmt.Errorf("endpoint error: %s", lnErr.Reason)
	}

	return body, nil
}

// validateExternalURL blocks obviously unsafe fetch destinations.
func validateExternalURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "0.0.0.0" ||
		strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return errors.New("internal hosts not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return errors.New("private addresses not allowed")
		}
	}
	return nil
}
