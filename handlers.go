package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"zap-gateway/internal/cache"
	"zap-gateway/internal/identity"
	"zap-gateway/internal/nips"
	"zap-gateway/internal/signer"
	"zap-gateway/internal/types"
	"zap-gateway/internal/zap"
)

// pendingTTL bounds how long an unconfirmed settlement stays claimable
// through the receipt endpoint.
const pendingTTL = 15 * time.Minute

// pendingZap holds an issued settlement awaiting its receipt.
type pendingZap struct {
	settlement zap.Settlement
	relays     []string
	expiresAt  time.Time
}

var (
	pendingMu   sync.Mutex
	pendingZaps = map[string]pendingZap{}
)

func rememberPending(key string, p pendingZap) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	pendingZaps[key] = p
}

func lookupPending(key string) (pendingZap, bool) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	p, ok := pendingZaps[key]
	if ok && time.Now().After(p.expiresAt) {
		delete(pendingZaps, key)
		return pendingZap{}, false
	}
	return p, ok
}

func sweepPending(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			pendingMu.Lock()
			for key, p := range pendingZaps {
				if now.After(p.expiresAt) {
					delete(pendingZaps, key)
				}
			}
			pendingMu.Unlock()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// resolveHandler resolves an alias (?npub= or ?nip05=) to an identity.
// Results are cached; negative results (unknown name) are tombstoned so
// repeated lookups do not hammer the upstream domain.
func resolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	alias := identity.Alias{
		Npub:  r.URL.Query().Get("npub"),
		NIP05: r.URL.Query().Get("nip05"),
	}
	if alias.Npub == "" && alias.NIP05 == "" {
		writeError(w, http.StatusBadRequest, "npub or nip05 query parameter required")
		return
	}

	// Npub decoding is local and cheap; only NIP-05 lookups hit the cache.
	if alias.Npub != "" {
		result, err := identityResolver.Resolve(r.Context(), alias)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result.Right())
		return
	}

	key := strings.ToLower(alias.NIP05)
	var leftReason error
	filled := false
	ident, err := identityCache.GetOrInsert(r.Context(), key, func(ctx context.Context) (identity.Identity, error) {
		filled = true
		cacheMissesTotal.Add(1)
		result, err := identityResolver.Resolve(ctx, alias)
		if err != nil {
			return identity.Identity{}, err
		}
		if result.IsLeft() {
			slog.Debug("resolve: lookup failed", "alias", key, "error", result.Left())
			leftReason = result.Left()
			return identity.Identity{}, cache.ErrNotFound
		}
		return result.Right(), nil
	})
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			msg := "alias not resolvable"
			if leftReason != nil {
				msg = leftReason.Error()
			}
			writeError(w, http.StatusNotFound, msg)
		} else {
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	if !filled {
		cacheHitsTotal.Add(1)
	}
	writeJSON(w, http.StatusOK, ident)
}

// zapRequestBody is the POST /zap payload.
type zapRequestBody struct {
	Recipient  string `json:"recipient"`
	AmountSats int64  `json:"amountSats"`
	Comment    string `json:"comment"`
	ZapEvent   bool   `json:"zapEvent"`
	Mode       string `json:"mode"`
}

type zapResponse struct {
	Invoice        string `json:"invoice"`
	CorrelationRef string `json:"correlationRef,omitempty"`
	RequestedAt    int64  `json:"requestedAt"`
	AmountMsat     int64  `json:"amountMsat"`
}

// zapHandler drives a settlement up to the issued invoice. With ?qr=1 the
// response is a QR PNG of the invoice instead of JSON.
func zapHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var body zapRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.AmountSats <= 0 {
		writeError(w, http.StatusBadRequest, "amountSats must be positive")
		return
	}

	recipient, err := resolveRecipient(r.Context(), body.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := signer.Mode(body.Mode)
	if body.Mode == "" {
		mode = cfg.SigningMode
	}
	sgn, err := buildSigner(mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	zapAttemptsTotal.Add(1)

	// The extension signer learns its pubkey from the provider; fetch it up
	// front so relay discovery can run against the user's relay list.
	if fetcher, ok := sgn.(signer.PubkeyFetcher); ok && sgn.Pubkey() == "" {
		if _, err := fetcher.FetchPubkey(r.Context()); err != nil {
			slog.Warn("extension pubkey lookup failed", "request_id", requestIDFrom(r.Context()), "error", err)
		}
	}

	relaySet := relaySetResolver.Resolve(r.Context(), sgn.Pubkey(), cfg.LocalRelays,
		cfg.SourceFlags, mode == signer.ModeAnon)
	readRelays := relaySet.Read
	if len(readRelays) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no read relays configured")
		return
	}

	result, err := pipeline.Settle(r.Context(), zap.Params{
		RecipientPubkey: recipient,
		AmountSats:      body.AmountSats,
		Comment:         body.Comment,
		ReceiptRelays:   readRelays,
		ReadRelays:      readRelays,
		ZapEvent:        body.ZapEvent,
		Signer:          sgn,
	})
	if err != nil {
		slog.Error("zap failed", "request_id", requestIDFrom(r.Context()),
			"recipient", types.ShortID(recipient), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result.IsLeft() {
		writeError(w, http.StatusUnprocessableEntity, result.Left().Error())
		return
	}

	settlement := result.Right()
	zapSettledTotal.Add(1)

	key := settlement.CorrelationRef
	if key == "" {
		key = settlement.Invoice
	}
	rememberPending(key, pendingZap{
		settlement: settlement,
		relays:     readRelays,
		expiresAt:  time.Now().Add(pendingTTL),
	})

	if r.URL.Query().Get("qr") == "1" {
		png, err := qrcode.Encode(strings.ToUpper("lightning:"+settlement.Invoice), qrcode.Medium, 256)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "QR encoding failed")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Correlation-Ref", settlement.CorrelationRef)
		w.Write(png)
		return
	}

	writeJSON(w, http.StatusOK, zapResponse{
		Invoice:        settlement.Invoice,
		CorrelationRef: settlement.CorrelationRef,
		RequestedAt:    settlement.RequestedAt,
		AmountMsat:     settlement.AmountMsat,
	})
}

// zapReceiptHandler long-polls for the receipt of a previously issued
// settlement, identified by ?correlation= or ?invoice=. The request context
// is the timeout: clients set their own deadline and get 504 on expiry.
func zapReceiptHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	key := r.URL.Query().Get("correlation")
	if key == "" {
		key = r.URL.Query().Get("invoice")
	}
	if key == "" {
		writeError(w, http.StatusBadRequest, "correlation or invoice query parameter required")
		return
	}

	pending, ok := lookupPending(key)
	if !ok {
		writeError(w, http.StatusNotFound, "no pending zap for that reference")
		return
	}

	receipt, err := pipeline.AwaitReceipt(r.Context(), pending.settlement, pending.relays)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "no receipt observed before timeout")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	zapReceiptsTotal.Add(1)
	writeJSON(w, http.StatusOK, receipt)
}

// resolveRecipient accepts an npub, a NIP-05 identifier, or a bare hex
// pubkey and returns the canonical hex pubkey.
func resolveRecipient(ctx context.Context, recipient string) (string, error) {
	switch {
	case recipient == "":
		return "", errors.New("recipient required")
	case strings.HasPrefix(recipient, "npub1"):
		return nips.DecodePubkey(recipient)
	case strings.Contains(recipient, "@"):
		result, err := identityResolver.Resolve(ctx, identity.Alias{NIP05: recipient})
		if err != nil {
			return "", err
		}
		if result.IsLeft() {
			return "", fmt.Errorf("resolving %q: %v", recipient, result.Left())
		}
		return result.Right().Pubkey, nil
	case len(recipient) == 64:
		return strings.ToLower(recipient), nil
	default:
		return "", fmt.Errorf("unrecognized recipient format %q", recipient)
	}
}

// buildSigner materializes the signer for the requested mode from the
// gateway configuration.
func buildSigner(mode signer.Mode) (signer.Signer, error) {
	switch mode {
	case signer.ModeAnon, signer.ModeBunker:
		return signer.New(mode, signer.Config{})
	case signer.ModeExtension:
		if cfg.ExtensionSignerURL == "" {
			return nil, errors.New("extension mode requires EXTENSION_SIGNER_URL")
		}
		return signer.New(mode, signer.Config{Port: newHTTPPort(cfg.ExtensionSignerURL)})
	case signer.ModeRemote:
		return signer.New(mode, signer.Config{
			ProviderRelay: cfg.RemoteSignerRelay,
			UserPubkey:    cfg.RemoteUserPubkey,
			Relay:         bridge,
			OpenAuthURL: func(url string) {
				slog.Info("remote signer approval required", "url", url)
			},
		})
	default:
		return signer.New(mode, signer.Config{})
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// newHTTPPort builds a signer port that forwards requests to an external
// signing collaborator over HTTP. This is the server-side stand-in for the
// browser extension's message channel.
func newHTTPPort(baseURL string) signer.Port {
	return &httpPort{baseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
}

type httpPort struct {
	baseURL string
	client  *http.Client
}

func (p *httpPort) Request(ctx context.Context, typ string, payload json.RawMessage) (json.RawMessage, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"from":    "zap-gateway",
		"type":    typ,
		"payload": payload,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing provider returned status %d", resp.StatusCode)
	}

	var envelope struct {
		From    string          `json:"from"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	// Reject replies that are not addressed to this request type.
	if envelope.Type != "" && envelope.Type != typ {
		return nil, fmt.Errorf("provider answered %q for a %q request", envelope.Type, typ)
	}
	if envelope.Error != "" {
		return nil, errors.New(envelope.Error)
	}
	return envelope.Payload, nil
}
