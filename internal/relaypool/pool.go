// Package relaypool manages websocket connections to Nostr relays and
// exposes the three disciplines the zap pipeline needs: publish-to-many with
// per-relay settlement accounting, subscribe across many relays with
// event-id deduplication, and newest-single-event fetch.
package relaypool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zap-gateway/internal/nostr"
	"zap-gateway/internal/types"
)

// Receipt records the outcome of publishing one event to one relay.
type Receipt struct {
	Relay  string
	OK     bool
	Reason string
}

// PublishResult aggregates per-relay receipts. Success means at least one
// fulfilled receipt; individual relay failures never error the publish.
type PublishResult struct {
	Fulfilled []Receipt
	Rejected  []Receipt
}

// Success reports whether at least one relay accepted the event.
func (r PublishResult) Success() bool { return len(r.Fulfilled) > 0 }

// Pool manages connections to multiple relays.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn
	closed      bool
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a connection pool and starts its idle-connection sweeper.
func New() *Pool {
	p := &Pool{
		connections: make(map[string]*relayConn),
		stopCh:      make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Close tears down all connections. Idempotent.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for url, rc := range p.connections {
		rc.markClosed()
		delete(p.connections, url)
	}
}

// relayConn manages a single websocket connection with multiple
// subscriptions and pending publish acknowledgements multiplexed over it.
type relayConn struct {
	conn         *websocket.Conn
	relayURL     string
	mu           sync.Mutex
	writeMu      sync.Mutex
	subs         map[string]*connSub
	okWaiters    map[string]chan okResult // event id -> waiter
	closed       bool
	lastActivity time.Time
}

type connSub struct {
	id      string
	events  chan types.Event
	eose    chan struct{}
	eoseOne sync.Once
	done    chan struct{}
}

type okResult struct {
	accepted bool
	reason   string
}

func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	// Allow loopback for development and tests.
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return !strings.HasSuffix(host, ".local") && !strings.HasSuffix(host, ".internal")
	}
	for _, ip := range ips {
		if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return false
		}
	}
	return true
}

func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return nil, errors.New("pool is closed")
	}
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rc = p.connections[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	slog.Debug("pool: connecting", "relay", relayURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc = &relayConn{
		conn:         conn,
		relayURL:     relayURL,
		subs:         make(map[string]*connSub),
		okWaiters:    make(map[string]chan okResult),
		lastActivity: time.Now(),
	}
	p.connections[relayURL] = rc
	go rc.readLoop()

	return rc, nil
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []interface{}
		if err := rc.conn.ReadJSON(&msg); err != nil {
			rc.mu.Lock()
			closed := rc.closed
			rc.mu.Unlock()
			if !closed {
				slog.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}

			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.events <- evt:
				case <-sub.done:
				default:
					// Channel full, drop event.
				}
			}

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()
			if sub != nil {
				sub.eoseOne.Do(func() { close(sub.eose) })
			}

		case "OK":
			// ["OK", event_id, accepted, message]
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			reason := ""
			if len(msg) >= 4 {
				reason, _ = msg[3].(string)
			}
			rc.mu.Lock()
			waiter := rc.okWaiters[eventID]
			delete(rc.okWaiters, eventID)
			rc.mu.Unlock()
			if waiter != nil {
				waiter <- okResult{accepted: accepted, reason: reason}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			rc.mu.Lock()
			sub := rc.subs[subID]
			delete(rc.subs, subID)
			rc.mu.Unlock()
			if sub != nil {
				close(sub.done)
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			slog.Debug("pool: notice", "relay", rc.relayURL, "notice", notice)
		}
	}
}

func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()

	for _, sub := range rc.subs {
		close(sub.done)
	}
	rc.subs = make(map[string]*connSub)

	for _, waiter := range rc.okWaiters {
		waiter <- okResult{accepted: false, reason: "connection closed"}
	}
	rc.okWaiters = make(map[string]chan okResult)
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for url, rc := range p.connections {
		rc.mu.Lock()
		idle := len(rc.subs) == 0 && len(rc.okWaiters) == 0 && now.Sub(rc.lastActivity) > 2*time.Minute
		closed := rc.closed
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				slog.Debug("pool: closing idle connection", "relay", url)
				rc.markClosed()
			}
			delete(p.connections, url)
		}
	}
}

// Publish fans the event out to all relays and accounts for each outcome.
// A relay fulfills when it acknowledges the event id with OK=true before ctx
// expires; everything else is a rejection. The aggregate never errors on a
// single relay failure.
func (p *Pool) Publish(ctx context.Context, relays []string, evt types.Event) PublishResult {
	var result PublishResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, relayURL := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			receipt := p.publishOne(ctx, relayURL, evt)
			mu.Lock()
			if receipt.OK {
				result.Fulfilled = append(result.Fulfilled, receipt)
			} else {
				result.Rejected = append(result.Rejected, receipt)
			}
			mu.Unlock()
		}(relayURL)
	}
	wg.Wait()

	return result
}

func (p *Pool) publishOne(ctx context.Context, relayURL string, evt types.Event) Receipt {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return Receipt{Relay: relayURL, Reason: err.Error()}
	}

	waiter := make(chan okResult, 1)
	rc.mu.Lock()
	rc.okWaiters[evt.ID] = waiter
	rc.mu.Unlock()

	if err := rc.writeJSON([]interface{}{"EVENT", evt}); err != nil {
		rc.mu.Lock()
		delete(rc.okWaiters, evt.ID)
		rc.mu.Unlock()
		return Receipt{Relay: relayURL, Reason: err.Error()}
	}

	select {
	case ok := <-waiter:
		return Receipt{Relay: relayURL, OK: ok.accepted, Reason: ok.reason}
	case <-ctx.Done():
		rc.mu.Lock()
		delete(rc.okWaiters, evt.ID)
		rc.mu.Unlock()
		return Receipt{Relay: relayURL, Reason: ctx.Err().Error()}
	}
}

// Subscription is an open-ended handle over one filter across many relays.
// Events arrive on Events, already deduplicated by event id. Close is
// idempotent and safe to call from any goroutine at any time.
type Subscription struct {
	Events chan types.Event

	pool      *Pool
	relaySubs []struct {
		rc  *relayConn
		sub *connSub
	}
	seen      map[string]bool
	seenMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// alreadyHaveEvent records the id and reports whether it was seen before.
func (s *Subscription) alreadyHaveEvent(id string) bool {
	if id == "" {
		return false
	}
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seen[id] {
		return true
	}
	s.seen[id] = true
	return false
}

// Close terminates the subscription on every relay exactly once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, rs := range s.relaySubs {
			rs.rc.mu.Lock()
			_, exists := rs.rc.subs[rs.sub.id]
			shouldSendClose := !rs.rc.closed && exists
			delete(rs.rc.subs, rs.sub.id)
			rs.rc.mu.Unlock()

			if shouldSendClose {
				rs.rc.writeJSON([]interface{}{"CLOSE", rs.sub.id})
			}
		}
	})
}

// Done is closed when the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe opens the filter on every relay and merges the streams into one
// deduplicated channel. The subscription stays open until Close; relays that
// fail to connect are skipped with a log line.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filter types.Filter) (*Subscription, error) {
	sub := &Subscription{
		Events: make(chan types.Event, 100),
		pool:   p,
		seen:   make(map[string]bool),
		done:   make(chan struct{}),
	}

	wire := filter.ToWire()
	for _, relayURL := range relays {
		rc, err := p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			slog.Debug("pool: subscribe skipping relay", "relay", relayURL, "error", err)
			continue
		}

		cs := &connSub{
			id:     "sub-" + randomID(8),
			events: make(chan types.Event, 100),
			eose:   make(chan struct{}),
			done:   make(chan struct{}),
		}

		rc.mu.Lock()
		rc.subs[cs.id] = cs
		rc.mu.Unlock()

		if err := rc.writeJSON([]interface{}{"REQ", cs.id, wire}); err != nil {
			rc.mu.Lock()
			delete(rc.subs, cs.id)
			rc.mu.Unlock()
			slog.Debug("pool: REQ failed", "relay", relayURL, "error", err)
			continue
		}

		sub.relaySubs = append(sub.relaySubs, struct {
			rc  *relayConn
			sub *connSub
		}{rc, cs})

		go func(cs *connSub) {
			for {
				select {
				case evt := <-cs.events:
					if sub.alreadyHaveEvent(evt.ID) {
						continue
					}
					select {
					case sub.Events <- evt:
					case <-sub.done:
						return
					}
				case <-cs.done:
					return
				case <-sub.done:
					return
				}
			}
		}(cs)
	}

	if len(sub.relaySubs) == 0 {
		return nil, errors.New("no relays reachable")
	}

	return sub, nil
}

// SubscribeOne blocks until the first event satisfying match arrives, then
// closes the subscription and returns the event. A nil match accepts any
// event. Returns ctx.Err() if the context expires first; the subscription is
// closed on every path.
func (p *Pool) SubscribeOne(ctx context.Context, relays []string, filter types.Filter, match func(types.Event) bool) (*types.Event, error) {
	sub, err := p.Subscribe(ctx, relays, filter)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	for {
		select {
		case evt := <-sub.Events:
			if match == nil || match(evt) {
				return &evt, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// FetchOne returns the newest event matching the filter across the relays,
// or nil if none arrived before every relay signalled EOSE or ctx expired.
func (p *Pool) FetchOne(ctx context.Context, relays []string, filter types.Filter) (*types.Event, error) {
	if filter.Limit == 0 {
		filter.Limit = 1
	}

	sub, err := p.Subscribe(ctx, relays, filter)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	eoseAll := make(chan struct{})
	go func() {
		for _, rs := range sub.relaySubs {
			select {
			case <-rs.sub.eose:
			case <-ctx.Done():
				return
			}
		}
		close(eoseAll)
	}()

	var newest *types.Event

	// Small grace period after EOSE to drain events already in flight.
	for {
		select {
		case evt := <-sub.Events:
			if newest == nil || evt.CreatedAt > newest.CreatedAt {
				e := evt
				newest = &e
			}
		case <-eoseAll:
			grace := time.NewTimer(100 * time.Millisecond)
			defer grace.Stop()
			for {
				select {
				case evt := <-sub.Events:
					if newest == nil || evt.CreatedAt > newest.CreatedAt {
						e := evt
						newest = &e
					}
				case <-grace.C:
					return newest, nil
				case <-ctx.Done():
					return newest, ctx.Err()
				}
			}
		case <-ctx.Done():
			return newest, ctx.Err()
		}
	}
}

func randomID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(b)
}
