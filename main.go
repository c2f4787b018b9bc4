package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"zap-gateway/internal/cache"
	"zap-gateway/internal/identity"
	"zap-gateway/internal/lnurl"
	"zap-gateway/internal/relaypool"
	"zap-gateway/internal/relayset"
	"zap-gateway/internal/signer"
	"zap-gateway/internal/types"
	"zap-gateway/internal/zap"
)

const maxBodySize = 32 * 1024

// appConfig is the env-derived gateway configuration.
type appConfig struct {
	Port               string
	RedisURL           string
	LocalRelays        []types.LocalRelay
	SourceFlags        relayset.SourceFlags
	SigningMode        signer.Mode
	RemoteSignerRelay  string
	RemoteUserPubkey   string
	ExtensionSignerURL string
}

// Shared resources, wired once at startup.
var (
	cfg              appConfig
	cacheBackendType string
	relayPool        *relaypool.Pool
	bridge           poolBridge
	identityResolver *identity.Resolver
	identityCache    *cache.Store[identity.Identity]
	relaySetResolver *relayset.Resolver
	lnurlResolver    *lnurl.Resolver
	pipeline         *zap.Pipeline
)

func loadConfig() appConfig {
	c := appConfig{
		Port:               envOr("PORT", "8080"),
		RedisURL:           os.Getenv("REDIS_URL"),
		SigningMode:        signer.Mode(envOr("SIGNING_MODE", "anon")),
		RemoteSignerRelay:  os.Getenv("NIP46_RELAY"),
		RemoteUserPubkey:   os.Getenv("NIP46_USER_PUBKEY"),
		ExtensionSignerURL: os.Getenv("EXTENSION_SIGNER_URL"),
		SourceFlags:        relayset.SourceFlags{Local: true, RelayList: true},
	}

	relays := envOr("RELAYS", "wss://relay.damus.io,wss://nos.lol,wss://relay.nostr.band")
	for _, url := range strings.Split(relays, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		c.LocalRelays = append(c.LocalRelays, types.LocalRelay{
			URL: url, Enabled: true, Read: true, Write: true,
		})
	}

	if os.Getenv("DISABLE_RELAY_DISCOVERY") == "1" {
		c.SourceFlags.RelayList = false
	}

	return c
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// initCache picks redis when REDIS_URL is set, falling back to the
// in-process memory backend.
func initCache() cache.Backend {
	if cfg.RedisURL != "" {
		backend, err := cache.NewRedisCache(cfg.RedisURL, "zapgw")
		if err == nil {
			cacheBackendType = "redis"
			return backend
		}
		log.Printf("redis unavailable, using memory cache: %v", err)
	}
	cacheBackendType = "memory"
	return cache.NewMemoryCache(10000, time.Minute)
}

func main() {
	initLogger()
	cfg = loadConfig()

	backend := initCache()
	defer backend.Close()

	relayPool = relaypool.New()
	defer relayPool.Close()
	bridge = poolBridge{pool: relayPool}

	identityResolver = identity.NewResolver(nil)
	identityCache = cache.NewStore[identity.Identity](backend, "id5", 24*time.Hour, 10*time.Minute)
	relaySetResolver = relayset.NewResolver(bridge, 5*time.Second)
	lnurlResolver = lnurl.NewResolver(nil)
	pipeline = zap.NewPipeline(bridge, lnurlResolver)

	stop := make(chan struct{})
	defer close(stop)
	go sweepPending(stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/resolve", resolveHandler)
	mux.HandleFunc("/zap", limitBody(zapHandler, maxBodySize))
	mux.HandleFunc("/zap/receipt", zapReceiptHandler)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/metrics", metricsHandler)

	handler := withRequestLogging(securityHeaders(mux))

	log.Printf("zap gateway listening on :%s (cache=%s, mode=%s)",
		cfg.Port, cacheBackendType, cfg.SigningMode)
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatal(err)
	}
}

// limitBody caps request body size on mutating endpoints.
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// securityHeaders sets standard response headers on every route.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
