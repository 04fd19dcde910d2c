// Package oracle enriches wallets with on-chain history from the
// Polygonscan API: first-seen time, transaction count, and whether the
// wallet was funded from a privacy mixer.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

const (
	requestTimeout = 10 * time.Second

	// Cache settings
	cacheTTL     = 5 * time.Minute
	maxCacheSize = 10000

	// txLookback bounds the history fetched per wallet. Anything at or
	// above this count is "not fresh" for every threshold we use.
	txLookback = 50
)

// Privacy mixer and bridge routers on Polygon. A wallet whose first
// funding transaction originates here scores the privacy_funding signal.
var defaultMixers = map[string]bool{
	"0x722122df12d4e14e13ac3b6895a86e84145b6967": true, // Tornado Cash router
	"0xd90e2f925da726b50c4ed8d0fb90ad053324f31b": true, // Tornado Cash router
	"0x94a1b5cdb22c43faab4abeb5c74999895464ddaf": true, // Tornado Cash proxy
}

// WalletInfo is the oracle's view of a wallet. Known is false when the
// lookup failed or the oracle is not configured; consumers treat that
// as "unknown age", never as fresh.
type WalletInfo struct {
	Known         bool
	FirstSeen     time.Time
	TxCount       int
	PrivacyFunded bool
}

// Client queries Polygonscan under a fixed per-second rate budget.
// Callers exceeding the budget block until a slot frees up.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter ratelimit.Limiter
	mixers  map[string]bool

	mu    sync.Mutex
	cache map[string]cachedInfo
}

type cachedInfo struct {
	info      WalletInfo
	expiresAt time.Time
}

// NewClient creates an oracle client. An empty apiKey disables lookups:
// every Lookup returns an unknown WalletInfo without touching the
// network.
func NewClient(baseURL, apiKey string, requestsPerSecond int) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
		limiter: ratelimit.New(requestsPerSecond),
		mixers:  defaultMixers,
		cache:   make(map[string]cachedInfo),
	}
}

// Configured reports whether the oracle has an API key.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// txListResponse is the Polygonscan account txlist envelope.
type txListResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  []struct {
		TimeStamp string `json:"timeStamp"`
		From      string `json:"from"`
		To        string `json:"to"`
		Hash      string `json:"hash"`
	} `json:"result"`
}

// Lookup returns the wallet's first-seen time, tx count, and funding
// classification. Failures degrade to Known=false rather than error;
// the scoring path must never stall on the oracle.
func (c *Client) Lookup(ctx context.Context, address string) WalletInfo {
	if !c.Configured() || address == "" {
		return WalletInfo{}
	}

	address = strings.ToLower(address)
	if info, ok := c.fromCache(address); ok {
		return info
	}

	info, err := c.fetch(ctx, address)
	if err != nil {
		// Transient upstream failure: unknown, not fatal.
		return WalletInfo{}
	}

	c.addToCache(address, info)
	return info
}

func (c *Client) fetch(ctx context.Context, address string) (WalletInfo, error) {
	c.limiter.Take()

	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("sort", "asc")
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(txLookback))
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return WalletInfo{}, fmt.Errorf("create request failed: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return WalletInfo{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return WalletInfo{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var payload txListResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return WalletInfo{}, fmt.Errorf("decode failed: %w", err)
	}

	// "No transactions found" comes back with status 0; the wallet is
	// genuinely brand new, which is known information.
	if len(payload.Result) == 0 {
		return WalletInfo{Known: true}, nil
	}

	first := payload.Result[0]
	ts, err := strconv.ParseInt(first.TimeStamp, 10, 64)
	if err != nil {
		return WalletInfo{}, fmt.Errorf("bad timestamp %q", first.TimeStamp)
	}

	return WalletInfo{
		Known:         true,
		FirstSeen:     time.Unix(ts, 0).UTC(),
		TxCount:       len(payload.Result),
		PrivacyFunded: c.mixers[strings.ToLower(first.From)],
	}, nil
}

func (c *Client) fromCache(address string) (WalletInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[address]
	if !ok || time.Now().After(entry.expiresAt) {
		return WalletInfo{}, false
	}
	return entry.info, true
}

func (c *Client) addToCache(address string, info WalletInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Crude bound: reset rather than evict when full.
	if len(c.cache) >= maxCacheSize {
		c.cache = make(map[string]cachedInfo)
	}
	c.cache[address] = cachedInfo{info: info, expiresAt: time.Now().Add(cacheTTL)}
}
