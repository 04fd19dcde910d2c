// Package pipeline connects the chain listener to normalization,
// profile updates, scoring and alerting. Events for the same wallet
// are routed to the same worker, so per-wallet processing is ordered
// even though wallets are handled concurrently.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/insiderwatch/engine/internal/config"
	"github.com/insiderwatch/engine/internal/ingest"
	"github.com/insiderwatch/engine/internal/metrics"
	"github.com/insiderwatch/engine/internal/oracle"
	"github.com/insiderwatch/engine/internal/scoring"
	"github.com/insiderwatch/engine/internal/store"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetOrCreateWallet(address string) (store.Wallet, error)
	RecordTrade(address string, amountUSD float64) error
	InsertTrade(t store.Trade) (bool, error)
	WalletMarketVolume(address, marketID string) (float64, error)
	GetMarket(id string) (store.Market, error)
	SetCheckpoint(block uint64) error
}

// MarketIndex resolves markets by id and announces metadata refreshes.
type MarketIndex interface {
	ByID(id string) (store.Market, bool)
	OnRefresh(fn func())
}

// Oracle enriches wallets with funding history.
type Oracle interface {
	Configured() bool
	Lookup(ctx context.Context, address string) oracle.WalletInfo
}

// Dispatcher receives scored trades that may warrant an alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, trade store.Trade, wallet store.Wallet, market store.Market, enrich scoring.Enrichment, res scoring.Result) (bool, error)
}

type queuedEvent struct {
	ev       store.ChainEvent
	attempts int
}

// Coordinator owns the event queue, the worker pool and the block
// checkpoint. The checkpoint only advances past a block once every
// event in it and in all earlier blocks reached a terminal state, so
// a crash replays unfinished work instead of losing it.
type Coordinator struct {
	cfg        *config.Config
	store      Store
	normalizer *ingest.Normalizer
	markets    MarketIndex
	oracle     Oracle
	engine     *scoring.Engine
	dispatcher Dispatcher
	metrics    *metrics.Metrics

	events  chan store.ChainEvent
	retryCh chan queuedEvent
	workers []chan queuedEvent

	pendingMu sync.Mutex
	pending   []queuedEvent

	tracker *blockTracker

	ctx      context.Context
	routerWG sync.WaitGroup
	workerWG sync.WaitGroup
	stopOnce sync.Once
}

// New builds a coordinator. Start must be called before events are
// accepted.
func New(cfg *config.Config, st Store, norm *ingest.Normalizer, idx MarketIndex, orc Oracle, eng *scoring.Engine, disp Dispatcher, m *metrics.Metrics) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		store:      st,
		normalizer: norm,
		markets:    idx,
		oracle:     orc,
		engine:     eng,
		dispatcher: disp,
		metrics:    m,
		events:     make(chan store.ChainEvent, cfg.EventQueueSize),
		retryCh:    make(chan queuedEvent),
		workers:    make([]chan queuedEvent, cfg.WorkerCount),
		tracker:    newBlockTracker(),
	}
	for i := range c.workers {
		c.workers[i] = make(chan queuedEvent, 64)
	}
	idx.OnRefresh(c.flushPending)
	return c
}

// Events is the channel the chain listener feeds. Sends block when the
// queue is full; backpressure propagates to the websocket reader.
func (c *Coordinator) Events() chan<- store.ChainEvent {
	return c.events
}

// Start launches the router and the worker pool.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx

	for i, ch := range c.workers {
		c.workerWG.Add(1)
		go func(id int, ch <-chan queuedEvent) {
			defer c.workerWG.Done()
			for qe := range ch {
				c.process(qe)
			}
		}(i, ch)
	}

	c.routerWG.Add(1)
	go c.route(ctx)

	slog.Info("pipeline_started",
		"workers", c.cfg.WorkerCount,
		"queue_size", c.cfg.EventQueueSize,
	)
}

// Stop drains the queue and waits for in-flight work, up to the
// configured shutdown timeout. Events still waiting on market
// metadata are abandoned; the checkpoint has not advanced past them,
// so the next run replays them.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.events)
		c.routerWG.Wait()
		for _, ch := range c.workers {
			close(ch)
		}

		done := make(chan struct{})
		go func() {
			c.workerWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			slog.Info("pipeline_drained")
		case <-time.After(c.cfg.ShutdownTimeout):
			slog.Warn("pipeline_shutdown_timeout", "timeout", c.cfg.ShutdownTimeout)
		}
	})
}

// route fans events out to workers keyed by wallet address, so trades
// from one wallet never race each other.
func (c *Coordinator) route(ctx context.Context) {
	defer c.routerWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case qe := <-c.retryCh:
			c.toWorker(ctx, qe)
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.metrics.EventsReceived.Inc()
			c.metrics.MarkEvent()
			c.metrics.QueueDepth.Set(float64(len(c.events)))
			c.tracker.start(ev.BlockNumber)
			slog.Debug("event_queued", "tx", ev.TxHash, "block", ev.BlockNumber)
			c.toWorker(ctx, queuedEvent{ev: ev})
		}
	}
}

func (c *Coordinator) toWorker(ctx context.Context, qe queuedEvent) {
	idx := walletShard(qe.ev.FromAddress, len(c.workers))
	select {
	case c.workers[idx] <- qe:
	case <-ctx.Done():
	}
}

// flushPending requeues events that were waiting for a market refresh.
func (c *Coordinator) flushPending() {
	c.pendingMu.Lock()
	queued := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if len(queued) == 0 || c.ctx == nil {
		return
	}

	go func() {
		for _, qe := range queued {
			select {
			case c.retryCh <- qe:
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// process runs a single event through normalize, persist, enrich,
// score and dispatch. Persistence failures leave the block unfinished
// so the checkpoint cannot move past the lost trade.
func (c *Coordinator) process(qe queuedEvent) {
	ev := qe.ev

	trade, err := c.normalizer.Normalize(ev)
	if err != nil {
		c.handleNormalizeError(qe, err)
		return
	}
	slog.Debug("trade_normalized",
		"tx", trade.TxHash,
		"wallet", trade.WalletAddress,
		"market", trade.MarketID,
		"amount_usd", trade.AmountUSD,
	)

	market, ok := c.markets.ByID(trade.MarketID)
	if !ok {
		m, err := c.store.GetMarket(trade.MarketID)
		if err != nil {
			c.discard(ev, "market_missing")
			return
		}
		market = m
	}

	// Pre-trade snapshot: read before RecordTrade so scoring sees the
	// wallet as it was when the trade landed.
	wallet, err := c.store.GetOrCreateWallet(trade.WalletAddress)
	if err != nil {
		slog.Error("wallet_load_failed", "wallet", trade.WalletAddress, "error", err)
		return
	}

	created, err := c.store.InsertTrade(trade)
	if err != nil {
		slog.Error("trade_persist_failed", "tx", trade.TxHash, "error", err)
		return
	}

	if created {
		if err := c.store.RecordTrade(trade.WalletAddress, trade.AmountUSD); err != nil {
			slog.Error("profile_update_failed", "wallet", trade.WalletAddress, "error", err)
			return
		}
	} else {
		// Redelivery: the profile already includes this trade, so
		// rebuild the pre-trade snapshot.
		wallet.TotalTrades--
		wallet.TotalVolumeUSD -= trade.AmountUSD
		if wallet.TotalTrades < 0 {
			wallet.TotalTrades = 0
		}
		if wallet.TotalVolumeUSD < 0 {
			wallet.TotalVolumeUSD = 0
		}
	}

	enrich := c.enrich(trade, wallet)

	res := c.engine.Score(trade, wallet, market, enrich)
	slog.Debug("trade_scored",
		"tx", trade.TxHash,
		"score", res.Score,
		"flags", strings.Join(res.Flags, ","),
	)

	alerted, err := c.dispatcher.Dispatch(c.ctx, trade, wallet, market, enrich, res)
	if err != nil {
		slog.Error("alert_persist_failed", "tx", trade.TxHash, "error", err)
		return
	}
	if alerted {
		c.metrics.AlertsTotal.WithLabelValues(string(res.Confidence)).Inc()
	}

	c.metrics.TradesProcessed.Inc()
	c.finish(ev.BlockNumber)
}

func (c *Coordinator) handleNormalizeError(qe queuedEvent, err error) {
	switch {
	case errors.Is(err, ingest.ErrNotMarketTrade):
		c.discard(qe.ev, "not_market_trade")

	case errors.Is(err, ingest.ErrUnknownMarket):
		if qe.attempts >= c.cfg.NormalizeRetries {
			c.discard(qe.ev, "unknown_market")
			return
		}
		qe.attempts++
		c.metrics.NormalizeRetry.Inc()
		slog.Debug("trade_awaiting_market", "tx", qe.ev.TxHash, "attempt", qe.attempts)
		c.pendingMu.Lock()
		c.pending = append(c.pending, qe)
		c.pendingMu.Unlock()

	default:
		c.metrics.DecodeFailures.Inc()
		slog.Warn("event_decode_failed", "tx", qe.ev.TxHash, "error", err)
		c.discard(qe.ev, "decode_failed")
	}
}

func (c *Coordinator) discard(ev store.ChainEvent, reason string) {
	c.metrics.TradesDiscarded.WithLabelValues(reason).Inc()
	slog.Debug("event_discarded", "tx", ev.TxHash, "reason", reason)
	c.finish(ev.BlockNumber)
}

func (c *Coordinator) finish(block uint64) {
	safe, advanced := c.tracker.finish(block)
	if !advanced {
		return
	}
	if err := c.store.SetCheckpoint(safe); err != nil {
		slog.Warn("checkpoint_write_failed", "block", safe, "error", err)
	}
}

// enrich gathers the context the scoring engine cannot derive from the
// trade row alone. Every lookup degrades to "unknown" rather than
// failing the trade.
func (c *Coordinator) enrich(trade store.Trade, wallet store.Wallet) scoring.Enrichment {
	var enrich scoring.Enrichment

	if c.oracle != nil && c.oracle.Configured() {
		info := c.oracle.Lookup(c.ctx, trade.WalletAddress)
		if info.Known {
			enrich.PrivacyFunded = info.PrivacyFunded
			if !info.FirstSeen.IsZero() {
				enrich.AgeKnown = true
				enrich.Age = trade.Timestamp.Sub(info.FirstSeen)
			} else {
				// Known but with no transactions yet: brand new.
				enrich.AgeKnown = true
				enrich.Age = 0
			}
		}
	}
	if !enrich.AgeKnown && wallet.TotalTrades > 0 && !wallet.FirstSeen.IsZero() {
		enrich.AgeKnown = true
		enrich.Age = trade.Timestamp.Sub(wallet.FirstSeen)
	}
	if enrich.Age < 0 {
		enrich.Age = 0
	}

	// A wallet's first trade is trivially 100% concentrated; the share
	// only means something once there is history to compare against.
	if wallet.TotalTrades > 0 {
		marketVolume, err := c.store.WalletMarketVolume(trade.WalletAddress, trade.MarketID)
		if err != nil {
			slog.Warn("volume_lookup_failed", "wallet", trade.WalletAddress, "error", err)
			return enrich
		}
		total := wallet.TotalVolumeUSD + trade.AmountUSD
		if total > 0 {
			enrich.MarketVolumeShare = marketVolume / total
		}
	}
	return enrich
}

// walletShard maps an address to a worker index.
func walletShard(address string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(address)))
	return int(h.Sum32() % uint32(workers))
}

// blockTracker counts in-flight events per block and computes the
// highest block the checkpoint may advance to.
type blockTracker struct {
	mu        sync.Mutex
	pending   map[uint64]int
	maxSeen   uint64
	persisted uint64
}

func newBlockTracker() *blockTracker {
	return &blockTracker{pending: make(map[uint64]int)}
}

func (t *blockTracker) start(block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[block]++
	if block > t.maxSeen {
		t.maxSeen = block
	}
}

// finish marks one event of the block terminal. It returns the new
// safe checkpoint when it advanced.
func (t *blockTracker) finish(block uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := t.pending[block]; n <= 1 {
		delete(t.pending, block)
	} else {
		t.pending[block] = n - 1
	}

	safe := t.maxSeen
	for b := range t.pending {
		if b == 0 {
			return 0, false
		}
		if b-1 < safe {
			safe = b - 1
		}
	}
	if safe <= t.persisted {
		return 0, false
	}
	t.persisted = safe
	return safe, true
}
