package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insiderwatch/engine/internal/config"
	"github.com/insiderwatch/engine/internal/ingest"
	"github.com/insiderwatch/engine/internal/metrics"
	"github.com/insiderwatch/engine/internal/oracle"
	"github.com/insiderwatch/engine/internal/scoring"
	"github.com/insiderwatch/engine/internal/store"
)

const exchangeAddr = "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"

func testConfig() *config.Config {
	return &config.Config{
		WhaleThresholdUSD:      10000,
		NewWalletHours:         48,
		SuspiciousWinRate:      0.75,
		AgainstMarketThreshold: 0.30,
		MarketImpactThreshold:  0.05,
		ResolutionWindowHours:  24,
		SuspiciousTimingPct:    0.60,
		ConcentrationFraction:  0.80,
		HighScoreThreshold:     70,
		MediumScoreThreshold:   40,
		MinAlertScore:          40,
		Weights:                config.DefaultWeights(),
		WorkerCount:            2,
		EventQueueSize:         16,
		NormalizeRetries:       2,
		ShutdownTimeout:        2 * time.Second,
	}
}

type fakeStore struct {
	mu         sync.Mutex
	wallets    map[string]store.Wallet
	trades     map[string]store.Trade
	markets    map[string]store.Market
	checkpoint uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		wallets: make(map[string]store.Wallet),
		trades:  make(map[string]store.Trade),
		markets: make(map[string]store.Market),
	}
}

func (f *fakeStore) GetOrCreateWallet(address string) (store.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[address]
	if !ok {
		w = store.Wallet{Address: address, FirstSeen: time.Now().UTC()}
		f.wallets[address] = w
	}
	return w, nil
}

func (f *fakeStore) RecordTrade(address string, amountUSD float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.wallets[address]
	w.TotalTrades++
	w.TotalVolumeUSD += amountUSD
	f.wallets[address] = w
	return nil
}

func (f *fakeStore) InsertTrade(t store.Trade) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.trades[t.TxHash]; ok {
		return false, nil
	}
	f.trades[t.TxHash] = t
	return true, nil
}

func (f *fakeStore) WalletMarketVolume(address, marketID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum float64
	for _, t := range f.trades {
		if t.WalletAddress == address && t.MarketID == marketID {
			sum += t.AmountUSD
		}
	}
	return sum, nil
}

func (f *fakeStore) GetMarket(id string) (store.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markets[id]
	if !ok {
		return store.Market{}, fmt.Errorf("market %s: not found", id)
	}
	return m, nil
}

func (f *fakeStore) SetCheckpoint(block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoint = block
	return nil
}

func (f *fakeStore) Checkpoint() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoint
}

func (f *fakeStore) wallet(address string) store.Wallet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallets[address]
}

func (f *fakeStore) tradeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trades)
}

type fakeIndex struct {
	mu          sync.Mutex
	byID        map[string]store.Market
	byCondition map[string]store.Market
	callbacks   []func()
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		byID:        make(map[string]store.Market),
		byCondition: make(map[string]store.Market),
	}
}

func (f *fakeIndex) add(condition string, m store.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[m.ID] = m
	f.byCondition[condition] = m
}

func (f *fakeIndex) ByID(id string) (store.Market, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	return m, ok
}

func (f *fakeIndex) ByCondition(conditionID string) (store.Market, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byCondition[conditionID]
	return m, ok
}

func (f *fakeIndex) OnRefresh(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, fn)
}

func (f *fakeIndex) triggerRefresh() {
	f.mu.Lock()
	cbs := make([]func(), len(f.callbacks))
	copy(cbs, f.callbacks)
	f.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

type fakeOracle struct {
	configured bool
	info       oracle.WalletInfo
}

func (f *fakeOracle) Configured() bool { return f.configured }

func (f *fakeOracle) Lookup(ctx context.Context, address string) oracle.WalletInfo {
	return f.info
}

type dispatchCall struct {
	trade  store.Trade
	wallet store.Wallet
	res    scoring.Result
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, trade store.Trade, wallet store.Wallet, market store.Market, enrich scoring.Enrichment, res scoring.Result) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{trade: trade, wallet: wallet, res: res})
	return res.Score >= 40, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDispatcher) call(i int) dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func fillData(condition, outcomeIndex int64, amountUSD, price float64) string {
	words := []*big.Int{
		big.NewInt(condition),
		big.NewInt(outcomeIndex),
		big.NewInt(int64(amountUSD * 1e6)),
		big.NewInt(int64(price * 1e6)),
	}
	data := "0x"
	for _, w := range words {
		data += fmt.Sprintf("%064x", w)
	}
	return data
}

func conditionHex(condition int64) string {
	return fmt.Sprintf("0x%064x", big.NewInt(condition))
}

type harness struct {
	coord      *Coordinator
	store      *fakeStore
	index      *fakeIndex
	dispatcher *fakeDispatcher
	cancel     context.CancelFunc
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	fs := newFakeStore()
	idx := newFakeIndex()
	disp := &fakeDispatcher{}
	orc := &fakeOracle{}
	norm := ingest.NewNormalizer(idx, []string{exchangeAddr})
	m := metrics.New(prometheus.NewRegistry())

	c := New(cfg, fs, norm, idx, orc, scoring.NewEngine(cfg), disp, m)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})

	return &harness{coord: c, store: fs, index: idx, dispatcher: disp, cancel: cancel}
}

func testEvent(tx string, block uint64, data string) store.ChainEvent {
	return store.ChainEvent{
		Contract:    exchangeAddr,
		FromAddress: "0x1111111111111111111111111111111111111111",
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
		Timestamp:   time.Now().UTC(),
	}
}

func TestPipelineProcessesTrade(t *testing.T) {
	h := newHarness(t, testConfig())
	h.index.add(conditionHex(0xbeef), store.Market{
		ID:           "mkt-1",
		Title:        "Will it rain",
		LiquidityUSD: 500000,
		Outcomes:     []store.Outcome{{Name: "Yes", Price: 0.6}, {Name: "No", Price: 0.4}},
	})

	h.coord.Events() <- testEvent("0xAA01", 100, fillData(0xbeef, 0, 25000, 0.6))

	require.Eventually(t, func() bool {
		return h.dispatcher.count() == 1
	}, time.Second, 5*time.Millisecond)

	call := h.dispatcher.call(0)
	assert.Equal(t, "0xaa01", call.trade.TxHash)
	assert.Equal(t, "mkt-1", call.trade.MarketID)
	assert.InDelta(t, 25000, call.trade.AmountUSD, 0.01)

	// Scoring saw the wallet before this trade was recorded.
	assert.Zero(t, call.wallet.TotalTrades)

	// No oracle and no history: only the whale signal can fire.
	assert.Equal(t, []string{store.SignalWhaleSize}, call.res.Flags)
	assert.Equal(t, 15, call.res.Score)

	w := h.store.wallet("0x1111111111111111111111111111111111111111")
	assert.Equal(t, 1, w.TotalTrades)
	assert.InDelta(t, 25000, w.TotalVolumeUSD, 0.01)

	require.Eventually(t, func() bool {
		return h.store.Checkpoint() == 100
	}, time.Second, 5*time.Millisecond)
}

func TestPipelineRedelivery(t *testing.T) {
	h := newHarness(t, testConfig())
	h.index.add(conditionHex(0xbeef), store.Market{
		ID:       "mkt-1",
		Outcomes: []store.Outcome{{Name: "Yes", Price: 0.6}},
	})

	ev := testEvent("0xaa02", 101, fillData(0xbeef, 0, 5000, 0.6))
	h.coord.Events() <- ev

	require.Eventually(t, func() bool {
		return h.dispatcher.count() == 1
	}, time.Second, 5*time.Millisecond)

	h.coord.Events() <- ev
	require.Eventually(t, func() bool {
		return h.dispatcher.count() == 2
	}, time.Second, 5*time.Millisecond)

	// One trade row, one profile update.
	assert.Equal(t, 1, h.store.tradeCount())
	w := h.store.wallet(ev.FromAddress)
	assert.Equal(t, 1, w.TotalTrades)

	// Both scoring passes saw the pre-trade snapshot.
	assert.Zero(t, h.dispatcher.call(0).wallet.TotalTrades)
	assert.Zero(t, h.dispatcher.call(1).wallet.TotalTrades)
}

func TestPipelineRetriesUnknownMarket(t *testing.T) {
	h := newHarness(t, testConfig())

	h.coord.Events() <- testEvent("0xaa03", 102, fillData(0xbeef, 0, 5000, 0.6))

	// No market yet: the event parks until a refresh announces one.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.dispatcher.count())
	assert.Zero(t, h.store.Checkpoint())

	h.index.add(conditionHex(0xbeef), store.Market{
		ID:       "mkt-1",
		Outcomes: []store.Outcome{{Name: "Yes", Price: 0.6}},
	})
	h.index.triggerRefresh()

	require.Eventually(t, func() bool {
		return h.dispatcher.count() == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.store.Checkpoint() == 102
	}, time.Second, 5*time.Millisecond)
}

func TestPipelineDiscardsAfterRetryCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.NormalizeRetries = 1
	h := newHarness(t, cfg)

	h.coord.Events() <- testEvent("0xaa04", 103, fillData(0xbeef, 0, 5000, 0.6))

	// Refresh without adding the market: retry, then give up.
	time.Sleep(50 * time.Millisecond)
	h.index.triggerRefresh()
	time.Sleep(50 * time.Millisecond)
	h.index.triggerRefresh()

	require.Eventually(t, func() bool {
		return h.store.Checkpoint() == 103
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.dispatcher.count())
	assert.Zero(t, h.store.tradeCount())
}

func TestPipelineDiscardsDecodeFailures(t *testing.T) {
	h := newHarness(t, testConfig())

	h.coord.Events() <- testEvent("0xaa05", 104, "0xdeadbeef")

	require.Eventually(t, func() bool {
		return h.store.Checkpoint() == 104
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.dispatcher.count())
}

func TestWalletShardStable(t *testing.T) {
	a := walletShard("0xAbC123", 4)
	b := walletShard("0xabc123", 4)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 4)
}

func TestBlockTrackerOrdering(t *testing.T) {
	bt := newBlockTracker()

	bt.start(10)
	bt.start(10)
	bt.start(11)

	// Block 11 finishing first cannot advance past pending block 10.
	safe, ok := bt.finish(11)
	require.True(t, ok)
	assert.Equal(t, uint64(9), safe)

	_, ok = bt.finish(10)
	assert.False(t, ok)

	safe, ok = bt.finish(10)
	require.True(t, ok)
	assert.Equal(t, uint64(11), safe)
}

func TestBlockTrackerNoRegression(t *testing.T) {
	bt := newBlockTracker()

	bt.start(20)
	safe, ok := bt.finish(20)
	require.True(t, ok)
	assert.Equal(t, uint64(20), safe)

	// A later event in an older block must not move the checkpoint
	// backwards.
	bt.start(19)
	_, ok = bt.finish(19)
	assert.False(t, ok)
}
