package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists wallets, markets, trades, and alerts in SQLite.
// Mutations on a given wallet are serialized by a per-key lock, so a
// read after RecordTrade for the same address always observes the
// committed statistics.
type Store struct {
	db     *sql.DB
	dbPath string

	mu          sync.Mutex
	walletLocks map[string]*sync.Mutex
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; serialize through one connection
	// so concurrent workers queue instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:          db,
		dbPath:      dbPath,
		walletLocks: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			address TEXT PRIMARY KEY,
			first_seen DATETIME NOT NULL,
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			losing_trades INTEGER NOT NULL DEFAULT 0,
			total_volume_usd REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS markets (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			end_date DATETIME,
			liquidity_usd REAL NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			market_id TEXT NOT NULL,
			outcome_index INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			current_price REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (market_id, outcome_index)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			tx_hash TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL,
			market_id TEXT NOT NULL,
			outcome_index INTEGER NOT NULL DEFAULT 0,
			amount_usd REAL NOT NULL,
			price_per_share REAL NOT NULL DEFAULT 0,
			block_number INTEGER NOT NULL DEFAULT 0,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT NOT NULL,
			trade_hash TEXT PRIMARY KEY,
			insider_score INTEGER NOT NULL,
			confidence_level TEXT NOT NULL,
			flags TEXT NOT NULL DEFAULT '[]',
			description TEXT NOT NULL DEFAULT '',
			delivered INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			block_number INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_wallet ON trades(wallet_address)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_amount ON trades(amount_usd DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_score ON alerts(insider_score DESC, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at DESC)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// lockWallet returns the mutex guarding mutations for one address.
func (s *Store) lockWallet(address string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.walletLocks[address]
	if !ok {
		l = &sync.Mutex{}
		s.walletLocks[address] = l
	}
	return l
}

// GetOrCreateWallet returns the profile for address, creating it with
// the current time as first-seen if this is the first observed trade.
func (s *Store) GetOrCreateWallet(address string) (Wallet, error) {
	l := s.lockWallet(address)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO wallets (address, first_seen)
		VALUES (?, ?)
		ON CONFLICT(address) DO NOTHING`,
		address, time.Now().UTC())
	if err != nil {
		return Wallet{}, fmt.Errorf("create wallet: %w", err)
	}

	return s.getWallet(address)
}

func (s *Store) getWallet(address string) (Wallet, error) {
	var w Wallet
	err := s.db.QueryRow(`
		SELECT address, first_seen, total_trades, winning_trades, losing_trades, total_volume_usd
		FROM wallets WHERE address = ?`, address).
		Scan(&w.Address, &w.FirstSeen, &w.TotalTrades, &w.WinningTrades, &w.LosingTrades, &w.TotalVolumeUSD)
	if err != nil {
		return Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	w.FirstSeen = w.FirstSeen.UTC()
	return w, nil
}

// RecordTrade increments the trade count and volume for address.
// Callers must apply this before scoring the trade that caused it.
func (s *Store) RecordTrade(address string, amountUSD float64) error {
	l := s.lockWallet(address)
	l.Lock()
	defer l.Unlock()

	res, err := s.db.Exec(`
		UPDATE wallets
		SET total_trades = total_trades + 1, total_volume_usd = total_volume_usd + ?
		WHERE address = ?`, amountUSD, address)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record trade: wallet %s not found", address)
	}
	return nil
}

// RecordResolution increments the win or loss count for address.
// Invoked by the external resolution feed.
func (s *Store) RecordResolution(address string, won bool) error {
	l := s.lockWallet(address)
	l.Lock()
	defer l.Unlock()

	column := "losing_trades"
	if won {
		column = "winning_trades"
	}

	res, err := s.db.Exec(
		`UPDATE wallets SET `+column+` = `+column+` + 1 WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record resolution: wallet %s not found", address)
	}
	return nil
}

// WalletMarketVolume sums the wallet's recorded trade volume on one market.
func (s *Store) WalletMarketVolume(address, marketID string) (float64, error) {
	var volume float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(amount_usd), 0) FROM trades
		WHERE wallet_address = ? AND market_id = ?`, address, marketID).
		Scan(&volume)
	if err != nil {
		return 0, fmt.Errorf("wallet market volume: %w", err)
	}
	return volume, nil
}

// UpsertMarket writes a market snapshot and replaces its outcome set.
func (s *Store) UpsertMarket(m Market) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert market: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO markets (id, title, category, description, end_date, liquidity_usd, resolved, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			category = excluded.category,
			description = excluded.description,
			end_date = excluded.end_date,
			liquidity_usd = excluded.liquidity_usd,
			resolved = excluded.resolved,
			updated_at = excluded.updated_at`,
		m.ID, m.Title, m.Category, m.Description, m.EndDate.UTC(), m.LiquidityUSD, m.Resolved, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert market: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM outcomes WHERE market_id = ?`, m.ID); err != nil {
		return fmt.Errorf("upsert market outcomes: %w", err)
	}
	for i, o := range m.Outcomes {
		_, err := tx.Exec(`
			INSERT INTO outcomes (market_id, outcome_index, name, current_price)
			VALUES (?, ?, ?, ?)`, m.ID, i, o.Name, o.Price)
		if err != nil {
			return fmt.Errorf("upsert market outcomes: %w", err)
		}
	}

	return tx.Commit()
}

// GetMarket loads a market with its outcomes, or sql.ErrNoRows.
func (s *Store) GetMarket(id string) (Market, error) {
	var m Market
	var endDate sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, title, category, description, end_date, liquidity_usd, resolved, updated_at
		FROM markets WHERE id = ?`, id).
		Scan(&m.ID, &m.Title, &m.Category, &m.Description, &endDate, &m.LiquidityUSD, &m.Resolved, &m.UpdatedAt)
	if err != nil {
		return Market{}, err
	}
	if endDate.Valid {
		m.EndDate = endDate.Time.UTC()
	}

	rows, err := s.db.Query(`
		SELECT name, current_price FROM outcomes
		WHERE market_id = ? ORDER BY outcome_index`, id)
	if err != nil {
		return Market{}, fmt.Errorf("get market outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.Name, &o.Price); err != nil {
			return Market{}, err
		}
		m.Outcomes = append(m.Outcomes, o)
	}
	return m, rows.Err()
}

// InsertTrade records a canonical trade. Idempotent on tx hash: a
// re-delivered trade is reported as not inserted, never duplicated.
func (s *Store) InsertTrade(t Trade) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO trades (tx_hash, wallet_address, market_id, outcome_index, amount_usd, price_per_share, block_number, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO NOTHING`,
		t.TxHash, t.WalletAddress, t.MarketID, t.OutcomeIndex, t.AmountUSD, t.PricePerShare, t.BlockNumber, t.Timestamp.UTC())
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertAlert persists an alert. Idempotent on trade hash: returns
// false without error when an alert for the trade already exists.
func (s *Store) InsertAlert(a Alert) (bool, error) {
	flags, err := json.Marshal(a.Flags)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO alerts (id, trade_hash, insider_score, confidence_level, flags, description, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_hash) DO NOTHING`,
		a.ID, a.TradeHash, a.Score, string(a.Confidence), string(flags), a.Description, a.Delivered, a.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkAlertDelivered flags the alert for tradeHash as delivered.
func (s *Store) MarkAlertDelivered(tradeHash string) error {
	_, err := s.db.Exec(`UPDATE alerts SET delivered = 1 WHERE trade_hash = ?`, tradeHash)
	if err != nil {
		return fmt.Errorf("mark alert delivered: %w", err)
	}
	return nil
}

// Checkpoint returns the last durably processed block number, 0 if none.
func (s *Store) Checkpoint() (uint64, error) {
	var block uint64
	err := s.db.QueryRow(`SELECT block_number FROM checkpoint WHERE id = 1`).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	return block, nil
}

// SetCheckpoint advances the resume block number.
func (s *Store) SetCheckpoint(block uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoint (id, block_number) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET block_number = excluded.block_number`, block)
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// LargeTrades returns trades at or above minAmount within the window,
// largest first, joined with wallet and market context and any
// persisted alert assessment.
func (s *Store) LargeTrades(minAmount float64, window time.Duration, limit int) ([]ScoredTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	since := time.Now().UTC().Add(-window)

	rows, err := s.db.Query(`
		SELECT
			t.tx_hash, t.wallet_address, t.market_id, t.outcome_index,
			t.amount_usd, t.price_per_share, t.block_number, t.timestamp,
			w.first_seen, w.total_trades, w.total_volume_usd,
			w.winning_trades, w.losing_trades,
			COALESCE(m.title, ''), COALESCE(m.category, ''),
			COALESCE(o.name, ''), COALESCE(o.current_price, 0),
			COALESCE(a.insider_score, 0), COALESCE(a.confidence_level, ''), COALESCE(a.flags, '[]')
		FROM trades t
		JOIN wallets w ON t.wallet_address = w.address
		LEFT JOIN markets m ON t.market_id = m.id
		LEFT JOIN outcomes o ON t.market_id = o.market_id AND t.outcome_index = o.outcome_index
		LEFT JOIN alerts a ON t.tx_hash = a.trade_hash
		WHERE t.amount_usd >= ? AND t.timestamp >= ?
		ORDER BY t.amount_usd DESC, t.timestamp DESC
		LIMIT ?`, minAmount, since, limit)
	if err != nil {
		return nil, fmt.Errorf("large trades: %w", err)
	}
	defer rows.Close()

	var trades []ScoredTrade
	for rows.Next() {
		var st ScoredTrade
		var winning, losing int
		var confidence, flagsJSON string
		err := rows.Scan(
			&st.TxHash, &st.WalletAddress, &st.MarketID, &st.OutcomeIndex,
			&st.AmountUSD, &st.PricePerShare, &st.BlockNumber, &st.Timestamp,
			&st.WalletFirstSeen, &st.WalletTrades, &st.WalletVolumeUSD,
			&winning, &losing,
			&st.MarketTitle, &st.MarketCategory,
			&st.OutcomeName, &st.OutcomePrice,
			&st.Score, &confidence, &flagsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("large trades scan: %w", err)
		}

		if winning+losing > 0 {
			st.WinRate = float64(winning) / float64(winning+losing)
		}
		st.Confidence = Confidence(confidence)
		if err := json.Unmarshal([]byte(flagsJSON), &st.Flags); err != nil {
			st.Flags = nil
		}
		trades = append(trades, st)
	}
	return trades, rows.Err()
}

// RecentAlerts lists alerts within the window ordered by score
// descending, then recency descending.
func (s *Store) RecentAlerts(window time.Duration, limit int) ([]AlertView, error) {
	if limit <= 0 {
		limit = 50
	}
	since := time.Now().UTC().Add(-window)

	rows, err := s.db.Query(`
		SELECT
			a.id, a.trade_hash, a.insider_score, a.confidence_level, a.flags,
			a.description, a.delivered, a.created_at,
			t.wallet_address, t.amount_usd, t.price_per_share, t.outcome_index,
			t.market_id, COALESCE(m.title, ''), t.timestamp
		FROM alerts a
		JOIN trades t ON a.trade_hash = t.tx_hash
		LEFT JOIN markets m ON t.market_id = m.id
		WHERE a.created_at >= ?
		ORDER BY a.insider_score DESC, a.created_at DESC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	defer rows.Close()

	var alerts []AlertView
	for rows.Next() {
		var av AlertView
		var confidence, flagsJSON string
		err := rows.Scan(
			&av.ID, &av.TradeHash, &av.Score, &confidence, &flagsJSON,
			&av.Description, &av.Delivered, &av.CreatedAt,
			&av.WalletAddress, &av.AmountUSD, &av.PricePerShare, &av.OutcomeIndex,
			&av.MarketID, &av.MarketTitle, &av.TradeTime,
		)
		if err != nil {
			return nil, fmt.Errorf("recent alerts scan: %w", err)
		}
		av.Confidence = Confidence(confidence)
		if err := json.Unmarshal([]byte(flagsJSON), &av.Flags); err != nil {
			av.Flags = nil
		}
		alerts = append(alerts, av)
	}
	return alerts, rows.Err()
}

// RecentStats aggregates alert counts and alerted volume within the window.
func (s *Store) RecentStats(window time.Duration) (Stats, error) {
	since := time.Now().UTC().Add(-window)

	var st Stats
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN a.confidence_level = 'HIGH' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.confidence_level = 'MEDIUM' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(t.amount_usd), 0)
		FROM alerts a
		JOIN trades t ON a.trade_hash = t.tx_hash
		WHERE a.created_at >= ?`, since).
		Scan(&st.TotalAlerts, &st.HighRisk, &st.MediumRisk, &st.TotalVolumeUSD)
	if err != nil {
		return Stats{}, fmt.Errorf("recent stats: %w", err)
	}
	return st, nil
}

// CleanupOld removes trades and alerts older than the retention window.
// Wallet statistics are kept; they are cheap and cumulative.
func (s *Store) CleanupOld(retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)

	if _, err := s.db.Exec(`
		DELETE FROM alerts WHERE trade_hash IN
			(SELECT tx_hash FROM trades WHERE timestamp < ?)`, cutoff); err != nil {
		return fmt.Errorf("cleanup alerts: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM trades WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("cleanup trades: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
