// Package storage implements Position/Trade Persistence: open trades,
// closed trades, TP/SL rules, the pre-send dedup guard, and the FIFO reducer
// that turns a sell fill into one or more ClosedTrade rows.
//
// Grounded on the teacher's storage/db.go: sqlite3 connection setup
// (SetMaxOpenConns/SetMaxIdleConns/SetConnMaxLifetime), the
// CREATE TABLE IF NOT EXISTS + pragma_table_info-guarded ALTER TABLE
// migration idiom, and the ON CONFLICT(...) DO UPDATE upsert idiom used by
// UpdateCopyTradeAutoBuy/UpdateSlippage/UpdateJitoTip. The schema itself is
// new — Trade/ClosedTrade/TpSlRule replace wallets/alerts/trades/positions,
// which served a different (wallet-scanner) domain.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"armed-turbo-executor/internal/armerr"
)

type DB struct {
	*sql.DB
}

// Trade mirrors the open-Trade shape from spec §3.
type Trade struct {
	ID                  string
	UserID              string
	WalletID            string
	WalletLabel         string
	Mint                string
	Strategy            string
	InAmount            int64
	OutAmount           int64
	ClosedOutAmount     int64
	EntryPrice          float64
	EntryPriceUSD       float64
	TxHash              string
	InputMint           string
	OutputMint          string
	Decimals            int
	SlippageBps         int
	MevMode             string
	PriorityFeeLamports int64
	TipLamports         int64
	CreatedAt           int64
	ExtrasJSON          string
}

// ClosedTrade mirrors spec §3's ClosedTrade.
type ClosedTrade struct {
	Trade
	ExitPrice    float64
	ExitPriceUSD float64
	ExitedAt     int64
	Reason       string
}

// TpSlRule mirrors spec §3's TpSlRule.
type TpSlRule struct {
	ID         string
	UserID     string
	WalletID   string
	Mint       string
	Strategy   string
	TP         sql.NullFloat64
	SL         sql.NullFloat64
	TPPercent  sql.NullFloat64
	SLPercent  sql.NullFloat64
	EntryPrice float64
	Enabled    bool
	Status     string // active, fired, cancelled
	FailCount  int
}

func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	db := &DB{sqlDB}
	if err := db.initSchema(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		wallet_label TEXT,
		mint TEXT NOT NULL,
		strategy TEXT,
		in_amount INTEGER,
		out_amount INTEGER,
		closed_out_amount INTEGER DEFAULT 0,
		entry_price REAL,
		entry_price_usd REAL,
		tx_hash TEXT,
		input_mint TEXT,
		output_mint TEXT,
		decimals INTEGER,
		slippage_bps INTEGER,
		mev_mode TEXT,
		priority_fee_lamports INTEGER,
		tip_lamports INTEGER,
		created_at INTEGER,
		extras TEXT
	);

	CREATE TABLE IF NOT EXISTS closed_trades (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		strategy TEXT,
		in_amount INTEGER,
		out_amount INTEGER,
		entry_price REAL,
		entry_price_usd REAL,
		exit_price REAL,
		exit_price_usd REAL,
		exited_at INTEGER,
		reason TEXT,
		tx_hash TEXT
	);

	CREATE TABLE IF NOT EXISTS tp_sl_rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		strategy TEXT,
		tp REAL,
		sl REAL,
		tp_percent REAL,
		sl_percent REAL,
		entry_price REAL,
		enabled INTEGER DEFAULT 1,
		status TEXT DEFAULT 'active',
		fail_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		label TEXT,
		pubkey TEXT,
		is_protected INTEGER DEFAULT 0,
		require_arm INTEGER DEFAULT 0,
		envelope_json TEXT,
		legacy_private_key TEXT,
		default_passphrase_hash TEXT
	);

	CREATE TABLE IF NOT EXISTS auto_return_configs (
		user_id TEXT PRIMARY KEY,
		enabled_default INTEGER DEFAULT 0,
		dest_pubkey TEXT,
		dest_verified_at INTEGER,
		grace_seconds INTEGER DEFAULT 0,
		sweep_tokens INTEGER DEFAULT 0,
		sol_min_keep_lamports INTEGER DEFAULT 0,
		fee_buffer_lamports INTEGER DEFAULT 0,
		exclude_mints TEXT,
		usdc_mints TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("storage: init schema: %w", err)
	}
	return db.migrate()
}

// migrate adds columns to existing installations the way the teacher's
// pragma_table_info-guarded ALTER TABLE does, without destroying data.
func (db *DB) migrate() error {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('trades') WHERE name='closed_out_amount'").Scan(&count)
	if err == nil && count == 0 {
		if _, err := db.Exec("ALTER TABLE trades ADD COLUMN closed_out_amount INTEGER DEFAULT 0;"); err != nil {
			return fmt.Errorf("storage: migrate closed_out_amount: %w", err)
		}
	}
	return nil
}

// FindRecentBuy implements the pre-send dedup guard from spec §4.14: a
// recent buy for the same (userID, walletID, mint, strategy) within the
// window suppresses a duplicate send.
func (db *DB) FindRecentBuy(userID, walletID, mint, strategy string, sinceUnixMs int64) (txHash string, found bool, err error) {
	row := db.QueryRow(`
		SELECT tx_hash FROM trades
		WHERE user_id = ? AND wallet_id = ? AND mint = ? AND strategy = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		userID, walletID, mint, strategy, sinceUnixMs)
	var tx string
	if err := row.Scan(&tx); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return tx, true, nil
}

// InsertTrade writes the open-Trade row. Callers must not roll back a
// confirmed on-chain send on write failure — spec §4.14 requires the error
// be logged, not propagated as a send failure.
func (db *DB) InsertTrade(t Trade) error {
	_, err := db.Exec(`
		INSERT INTO trades (
			id, user_id, wallet_id, wallet_label, mint, strategy, in_amount, out_amount,
			closed_out_amount, entry_price, entry_price_usd, tx_hash, input_mint, output_mint,
			decimals, slippage_bps, mev_mode, priority_fee_lamports, tip_lamports, created_at, extras
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.WalletID, t.WalletLabel, t.Mint, t.Strategy, t.InAmount, t.OutAmount,
		t.ClosedOutAmount, t.EntryPrice, t.EntryPriceUSD, t.TxHash, t.InputMint, t.OutputMint,
		t.Decimals, t.SlippageBps, t.MevMode, t.PriorityFeeLamports, t.TipLamports, t.CreatedAt, t.ExtrasJSON)
	if err != nil {
		return fmt.Errorf("storage: insert trade: %w", err)
	}
	return nil
}

// GetOpenTrade loads one open trade by id.
func (db *DB) GetOpenTrade(id string) (*Trade, error) {
	row := db.QueryRow(`
		SELECT id, user_id, wallet_id, wallet_label, mint, strategy, in_amount, out_amount,
			closed_out_amount, entry_price, entry_price_usd, tx_hash, input_mint, output_mint,
			decimals, slippage_bps, mev_mode, priority_fee_lamports, tip_lamports, created_at, extras
		FROM trades WHERE id = ?`, id)

	var t Trade
	err := row.Scan(&t.ID, &t.UserID, &t.WalletID, &t.WalletLabel, &t.Mint, &t.Strategy, &t.InAmount, &t.OutAmount,
		&t.ClosedOutAmount, &t.EntryPrice, &t.EntryPriceUSD, &t.TxHash, &t.InputMint, &t.OutputMint,
		&t.Decimals, &t.SlippageBps, &t.MevMode, &t.PriorityFeeLamports, &t.TipLamports, &t.CreatedAt, &t.ExtrasJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// CloseFIFO applies an exit fill against the earliest-open lot (FIFO),
// updating closed_out_amount and writing a ClosedTrade row once the lot is
// fully consumed.
func (db *DB) CloseFIFO(tradeID string, closedID string, exitOutAmount int64, exitPrice, exitPriceUSD float64, reason string, exitedAt int64, txHash string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin fifo close: %w", err)
	}
	defer tx.Rollback()

	var t Trade
	row := tx.QueryRow(`SELECT id, user_id, wallet_id, mint, strategy, in_amount, out_amount, closed_out_amount, entry_price, entry_price_usd
		FROM trades WHERE id = ?`, tradeID)
	if err := row.Scan(&t.ID, &t.UserID, &t.WalletID, &t.Mint, &t.Strategy, &t.InAmount, &t.OutAmount, &t.ClosedOutAmount, &t.EntryPrice, &t.EntryPriceUSD); err != nil {
		return fmt.Errorf("storage: fifo load trade: %w", err)
	}

	newClosed := t.ClosedOutAmount + exitOutAmount
	if newClosed > t.OutAmount {
		newClosed = t.OutAmount
	}

	if _, err := tx.Exec(`UPDATE trades SET closed_out_amount = ? WHERE id = ?`, newClosed, tradeID); err != nil {
		return fmt.Errorf("storage: fifo update trade: %w", err)
	}

	if newClosed >= t.OutAmount {
		_, err := tx.Exec(`
			INSERT INTO closed_trades (id, trade_id, user_id, wallet_id, mint, strategy, in_amount, out_amount,
				entry_price, entry_price_usd, exit_price, exit_price_usd, exited_at, reason, tx_hash)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			closedID, t.ID, t.UserID, t.WalletID, t.Mint, t.Strategy, t.InAmount, t.OutAmount,
			t.EntryPrice, t.EntryPriceUSD, exitPrice, exitPriceUSD, exitedAt, reason, txHash)
		if err != nil {
			return fmt.Errorf("storage: fifo insert closed trade: %w", err)
		}
	}

	return tx.Commit()
}

// Wallet mirrors spec §3's wallet-secret storage row: either a modern
// envelope (IsProtected=true, EnvelopeJSON set), a legacy iv:tag:ciphertext
// string (LegacyPrivateKey set, IsProtected=false), or an unprotected HKDF
// envelope (IsProtected=false, EnvelopeJSON set, LegacyPrivateKey empty).
type Wallet struct {
	ID                    string
	UserID                string
	Label                 string
	Pubkey                string
	IsProtected           bool
	RequireArm            bool
	EnvelopeJSON          string
	LegacyPrivateKey      string
	DefaultPassphraseHash string
}

// GetWallet loads one wallet row, scoped to its owning user.
func (db *DB) GetWallet(userID, walletID string) (*Wallet, error) {
	row := db.QueryRow(`
		SELECT id, user_id, label, pubkey, is_protected, require_arm, envelope_json, legacy_private_key, default_passphrase_hash
		FROM wallets WHERE id = ? AND user_id = ?`, walletID, userID)
	var w Wallet
	var isProtected, requireArm int
	if err := row.Scan(&w.ID, &w.UserID, &w.Label, &w.Pubkey, &isProtected, &requireArm, &w.EnvelopeJSON, &w.LegacyPrivateKey, &w.DefaultPassphraseHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	w.IsProtected = isProtected != 0
	w.RequireArm = requireArm != 0
	return &w, nil
}

// GetWalletByID loads one wallet row by its (globally unique) primary key
// alone, for collaborators that only carry a walletID — the Auto-Return
// Scheduler's SweepSender, notably, since session expiry notifications are
// keyed by walletID without re-threading the owning userID.
func (db *DB) GetWalletByID(walletID string) (*Wallet, error) {
	row := db.QueryRow(`
		SELECT id, user_id, label, pubkey, is_protected, require_arm, envelope_json, legacy_private_key, default_passphrase_hash
		FROM wallets WHERE id = ?`, walletID)
	var w Wallet
	var isProtected, requireArm int
	if err := row.Scan(&w.ID, &w.UserID, &w.Label, &w.Pubkey, &isProtected, &requireArm, &w.EnvelopeJSON, &w.LegacyPrivateKey, &w.DefaultPassphraseHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	w.IsProtected = isProtected != 0
	w.RequireArm = requireArm != 0
	return &w, nil
}

// UpsertWallet writes the full wallet row. Migration paths (legacy/HKDF ->
// modern envelope) call this inside the same transaction-equivalent as the
// arm operation so the row is never left half-migrated — spec §3's
// invariant that a wallet is either isProtected with a modern envelope, or
// the operation fails outright.
func (db *DB) UpsertWallet(w Wallet) error {
	_, err := db.Exec(`
		INSERT INTO wallets (id, user_id, label, pubkey, is_protected, require_arm, envelope_json, legacy_private_key, default_passphrase_hash)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			pubkey = excluded.pubkey,
			is_protected = excluded.is_protected,
			require_arm = excluded.require_arm,
			envelope_json = excluded.envelope_json,
			legacy_private_key = excluded.legacy_private_key,
			default_passphrase_hash = excluded.default_passphrase_hash`,
		w.ID, w.UserID, w.Label, w.Pubkey, boolToInt(w.IsProtected), boolToInt(w.RequireArm),
		w.EnvelopeJSON, w.LegacyPrivateKey, w.DefaultPassphraseHash)
	if err != nil {
		return fmt.Errorf("storage: upsert wallet: %w", err)
	}
	return nil
}

// SetRequireArm toggles the user's "require arm to trade" flag (spec §6's
// POST /require-arm) without touching the envelope.
func (db *DB) SetRequireArm(userID, walletID string, require bool) error {
	res, err := db.Exec(`UPDATE wallets SET require_arm = ? WHERE id = ? AND user_id = ?`, boolToInt(require), walletID, userID)
	if err != nil {
		return fmt.Errorf("storage: set require arm: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return armerr.ErrWalletNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetAutoReturnConfig loads the per-user AutoReturnConfig row, matching
// spec §3's AutoReturnConfig shape. Returns nil, nil if the user has never
// configured auto-return.
func (db *DB) GetAutoReturnConfig(userID string) (*AutoReturnConfigRow, error) {
	row := db.QueryRow(`
		SELECT user_id, enabled_default, dest_pubkey, dest_verified_at, grace_seconds, sweep_tokens,
			sol_min_keep_lamports, fee_buffer_lamports, exclude_mints, usdc_mints
		FROM auto_return_configs WHERE user_id = ?`, userID)
	var r AutoReturnConfigRow
	var enabledDefault, sweepTokens int
	var exclude, usdc string
	if err := row.Scan(&r.UserID, &enabledDefault, &r.DestPubkey, &r.DestVerifiedAt, &r.GraceSeconds, &sweepTokens,
		&r.SolMinKeepLamports, &r.FeeBufferLamports, &exclude, &usdc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	r.EnabledDefault = enabledDefault != 0
	r.SweepTokens = sweepTokens != 0
	r.ExcludeMints = splitCSV(exclude)
	r.USDCMints = splitCSV(usdc)
	return &r, nil
}

// UpsertAutoReturnConfig writes the per-user AutoReturnConfig row.
func (db *DB) UpsertAutoReturnConfig(r AutoReturnConfigRow) error {
	_, err := db.Exec(`
		INSERT INTO auto_return_configs (user_id, enabled_default, dest_pubkey, dest_verified_at, grace_seconds,
			sweep_tokens, sol_min_keep_lamports, fee_buffer_lamports, exclude_mints, usdc_mints)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled_default = excluded.enabled_default,
			dest_pubkey = excluded.dest_pubkey,
			dest_verified_at = excluded.dest_verified_at,
			grace_seconds = excluded.grace_seconds,
			sweep_tokens = excluded.sweep_tokens,
			sol_min_keep_lamports = excluded.sol_min_keep_lamports,
			fee_buffer_lamports = excluded.fee_buffer_lamports,
			exclude_mints = excluded.exclude_mints,
			usdc_mints = excluded.usdc_mints`,
		r.UserID, boolToInt(r.EnabledDefault), r.DestPubkey, r.DestVerifiedAt, r.GraceSeconds,
		boolToInt(r.SweepTokens), r.SolMinKeepLamports, r.FeeBufferLamports, joinCSV(r.ExcludeMints), joinCSV(r.USDCMints))
	if err != nil {
		return fmt.Errorf("storage: upsert auto-return config: %w", err)
	}
	return nil
}

// AutoReturnConfigRow mirrors spec §3's AutoReturnConfig, persisted per user.
type AutoReturnConfigRow struct {
	UserID             string   `json:"userId"`
	EnabledDefault     bool     `json:"enabledDefault"`
	DestPubkey         string   `json:"destPubkey"`
	DestVerifiedAt     int64    `json:"destVerifiedAt"`
	GraceSeconds       int      `json:"graceSeconds"`
	SweepTokens        bool     `json:"sweepTokens"`
	SolMinKeepLamports int64    `json:"solMinKeepLamports"`
	FeeBufferLamports  int64    `json:"feeBufferLamports"`
	ExcludeMints       []string `json:"excludeMints"`
	USDCMints          []string `json:"usdcMints"`
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func joinCSV(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// GuardianCount reports how many active TP/SL rules plus still-open trades
// guard a wallet, for the status endpoint's optional ?guardian=1 field.
func (db *DB) GuardianCount(userID, walletID string) int {
	var n int
	err := db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM tp_sl_rules WHERE user_id = ? AND wallet_id = ? AND status = 'active' AND enabled = 1)
			+
			(SELECT COUNT(*) FROM trades WHERE user_id = ? AND wallet_id = ? AND closed_out_amount < out_amount)`,
		userID, walletID, userID, walletID).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

// UpsertTpSlRule follows the teacher's ON CONFLICT(...) DO UPDATE idiom.
func (db *DB) UpsertTpSlRule(r TpSlRule) error {
	_, err := db.Exec(`
		INSERT INTO tp_sl_rules (id, user_id, wallet_id, mint, strategy, tp, sl, tp_percent, sl_percent, entry_price, enabled, status, fail_count)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			tp = excluded.tp,
			sl = excluded.sl,
			tp_percent = excluded.tp_percent,
			sl_percent = excluded.sl_percent,
			enabled = excluded.enabled,
			status = excluded.status,
			fail_count = excluded.fail_count`,
		r.ID, r.UserID, r.WalletID, r.Mint, r.Strategy, r.TP, r.SL, r.TPPercent, r.SLPercent,
		r.EntryPrice, r.Enabled, r.Status, r.FailCount)
	if err != nil {
		return fmt.Errorf("storage: upsert tp/sl rule: %w", err)
	}
	return nil
}
