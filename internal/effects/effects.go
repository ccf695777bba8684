// Package effects implements the Turbo Executor's post-trade side-effect
// channel (spec §4.12 step 10): TP/SL rule creation, alert dispatch, and
// Smart-Exit watcher bootstrap, none of which may delay the returned
// txHash — the executor already invokes OnTradeOpened on its own goroutine,
// so every method here runs off the hot path by construction.
//
// Grounded on executor/executor.go's SideEffects interface and
// cmd/bot/telegram-bot.go's "best-effort, log and move on" treatment of
// alert failures (ported into internal/alerts.Sender).
package effects

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"armed-turbo-executor/internal/alerts"
	"armed-turbo-executor/storage"
)

// TpSlConfig mirrors the per-strategy default TP/SL percentages a new
// position is seeded with, matching spec §3's TpSlRule shape.
type TpSlConfig struct {
	Enabled   bool
	TPPercent float64
	SLPercent float64
}

// Watcher is satisfied by a function that bootstraps a Smart-Exit position
// for a freshly opened trade (spec §4.13). Left as a function type rather
// than an interface since armctl only ever needs to close over one watcher
// pool.
type Watcher func(trade storage.Trade)

// ChatResolver maps a userID to its Telegram chat id. Telegram alerting is
// an external collaborator (spec §1); this is the one narrow lookup the
// dispatcher needs from it.
type ChatResolver func(userID string) (chatID int64, ok bool)

// Dispatcher implements executor.SideEffects.
type Dispatcher struct {
	DB      *storage.DB
	Alerts  *alerts.Sender
	ChatIDs ChatResolver
	Watcher Watcher
	TpSl    TpSlConfig
	Log     zerolog.Logger
}

// OnTradeOpened fans a freshly opened Trade out to TP/SL rule creation,
// Telegram alerting, and Smart-Exit watcher bootstrap. Each leg is
// best-effort: a failure in one must never prevent the others from running,
// matching spec §7's "side-channel failures never affect the primary
// result."
func (d *Dispatcher) OnTradeOpened(trade storage.Trade) {
	if d.TpSl.Enabled {
		d.createTpSlRule(trade)
	}
	d.dispatchAlert(trade)
	if d.Watcher != nil {
		d.Watcher(trade)
	}
}

func (d *Dispatcher) createTpSlRule(trade storage.Trade) {
	if d.DB == nil {
		return
	}
	rule := storage.TpSlRule{
		ID:         uuid.NewString(),
		UserID:     trade.UserID,
		WalletID:   trade.WalletID,
		Mint:       trade.Mint,
		Strategy:   trade.Strategy,
		EntryPrice: trade.EntryPrice,
		Enabled:    true,
		Status:     "active",
	}
	if d.TpSl.TPPercent > 0 {
		rule.TPPercent.Valid = true
		rule.TPPercent.Float64 = d.TpSl.TPPercent
	}
	if d.TpSl.SLPercent > 0 {
		rule.SLPercent.Valid = true
		rule.SLPercent.Float64 = d.TpSl.SLPercent
	}
	if err := d.DB.UpsertTpSlRule(rule); err != nil {
		d.Log.Error().Err(err).Str("tradeId", trade.ID).Msg("tp/sl rule creation failed")
	}
}

func (d *Dispatcher) dispatchAlert(trade storage.Trade) {
	if d.Alerts == nil || d.ChatIDs == nil {
		return
	}
	chatID, ok := d.ChatIDs(trade.UserID)
	if !ok {
		return
	}
	if err := d.Alerts.TradeOpened(chatID, trade.Mint, trade.TxHash); err != nil {
		d.Log.Warn().Err(err).Str("tradeId", trade.ID).Msg("trade-opened alert failed")
	}
}

// OnExit is wired as a watcher.Deps.OnExit hook: it posts the "sold" alert
// for a Smart-Exit fire. Separate from OnTradeOpened because it fires from
// the watcher's own goroutine, long after the originating ExecuteTrade call
// returned, and the watcher only carries a tradeID — the trade's userID and
// mint are looked up fresh from storage.
func (d *Dispatcher) OnExit(tradeID, reason, txHash string) {
	if d.Alerts == nil || d.ChatIDs == nil || d.DB == nil {
		return
	}
	trade, err := d.DB.GetOpenTrade(tradeID)
	if err != nil || trade == nil {
		return
	}
	chatID, ok := d.ChatIDs(trade.UserID)
	if !ok {
		return
	}
	if err := d.Alerts.ExitFired(chatID, trade.Mint, reason, txHash); err != nil {
		d.Log.Warn().Err(err).Str("tradeId", tradeID).Msg("exit alert failed")
	}
}
