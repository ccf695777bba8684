// Package watcher implements the Smart-Exit Watcher: a periodic
// per-position decision loop that checks authority flips, liquidity drops,
// and time/PnL gates, firing a sell through the executor and FIFO-closing
// the position on success.
//
// Grounded on trading/websocket.go's ticker/select-driven background loop
// (reconnect/keepalive timers, cooperative stop channel). The exit leg is
// not built here: a fire calls the ExecuteSell callback supplied in Deps.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"armed-turbo-executor/storage"
)

// Mode is the watcher's exit strategy for one position.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeTime      Mode = "time"
	ModeLiquidity Mode = "liquidity"
)

// State is the per-position configuration from spec §4.13, reloaded fresh
// from persistence on every tick so UI edits apply mid-flight.
type State struct {
	TradeID                 string
	Mint                    string
	Mode                    Mode
	MaxHoldSec              int
	MinPnLBeforeTimeExitPct decimal.Decimal
	LPDropExitPct           decimal.Decimal
	AuthorityFlipExit       bool
	IntervalSec             int
	RugDelayBlocks          int
	BuyTS                   time.Time
	EntryOutLamports        int64
	IsPaper                 bool

	triggered         bool
	baselineAuthority string
	authorityCaptured bool
}

// Extras is the watcher configuration a Trade row carries in its extras
// column. The UI edits it mid-flight; every tick re-parses it fresh.
type Extras struct {
	Mode              string  `json:"mode"`
	MaxHoldSec        int     `json:"maxHoldSec"`
	MinPnLPct         float64 `json:"minPnLPct"`
	LPDropPct         float64 `json:"lpDropPct"`
	AuthorityFlipExit bool    `json:"authorityFlipExit"`
	IsPaper           bool    `json:"isPaper"`
}

// StateFromTrade builds a watcher State for an open trade, parsing the
// extras column. Missing or malformed extras leave the watcher in ModeOff.
func StateFromTrade(t storage.Trade) State {
	s := State{
		TradeID:          t.ID,
		Mint:             t.Mint,
		Mode:             ModeOff,
		BuyTS:            time.UnixMilli(t.CreatedAt),
		EntryOutLamports: t.OutAmount,
	}
	if t.ExtrasJSON == "" {
		return s
	}
	var ex Extras
	if err := json.Unmarshal([]byte(t.ExtrasJSON), &ex); err != nil {
		return s
	}
	if ex.Mode != "" {
		s.Mode = Mode(ex.Mode)
	}
	s.MaxHoldSec = ex.MaxHoldSec
	s.MinPnLBeforeTimeExitPct = decimal.NewFromFloat(ex.MinPnLPct)
	s.LPDropExitPct = decimal.NewFromFloat(ex.LPDropPct)
	s.AuthorityFlipExit = ex.AuthorityFlipExit
	s.IsPaper = ex.IsPaper
	return s
}

// Metrics is the subset of telemetry.Registry a watcher tick reports into.
type Metrics interface {
	IncExitReason(reason string)
}

// Deps are the narrow external collaborators one watcher tick needs.
type Deps struct {
	ReloadExtras func(tradeID string) (State, error)
	FreezeAuth   func(ctx context.Context, mint string) (string, error)
	SellQuoteOut func(ctx context.Context, mint string, amount int64) (nowOutBase int64, err error)
	PnLPct       func(ctx context.Context, tradeID string) (decimal.Decimal, error)
	ExecuteSell  func(ctx context.Context, tradeID string) (txHash string, exitPrice, exitPriceUSD float64, err error)
	OnExit       func(tradeID, reason, txHash string)
	DB           *storage.DB
	Metrics      Metrics
}

// Position runs one ticker-driven decision loop for a single open trade. It
// stops after firing an exit exactly once, per spec §4.13's one-shot rule.
type Position struct {
	state State
	deps  Deps
	log   zerolog.Logger
	stop  chan struct{}
}

func NewPosition(state State, deps Deps, log zerolog.Logger) *Position {
	if state.IntervalSec <= 0 {
		state.IntervalSec = 1
	}
	return &Position{state: state, deps: deps, log: log, stop: make(chan struct{})}
}

func (p *Position) Stop() { close(p.stop) }

// Run blocks until the watcher fires an exit, is stopped, or ctx is done.
func (p *Position) Run(ctx context.Context) {
	t := time.NewTicker(time.Duration(p.state.IntervalSec) * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			if p.tick(ctx) {
				return
			}
		}
	}
}

// tick evaluates exit rules in the fixed order spec §4.13 requires:
// authority flip, then liquidity drop, then time/PnL gate. Returns true once
// the position has fired (or should otherwise stop being watched).
func (p *Position) tick(ctx context.Context) bool {
	if p.state.triggered {
		return true
	}

	if p.deps.ReloadExtras != nil {
		if fresh, err := p.deps.ReloadExtras(p.state.TradeID); err == nil {
			fresh.triggered = p.state.triggered
			fresh.baselineAuthority = p.state.baselineAuthority
			fresh.authorityCaptured = p.state.authorityCaptured
			p.state = fresh
		}
	}

	if p.state.AuthorityFlipExit && p.deps.FreezeAuth != nil {
		auth, err := p.deps.FreezeAuth(ctx, p.state.Mint)
		if err == nil {
			if !p.state.authorityCaptured {
				p.state.baselineAuthority = auth
				p.state.authorityCaptured = true
			} else if auth != p.state.baselineAuthority {
				p.fire(ctx, "authority-flip")
				return true
			}
		}
	}

	if p.deps.SellQuoteOut != nil && p.state.EntryOutLamports > 0 {
		nowOut, err := p.deps.SellQuoteOut(ctx, p.state.Mint, p.state.EntryOutLamports)
		if err == nil {
			dropPct := decimal.NewFromInt(100).Sub(
				decimal.NewFromInt(nowOut).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(p.state.EntryOutLamports)))
			if !p.state.LPDropExitPct.IsZero() && dropPct.GreaterThanOrEqual(p.state.LPDropExitPct) {
				p.fire(ctx, "lp-pull")
				return true
			}
		}
	}

	if p.state.Mode == ModeTime {
		elapsed := time.Since(p.state.BuyTS)
		if elapsed >= time.Duration(p.state.MaxHoldSec)*time.Second {
			if !p.state.MinPnLBeforeTimeExitPct.IsZero() && p.deps.PnLPct != nil {
				pnl, err := p.deps.PnLPct(ctx, p.state.TradeID)
				if err != nil || pnl.LessThan(p.state.MinPnLBeforeTimeExitPct) {
					return false
				}
			}
			p.fire(ctx, "smart-time")
			return true
		}
	}

	return false
}

func (p *Position) fire(ctx context.Context, reason string) {
	if p.state.RugDelayBlocks > 0 {
		time.Sleep(time.Duration(p.state.RugDelayBlocks) * 400 * time.Millisecond)
	}

	p.state.triggered = true

	var txHash string
	var exitPrice, exitPriceUSD float64

	if p.state.IsPaper || p.deps.ExecuteSell == nil {
		// Paper-mode exits skip the send but still FIFO-close the position,
		// with a synthetic tx id so downstream reads of ClosedTrade.TxHash
		// never see an empty string.
		txHash = fmt.Sprintf("paper-%s-%d", p.state.TradeID, time.Now().UnixNano())
		p.log.Info().Str("tradeId", p.state.TradeID).Str("reason", reason).Msg("paper exit")
	} else {
		var err error
		txHash, exitPrice, exitPriceUSD, err = p.deps.ExecuteSell(ctx, p.state.TradeID)
		if err != nil {
			p.log.Error().Err(err).Str("tradeId", p.state.TradeID).Msg("exit send failed")
			return
		}
	}

	if p.deps.DB != nil {
		closedID := p.state.TradeID + "-closed"
		if err := p.deps.DB.CloseFIFO(p.state.TradeID, closedID, p.state.EntryOutLamports, exitPrice, exitPriceUSD, reason, time.Now().UnixMilli(), txHash); err != nil {
			p.log.Error().Err(err).Str("tradeId", p.state.TradeID).Msg("fifo close failed")
		}
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.IncExitReason(reason)
	}
	if p.deps.OnExit != nil {
		p.deps.OnExit(p.state.TradeID, reason, txHash)
	}

	p.log.Info().Str("tradeId", p.state.TradeID).Str("reason", reason).Str("txHash", txHash).Msg("exit fired")
}
