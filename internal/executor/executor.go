// Package executor implements the Turbo Executor: the orchestrator that
// composes session, idempotency, quote cache, sizing, leader scheduling,
// RPC quorum, relay, and the retry matrix around one trade attempt.
//
// Grounded on engine/executor.go's "compose everything around one attempt"
// shape and its long thinking-out-loud comments weighing ambiguous ordering
// decisions, reproduced here only where a genuine ambiguity existed in the
// component contracts (see the ordering comment in ExecuteTrade).
package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"armed-turbo-executor/internal/armerr"
	"armed-turbo-executor/internal/envelope"
	"armed-turbo-executor/internal/idempotency"
	"armed-turbo-executor/internal/leader"
	"armed-turbo-executor/internal/quote"
	"armed-turbo-executor/internal/quotecache"
	"armed-turbo-executor/internal/relay"
	"armed-turbo-executor/internal/retry"
	"armed-turbo-executor/internal/rpcquorum"
	"armed-turbo-executor/internal/session"
	"armed-turbo-executor/internal/sizing"
	"armed-turbo-executor/storage"

	"github.com/shopspring/decimal"
)

// UserCtx identifies the caller of executeTrade.
type UserCtx struct {
	UserID   string
	WalletID string
}

// TradeParams is the trade request shape from spec §4.12.
type TradeParams struct {
	InputMint           string
	OutputMint          string
	Amount              int64
	SlippageBps         int
	Strategy            string
	PoolReserve         int64
	UnitPriceUSD        decimal.Decimal
	DevWatch            bool
	UseJitoBundle       bool
	DirectAMMFallback   bool
	ProbeEnabled        bool
	LeaderTimingEnabled bool
	PriorityFeeLamports int64
	TipLamports         int64
	MevMode             string
}

// RiskGate consults dev/creator heuristics (blacklist, holder concentration,
// lp-burn, insider) before a quote is even fetched. An external collaborator.
type RiskGate interface {
	Check(ctx context.Context, mint string) (blocked bool, reason, detail string)
}

// SideEffects receives post-trade work that must never delay the returned
// txHash (TP/SL creation, alerts, watcher bootstrap, ghost forwarding).
type SideEffects interface {
	OnTradeOpened(trade storage.Trade)
}

// Wallet resolves an already-decrypted wallet secret into the signing key
// needed to build and sign the swap transaction.
type Wallet interface {
	Resolve(secret []byte) (solana.PrivateKey, error)
}

// Metrics is the subset of Telemetry the executor reports into.
type Metrics interface {
	IncClassified(class retry.Class)
	IncRetryAttempt()
	ObserveSizingReducedPct(v float64)
	ObserveLeaderHoldMs(ms int64)
	IncProbeAbort()
	IncProbeScaleSuccess()
}

// Executor composes every component into executeTrade.
type Executor struct {
	Sessions    *session.Cache
	Idempotency *idempotency.Store
	QuoteCache  *quotecache.Cache
	QuoteSvc    quote.Provider
	Quorum      *rpcquorum.Client
	Relay       *relay.Client
	DB          *storage.DB
	Risk        RiskGate
	Effects     SideEffects
	Metrics     Metrics
	LeaderSrc   leader.Source
	Wallets     Wallet
	Log         zerolog.Logger

	RetryPolicy  retry.Policy
	SizingConfig sizing.Config
	ProbeConfig  sizing.ProbeConfig
	LeaderConfig leader.Config
	QuorumConfig rpcquorum.QuorumConfig
	Salt         string

	KillSwitch func() bool
}

// ExecuteTrade is the public contract from spec §4.12: executeTrade(userCtx,
// tradeParams, cfg) -> txHash | BlockedResult.
func (e *Executor) ExecuteTrade(ctx context.Context, u UserCtx, p TradeParams) (string, error) {
	if e.KillSwitch != nil && e.KillSwitch() {
		return "", &armerr.BlockedResult{Reason: "kill-switch", Detail: "all sends rejected"}
	}
	if u.UserID == "" || u.WalletID == "" {
		return "", armerr.ErrInvalidInput
	}

	// Step 1: DEK handle via Session Cache.
	dek, err := e.Sessions.Handle(u.UserID, u.WalletID)
	if err != nil {
		return "", armerr.ErrAutomationNotArmed
	}
	defer zeroBytes(dek)

	// Step 2: pre-quote risk gate.
	if p.DevWatch && e.Risk != nil {
		if blocked, reason, detail := e.Risk.Check(ctx, p.OutputMint); blocked {
			return "", &armerr.BlockedResult{Reason: reason, Detail: detail}
		}
	}

	// Step 3: dedup guard + idempotency key.
	now := time.Now()
	recentTx, found, err := e.DB.FindRecentBuy(u.UserID, u.WalletID, p.OutputMint, p.Strategy, now.Add(-60*time.Second).UnixMilli())
	if err == nil && found {
		return recentTx, nil
	}
	bucket := e.Idempotency.SlotBucket(now)
	idKey := idempotency.Key(u.UserID, u.WalletID, p.OutputMint, p.Amount, bucket, e.Salt)
	if rec, pending := e.Idempotency.TryBegin(idKey); pending {
		if rec.Status == idempotency.StatusSuccess {
			return rec.Result, nil
		}
		return "", armerr.ErrInvalidInput
	}

	// Step 4: quote warm cache, freshness gate — never send against a miss
	// without an explicit refetch.
	qk := quotecache.Key{InputMint: p.InputMint, OutputMint: p.OutputMint, Amount: p.Amount, SlippageBps: p.SlippageBps, Mode: p.MevMode}
	var q *quote.Quote
	if cached, ok := e.QuoteCache.Get(qk); ok {
		q = &quote.Quote{
			InputMint:  p.InputMint,
			OutputMint: p.OutputMint,
			InAmount:   gjson.GetBytes(cached, "inAmount").Int(),
			OutAmount:  gjson.GetBytes(cached, "outAmount").Int(),
			Raw:        cached,
		}
	} else {
		q, err = e.QuoteSvc.GetQuote(ctx, p.InputMint, p.OutputMint, p.Amount, p.SlippageBps)
		if err != nil {
			return "", fmt.Errorf("executor: quote: %w", err)
		}
		e.QuoteCache.Put(qk, q.Raw, 0)
	}

	// Step 5: liquidity sizing; re-quote if the amount changed.
	sized, err := sizing.Size(p.Amount, p.PoolReserve, p.UnitPriceUSD, nil, e.SizingConfig)
	if err != nil {
		return "", err
	}
	if sized.Amount != p.Amount {
		q, err = e.QuoteSvc.GetQuote(ctx, p.InputMint, p.OutputMint, sized.Amount, p.SlippageBps)
		if err != nil {
			return "", fmt.Errorf("executor: re-quote after sizing: %w", err)
		}
	}
	if e.Metrics != nil {
		e.Metrics.ObserveSizingReducedPct(sized.SizingReducedPct.InexactFloat64())
	}

	// Step 6: leader-time hold.
	if p.LeaderTimingEnabled {
		hold := leader.HoldDuration(now, e.LeaderSrc, e.LeaderConfig)
		leader.Wait(hold, ctx.Done())
		if e.Metrics != nil {
			e.Metrics.ObserveLeaderHoldMs(hold.Milliseconds())
		}
	}

	// Step 7: prewarm blockhash across the quorum pool.
	e.Quorum.PrewarmAll(ctx, time.Duration(e.QuorumConfig.BlockhashTTLMs)*time.Millisecond)

	// Steps 8-9: send path selection + retry matrix. sendWithRetry resolves
	// the signer from the unlocked DEK on each attempt, since a retry's
	// refreshed quote needs re-signing.
	txHash, err := e.sendWithRetry(ctx, u, p, q, dek)
	if err != nil {
		return "", err
	}

	// Step 9: persist Trade and idempotency success. Persistence failure
	// must not roll back the completed send.
	trade := storage.Trade{
		ID: idKey, UserID: u.UserID, WalletID: u.WalletID, Mint: p.OutputMint, Strategy: p.Strategy,
		InAmount: sized.Amount, OutAmount: q.OutAmount, TxHash: txHash, InputMint: p.InputMint,
		OutputMint: p.OutputMint, SlippageBps: p.SlippageBps, MevMode: p.MevMode,
		PriorityFeeLamports: p.PriorityFeeLamports, TipLamports: p.TipLamports, CreatedAt: now.UnixMilli(),
	}
	if err := e.DB.InsertTrade(trade); err != nil {
		e.Log.Error().Err(err).Str("idKey", idKey).Msg("persistence failed after confirmed send")
	}
	if err := e.Idempotency.Complete(idKey, txHash); err != nil {
		e.Log.Error().Err(err).Msg("idempotency persist failed")
	}

	// Step 10: post-trade side effects, off the hot path.
	if e.Effects != nil {
		go e.Effects.OnTradeOpened(trade)
	}

	return txHash, nil
}

// sendWithRetry drives the retry matrix (spec §4.10) around a send attempt:
// exactly one dimension is bumped per NET retry (CU, then tip, then route
// toggle, then RPC rotation), an UNKNOWN error gets one conservative CU bump,
// and a USER error surfaces immediately. The actual transport call is left to
// sendAttempt, which picks the send path precedence from spec §4.12 step 8
// (probe -> bundle -> direct AMM -> aggregator). p is a local copy, so the
// bumps never leak back into the caller's params.
func (e *Executor) sendWithRetry(ctx context.Context, u UserCtx, p TradeParams, q *quote.Quote, dek []byte) (string, error) {
	var lastErr error
	for k := 1; k <= e.RetryPolicy.Max+1; k++ {
		txHash, err := e.sendAttempt(ctx, u, p, q, dek)
		if err == nil {
			return txHash, nil
		}
		lastErr = err
		class := retry.Classify(err.Error())
		if e.Metrics != nil {
			e.Metrics.IncClassified(class)
		}
		if !retry.ShouldRetry(class, k, e.RetryPolicy) {
			break
		}
		if e.Metrics != nil {
			e.Metrics.IncRetryAttempt()
		}

		switch retry.NextDimension(class, k, e.RetryPolicy) {
		case retry.DimensionBumpCU:
			p.PriorityFeeLamports += p.PriorityFeeLamports/2 + 10_000
		case retry.DimensionBumpTip:
			p.TipLamports += p.TipLamports/2 + 10_000
		case retry.DimensionToggleRoute:
			p.UseJitoBundle = !p.UseJitoBundle
		case retry.DimensionRotateRPC:
			e.Quorum.Rotate()
		}

		time.Sleep(retry.Backoff(k, e.RetryPolicy))
		// Quote/blockhash refresh before each retry.
		if refreshed, rerr := e.QuoteSvc.GetQuote(ctx, p.InputMint, p.OutputMint, p.Amount, p.SlippageBps); rerr == nil {
			q = refreshed
		}
		e.Quorum.PrewarmAll(ctx, time.Duration(e.QuorumConfig.BlockhashTTLMs)*time.Millisecond)
	}
	return "", fmt.Errorf("executor: send failed after retries: %w", lastErr)
}

// sendAttempt resolves the wallet's signing key from the unlocked DEK, signs
// the quote's transaction, and dispatches it per spec §4.12 step 8's
// precedence: probe-then-scale, else Jito bundle, else direct AMM fallback,
// else the aggregator quorum path as the default.
func (e *Executor) sendAttempt(ctx context.Context, u UserCtx, p TradeParams, q *quote.Quote, dek []byte) (string, error) {
	signer, err := e.resolveSigner(u, dek)
	if err != nil {
		return "", err
	}

	tx, raw, err := e.buildAndSign(ctx, q, signer, p.PriorityFeeLamports)
	if err != nil {
		return "", err
	}

	if p.ProbeEnabled && e.ProbeConfig.Enabled {
		return e.sendWithProbe(ctx, u, p, q, signer, tx, raw)
	}
	if p.UseJitoBundle {
		return e.sendViaRelay(ctx, tx, signer, p.TipLamports)
	}
	// DirectAMMFallback and the plain aggregator path both land on the
	// quorum transport; there is no separate direct-AMM transport to fall
	// back to in this build.
	return e.Quorum.SendRawTransactionQuorum(ctx, raw, e.QuorumConfig)
}

// sendWithProbe executes a micro-buy first; if the observed impact exceeds
// the probe's abort threshold the scale leg never fires, recording
// probe_abort_total instead of probe_scale_success_total.
func (e *Executor) sendWithProbe(ctx context.Context, u UserCtx, p TradeParams, q *quote.Quote, signer solana.PrivateKey, tx *solana.Transaction, raw []byte) (string, error) {
	probeAmount := sizing.ProbeSize(p.Amount, e.ProbeConfig)
	probeQuote, err := e.QuoteSvc.GetQuote(ctx, p.InputMint, p.OutputMint, probeAmount, p.SlippageBps)
	if err != nil {
		return "", fmt.Errorf("executor: probe quote: %w", err)
	}
	_, probeRaw, err := e.buildAndSign(ctx, probeQuote, signer, p.PriorityFeeLamports)
	if err != nil {
		return "", err
	}
	if _, err := e.Quorum.SendRawTransactionQuorum(ctx, probeRaw, e.QuorumConfig); err != nil {
		return "", fmt.Errorf("executor: probe send: %w", err)
	}

	if sizing.ShouldAbortProbe(probeQuote.PriceImpactPct, e.ProbeConfig) {
		if e.Metrics != nil {
			e.Metrics.IncProbeAbort()
		}
		return "", armerr.ErrImpactTooHigh
	}

	if e.ProbeConfig.DelayMs > 0 {
		time.Sleep(time.Duration(e.ProbeConfig.DelayMs) * time.Millisecond)
	}

	txHash, err := e.Quorum.SendRawTransactionQuorum(ctx, raw, e.QuorumConfig)
	if err != nil {
		return "", err
	}
	if e.Metrics != nil {
		e.Metrics.IncProbeScaleSuccess()
	}
	return txHash, nil
}

// sendViaRelay fires the tx through the Jito bundle relay and waits for its
// ack off the quorum path — a bundle either lands or it doesn't, so there is
// no separate confirmation step to race against.
func (e *Executor) sendViaRelay(ctx context.Context, tx *solana.Transaction, signer solana.PrivateKey, tipLamports int64) (string, error) {
	ackCh := e.Relay.Send(ctx, tx, signer, uint64(tipLamports))
	select {
	case ack := <-ackCh:
		if ack.Err != nil {
			return "", fmt.Errorf("executor: relay send: %w", ack.Err)
		}
		return ack.BundleID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolveSigner loads the wallet's envelope, decrypts its secret with the
// already-unwrapped DEK, and resolves it into a signing key. The plaintext
// secret is zeroed before this function returns.
func (e *Executor) resolveSigner(u UserCtx, dek []byte) (solana.PrivateKey, error) {
	if e.Wallets == nil {
		return solana.PrivateKey{}, armerr.ErrCorruptEnvelope
	}
	w, err := e.DB.GetWallet(u.UserID, u.WalletID)
	if err != nil || w == nil {
		return solana.PrivateKey{}, armerr.ErrWalletNotFound
	}
	env, err := envelope.FromJSON(w.EnvelopeJSON)
	if err != nil {
		return solana.PrivateKey{}, armerr.ErrCorruptEnvelope
	}
	secret, err := envelope.DecryptSecretWithDEK(env, dek, envelope.AAD(u.UserID, u.WalletID))
	if err != nil {
		return solana.PrivateKey{}, err
	}
	defer envelope.Zero(secret)

	return e.Wallets.Resolve(secret)
}

// buildAndSign asks the quote provider to build the swap transaction for q
// against the resolved signer's pubkey, decodes its base64 wire form, and
// signs it. Returns both the parsed transaction (for the relay path, which
// needs to attach its own tip transaction) and the signed wire bytes (for
// the quorum path, which only ever needs raw bytes).
func (e *Executor) buildAndSign(ctx context.Context, q *quote.Quote, signer solana.PrivateKey, priorityFeeLamports int64) (*solana.Transaction, []byte, error) {
	swapTx, err := e.QuoteSvc.GetSwapTransaction(ctx, q, signer.PublicKey().String(), priorityFeeLamports)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: build swap transaction: %w", err)
	}
	unsigned, err := base64.StdEncoding.DecodeString(swapTx.TransactionB64)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: decode swap transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(unsigned))
	if err != nil {
		return nil, nil, fmt.Errorf("executor: parse swap transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return nil, nil, fmt.Errorf("executor: sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("executor: marshal signed tx: %w", err)
	}
	return tx, raw, nil
}

// ForUser binds a fixed userID and trade template so the Parallel Filler's
// per-wallet/per-amount calls can drive ExecuteTrade through its narrow
// filler.Executor interface without the filler package depending on
// UserCtx/TradeParams directly.
type ForUser struct {
	Exec     *Executor
	UserID   string
	Template TradeParams
}

func (f ForUser) ExecuteForWallet(ctx context.Context, walletID string, amount int64, idKey string) (string, error) {
	params := f.Template
	params.Amount = amount
	return f.Exec.ExecuteTrade(ctx, UserCtx{UserID: f.UserID, WalletID: walletID}, params)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
