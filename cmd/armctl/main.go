// Command armctl is the process entrypoint: it loads configuration, opens
// storage, wires every component from spec §2 together, and serves the Arm
// HTTP Surface.
//
// Grounded on the teacher's main.go for the overall "flag.Parse, load
// config, color-banner startup log, run until signaled" shape — the
// wallet-analyzer pipeline it drove is gone (out of scope), replaced by the
// arm/execute/watch wiring this spec describes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"armed-turbo-executor/config"
	"armed-turbo-executor/internal/alerts"
	"armed-turbo-executor/internal/armhttp"
	"armed-turbo-executor/internal/autoreturn"
	"armed-turbo-executor/internal/effects"
	"armed-turbo-executor/internal/executor"
	"armed-turbo-executor/internal/idempotency"
	"armed-turbo-executor/internal/leader"
	"armed-turbo-executor/internal/mintinfo"
	"armed-turbo-executor/internal/obslog"
	"armed-turbo-executor/internal/quote"
	"armed-turbo-executor/internal/quotecache"
	"armed-turbo-executor/internal/relay"
	"armed-turbo-executor/internal/retry"
	"armed-turbo-executor/internal/rpcquorum"
	"armed-turbo-executor/internal/session"
	"armed-turbo-executor/internal/sizing"
	"armed-turbo-executor/internal/telemetry"
	"armed-turbo-executor/internal/wallet"
	"armed-turbo-executor/internal/watcher"
	"armed-turbo-executor/storage"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// dbWalletResolver adapts *storage.DB to autoreturn.WalletResolver, keeping
// the autoreturn package decoupled from the storage schema.
type dbWalletResolver struct{ db *storage.DB }

func (r dbWalletResolver) GetWalletByID(walletID string) (*autoreturn.WalletRow, error) {
	w, err := r.db.GetWalletByID(walletID)
	if err != nil || w == nil {
		return nil, err
	}
	return &autoreturn.WalletRow{UserID: w.UserID, IsProtected: w.IsProtected, EnvelopeJSON: w.EnvelopeJSON}, nil
}

// noLeaderSchedule is the default leader.Source when no validator pubkey and
// websocket URL are configured: it never reports a window, so leader-timing
// holds stay at zero unless leader.WSSlotSource is wired in below.
type noLeaderSchedule struct{}

func (noLeaderSchedule) NextLeaderWindow(now time.Time) (time.Time, bool) {
	return time.Time{}, false
}

func main() {
	configPath := flag.String("config", "config/config.json", "Config path")
	flag.Parse()

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)

	cyan.Println("\n" + strings.Repeat("=", 80))
	cyan.Println("ARMED AUTOMATION AND TURBO EXECUTION SUBSYSTEM")
	cyan.Println(strings.Repeat("=", 80) + "\n")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := obslog.New(cfg.Debug, nil)
	metrics := telemetry.New()

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening storage")
	}
	defer db.Close()

	idemStore, err := idempotency.New(idempotency.Config{
		TTLSec:       cfg.Idempotency.TTLSec,
		Salt:         cfg.Idempotency.Salt,
		ResumePath:   cfg.Idempotency.ResumePath,
		SlotBucketMs: cfg.Idempotency.SlotBucketMs,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("loading idempotency resume store")
	}
	metrics.IncResumeAttempts(idemStore.AttemptsResumed)
	metrics.IncResumeSuccess(idemStore.SuccessResumed)
	log.Info().Int64("resumed", idemStore.SuccessResumed).Msg("idempotency resume store loaded")

	quorumRPCURL := "https://api.mainnet-beta.solana.com"
	if len(cfg.RPCEndpoints) > 0 {
		quorumRPCURL = cfg.RPCEndpoints[0]
	}

	sweeper := &autoreturn.RPCSweepSender{
		RPC:          rpc.New(quorumRPCURL),
		Wallets:      dbWalletResolver{db},
		ServerSecret: []byte(cfg.ServerSecret),
		Log:          obslog.Component(log, "autoreturn"),
	}
	autoReturn := autoreturn.New(sweeper, obslog.Component(log, "autoreturn"))

	sessions := session.New(session.Config{
		SweepIntervalMs: cfg.Session.SweepIntervalMs,
		MinTTLMs:        cfg.Session.MinTTLMs,
	}, autoReturn, obslog.Component(log, "session"))
	defer sessions.Shutdown()

	quoteCache := quotecache.New(cfg.QuoteCache.CapacityEntries, time.Duration(cfg.QuoteCache.TTLMs)*time.Millisecond)
	quoteSvc := quote.NewJupiterProvider()
	quorum := rpcquorum.New(cfg.RPCEndpoints)
	quorum.SetRateLimit(cfg.Quorum.RateLimitPerSec, cfg.Quorum.RateLimitBurst)
	jitoRelay := relay.New(cfg.JitoBlockEngineURL, cfg.JitoRPCURL)
	rpcClient := rpc.New(quorumRPCURL)

	if cfg.Redis.Addr != "" {
		idemStore.Dist = idempotency.NewRedisGate(cfg.Redis.Addr, cfg.Redis.DB, "")
		log.Info().Str("addr", cfg.Redis.Addr).Msg("idempotency distributed gate enabled")
	}

	var leaderSrc leader.Source = noLeaderSchedule{}
	if cfg.LeaderTiming.ValidatorPubkey != "" && cfg.LeaderTiming.WSURL != "" {
		validator, err := solana.PublicKeyFromBase58(cfg.LeaderTiming.ValidatorPubkey)
		if err != nil {
			log.Error().Err(err).Msg("invalid leader_timing.validator_pubkey, leader timing disabled")
		} else {
			src := leader.NewWSSlotSource(cfg.LeaderTiming.WSURL, rpcClient, validator, obslog.Component(log, "leader"))
			if err := src.Start(context.Background()); err != nil {
				log.Error().Err(err).Msg("starting leader slot source, leader timing disabled")
			} else {
				leaderSrc = src
			}
		}
	}

	var alertSender *alerts.Sender
	if cfg.TelegramBotToken != "" {
		alertSender, err = alerts.New(cfg.TelegramBotToken)
		if err != nil {
			log.Error().Err(err).Msg("telegram bot init failed, alerting disabled")
			alertSender = nil
		}
	}
	chatIDs := cfg.TelegramChatIDs
	chatResolver := func(userID string) (int64, bool) {
		chatID, ok := chatIDs[userID]
		return chatID, ok
	}

	effectsDispatcher := &effects.Dispatcher{
		DB:      db,
		Alerts:  alertSender,
		ChatIDs: chatResolver,
		TpSl: effects.TpSlConfig{
			Enabled:   cfg.TpSl.Enabled,
			TPPercent: cfg.TpSl.TPPercent,
			SLPercent: cfg.TpSl.SLPercent,
		},
		Log: obslog.Component(log, "effects"),
	}

	watcherLog := obslog.Component(log, "watcher")
	watcherState := func(trade storage.Trade) watcher.State {
		state := watcher.StateFromTrade(trade)
		state.IntervalSec = cfg.Watcher.IntervalSec
		state.RugDelayBlocks = cfg.Watcher.RugDelayBlocks
		return state
	}
	effectsDispatcher.Watcher = func(trade storage.Trade) {
		state := watcherState(trade)
		if state.Mode == watcher.ModeOff && !state.AuthorityFlipExit {
			return
		}
		deps := watcher.Deps{
			ReloadExtras: func(tradeID string) (watcher.State, error) {
				t, err := db.GetOpenTrade(tradeID)
				if err != nil {
					return watcher.State{}, err
				}
				if t == nil {
					return watcher.State{}, fmt.Errorf("trade %s no longer open", tradeID)
				}
				return watcherState(*t), nil
			},
			FreezeAuth: func(ctx context.Context, mint string) (string, error) {
				return mintinfo.FreezeAuthority(ctx, rpcClient, mint)
			},
			DB:      db,
			Metrics: metrics,
			OnExit:  effectsDispatcher.OnExit,
		}
		pos := watcher.NewPosition(state, deps, watcherLog)
		go pos.Run(context.Background())
	}

	exec := &executor.Executor{
		Sessions:    sessions,
		Idempotency: idemStore,
		QuoteCache:  quoteCache,
		QuoteSvc:    quoteSvc,
		Quorum:      quorum,
		Relay:       jitoRelay,
		DB:          db,
		Metrics:     metrics,
		Effects:     effectsDispatcher,
		LeaderSrc:   leaderSrc,
		Wallets:     wallet.Resolver{},
		Log:         obslog.Component(log, "executor"),

		RetryPolicy: retry.Policy{
			Max:                   cfg.Retry.Max,
			BaseBackoffMs:         cfg.Retry.BaseBackoffMs,
			MaxBackoffMs:          cfg.Retry.MaxBackoffMs,
			RouteToggleAllowed:    cfg.Retry.RouteToggleAllowed,
			RPCEndpointsAvailable: len(cfg.RPCEndpoints) > 1,
		},
		SizingConfig: sizing.Config{
			MaxImpactPct: decimal.NewFromFloat(cfg.Sizing.MaxImpactPct),
			MaxPoolPct:   decimal.NewFromFloat(cfg.Sizing.MaxPoolPct),
			MinUSD:       decimal.NewFromFloat(cfg.Sizing.MinUSD),
		},
		ProbeConfig: sizing.ProbeConfig{
			Enabled:       cfg.Probe.Enabled,
			ScaleFactor:   cfg.Probe.ScaleFactor,
			AbortOnImpact: decimal.NewFromFloat(cfg.Probe.AbortOnImpact),
			DelayMs:       cfg.Probe.DelayMs,
		},
		LeaderConfig: leader.Config{
			Enabled:     cfg.LeaderTiming.Enabled,
			PreflightMs: cfg.LeaderTiming.PreflightMs,
			WindowSlots: cfg.LeaderTiming.WindowSlots,
			MaxHoldMs:   cfg.LeaderTiming.MaxHoldMs,
		},
		QuorumConfig: rpcquorum.QuorumConfig{
			Size:           cfg.Quorum.Size,
			Require:        cfg.Quorum.Require,
			MaxFanout:      cfg.Quorum.MaxFanout,
			StaggerMs:      cfg.Quorum.StaggerMs,
			TimeoutMs:      cfg.Quorum.TimeoutMs,
			BlockhashTTLMs: cfg.Quorum.BlockhashTTLMs,
		},
		Salt: cfg.Idempotency.Salt,

		KillSwitch: func() bool { return cfg.KillSwitch },
	}
	// exec.ExecuteTrade is the hot-path entrypoint strategy callers and
	// pump.fun-event handlers invoke; wiring a concrete trigger surface for
	// those external collaborators is out of spec scope (§1), so armctl only
	// assembles and holds the executor ready for an in-process caller.
	_ = exec

	httpServer := &armhttp.Server{
		Sessions:      sessions,
		DB:            db,
		AutoReturn:    autoReturn,
		Guardian:      db,
		ServerSecret:  []byte(cfg.ServerSecret),
		DefaultTTLMin: 240,
		Log:           obslog.Component(log, "armhttp"),
	}

	router := httpServer.NewRouter()
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		green.Printf("listening on %s\n", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	waitForShutdown(srv, sessions, log)
}

func waitForShutdown(srv *http.Server, sessions *session.Cache, log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	// Process-shutdown guarantee from spec §5: the Session Cache zeros every
	// DEK it still holds.
	sessions.Shutdown()
}
