// Package autoreturn implements the Auto-Return Scheduler: per-session
// expiry timers that optionally sweep a wallet's funds to a user-declared
// destination once a session lapses.
//
// Grounded on internal/engine/janitor.go's ticker+semaphore batch-processing
// shape, adapted from "cancel expired limit orders" to "sweep expired
// sessions", and on github.com/gagliardetto/solana-go/programs/system for
// the SOL transfer instruction the sweep issues.
package autoreturn

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/rs/zerolog"
)

// Config is the per-user AutoReturnConfig from spec §3.
type Config struct {
	EnabledDefault     bool
	DestPubkey         string
	GraceSeconds       int
	SweepTokens        bool
	SolMinKeepLamports int64
	FeeBufferLamports  int64
	ExcludeMints       []string
}

// Override is the optional per-session override from spec §4.3. Unset
// pointer fields fall through to the user default; per the resolved Open
// Question, a present override field always wins over the user default.
type Override struct {
	Enabled    *bool
	DestPubkey *string
}

// Merge applies "override wins if present" field by field.
func Merge(def Config, ov *Override) Config {
	if ov == nil {
		return def
	}
	out := def
	if ov.Enabled != nil {
		out.EnabledDefault = *ov.Enabled
	}
	if ov.DestPubkey != nil {
		out.DestPubkey = *ov.DestPubkey
	}
	return out
}

type pending struct {
	userID, walletID string
	fireAt           time.Time
	cfg              Config
	override         *Override
}

// SweepSender is the narrow transfer interface the scheduler needs; it
// builds and sends the SOL (and optionally SPL) sweep transaction.
type SweepSender interface {
	SweepSOL(ctx context.Context, walletID string, keepLamports int64, dest solana.PublicKey) error
	SweepTokens(ctx context.Context, walletID string, excludeMints []string, dest solana.PublicKey) error
}

// Scheduler owns the pending-fire set exclusively, per spec §5.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*pending

	sender SweepSender
	log    zerolog.Logger

	triggeredMu sync.Mutex
	triggered   map[string]bool
}

func New(sender SweepSender, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		pending:   make(map[string]*pending),
		triggered: make(map[string]bool),
		sender:    sender,
		log:       log,
	}
}

func key(userID, walletID string) string { return userID + "|" + walletID }

// Schedule (re)schedules a fire at expiresAt + graceSeconds, per spec §4.3.
func (s *Scheduler) Schedule(userID, walletID string, expiresAt time.Time, cfg Config, ov *Override) {
	fireAt := expiresAt.Add(time.Duration(cfg.GraceSeconds) * time.Second)
	s.mu.Lock()
	s.pending[key(userID, walletID)] = &pending{userID: userID, walletID: walletID, fireAt: fireAt, cfg: cfg, override: ov}
	s.mu.Unlock()
}

// Cancel removes any pending fire for (userID, walletID).
func (s *Scheduler) Cancel(userID, walletID string) {
	s.mu.Lock()
	delete(s.pending, key(userID, walletID))
	s.mu.Unlock()
}

// OnSessionExpired implements session.ExpiryNotifier: the Session Cache
// calls this the moment it zeros a lapsed DEK.
func (s *Scheduler) OnSessionExpired(userID, walletID string) {
	s.mu.Lock()
	p, ok := s.pending[key(userID, walletID)]
	s.mu.Unlock()
	if !ok {
		return
	}
	go s.waitAndFire(p)
}

func (s *Scheduler) waitAndFire(p *pending) {
	delay := time.Until(p.fireAt)
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	cur, ok := s.pending[key(p.userID, p.walletID)]
	if ok {
		delete(s.pending, key(p.userID, p.walletID))
	}
	s.mu.Unlock()
	if !ok || cur != p {
		return // cancelled or replaced since scheduling
	}

	merged := Merge(p.cfg, p.override)
	if !merged.EnabledDefault || merged.DestPubkey == "" {
		return
	}
	dest, err := solana.PublicKeyFromBase58(merged.DestPubkey)
	if err != nil {
		s.log.Error().Err(err).Str("walletId", p.walletID).Msg("auto-return: invalid destination pubkey")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	keep := merged.SolMinKeepLamports + merged.FeeBufferLamports
	if err := s.sender.SweepSOL(ctx, p.walletID, keep, dest); err != nil {
		s.log.Error().Err(err).Str("walletId", p.walletID).Msg("auto-return: sol sweep failed")
		return
	}
	if merged.SweepTokens {
		if err := s.sender.SweepTokens(ctx, p.walletID, merged.ExcludeMints, dest); err != nil {
			s.log.Error().Err(err).Str("walletId", p.walletID).Msg("auto-return: token sweep failed")
		}
	}

	s.triggeredMu.Lock()
	s.triggered[key(p.userID, p.walletID)] = true
	s.triggeredMu.Unlock()

	s.log.Info().Str("walletId", p.walletID).Msg("auto-return swept wallet")
}

// ConsumeTriggered reports and clears the one-shot autoReturnTriggered flag
// consumed by /status.
func (s *Scheduler) ConsumeTriggered(userID, walletID string) bool {
	s.triggeredMu.Lock()
	defer s.triggeredMu.Unlock()
	k := key(userID, walletID)
	v := s.triggered[k]
	delete(s.triggered, k)
	return v
}

// TransferInstruction is a small helper for SweepSender implementations,
// grounded on internal/solana/jito.go's use of system.NewTransferInstruction.
func TransferInstruction(lamports uint64, from, to solana.PublicKey) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}
