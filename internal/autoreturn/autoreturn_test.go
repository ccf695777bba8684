package autoreturn

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

type fakeSender struct {
	mu         sync.Mutex
	solCalls   []solSweep
	tokenCalls []tokenSweep
}

type solSweep struct {
	walletID string
	keep     int64
	dest     solana.PublicKey
}

type tokenSweep struct {
	walletID string
	exclude  []string
	dest     solana.PublicKey
}

func (f *fakeSender) SweepSOL(ctx context.Context, walletID string, keepLamports int64, dest solana.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solCalls = append(f.solCalls, solSweep{walletID, keepLamports, dest})
	return nil
}

func (f *fakeSender) SweepTokens(ctx context.Context, walletID string, excludeMints []string, dest solana.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls = append(f.tokenCalls, tokenSweep{walletID, excludeMints, dest})
	return nil
}

func validDest() string {
	return solana.NewWallet().PublicKey().String()
}

func TestMergeOverrideWins(t *testing.T) {
	enabled := true
	dest := "custom-dest"
	def := Config{EnabledDefault: false, DestPubkey: "default-dest"}
	got := Merge(def, &Override{Enabled: &enabled, DestPubkey: &dest})
	if !got.EnabledDefault || got.DestPubkey != "custom-dest" {
		t.Errorf("expected override to win, got %+v", got)
	}
}

func TestMergeNilOverrideKeepsDefault(t *testing.T) {
	def := Config{EnabledDefault: true, DestPubkey: "default-dest"}
	got := Merge(def, nil)
	if !reflect.DeepEqual(got, def) {
		t.Errorf("expected nil override to pass the default through unchanged, got %+v", got)
	}
}

func TestScheduleAndCancel(t *testing.T) {
	s := New(&fakeSender{}, zerolog.Nop())
	s.Schedule("u1", "w1", time.Now().Add(time.Hour), Config{}, nil)
	if _, ok := s.pending[key("u1", "w1")]; !ok {
		t.Fatal("expected a pending entry after Schedule")
	}
	s.Cancel("u1", "w1")
	if _, ok := s.pending[key("u1", "w1")]; ok {
		t.Error("expected Cancel to remove the pending entry")
	}
}

func TestOnSessionExpiredNoPendingIsNoop(t *testing.T) {
	s := New(&fakeSender{}, zerolog.Nop())
	s.OnSessionExpired("u1", "w1") // must not panic or block
}

func TestWaitAndFireSweepsWhenEnabled(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, zerolog.Nop())
	dest := validDest()
	cfg := Config{EnabledDefault: true, DestPubkey: dest, SolMinKeepLamports: 1000, FeeBufferLamports: 500}
	s.Schedule("u1", "w1", time.Now().Add(-time.Second), cfg, nil)
	p := s.pending[key("u1", "w1")]

	s.waitAndFire(p)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.solCalls) != 1 {
		t.Fatalf("expected exactly one SOL sweep, got %d", len(sender.solCalls))
	}
	if sender.solCalls[0].keep != 1500 {
		t.Errorf("expected keep=min+buffer=1500, got %d", sender.solCalls[0].keep)
	}
	if len(sender.tokenCalls) != 0 {
		t.Error("token sweep must not run when SweepTokens is false")
	}
	if !s.ConsumeTriggered("u1", "w1") {
		t.Error("expected the triggered flag to be set after a successful sweep")
	}
	if s.ConsumeTriggered("u1", "w1") {
		t.Error("ConsumeTriggered must clear the flag on first read")
	}
}

func TestWaitAndFireSweepsTokensWhenConfigured(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, zerolog.Nop())
	dest := validDest()
	cfg := Config{EnabledDefault: true, DestPubkey: dest, SweepTokens: true, ExcludeMints: []string{"USDC"}}
	s.Schedule("u1", "w1", time.Now().Add(-time.Second), cfg, nil)
	p := s.pending[key("u1", "w1")]

	s.waitAndFire(p)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.tokenCalls) != 1 {
		t.Fatalf("expected exactly one token sweep, got %d", len(sender.tokenCalls))
	}
	if len(sender.tokenCalls[0].exclude) != 1 || sender.tokenCalls[0].exclude[0] != "USDC" {
		t.Errorf("expected excludeMints to be passed through, got %v", sender.tokenCalls[0].exclude)
	}
}

func TestWaitAndFireSkipsWhenDisabled(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, zerolog.Nop())
	cfg := Config{EnabledDefault: false, DestPubkey: validDest()}
	s.Schedule("u1", "w1", time.Now().Add(-time.Second), cfg, nil)
	p := s.pending[key("u1", "w1")]

	s.waitAndFire(p)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.solCalls) != 0 {
		t.Error("a disabled config must never sweep")
	}
}

func TestWaitAndFireSkipsOnInvalidDestPubkey(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, zerolog.Nop())
	cfg := Config{EnabledDefault: true, DestPubkey: "not-a-valid-base58-pubkey!!"}
	s.Schedule("u1", "w1", time.Now().Add(-time.Second), cfg, nil)
	p := s.pending[key("u1", "w1")]

	s.waitAndFire(p)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.solCalls) != 0 {
		t.Error("an invalid destination pubkey must never reach the sweep sender")
	}
}

func TestWaitAndFireSkipsIfPendingWasReplaced(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, zerolog.Nop())
	cfg := Config{EnabledDefault: true, DestPubkey: validDest()}
	s.Schedule("u1", "w1", time.Now().Add(-time.Second), cfg, nil)
	stale := s.pending[key("u1", "w1")]

	// Reschedule replaces the map entry with a new *pending before the stale
	// one fires.
	s.Schedule("u1", "w1", time.Now().Add(-time.Second), cfg, nil)

	s.waitAndFire(stale)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.solCalls) != 0 {
		t.Error("a stale pending must not fire once replaced by a reschedule")
	}
}
