package filler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockExecutor struct {
	mu       sync.Mutex
	failWhen func(walletID string) bool
	delay    time.Duration
	calls    []string
}

func (m *mockExecutor) ExecuteForWallet(ctx context.Context, walletID string, amount int64, idKey string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, idKey)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.failWhen != nil && m.failWhen(walletID) {
		return "", errors.New("simulated failure for " + walletID)
	}
	return "tx-" + walletID, nil
}

func TestNormalizeSplitsFractions(t *testing.T) {
	amounts, err := NormalizeSplits(1000, []WalletSplit{{WalletID: "A", Split: 0.5}, {WalletID: "B", Split: 0.5}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if amounts[0] != 500 || amounts[1] != 500 {
		t.Errorf("expected [500 500], got %v", amounts)
	}
}

func TestNormalizeSplitsPercentages(t *testing.T) {
	amounts, err := NormalizeSplits(3_000_000, []WalletSplit{{WalletID: "A", Split: 50}, {WalletID: "B", Split: 25}, {WalletID: "C", Split: 25}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []int64{1_500_000, 750_000, 750_000}
	for i := range want {
		if amounts[i] != want[i] {
			t.Errorf("amounts[%d] = %d, want %d", i, amounts[i], want[i])
		}
	}
}

func TestNormalizeSplitsRejectsEmpty(t *testing.T) {
	if _, err := NormalizeSplits(1000, nil); err == nil {
		t.Error("expected error for empty splits")
	}
}

func TestNormalizeSplitsRejectsOutOfRangeSum(t *testing.T) {
	if _, err := NormalizeSplits(1000, []WalletSplit{{WalletID: "A", Split: 5}, {WalletID: "B", Split: 6}}); err == nil {
		t.Error("expected error for a sum outside the fraction/percentage conventions")
	}
}

func TestBatchExecutesAllAndSummarizes(t *testing.T) {
	exec := &mockExecutor{failWhen: func(w string) bool { return w == "B" }}
	splits := []WalletSplit{{WalletID: "A", Split: 50}, {WalletID: "B", Split: 25}, {WalletID: "C", Split: 25}}

	results, summary, err := Batch(context.Background(), exec, 3_000_000, splits, 2, "K")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if summary.OkCount != 2 || summary.FailCount != 1 {
		t.Errorf("expected okCount=2 failCount=1, got %+v", summary)
	}
	if summary.AllocatedTotal != 3_000_000 {
		t.Errorf("expected allocatedTotal=3000000, got %d", summary.AllocatedTotal)
	}

	wantIDKeys := map[string]bool{"K-w0": true, "K-w1": true, "K-w2": true}
	for _, r := range results {
		_ = r
	}
	exec.mu.Lock()
	for _, c := range exec.calls {
		if !wantIDKeys[c] {
			t.Errorf("unexpected idKey %q", c)
		}
		delete(wantIDKeys, c)
	}
	exec.mu.Unlock()
	if len(wantIDKeys) != 0 {
		t.Errorf("missing expected idKeys: %v", wantIDKeys)
	}
}

func TestFirstWinReturnsFirstSuccess(t *testing.T) {
	exec := &mockExecutor{failWhen: func(w string) bool { return w == "slow" }}
	splits := []WalletSplit{{WalletID: "fast", Split: 0.5}, {WalletID: "slow", Split: 0.5}}

	res, err := FirstWin(context.Background(), exec, 1000, splits, 2, "K")
	if err != nil {
		t.Fatalf("first win: %v", err)
	}
	if res.WalletID != "fast" {
		t.Errorf("expected fast wallet to win, got %s", res.WalletID)
	}
}

func TestFirstWinAllFail(t *testing.T) {
	exec := &mockExecutor{failWhen: func(w string) bool { return true }}
	splits := []WalletSplit{{WalletID: "A", Split: 0.5}, {WalletID: "B", Split: 0.5}}

	if _, err := FirstWin(context.Background(), exec, 1000, splits, 2, "K"); err == nil {
		t.Error("expected an error when every attempt fails")
	}
}
