// Package filler implements the Parallel Filler: splitting one trade across
// several wallets with bounded concurrency, either racing for a first win or
// collecting a full batch report.
//
// Grounded on analyzer/analyzer.go's worker-pool-over-closed-channel pattern
// (a channel pre-loaded with work items, N goroutines draining it,
// sync.WaitGroup join) combined with internal/engine/janitor.go's semaphore
// idiom for bounding concurrency.
package filler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"armed-turbo-executor/internal/armerr"
)

// Executor is the narrow slice of the Turbo Executor the filler needs: one
// attempt for one wallet under one idKey.
type Executor interface {
	ExecuteForWallet(ctx context.Context, walletID string, amount int64, idKey string) (txHash string, err error)
}

// WalletSplit is one wallet's share of the total.
type WalletSplit struct {
	WalletID string
	// Split is either a fraction (~1) or a percentage (~100); NormalizeSplits
	// detects which convention the caller used.
	Split float64
}

// PerWalletResult is one wallet's outcome in batch mode.
type PerWalletResult struct {
	WalletID string
	Amount   int64
	TxHash   string
	Err      error
}

// BatchSummary mirrors spec §4.11's summary shape.
type BatchSummary struct {
	OkCount        int
	FailCount      int
	AllocatedTotal int64
}

// NormalizeSplits accepts fractions (sum between 0.5 and 1.5) or percentages
// (sum between 50 and 110) and returns integer-floored amounts per wallet.
// Each amount is split/scale*totalAmount with scale 1 or 100; the splits are
// not rescaled by their sum, so a sum above 1 (or 100) allocates more than
// totalAmount in all.
func NormalizeSplits(totalAmount int64, splits []WalletSplit) ([]int64, error) {
	if len(splits) == 0 {
		return nil, armerr.ErrInvalidInput
	}
	var sum float64
	for _, s := range splits {
		sum += s.Split
	}
	if sum <= 0 {
		return nil, armerr.ErrInvalidInput
	}

	var scale float64
	switch {
	case sum >= 50 && sum <= 110:
		scale = 100 // percentage convention
	case sum >= 0.5 && sum <= 1.5:
		scale = 1 // fraction convention
	default:
		return nil, armerr.ErrInvalidInput
	}

	amounts := make([]int64, len(splits))
	for i, s := range splits {
		frac := s.Split / scale
		amounts[i] = int64(frac * float64(totalAmount))
	}
	return amounts, nil
}

func idKeyFor(base string, i int) string {
	return fmt.Sprintf("%s-w%d", base, i)
}

// FirstWinResult carries the race outcome plus how long it took.
type FirstWinResult struct {
	WalletID  string
	TxHash    string
	ElapsedMs int64
}

// FirstWin races attempts across wallets; the first success wins, remaining
// attempts are allowed to settle but their outcomes are discarded.
func FirstWin(ctx context.Context, exec Executor, totalAmount int64, splits []WalletSplit, maxParallel int, idKeyBase string) (*FirstWinResult, error) {
	amounts, err := NormalizeSplits(totalAmount, splits)
	if err != nil {
		return nil, err
	}
	if maxParallel <= 0 {
		maxParallel = len(splits)
	}

	start := time.Now()
	type raceResult struct {
		walletID string
		txHash   string
		err      error
	}
	results := make(chan raceResult, len(splits))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, s := range splits {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, s WalletSplit) {
			defer wg.Done()
			defer func() { <-sem }()
			tx, err := exec.ExecuteForWallet(raceCtx, s.WalletID, amounts[i], idKeyFor(idKeyBase, i))
			select {
			case results <- raceResult{walletID: s.WalletID, txHash: tx, err: err}:
			default:
			}
		}(i, s)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var winner *FirstWinResult
	for r := range results {
		if r.err == nil && winner == nil {
			winner = &FirstWinResult{WalletID: r.walletID, TxHash: r.txHash, ElapsedMs: time.Since(start).Milliseconds()}
			cancel()
		}
	}
	if winner == nil {
		return nil, fmt.Errorf("parallel filler: all %d attempts failed", len(splits))
	}
	return winner, nil
}

// Batch executes all wallets concurrently (bounded by maxParallel) and
// returns a full per-wallet report.
func Batch(ctx context.Context, exec Executor, totalAmount int64, splits []WalletSplit, maxParallel int, idKeyBase string) ([]PerWalletResult, BatchSummary, error) {
	amounts, err := NormalizeSplits(totalAmount, splits)
	if err != nil {
		return nil, BatchSummary{}, err
	}
	if maxParallel <= 0 {
		maxParallel = len(splits)
	}

	results := make([]PerWalletResult, len(splits))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, s := range splits {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, s WalletSplit) {
			defer wg.Done()
			defer func() { <-sem }()
			tx, err := exec.ExecuteForWallet(ctx, s.WalletID, amounts[i], idKeyFor(idKeyBase, i))
			results[i] = PerWalletResult{WalletID: s.WalletID, Amount: amounts[i], TxHash: tx, Err: err}
		}(i, s)
	}
	wg.Wait()

	var summary BatchSummary
	for _, r := range results {
		if r.Err == nil {
			summary.OkCount++
		} else {
			summary.FailCount++
		}
		summary.AllocatedTotal += r.Amount
	}
	return results, summary, nil
}
