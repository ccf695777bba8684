package storage

import (
	"database/sql"
	"os"
	"testing"
	"time"
)

func TestDatabaseOperations(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbPath := tmpfile.Name()
	tmpfile.Close()
	defer os.Remove(dbPath)

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	now := time.Now().UnixMilli()

	t.Run("InsertTrade", func(t *testing.T) {
		trade := Trade{
			ID: "trade-1", UserID: "u1", WalletID: "w1", Mint: "MINT1", Strategy: "turbo",
			InAmount: 1_000_000_000, OutAmount: 50_000, EntryPrice: 0.00002, TxHash: "tx1",
			InputMint: "SOL", OutputMint: "MINT1", SlippageBps: 50, CreatedAt: now,
		}
		if err := db.InsertTrade(trade); err != nil {
			t.Fatalf("insert trade: %v", err)
		}

		got, err := db.GetOpenTrade("trade-1")
		if err != nil {
			t.Fatalf("get open trade: %v", err)
		}
		if got == nil || got.TxHash != "tx1" {
			t.Fatalf("💥 trade round-trip mismatch: %+v", got)
		}
		t.Logf("🪙 trade persisted with txHash=%s", got.TxHash)
	})

	t.Run("DedupGuard", func(t *testing.T) {
		tx, found, err := db.FindRecentBuy("u1", "w1", "MINT1", "turbo", now-60_000)
		if err != nil {
			t.Fatalf("find recent buy: %v", err)
		}
		if !found || tx != "tx1" {
			t.Fatalf("expected dedup guard to find trade-1, got found=%v tx=%s", found, tx)
		}
	})

	t.Run("FIFOCloseFull", func(t *testing.T) {
		if err := db.CloseFIFO("trade-1", "closed-1", 50_000, 0.00003, 1.5, "smart-time", now+1000, "tx-exit-1"); err != nil {
			t.Fatalf("fifo close: %v", err)
		}
		got, err := db.GetOpenTrade("trade-1")
		if err != nil {
			t.Fatalf("reload trade: %v", err)
		}
		if got.ClosedOutAmount != got.OutAmount {
			t.Fatalf("expected closedOutAmount == outAmount after full fifo close, got %d vs %d", got.ClosedOutAmount, got.OutAmount)
		}
		t.Log("✅ position fully closed, ClosedTrade row written")
	})

	t.Run("UpsertTpSlRule", func(t *testing.T) {
		rule := TpSlRule{
			ID: "rule-1", UserID: "u1", WalletID: "w1", Mint: "MINT1", Strategy: "turbo",
			TPPercent: sql.NullFloat64{Float64: 50, Valid: true}, EntryPrice: 0.00002,
			Enabled: true, Status: "active",
		}
		if err := db.UpsertTpSlRule(rule); err != nil {
			t.Fatalf("upsert rule: %v", err)
		}
		rule.Status = "fired"
		if err := db.UpsertTpSlRule(rule); err != nil {
			t.Fatalf("upsert rule (update path): %v", err)
		}
	})

	t.Run("ConcurrentInserts", func(t *testing.T) {
		done := make(chan error, 10)
		for i := 0; i < 10; i++ {
			go func(i int) {
				trade := Trade{
					ID: "concurrent-" + string(rune('a'+i)), UserID: "u2", WalletID: "w2",
					Mint: "MINT2", Strategy: "turbo", InAmount: 1, OutAmount: 1, CreatedAt: now,
				}
				done <- db.InsertTrade(trade)
			}(i)
		}
		for i := 0; i < 10; i++ {
			if err := <-done; err != nil {
				t.Errorf("concurrent insert failed: %v", err)
			}
		}
		t.Log("🔀 10 concurrent trade inserts completed")
	})
}
