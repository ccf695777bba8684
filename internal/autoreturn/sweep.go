package autoreturn

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"armed-turbo-executor/internal/envelope"
	"armed-turbo-executor/internal/wallet"
)

// RPCSweepSender is the production SweepSender: it resolves a wallet's
// secret and submits a real SOL transfer transaction. SPL token accounts are
// not swept: SweepTokens transfers nothing.
//
// Grounded on internal/solana/jito.go's tip-transfer construction (reused
// nearly verbatim here for the SOL sweep).
//
// Only wallets using the unprotected HKDF envelope can be auto-swept: a
// pass-phrase-protected wallet's DEK is zeroed by the Session Cache before
// the scheduler is notified (spec §4.2's "no DEK ever surfaces outside the
// cache" guarantee), so there is nothing left here to unwrap. This is named
// explicitly rather than silently failing; see DESIGN.md.
type RPCSweepSender struct {
	RPC          *rpc.Client
	Wallets      WalletResolver
	ServerSecret []byte
	Log          zerolog.Logger
}

// WalletResolver is satisfied by *storage.DB.
type WalletResolver interface {
	GetWalletByID(walletID string) (*WalletRow, error)
}

// WalletRow is the slice of storage.Wallet the sweeper reads.
type WalletRow struct {
	UserID       string
	IsProtected  bool
	EnvelopeJSON string
}

func (s *RPCSweepSender) resolveSigner(walletID string) (solana.PrivateKey, error) {
	w, err := s.Wallets.GetWalletByID(walletID)
	if err != nil {
		return nil, fmt.Errorf("autoreturn: load wallet: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("autoreturn: wallet %s not found", walletID)
	}
	if w.IsProtected {
		return nil, fmt.Errorf("autoreturn: wallet %s is pass-phrase protected, cannot auto-sweep past expiry", walletID)
	}
	env, err := envelope.FromJSON(w.EnvelopeJSON)
	if err != nil {
		return nil, fmt.Errorf("autoreturn: parse envelope: %w", err)
	}
	secret, err := envelope.DecryptUnprotected(env, w.UserID, s.ServerSecret)
	if err != nil {
		return nil, fmt.Errorf("autoreturn: decrypt unprotected envelope: %w", err)
	}
	defer envelope.Zero(secret)

	// The envelope plaintext is the base58 64-byte secret, the same
	// convention the executor's signer resolution uses.
	key, err := wallet.ResolvePrivateKey(string(secret))
	if err != nil {
		return nil, fmt.Errorf("autoreturn: resolve signer: %w", err)
	}
	return key, nil
}

// SweepSOL transfers everything above keepLamports to dest.
func (s *RPCSweepSender) SweepSOL(ctx context.Context, walletID string, keepLamports int64, dest solana.PublicKey) error {
	signer, err := s.resolveSigner(walletID)
	if err != nil {
		return err
	}

	bal, err := s.RPC.GetBalance(ctx, signer.PublicKey(), rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("autoreturn: get balance: %w", err)
	}
	if int64(bal.Value) <= keepLamports {
		return nil // nothing above the keep threshold
	}
	amount := int64(bal.Value) - keepLamports

	latest, err := s.RPC.GetRecentBlockhash(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return fmt.Errorf("autoreturn: blockhash: %w", err)
	}

	inst := system.NewTransferInstruction(uint64(amount), signer.PublicKey(), dest).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{inst}, latest.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return fmt.Errorf("autoreturn: build sweep tx: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return fmt.Errorf("autoreturn: sign sweep tx: %w", err)
	}

	sig, err := s.RPC.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{SkipPreflight: false})
	if err != nil {
		return fmt.Errorf("autoreturn: send sweep tx: %w", err)
	}
	s.Log.Info().Str("walletId", walletID).Str("sig", sig.String()).Int64("lamports", amount).Msg("auto-return: swept SOL")
	return nil
}

// SweepTokens logs a warning and returns nil without moving any tokens:
// whatever excludeMints holds, no SPL token account is transferred to dest.
// It does not enumerate the wallet's token accounts, derive per-mint ATAs,
// or create missing associated token accounts on the destination.
func (s *RPCSweepSender) SweepTokens(ctx context.Context, walletID string, excludeMints []string, dest solana.PublicKey) error {
	s.Log.Warn().Str("walletId", walletID).Msg("auto-return: SPL token sweep requested but not yet implemented")
	return nil
}
