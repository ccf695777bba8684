// Package mintinfo reads an SPL mint account's freeze authority off-chain,
// the one piece of on-chain state the Smart-Exit Watcher's authority-flip
// rule (spec §4.13) needs.
//
// Grounded on the retrieved pump-amm SDK's fetchTokenAmount: GetAccountInfo
// followed by bin.NewBinDecoder(data).Decode(&acc) against a
// gagliardetto/solana-go/programs/token struct, reused here against
// token.Mint instead of token.Account.
package mintinfo

import (
	"context"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// FreezeAuthority returns the mint's current freeze authority as a base58
// string, or "" if none is set. Watcher.Deps.FreezeAuth compares this
// against the baseline captured on the position's first tick.
func FreezeAuthority(ctx context.Context, client *rpc.Client, mint string) (string, error) {
	pub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("mintinfo: bad mint %q: %w", mint, err)
	}
	info, err := client.GetAccountInfo(ctx, pub)
	if err != nil {
		return "", fmt.Errorf("mintinfo: get account info: %w", err)
	}
	if info == nil || info.Value == nil || info.Value.Data == nil {
		return "", fmt.Errorf("mintinfo: mint account %s not found", mint)
	}
	data := info.Value.Data.GetBinary()
	if len(data) == 0 {
		return "", fmt.Errorf("mintinfo: mint account %s has no data", mint)
	}

	var m token.Mint
	if err := bin.NewBinDecoder(data).Decode(&m); err != nil {
		return "", fmt.Errorf("mintinfo: decode mint %s: %w", mint, err)
	}
	if m.FreezeAuthority == nil {
		return "", nil
	}
	return m.FreezeAuthority.String(), nil
}
