// Package wallet generates and imports the ed25519 keypairs that arm
// sessions protect, and signs transactions once a DEK has unlocked the
// stored secret.
//
// Grounded on the teacher's crypto/wallet.go (GenerateWallet/
// ImportFromPrivateKey/ImportFromMnemonic via go-bip39 + ed25519), extended
// with Signer (pubkey plus signing closure) and Resolver, which satisfies the
// executor.Wallet interface.
package wallet

import (
	"crypto/ed25519"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

// Keypair is a freshly generated or imported Solana wallet. Mnemonic is only
// populated when the keypair was generated (or imported) from one.
type Keypair struct {
	PublicKey  string
	PrivateKey string
	Mnemonic   string
}

// Generate creates a new 12-word-mnemonic-backed keypair.
func Generate() (*Keypair, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:32])
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{PublicKey: base58.Encode(pub), PrivateKey: base58.Encode(priv), Mnemonic: mnemonic}, nil
}

// ImportFromPrivateKey rebuilds a Keypair from its base58 64-byte secret,
// the format spec §3 stores inside the envelope's Wrapped plaintext.
func ImportFromPrivateKey(privateKeyBase58 string) (*Keypair, error) {
	raw, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, errors.New("wallet: invalid private key format")
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("wallet: invalid private key length")
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{PublicKey: base58.Encode(pub), PrivateKey: privateKeyBase58}, nil
}

// ImportFromMnemonic rebuilds a Keypair from a BIP39 phrase.
func ImportFromMnemonic(mnemonic string) (*Keypair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("wallet: invalid mnemonic phrase")
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:32])
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{PublicKey: base58.Encode(pub), PrivateKey: base58.Encode(priv), Mnemonic: mnemonic}, nil
}

// SolanaPrivateKey converts the base58 secret into solana-go's wire type for
// use with transaction signing and the relay/quorum clients.
func (k *Keypair) SolanaPrivateKey() (solana.PrivateKey, error) {
	raw, err := base58.Decode(k.PrivateKey)
	if err != nil {
		return solana.PrivateKey{}, err
	}
	return solana.PrivateKey(raw), nil
}

// ResolvePrivateKey converts an already-decrypted base58 secret straight into
// solana-go's signing type, for callers that need to sign a transaction
// rather than an arbitrary message.
func ResolvePrivateKey(secretBase58 string) (solana.PrivateKey, error) {
	kp, err := ImportFromPrivateKey(secretBase58)
	if err != nil {
		return solana.PrivateKey{}, err
	}
	return kp.SolanaPrivateKey()
}

// Resolver adapts ResolvePrivateKey to the executor's narrow Wallet
// interface, so the executor package never imports go-bip39/base58 directly.
type Resolver struct{}

func (Resolver) Resolve(secret []byte) (solana.PrivateKey, error) {
	return ResolvePrivateKey(string(secret))
}

// Signer turns a decrypted base58 wallet secret into its pubkey and a closure
// that signs arbitrary messages with it. The executor's Wallet interface is
// met by Resolver, not by Signer.
func Signer(secretBase58 string) (pubkey string, sign func(msg []byte) []byte, err error) {
	kp, err := ImportFromPrivateKey(secretBase58)
	if err != nil {
		return "", nil, err
	}
	sk, err := kp.SolanaPrivateKey()
	if err != nil {
		return "", nil, err
	}
	return kp.PublicKey, func(msg []byte) []byte {
		sig, signErr := sk.Sign(msg)
		if signErr != nil {
			return nil
		}
		return sig[:]
	}, nil
}
