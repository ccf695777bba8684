// Package envelope implements the wallet-secret envelope format: a
// pass-phrase-derived KEK wraps a random DEK, and the DEK wraps the actual
// 64-byte wallet secret. It also handles the two migration-only formats
// (legacy iv:tag:ciphertext, and the server-secret-only HKDF envelope).
//
// Grounded on the teacher's crypto/encryption.go (AES-256-GCM, bcrypt, zero
// helpers) with the pass-phrase KDF upgraded from PBKDF2 to Argon2id and a
// new HKDF-SHA256 path for the unprotected envelope, per spec.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"armed-turbo-executor/internal/armerr"
)

const (
	Version   = 1
	Algorithm = "aes-256-gcm"
	dekSize   = 32
	nonceSize = 12
	saltSize  = 16
	hkdfInfo  = "wallet-kek-v1"
)

// Argon2Params are the fixed memory/time parameters spec §4.1 requires.
// Values follow the OWASP-recommended floor for interactive logins; they are
// fixed module-wide rather than per-call so every envelope written by this
// version of the code is verifiable with the same cost.
type Argon2Params struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
	KeyLen      uint32
}

// DefaultArgon2Params are applied to every newly written envelope.
var DefaultArgon2Params = Argon2Params{
	TimeCost:    3,
	MemoryKiB:   64 * 1024,
	Parallelism: 2,
	KeyLen:      32,
}

// AEADBox is a nonce/ciphertext/tag triple, matching the persisted shape in
// spec §6. GCM's Seal already appends the tag to the ciphertext; we split it
// back out only for the wire representation.
type AEADBox struct {
	Nonce []byte
	CT    []byte
	Tag   []byte
}

func sealBox(key, plaintext, aad []byte) (AEADBox, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return AEADBox{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return AEADBox{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return AEADBox{}, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	ct := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]
	return AEADBox{Nonce: nonce, CT: ct, Tag: tag}, nil
}

func openBox(key []byte, box AEADBox, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, box.CT...), box.Tag...)
	plaintext, err := gcm.Open(nil, box.Nonce, sealed, aad)
	if err != nil {
		return nil, armerr.ErrBadPassphrase
	}
	return plaintext, nil
}

// Envelope is the persisted wallet-secret document. Protected is false for
// the unprotected HKDF variant, in which case KEKWrappedDEK is unused and
// Wrapped is encrypted directly under the HKDF-derived key.
type Envelope struct {
	V              int
	Alg            string
	Protected      bool
	Salt           []byte
	Argon2         Argon2Params
	KEKWrappedDEK  AEADBox
	Wrapped        AEADBox
	PassphraseHash string // Argon2id hash of the passphrase, for §4.15 verification without a full unwrap
}

// AAD builds the deterministic binding string for a (userID, walletID) pair.
func AAD(userID, walletID string) []byte {
	return []byte(fmt.Sprintf("user:%s:wallet:%s", userID, walletID))
}

func deriveKEK(passphrase string, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.TimeCost, p.MemoryKiB, p.Parallelism, p.KeyLen)
}

// HashPassphrase derives a storable Argon2id hash used by §4.15's
// verify-without-unwrap check (status/guardian reads that must not touch the
// DEK). It reuses the same KDF as the KEK derivation with a dedicated salt.
func HashPassphrase(passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	sum := deriveKEK(passphrase, salt, DefaultArgon2Params)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum), nil
}

// VerifyPassphrase checks a passphrase against a hash produced by HashPassphrase.
func VerifyPassphrase(passphrase, hash string) bool {
	parts := splitHash(hash)
	if parts == nil {
		return false
	}
	salt, sum := parts[0], parts[1]
	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(sum)
	if err != nil {
		return false
	}
	got := deriveKEK(passphrase, saltBytes, DefaultArgon2Params)
	if len(got) != len(want) {
		return false
	}
	var diff byte
	for i := range got {
		diff |= got[i] ^ want[i]
	}
	return diff == 0
}

func splitHash(hash string) []string {
	for i := 0; i < len(hash); i++ {
		if hash[i] == ':' {
			return []string{hash[:i], hash[i+1:]}
		}
	}
	return nil
}

// EncryptSecret wraps a fresh DEK under a pass-phrase-derived KEK, then wraps
// plaintext under the DEK. Every intermediate buffer is zeroed before return,
// on both success and failure.
func EncryptSecret(plaintext []byte, passphrase string, aad []byte) (*Envelope, error) {
	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, err
	}
	defer Zero(dek)

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	kek := deriveKEK(passphrase, salt, DefaultArgon2Params)
	defer Zero(kek)

	wrappedDek, err := sealBox(kek, dek, aad)
	if err != nil {
		return nil, err
	}

	wrapped, err := sealBox(dek, plaintext, aad)
	if err != nil {
		return nil, err
	}

	passHash, err := HashPassphrase(passphrase)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		V:              Version,
		Alg:            Algorithm,
		Protected:      true,
		Salt:           salt,
		Argon2:         DefaultArgon2Params,
		KEKWrappedDEK:  wrappedDek,
		Wrapped:        wrapped,
		PassphraseHash: passHash,
	}, nil
}

// UnwrapDEK recovers the DEK from a protected envelope. The caller owns the
// returned slice and must zero it via Zero when finished.
func UnwrapDEK(env *Envelope, passphrase string, aad []byte) ([]byte, error) {
	if env == nil || env.V != Version {
		return nil, armerr.ErrCorruptEnvelope
	}
	if !env.Protected {
		return nil, armerr.ErrCorruptEnvelope
	}
	kek := deriveKEK(passphrase, env.Salt, env.Argon2)
	defer Zero(kek)

	dek, err := openBox(kek, env.KEKWrappedDEK, aad)
	if err != nil {
		return nil, armerr.ErrBadPassphrase
	}
	return dek, nil
}

// DecryptSecretWithDEK unwraps the stored secret given an already-unwrapped DEK.
func DecryptSecretWithDEK(env *Envelope, dek, aad []byte) ([]byte, error) {
	if env == nil || env.V != Version {
		return nil, armerr.ErrCorruptEnvelope
	}
	plaintext, err := openBox(dek, env.Wrapped, aad)
	if err != nil {
		return nil, armerr.ErrCorruptEnvelope
	}
	return plaintext, nil
}

// EncryptUnprotected produces the no-passphrase envelope: the wallet secret
// is wrapped directly under HKDF-SHA256(serverSecret, salt=userID).
func EncryptUnprotected(plaintext []byte, userID string, serverSecret []byte) (*Envelope, error) {
	key, err := hkdfKey(serverSecret, userID)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	wrapped, err := sealBox(key, plaintext, AAD(userID, ""))
	if err != nil {
		return nil, err
	}

	return &Envelope{
		V:         Version,
		Alg:       Algorithm,
		Protected: false,
		Wrapped:   wrapped,
	}, nil
}

// DecryptUnprotected reverses EncryptUnprotected.
func DecryptUnprotected(env *Envelope, userID string, serverSecret []byte) ([]byte, error) {
	if env == nil || env.V != Version || env.Protected {
		return nil, armerr.ErrCorruptEnvelope
	}
	key, err := hkdfKey(serverSecret, userID)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	plaintext, err := openBox(key, env.Wrapped, AAD(userID, ""))
	if err != nil {
		return nil, armerr.ErrCorruptEnvelope
	}
	return plaintext, nil
}

func hkdfKey(serverSecret []byte, userID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, serverSecret, []byte(userID), []byte(hkdfInfo))
	key := make([]byte, dekSize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParseLegacy decodes the pre-envelope "iv:tag:ciphertext" hex format
// encrypted under a flat server key, returning the plaintext secret so the
// caller can migrate it into a modern envelope on next arm.
func ParseLegacy(raw string, serverKey []byte) ([]byte, error) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			parts = append(parts, raw[start:i])
			start = i + 1
		}
	}
	parts = append(parts, raw[start:])
	if len(parts) != 3 {
		return nil, armerr.ErrUnsupportedLegacy
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, armerr.ErrUnsupportedLegacy
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, armerr.ErrUnsupportedLegacy
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, armerr.ErrUnsupportedLegacy
	}
	block, err := aes.NewCipher(serverKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, armerr.ErrUnsupportedLegacy
	}
	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.New("legacy decrypt failed")
	}
	return plaintext, nil
}

// Zero overwrites a secret-bearing buffer in place. The envelope operations
// defer it on the keys they derive internally (and EncryptSecret on its
// fresh DEK); the DEK returned by UnwrapDEK and the plaintext returned by
// DecryptSecretWithDEK and DecryptUnprotected are left to the caller to zero.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// jsonBox mirrors spec §6's persisted { nonce, ct, tag } hex shape.
type jsonBox struct {
	Nonce string `json:"nonce"`
	CT    string `json:"ct"`
	Tag   string `json:"tag"`
}

func (b AEADBox) toJSON() jsonBox {
	return jsonBox{Nonce: hex.EncodeToString(b.Nonce), CT: hex.EncodeToString(b.CT), Tag: hex.EncodeToString(b.Tag)}
}

func (j jsonBox) toBox() (AEADBox, error) {
	nonce, err := hex.DecodeString(j.Nonce)
	if err != nil {
		return AEADBox{}, armerr.ErrCorruptEnvelope
	}
	ct, err := hex.DecodeString(j.CT)
	if err != nil {
		return AEADBox{}, armerr.ErrCorruptEnvelope
	}
	tag, err := hex.DecodeString(j.Tag)
	if err != nil {
		return AEADBox{}, armerr.ErrCorruptEnvelope
	}
	return AEADBox{Nonce: nonce, CT: ct, Tag: tag}, nil
}

// jsonEnvelope is the exact persisted shape from spec §6.
type jsonEnvelope struct {
	V   int    `json:"v"`
	Alg string `json:"alg"`
	KEK struct {
		Salt   string       `json:"salt"`
		Params Argon2Params `json:"params"`
	} `json:"kek"`
	Protected      bool    `json:"protected"`
	KEKWrappedDEK  jsonBox `json:"kekWrappedDek"`
	Wrapped        jsonBox `json:"wrapped"`
	PassphraseHash string  `json:"passphraseHash,omitempty"`
}

// MarshalJSON renders the envelope in the persisted shape from spec §6,
// hex-encoding every AEAD component.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	var j jsonEnvelope
	j.V = e.V
	j.Alg = e.Alg
	j.Protected = e.Protected
	j.KEK.Salt = hex.EncodeToString(e.Salt)
	j.KEK.Params = e.Argon2
	j.KEKWrappedDEK = e.KEKWrappedDEK.toJSON()
	j.Wrapped = e.Wrapped.toJSON()
	j.PassphraseHash = e.PassphraseHash
	return json.Marshal(j)
}

// UnmarshalJSON parses the persisted shape back into an Envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var j jsonEnvelope
	if err := json.Unmarshal(data, &j); err != nil {
		return armerr.ErrCorruptEnvelope
	}
	salt, err := hex.DecodeString(j.KEK.Salt)
	if err != nil {
		return armerr.ErrCorruptEnvelope
	}
	kekWrapped, err := j.KEKWrappedDEK.toBox()
	if err != nil {
		return err
	}
	wrapped, err := j.Wrapped.toBox()
	if err != nil {
		return err
	}
	e.V = j.V
	e.Alg = j.Alg
	e.Protected = j.Protected
	e.Salt = salt
	e.Argon2 = j.KEK.Params
	e.KEKWrappedDEK = kekWrapped
	e.Wrapped = wrapped
	e.PassphraseHash = j.PassphraseHash
	return nil
}

// ToJSON serializes the envelope to the string form storage persists.
func ToJSON(e *Envelope) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON parses the storage-persisted string form back into an Envelope.
func FromJSON(s string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
