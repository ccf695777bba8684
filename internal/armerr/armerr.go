// Package armerr holds the sentinel errors that make up the error taxonomy
// the executor and arm surface map every provider/storage failure onto.
package armerr

import "errors"

// Authorization / crypto.
var (
	ErrAutomationNotArmed = errors.New("AUTOMATION_NOT_ARMED")
	ErrBadPassphrase      = errors.New("bad passphrase")
	ErrCorruptEnvelope    = errors.New("corrupt envelope")
	ErrUnsupportedLegacy  = errors.New("unsupported legacy wallet format")
	ErrTwoFactorRequired  = errors.New("two-factor token required")
	ErrWalletNotFound     = errors.New("wallet not found")
)

// Risk / validation.
var (
	ErrRiskBlocked   = errors.New("risk blocked")
	ErrInvalidInput  = errors.New("invalid input")
	ErrKillSwitch    = errors.New("kill switch engaged")
	ErrBelowMinUSD   = errors.New("below-min-usd")
	ErrImpactTooHigh = errors.New("price impact exceeds abort threshold")
)

// Send classification: how a failed send attempt gets bucketed for the
// retry matrix and the caller-facing error.
var (
	ErrSendUser    = errors.New("send/user")
	ErrSendNet     = errors.New("send/net")
	ErrSendUnknown = errors.New("send/unknown")
)

// Persistence is logged, never surfaced as a send failure: writing the
// Trade row after a confirmed on-chain send must not roll back the send.
var ErrPersistence = errors.New("persistence")

// BlockedResult is returned by the Turbo Executor in place of a txHash when
// a pre-quote risk gate or the kill switch rejects the trade outright.
type BlockedResult struct {
	Reason string
	Detail string
}

func (b *BlockedResult) Error() string {
	if b.Detail != "" {
		return b.Reason + ": " + b.Detail
	}
	return b.Reason
}
