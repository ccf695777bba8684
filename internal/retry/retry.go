// Package retry implements the Retry Matrix: error classification into
// USER/NET/UNKNOWN buckets and the single-dimension-bump policy that follows.
//
// Grounded on api/client.go's DoRequest, which already does exponential
// backoff with jitter and a rotate-to-fallback-key move on repeated 401s —
// the same backoff shape is reused here, generalized from "rotate API key"
// to "bump CU, then tip, then toggle route, then rotate RPC endpoint".
package retry

import (
	"math/rand"
	"strings"
	"time"
)

// Class is the error bucket from spec §4.10.
type Class string

const (
	ClassUser    Class = "USER"
	ClassNet     Class = "NET"
	ClassUnknown Class = "UNKNOWN"
)

var userSubstrings = []string{
	"slippage",
	"insufficient funds",
	"mint not found",
	"account in use",
}

var netSubstrings = []string{
	"blockhash",
	"node is behind",
	"node behind",
	"timed out",
	"connection",
}

// Classify buckets an error message by substring rules, USER checked before
// NET so a message like "slippage exceeded due to timed out quote" still
// classifies as USER (a user-actionable failure takes precedence).
func Classify(errMsg string) Class {
	lower := strings.ToLower(errMsg)
	for _, s := range userSubstrings {
		if strings.Contains(lower, s) {
			return ClassUser
		}
	}
	for _, s := range netSubstrings {
		if strings.Contains(lower, s) {
			return ClassNet
		}
	}
	return ClassUnknown
}

// Dimension is the single knob bumped on a given NET retry attempt.
type Dimension string

const (
	DimensionNone        Dimension = ""
	DimensionBumpCU      Dimension = "bump_cu"
	DimensionBumpTip     Dimension = "bump_tip"
	DimensionToggleRoute Dimension = "toggle_route"
	DimensionRotateRPC   Dimension = "rotate_rpc"
)

// Policy mirrors RetryPolicy from spec §9.
type Policy struct {
	Max                   int
	BaseBackoffMs         int
	MaxBackoffMs          int
	RouteToggleAllowed    bool
	RPCEndpointsAvailable bool
}

func DefaultPolicy() Policy {
	return Policy{Max: 3, BaseBackoffMs: 250, MaxBackoffMs: 4000, RouteToggleAllowed: true, RPCEndpointsAvailable: true}
}

// NextDimension returns the single dimension to bump for attempt k (1-based,
// after the first failure) given the error's class.
func NextDimension(class Class, k int, p Policy) Dimension {
	switch class {
	case ClassUser:
		return DimensionNone
	case ClassUnknown:
		if k == 1 {
			return DimensionBumpCU
		}
		return DimensionNone
	case ClassNet:
		switch {
		case k == 1:
			return DimensionBumpCU
		case k == 2:
			return DimensionBumpTip
		case k == 3 && p.RouteToggleAllowed:
			return DimensionToggleRoute
		case k >= 3 && p.RPCEndpointsAvailable:
			return DimensionRotateRPC
		default:
			return DimensionNone
		}
	default:
		return DimensionNone
	}
}

// ShouldRetry reports whether attempt k should be made at all, honoring
// Policy.Max and the USER/UNKNOWN no-further-retry rules.
func ShouldRetry(class Class, k int, p Policy) bool {
	if k > p.Max {
		return false
	}
	switch class {
	case ClassUser:
		return false
	case ClassUnknown:
		return k <= 1
	default:
		return true
	}
}

// Backoff computes the exponential-with-jitter delay before attempt k,
// matching the shape api/client.go uses for its HTTP retry loop.
func Backoff(k int, p Policy) time.Duration {
	base := p.BaseBackoffMs
	if base <= 0 {
		base = 250
	}
	maxMs := p.MaxBackoffMs
	if maxMs <= 0 {
		maxMs = 4000
	}
	ms := base << uint(k-1)
	if ms > maxMs {
		ms = maxMs
	}
	jitter := rand.Intn(ms/2 + 1)
	return time.Duration(ms+jitter) * time.Millisecond
}
