package retry

import (
	"testing"
	"time"
)

func TestClassifyUser(t *testing.T) {
	cases := []string{
		"Slippage exceeded",
		"insufficient funds for rent",
		"Mint not found",
		"account in use",
	}
	for _, c := range cases {
		if got := Classify(c); got != ClassUser {
			t.Errorf("Classify(%q) = %s, want USER", c, got)
		}
	}
}

func TestClassifyNet(t *testing.T) {
	cases := []string{
		"connection reset",
		"node is behind",
		"node behind by 42 slots",
		"request timed out",
		"blockhash not found",
	}
	for _, c := range cases {
		if got := Classify(c); got != ClassNet {
			t.Errorf("Classify(%q) = %s, want NET", c, got)
		}
	}
}

func TestClassifyUnknown(t *testing.T) {
	if got := Classify("some unexpected program error"); got != ClassUnknown {
		t.Errorf("Classify = %s, want UNKNOWN", got)
	}
}

func TestClassifyUserTakesPrecedenceOverNet(t *testing.T) {
	got := Classify("slippage exceeded due to timed out quote")
	if got != ClassUser {
		t.Errorf("a message matching both USER and NET substrings must classify USER, got %s", got)
	}
}

func TestRetryMatrixScenario(t *testing.T) {
	// The three-error scenario from the spec: connection reset (NET, bump CU),
	// node is behind (NET, bump tip), slippage exceeded (USER, stop).
	p := DefaultPolicy()

	errs := []string{"connection reset", "node is behind", "slippage exceeded"}
	var retries int
	var userErrors int

	for k, errMsg := range errs {
		attempt := k + 1
		class := Classify(errMsg)
		if !ShouldRetry(class, attempt, p) {
			if class == ClassUser {
				userErrors++
			}
			break
		}
		retries++
		dim := NextDimension(class, attempt, p)
		if attempt == 1 && dim != DimensionBumpCU {
			t.Errorf("k=1 NET error should bump CU, got %s", dim)
		}
		if attempt == 2 && dim != DimensionBumpTip {
			t.Errorf("k=2 NET error should bump tip, got %s", dim)
		}
	}

	if retries != 2 {
		t.Errorf("expected 2 retries before the USER error stopped the loop, got %d", retries)
	}
	if userErrors != 1 {
		t.Errorf("expected exactly 1 user error recorded, got %d", userErrors)
	}
}

func TestNextDimensionUserNeverRetries(t *testing.T) {
	p := DefaultPolicy()
	if dim := NextDimension(ClassUser, 1, p); dim != DimensionNone {
		t.Errorf("USER errors must never bump a dimension, got %s", dim)
	}
	if ShouldRetry(ClassUser, 1, p) {
		t.Error("USER errors must yield zero retries")
	}
}

func TestNextDimensionUnknownSingleBump(t *testing.T) {
	p := DefaultPolicy()
	if dim := NextDimension(ClassUnknown, 1, p); dim != DimensionBumpCU {
		t.Errorf("UNKNOWN k=1 should bump CU, got %s", dim)
	}
	if dim := NextDimension(ClassUnknown, 2, p); dim != DimensionNone {
		t.Errorf("UNKNOWN k=2 should not bump anything further, got %s", dim)
	}
	if ShouldRetry(ClassUnknown, 2, p) {
		t.Error("UNKNOWN errors should stop retrying after the first conservative retry")
	}
}

func TestNextDimensionNetProgression(t *testing.T) {
	p := DefaultPolicy()
	if dim := NextDimension(ClassNet, 1, p); dim != DimensionBumpCU {
		t.Errorf("NET k=1 should bump CU, got %s", dim)
	}
	if dim := NextDimension(ClassNet, 2, p); dim != DimensionBumpTip {
		t.Errorf("NET k=2 should bump tip, got %s", dim)
	}
	if dim := NextDimension(ClassNet, 3, p); dim != DimensionToggleRoute {
		t.Errorf("NET k=3 with route toggle allowed should toggle route, got %s", dim)
	}
	if dim := NextDimension(ClassNet, 4, p); dim != DimensionRotateRPC {
		t.Errorf("NET k=4 should rotate RPC endpoint, got %s", dim)
	}
}

func TestNextDimensionNetRouteToggleDisallowed(t *testing.T) {
	p := DefaultPolicy()
	p.RouteToggleAllowed = false
	if dim := NextDimension(ClassNet, 3, p); dim != DimensionRotateRPC {
		t.Errorf("with route toggle disallowed, k=3 should fall back to rotating RPC, got %s", dim)
	}
}

func TestShouldRetryRespectsMax(t *testing.T) {
	p := DefaultPolicy()
	p.Max = 2
	if !ShouldRetry(ClassNet, 2, p) {
		t.Error("attempt within Max should be allowed to retry")
	}
	if ShouldRetry(ClassNet, 3, p) {
		t.Error("attempt beyond Max must not retry")
	}
}

func TestBackoffIsBoundedAndGrows(t *testing.T) {
	p := DefaultPolicy()
	d1 := Backoff(1, p)
	d3 := Backoff(3, p)
	maxAllowed := time.Duration(p.MaxBackoffMs) * time.Millisecond * 3 / 2 // base cap plus up to 50% jitter
	if d1 <= 0 {
		t.Error("backoff must be positive")
	}
	if d3 <= d1 {
		t.Errorf("backoff must grow with the attempt index, got d1=%v d3=%v", d1, d3)
	}
	if d3 > maxAllowed {
		t.Errorf("backoff must stay bounded by MaxBackoffMs with jitter, got %v", d3)
	}
}
