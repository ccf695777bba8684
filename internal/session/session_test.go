package session

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	mu     sync.Mutex
	fired  []Key
	waitCh chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{waitCh: make(chan struct{}, 8)}
}

func (n *recordingNotifier) OnSessionExpired(userID, walletID string) {
	n.mu.Lock()
	n.fired = append(n.fired, Key{userID, walletID})
	n.mu.Unlock()
	n.waitCh <- struct{}{}
}

func TestArmStatusExtendDisarm(t *testing.T) {
	c := New(Config{SweepIntervalMs: 5000}, nil, zerolog.Nop())
	defer c.Shutdown()

	dek := []byte("0123456789abcdef0123456789abcdef")
	c.Arm("u1", "w1", dek, 2*time.Minute)

	armed, msLeft := c.Status("u1", "w1")
	if !armed {
		t.Fatal("expected armed=true right after Arm")
	}
	if msLeft <= 0 || msLeft > 2*60*1000 {
		t.Errorf("msLeft out of expected range: %d", msLeft)
	}

	if !c.Extend("u1", "w1", 5*time.Minute) {
		t.Fatal("extend should succeed on an armed session")
	}
	_, msLeft2 := c.Status("u1", "w1")
	if msLeft2 <= msLeft {
		t.Error("extend should push msLeft further out")
	}

	c.Disarm("u1", "w1")
	armed, msLeft = c.Status("u1", "w1")
	if armed || msLeft != 0 {
		t.Errorf("expected armed=false, msLeft=0 after disarm, got armed=%v msLeft=%d", armed, msLeft)
	}
}

func TestExtendWithoutArmReturnsFalse(t *testing.T) {
	c := New(Config{SweepIntervalMs: 5000}, nil, zerolog.Nop())
	defer c.Shutdown()

	if c.Extend("nobody", "nowallet", time.Minute) {
		t.Error("extend must not implicitly re-arm a session that was never armed")
	}
}

func TestStatusUnknownSessionClampsToZero(t *testing.T) {
	c := New(Config{SweepIntervalMs: 5000}, nil, zerolog.Nop())
	defer c.Shutdown()

	armed, msLeft := c.Status("ghost", "ghost")
	if armed || msLeft != 0 {
		t.Errorf("unknown session should report armed=false msLeft=0, got %v %d", armed, msLeft)
	}
}

func TestArmBelowOneMinuteNormalizes(t *testing.T) {
	c := New(Config{SweepIntervalMs: 5000}, nil, zerolog.Nop())
	defer c.Shutdown()

	c.Arm("u2", "w2", []byte("dek"), 5*time.Second)
	_, msLeft := c.Status("u2", "w2")
	if msLeft < 59_000 {
		t.Errorf("ttl below 1 minute should be normalized up to at least a minute, got msLeft=%d", msLeft)
	}
}

func TestHandleReturnsIndependentCopy(t *testing.T) {
	c := New(Config{SweepIntervalMs: 5000}, nil, zerolog.Nop())
	defer c.Shutdown()

	dek := []byte("secret-dek-material-32-bytes!!!!")
	c.Arm("u3", "w3", dek, time.Minute)

	handle, err := c.Handle("u3", "w3")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	for i := range handle {
		handle[i] = 0
	}

	handle2, err := c.Handle("u3", "w3")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if string(handle2) != string(dek) {
		t.Error("zeroing the caller's handle copy must not affect the cached DEK")
	}
}

func TestHandleNotArmed(t *testing.T) {
	c := New(Config{SweepIntervalMs: 5000}, nil, zerolog.Nop())
	defer c.Shutdown()

	if _, err := c.Handle("never", "armed"); err == nil {
		t.Error("expected an error handle for a session that was never armed")
	}
}

func TestSweeperExpiresAndNotifies(t *testing.T) {
	notifier := newRecordingNotifier()
	c := New(Config{SweepIntervalMs: 50}, notifier, zerolog.Nop())
	defer c.Shutdown()

	c.Arm("u4", "w4", []byte("dek"), time.Minute)

	// Force expiry without waiting a full minute.
	c.mu.Lock()
	c.entries[Key{"u4", "w4"}].expiresAt = time.Now().Add(-time.Second)
	c.mu.Unlock()

	select {
	case <-notifier.waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not notify expiry in time")
	}

	armed, _ := c.Status("u4", "w4")
	if armed {
		t.Error("expired session should have been swept")
	}
}

func TestShutdownZeroesAndStopsSweeper(t *testing.T) {
	c := New(Config{SweepIntervalMs: 5000}, nil, zerolog.Nop())
	c.Arm("u5", "w5", []byte("dek"), time.Minute)
	c.Shutdown()

	armed, msLeft := c.Status("u5", "w5")
	if armed || msLeft != 0 {
		t.Error("shutdown must clear all sessions")
	}
}
