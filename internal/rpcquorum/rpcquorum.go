// Package rpcquorum implements the RPC Quorum Client: parallel raw-transaction
// sends fanned out over N endpoints with quorum-of-M acceptance and per-
// endpoint blockhash prewarm.
//
// Grounded on internal/engine/fanout.go's worker-pool-over-channel shape
// (context cancellation, sync.WaitGroup fan-out, non-blocking result
// delivery) and github.com/gagliardetto/solana-go/rpc for the actual
// send-transaction call, replacing fanout.go's websocket+redis plumbing
// (which served a different purpose — copy-trade signal detection) with a
// send-quorum race.
package rpcquorum

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// Endpoint is one RPC node in the pool.
type Endpoint struct {
	URL     string
	client  *rpc.Client
	limiter *rate.Limiter

	mu          sync.Mutex
	blockhash   solana.Hash
	blockhashAt time.Time
}

func NewEndpoint(url string) *Endpoint {
	return &Endpoint{URL: url, client: rpc.New(url)}
}

// wait blocks until the endpoint's rate limiter (if any) admits the call.
// Most public RPC providers ban a connection that exceeds its plan's
// requests-per-second, so every send and blockhash refresh passes through
// here rather than hitting the endpoint unthrottled.
func (e *Endpoint) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// QuorumConfig mirrors QuorumConfig from spec §9.
type QuorumConfig struct {
	Size           int
	Require        int
	MaxFanout      int
	StaggerMs      int
	TimeoutMs      int
	BlockhashTTLMs int
}

// Client fans sends out across a pool of endpoints.
type Client struct {
	mu                 sync.Mutex
	endpoints          []*Endpoint
	sentTotal          int64
	winTotal           int64
	blockhashRefreshed int64
}

func New(urls []string) *Client {
	c := &Client{}
	for _, u := range urls {
		c.endpoints = append(c.endpoints, NewEndpoint(u))
	}
	return c
}

// SetRateLimit installs a token-bucket limiter of rps requests/second (burst
// capacity burst) on every endpoint in the pool. Unconfigured (rps<=0) means
// unthrottled, the pre-existing default.
func (c *Client) SetRateLimit(rps float64, burst int) {
	for _, e := range c.snapshot() {
		if rps <= 0 {
			e.limiter = nil
			continue
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// snapshot copies the endpoint list so sends race against a stable ordering
// even while Rotate is reordering the pool.
func (c *Client) snapshot() []*Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

// Rotate moves the head endpoint to the back of the pool, so the next fanout
// leads with a different node. The retry matrix's rotate-RPC dimension calls
// this when an endpoint keeps failing.
func (c *Client) Rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.endpoints) < 2 {
		return
	}
	head := c.endpoints[0]
	copy(c.endpoints, c.endpoints[1:])
	c.endpoints[len(c.endpoints)-1] = head
}

// RefreshIfExpired prewarms an endpoint's cached blockhash if it's older than
// ttl, matching spec §4.8's per-endpoint blockhash TTL.
func (c *Client) RefreshIfExpired(ctx context.Context, e *Endpoint, ttl time.Duration) error {
	e.mu.Lock()
	stale := time.Since(e.blockhashAt) > ttl
	e.mu.Unlock()
	if !stale {
		return nil
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	out, err := e.client.GetRecentBlockhash(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.blockhash = out.Value.Blockhash
	e.blockhashAt = time.Now()
	e.mu.Unlock()

	c.mu.Lock()
	c.blockhashRefreshed++
	c.mu.Unlock()
	return nil
}

// PrewarmAll refreshes every endpoint's blockhash concurrently, ignoring
// individual failures (a dead endpoint just won't win the race later).
func (c *Client) PrewarmAll(ctx context.Context, ttl time.Duration) {
	var wg sync.WaitGroup
	for _, e := range c.snapshot() {
		wg.Add(1)
		go func(e *Endpoint) {
			defer wg.Done()
			_ = c.RefreshIfExpired(ctx, e, ttl)
		}(e)
	}
	wg.Wait()
}

type sendOutcome struct {
	endpoint string
	sig      solana.Signature
	err      error
}

// SendRawTransactionQuorum dispatches raw to up to cfg.MaxFanout endpoints,
// staggered by cfg.StaggerMs, and returns the first signature acknowledged
// by >= cfg.Require distinct endpoints, or the first successful ack if
// quorum can't be reached within cfg.TimeoutMs.
func (c *Client) SendRawTransactionQuorum(ctx context.Context, raw []byte, cfg QuorumConfig) (string, error) {
	endpoints := c.snapshot()
	if len(endpoints) == 0 {
		return "", errors.New("no rpc endpoints configured")
	}
	fanout := cfg.MaxFanout
	if fanout <= 0 || fanout > len(endpoints) {
		fanout = len(endpoints)
	}
	require := cfg.Require
	if require <= 0 {
		require = 1
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	// SendEncodedTransaction takes the base64 wire form, not raw bytes.
	encoded := base64.StdEncoding.EncodeToString(raw)

	results := make(chan sendOutcome, fanout)
	var wg sync.WaitGroup

	for i := 0; i < fanout; i++ {
		e := endpoints[i]
		delay := time.Duration(i*cfg.StaggerMs) * time.Millisecond
		wg.Add(1)
		go func(e *Endpoint, delay time.Duration) {
			defer wg.Done()
			if delay > 0 {
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return
				}
			}
			if err := e.wait(ctx); err != nil {
				select {
				case results <- sendOutcome{endpoint: e.URL, err: err}:
				default:
				}
				return
			}
			sig, err := e.client.SendEncodedTransaction(ctx, encoded)
			select {
			case results <- sendOutcome{endpoint: e.URL, sig: sig, err: err}:
			default:
			}
		}(e, delay)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	c.mu.Lock()
	c.sentTotal += int64(fanout)
	c.mu.Unlock()

	acks := make(map[string]int)
	var firstOK string

	for {
		select {
		case out, ok := <-results:
			if !ok {
				if firstOK != "" {
					c.recordWin()
					return firstOK, nil
				}
				return "", errors.New("no endpoint acknowledged the send")
			}
			if out.err != nil {
				continue
			}
			sig := out.sig.String()
			if firstOK == "" {
				firstOK = sig
			}
			acks[sig]++
			if acks[sig] >= require {
				c.recordWin()
				return sig, nil
			}
		case <-ctx.Done():
			if firstOK != "" {
				c.recordWin()
				return firstOK, nil
			}
			return "", ctx.Err()
		}
	}
}

func (c *Client) recordWin() {
	c.mu.Lock()
	c.winTotal++
	c.mu.Unlock()
}

// Metrics snapshots the counters spec §4.8 names.
func (c *Client) Metrics() (sent, wins, blockhashRefresh int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentTotal, c.winTotal, c.blockhashRefreshed
}
