// Package relay implements the Jito/Private Relay Client: a fire-and-forget
// send to a shadow mempool where the first acknowledgement wins.
//
// Grounded directly on internal/solana/jito.go's SendJitoBundle — tip
// transaction construction, base58 serialization, sendBundle JSON-RPC POST —
// generalized into an interface so the Turbo Executor doesn't depend on the
// Jito wire format specifically, and restructured so the submission runs on
// its own goroutine and delivers its ack on a channel. Send itself does not
// block; the Turbo Executor's relay path (sendViaRelay) waits on that
// channel before it returns.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

var JitoTipAccount = solana.MustPublicKeyFromBase58("96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5")

// Ack is delivered on the channel returned by Send once the relay responds.
type Ack struct {
	BundleID string
	Err      error
	At       time.Time
}

// Client talks to a Jito-style Block Engine bundle endpoint.
type Client struct {
	blockEngineURL string
	rpcClient      *rpc.Client
	httpClient     *http.Client

	mu       sync.Mutex
	winTotal int64
}

func New(blockEngineURL, rpcURL string) *Client {
	return &Client{
		blockEngineURL: blockEngineURL,
		rpcClient:      rpc.New(rpcURL),
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send builds a tip transaction alongside tx, bundles both, and POSTs them to
// the relay on a separate goroutine. It returns immediately with a channel
// that receives exactly one Ack; whether to wait on it is up to the caller.
func (c *Client) Send(ctx context.Context, tx *solana.Transaction, signer solana.PrivateKey, tipLamports uint64) <-chan Ack {
	ackCh := make(chan Ack, 1)
	go func() {
		ackCh <- c.sendSync(ctx, tx, signer, tipLamports)
	}()
	return ackCh
}

func (c *Client) sendSync(ctx context.Context, tx *solana.Transaction, signer solana.PrivateKey, tipLamports uint64) Ack {
	latest, err := c.rpcClient.GetRecentBlockhash(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return Ack{Err: fmt.Errorf("relay: blockhash: %w", err), At: time.Now()}
	}

	tipInst := system.NewTransferInstruction(tipLamports, signer.PublicKey(), JitoTipAccount).Build()
	tipTx, err := solana.NewTransaction([]solana.Instruction{tipInst}, latest.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return Ack{Err: fmt.Errorf("relay: build tip tx: %w", err), At: time.Now()}
	}
	if _, err := tipTx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return Ack{Err: fmt.Errorf("relay: sign tip tx: %w", err), At: time.Now()}
	}

	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return Ack{Err: fmt.Errorf("relay: marshal tx: %w", err), At: time.Now()}
	}
	rawTip, err := tipTx.MarshalBinary()
	if err != nil {
		return Ack{Err: fmt.Errorf("relay: marshal tip tx: %w", err), At: time.Now()}
	}

	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sendBundle",
		"params": []any{
			[]string{solana.Base58(rawTx).String(), solana.Base58(rawTip).String()},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Ack{Err: err, At: time.Now()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.blockEngineURL, bytes.NewReader(body))
	if err != nil {
		return Ack{Err: err, At: time.Now()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ack{Err: fmt.Errorf("relay: send: %w", err), At: time.Now()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Ack{Err: err, At: time.Now()}
	}
	if resp.StatusCode != http.StatusOK {
		return Ack{Err: fmt.Errorf("relay: status %d: %s", resp.StatusCode, string(respBody)), At: time.Now()}
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return Ack{Err: err, At: time.Now()}
	}
	if rpcResp.Error.Message != "" {
		return Ack{Err: fmt.Errorf("relay: rpc error: %s", rpcResp.Error.Message), At: time.Now()}
	}

	c.mu.Lock()
	c.winTotal++
	c.mu.Unlock()

	return Ack{BundleID: rpcResp.Result, At: time.Now()}
}

// WinTotal reports relay_win_total.
func (c *Client) WinTotal() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.winTotal
}
