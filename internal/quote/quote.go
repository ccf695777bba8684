// Package quote defines the narrow interface the Turbo Executor and
// Smart-Exit Watcher use to reach the external quote provider, and a
// Jupiter-flavored HTTP implementation of it.
//
// The provider itself (route discovery, pricing) is explicitly out of scope
// per spec §1 — it is an external collaborator. The request/response shapes
// and gjson-based fast field extraction are grounded on
// trading/jupiter.go (JupiterQuote/GetBuyQuote/GetSellQuote/GetSwapTransaction)
// and internal/engine/fanout.go's gjson.Get hot-path parsing.
package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	quoteAPI = "https://quote-api.jup.ag/v6/quote"
	swapAPI  = "https://lite-api.jup.ag/swap/v1/swap"
)

// Quote is the normalized shape the rest of the module works with.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       int64
	OutAmount      int64
	SlippageBps    int
	PriceImpactPct decimal.Decimal
	Raw            []byte
}

// SwapTx is the unsigned (or partially signed) transaction returned by the
// provider's swap-build endpoint, base64-encoded the way Jupiter returns it.
type SwapTx struct {
	TransactionB64       string
	LastValidBlockHeight int64
}

// Provider is the external collaborator interface.
type Provider interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount int64, slippageBps int) (*Quote, error)
	GetSwapTransaction(ctx context.Context, q *Quote, userPubkey string, priorityFeeLamports int64) (*SwapTx, error)
}

// JupiterProvider talks to the Jupiter v6 quote/swap HTTP API. quoteURL and
// swapURL default to the live endpoints; tests point them at a local server.
type JupiterProvider struct {
	httpClient *http.Client
	quoteURL   string
	swapURL    string
}

func NewJupiterProvider() *JupiterProvider {
	return &JupiterProvider{httpClient: &http.Client{Timeout: 8 * time.Second}, quoteURL: quoteAPI, swapURL: swapAPI}
}

func (p *JupiterProvider) GetQuote(ctx context.Context, inputMint, outputMint string, amount int64, slippageBps int) (*Quote, error) {
	url := fmt.Sprintf("%s?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d", p.quoteURL, inputMint, outputMint, amount, slippageBps)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("quote: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("quote: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote: provider error %d: %s", resp.StatusCode, string(body))
	}

	// Fast-path field extraction with gjson avoids a full struct decode on
	// what is the hottest single call in the executor's critical path.
	impactStr := gjson.GetBytes(body, "priceImpactPct").String()
	impact, _ := decimal.NewFromString(impactStr)

	return &Quote{
		InputMint:      gjson.GetBytes(body, "inputMint").String(),
		OutputMint:     gjson.GetBytes(body, "outputMint").String(),
		InAmount:       gjson.GetBytes(body, "inAmount").Int(),
		OutAmount:      gjson.GetBytes(body, "outAmount").Int(),
		SlippageBps:    int(gjson.GetBytes(body, "slippageBps").Int()),
		PriceImpactPct: impact,
		Raw:            body,
	}, nil
}

func (p *JupiterProvider) GetSwapTransaction(ctx context.Context, q *Quote, userPubkey string, priorityFeeLamports int64) (*SwapTx, error) {
	reqBody := map[string]any{
		"quoteResponse":    json.RawMessage(q.Raw),
		"userPublicKey":    userPubkey,
		"wrapAndUnwrapSol": true,
		"prioritizationFeeLamports": map[string]any{
			"priorityLevelWithMaxLamports": map[string]any{
				"maxLamports":   priorityFeeLamports,
				"priorityLevel": "veryHigh",
			},
		},
		"dynamicComputeUnitLimit": true,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("quote: marshal swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.swapURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("quote: build swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote: swap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote: swap provider error %d: %s", resp.StatusCode, string(body))
	}

	return &SwapTx{
		TransactionB64:       gjson.GetBytes(body, "swapTransaction").String(),
		LastValidBlockHeight: gjson.GetBytes(body, "lastValidBlockHeight").Int(),
	}, nil
}
