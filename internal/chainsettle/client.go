// Package chainsettle is the client for the external settlement oracle. It
// registers the off-chain leg of a payment and exposes the oracle's health
// and fee-schedule reads.
package chainsettle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"escrowbridge/internal/settlement"

	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://api.chainsettle.tech"

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type registerPayload struct {
	Salt           string `json:"salt"`
	SettlementID   string `json:"settlement_id"`
	RecipientEmail string `json:"recipient_email"`
}

type registerResponse struct {
	SettlementInfo struct {
		UserURL string `json:"user_url"`
	} `json:"settlement_info"`
}

// RegisterSettlement correlates the off-chain record with the on-chain
// commitment. It satisfies settlement.Registrar.
func (c *Client) RegisterSettlement(ctx context.Context, reg settlement.Registration) (settlement.RegistrationInfo, error) {
	body, err := json.Marshal(registerPayload{
		Salt:           reg.Salt,
		SettlementID:   reg.SettlementID,
		RecipientEmail: reg.RecipientEmail,
	})
	if err != nil {
		return settlement.RegistrationInfo{}, err
	}

	status, respBody, err := c.Forward(ctx, body)
	if err != nil {
		return settlement.RegistrationInfo{}, err
	}
	if status < 200 || status > 299 {
		return settlement.RegistrationInfo{}, fmt.Errorf("register settlement: status %d: %s", status, truncate(respBody))
	}

	var parsed registerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return settlement.RegistrationInfo{}, fmt.Errorf("register settlement: decode response: %w", err)
	}
	return settlement.RegistrationInfo{UserURL: parsed.SettlementInfo.UserURL}, nil
}

// Forward posts a raw registration body and relays the oracle's status code
// and response verbatim. The API has been seen 404ing without a trailing
// slash, so that case is retried once with one.
func (c *Client) Forward(ctx context.Context, body []byte) (int, []byte, error) {
	url := c.baseURL + "/settlement/register_settlement"

	status, respBody, err := c.post(ctx, url, body)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusNotFound {
		status, respBody, err = c.post(ctx, url+"/", body)
		if err != nil {
			return 0, nil, err
		}
	}
	return status, respBody, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// Health probes GET /utils/health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/utils/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("health: decode response: %w", err)
	}
	if parsed.Status != "ok" {
		return fmt.Errorf("health: status %q", parsed.Status)
	}
	return nil
}

// Fee fetches the oracle's fee schedule and parses the "1.5%" form into a
// fraction. The contract's own fee/FEE_DENOMINATOR remains authoritative
// for settlement math; this value is display-only.
func (c *Client) Fee(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fee", nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	var parsed struct {
		FeePct string `json:"fee_pct"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Zero, fmt.Errorf("fee: decode response: %w", err)
	}
	pct, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(parsed.FeePct), "%"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("fee: parse %q: %w", parsed.FeePct, err)
	}
	return pct.Div(decimal.NewFromInt(100)), nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
