/**
 * @description
 * This package provides a client for the payment processor's transfer API.
 * It encapsulates the logic for making authenticated HTTP requests,
 * handling request body construction, and parsing responses.
 *
 * Transfer initiation carries an Idempotency-Key header; the processor
 * returns the original transfer when a key is replayed, so retrying a
 * timed-out initiation can never move money twice.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package transferclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the processor's transfer API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new transfer API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for initiating an account-to-account
// transfer. Amount is in minor units.
type TransferRequest struct {
	SourceAccountRef      string `json:"source_account_ref"`
	DestinationAccountRef string `json:"destination_account_ref"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	Description           string `json:"description"`
	IdempotencyKey        string `json:"-"`
}

// TransferResponse is the processor's response to a transfer initiation.
type TransferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
			Fee    int64  `json:"fee"`
		} `json:"attributes"`
	} `json:"data"`
}

// APIError is one entry in the processor's error envelope.
type APIError struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status string `json:"status"`
}

// ErrorResponse represents an error from the processor API.
type ErrorResponse struct {
	Errors []APIError `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("processor api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown processor api error"
}

// FirstCode returns the machine-readable code of the first error, or "".
func (e *ErrorResponse) FirstCode() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Code
}

// BalanceResponse represents an account balance snapshot.
type BalanceResponse struct {
	Data struct {
		AvailableBalance int64 `json:"availableBalance"`
		LedgerBalance    int64 `json:"ledgerBalance"`
		Hold             int64 `json:"hold"`
		Pending          int64 `json:"pending"`
	} `json:"data"`
}

// InitiateTransfer asks the processor to move funds between two accounts.
func (c *Client) InitiateTransfer(ctx context.Context, transfer TransferRequest) (*TransferResponse, error) {
	if transfer.Currency == "" {
		transfer.Currency = "USD"
	}

	body, err := json.Marshal(transfer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	if transfer.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", transfer.IdempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=transfer_client op=transfer status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=transfer_client op=transfer status=%d code=%q title=%q", resp.StatusCode, errResp.FirstCode(), firstErrorTitle(errResp))
		return nil, &errResp
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}

	return &successResp, nil
}

// GetAccountBalance fetches the balance for a processor account.
func (c *Client) GetAccountBalance(ctx context.Context, accountRef string) (*BalanceResponse, error) {
	url := c.BaseURL + "/api/v1/accounts/balance/" + accountRef

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute balance request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=transfer_client op=get_balance account_ref=%s status=%d msg=\"non-2xx response (unparsable error body)\"", accountRef, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=transfer_client op=get_balance account_ref=%s status=%d code=%q title=%q", accountRef, resp.StatusCode, errResp.FirstCode(), firstErrorTitle(errResp))
		return nil, &errResp
	}

	var balanceResp BalanceResponse
	if err := json.Unmarshal(bodyBytes, &balanceResp); err != nil {
		return nil, fmt.Errorf("failed to decode balance response: %w", err)
	}

	return &balanceResp, nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}
