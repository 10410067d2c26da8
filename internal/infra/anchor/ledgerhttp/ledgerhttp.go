// Package ledgerhttp anchors batch commitments in an HTTP notary ledger.
// The ledger exposes a minimal REST surface: POST /api/v1/anchors accepts a
// canonical anchor document, GET /api/v1/anchors/{id} returns the inclusion
// receipt, GET /api/v1/anchors?root_hash= resolves a root to its receipt.
package ledgerhttp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"asclepius/internal/domain"
	"asclepius/internal/infra/anchor"
)

const maxProviderReceiptBytes = 256 * 1024

type Client struct {
	baseURL string
	apiKey  string
	httpDo  func(*http.Request) (*http.Response, error)
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("ledger base url is required")
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpDo:  doer,
	}, nil
}

func (c *Client) ProviderName() string {
	return "ledgerhttp"
}

func (c *Client) Anchor(ctx context.Context, payload anchor.Payload) domain.AnchorReceipt {
	if c == nil {
		return failedReceipt("ledgerhttp", domain.AnchorErrorBadConfig, nil)
	}
	postURL := c.baseURL + "/api/v1/anchors"
	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(payload.CanonicalJSON))
	if err != nil {
		return failedReceipt(c.ProviderName(), domain.AnchorErrorBadConfig, nil)
	}
	postReq.Header.Set("Content-Type", "application/json")
	// The ledger dedupes on the idempotency key, so a retried batch never
	// produces a second entry.
	postReq.Header.Set("Idempotency-Key", payload.BatchID)
	c.authorize(postReq)

	postResp, err := c.httpDo(postReq)
	if err != nil {
		return failedReceipt(c.ProviderName(), errorToCode(ctx, err), nil)
	}
	defer postResp.Body.Close()
	postBody, err := io.ReadAll(postResp.Body)
	if err != nil {
		return failedReceipt(c.ProviderName(), errorToCode(ctx, err), nil)
	}
	if postResp.StatusCode < 200 || postResp.StatusCode >= 300 {
		return failedReceipt(c.ProviderName(), statusToErrorCode(postResp.StatusCode), postBody)
	}
	var created anchorEntry
	if err := json.Unmarshal(postBody, &created); err != nil || created.ID == "" {
		return failedReceipt(c.ProviderName(), domain.AnchorErrorProviderError, postBody)
	}

	getURL := postURL + "/" + created.ID
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	if err != nil {
		return failedReceipt(c.ProviderName(), errorToCode(ctx, err), postBody)
	}
	c.authorize(getReq)
	getResp, err := c.httpDo(getReq)
	if err != nil {
		return failedReceipt(c.ProviderName(), errorToCode(ctx, err), postBody)
	}
	defer getResp.Body.Close()
	getBody, err := io.ReadAll(getResp.Body)
	if err != nil {
		return failedReceipt(c.ProviderName(), errorToCode(ctx, err), postBody)
	}
	if getResp.StatusCode < 200 || getResp.StatusCode >= 300 {
		return failedReceipt(c.ProviderName(), statusToErrorCode(getResp.StatusCode), getBody)
	}
	var entry anchorEntry
	if err := json.Unmarshal(getBody, &entry); err != nil || entry.TxHash == "" {
		return failedReceipt(c.ProviderName(), domain.AnchorErrorProviderError, getBody)
	}

	receiptJSON, truncated, size := truncateReceiptJSON(getBody)
	return domain.AnchorReceipt{
		Provider:                 c.ProviderName(),
		Status:                   domain.AnchorStatusAnchored,
		TxHash:                   entry.TxHash,
		BlockNumber:              entry.BlockNumber,
		LedgerIndex:              entry.LedgerIndex,
		EntryURL:                 getURL,
		AnchoredAt:               entry.anchoredAt(),
		ProviderReceiptJSON:      json.RawMessage(receiptJSON),
		ProviderReceiptTruncated: truncated,
		ProviderReceiptSizeBytes: size,
		ProviderReceiptSHA256:    sha256Hex(getBody),
	}
}

func (c *Client) QueryRoot(ctx context.Context, rootHash string) (domain.AnchorStatus, error) {
	if c == nil {
		return domain.AnchorStatus{}, errors.New("ledger client is nil")
	}
	queryURL := c.baseURL + "/api/v1/anchors?root_hash=" + url.QueryEscape(rootHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return domain.AnchorStatus{}, err
	}
	c.authorize(req)
	resp, err := c.httpDo(req)
	if err != nil {
		return domain.AnchorStatus{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AnchorStatus{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.AnchorStatus{RootHash: rootHash}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AnchorStatus{}, errors.New("ledger query failed: " + resp.Status)
	}
	var result struct {
		Entries []anchorEntry `json:"entries"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.AnchorStatus{}, err
	}
	for _, entry := range result.Entries {
		if entry.TxHash == "" {
			continue
		}
		status := domain.AnchorStatus{
			Anchored: true,
			RootHash: rootHash,
			Provider: c.ProviderName(),
			TxHash:   entry.TxHash,
		}
		if entry.BlockNumber != 0 {
			block := entry.BlockNumber
			status.BlockNumber = &block
		}
		if at := entry.anchoredAt(); !at.IsZero() {
			status.AnchoredAt = &at
		}
		return status, nil
	}
	return domain.AnchorStatus{RootHash: rootHash}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

type anchorEntry struct {
	ID          string `json:"id"`
	RootHash    string `json:"root_hash"`
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	LedgerIndex int64  `json:"ledger_index"`
	AnchoredAt  string `json:"anchored_at"`
}

func (e anchorEntry) anchoredAt() time.Time {
	if e.AnchoredAt == "" {
		return time.Time{}
	}
	at, err := time.Parse(time.RFC3339Nano, e.AnchoredAt)
	if err != nil {
		return time.Time{}
	}
	return at.UTC()
}

func failedReceipt(provider, code string, body []byte) domain.AnchorReceipt {
	receiptJSON, truncated, size := truncateReceiptJSON(body)
	receipt := domain.AnchorReceipt{
		Provider:                 provider,
		Status:                   domain.AnchorStatusFailed,
		ErrorCode:                code,
		ProviderReceiptTruncated: truncated,
		ProviderReceiptSizeBytes: size,
		ProviderReceiptSHA256:    sha256Hex(body),
	}
	if len(receiptJSON) > 0 {
		receipt.ProviderReceiptJSON = json.RawMessage(receiptJSON)
	}
	return receipt
}

func statusToErrorCode(code int) string {
	if code == http.StatusTooManyRequests {
		return domain.AnchorErrorRateLimit
	}
	if code >= 500 {
		return domain.AnchorErrorProvider5xx
	}
	return domain.AnchorErrorProviderError
}

func errorToCode(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.AnchorErrorTimeout
	}
	return domain.AnchorErrorNetwork
}

func truncateReceiptJSON(payload []byte) ([]byte, bool, int) {
	size := len(payload)
	if size == 0 {
		return nil, false, 0
	}
	if size <= maxProviderReceiptBytes {
		return payload, false, size
	}
	prefix := payload[:maxProviderReceiptBytes]
	truncated := map[string]any{
		"truncated":     true,
		"prefix_base64": base64.StdEncoding.EncodeToString(prefix),
	}
	encoded, err := json.Marshal(truncated)
	if err != nil {
		return nil, true, size
	}
	return encoded, true, size
}

func sha256Hex(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
