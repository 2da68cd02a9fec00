// Package memorystore is a thin REST client over the external vector+graph
// memory store. Its internals are out of scope for this core; only the two
// operations the Memory Writer and Background Analyzer need are exposed.
package memorystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type Client struct {
	apiKey string
	url    string
	http   *http.Client
}

func New(apiKey, baseURL string) *Client {
	return &Client{
		apiKey: apiKey,
		url:    baseURL,
		http:   http.DefaultClient,
	}
}

// UpsertRequest matches one Memory Operation's payload shape.
type UpsertRequest struct {
	UserID  string                 `json:"user_id"`
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload"`
}

// Upsert durably stores one memory operation. The Memory Writer retries any
// failed call, transient (timeouts, 5xx) and 4xx rejections alike.
func (c *Client) Upsert(ctx context.Context, req UpsertRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode upsert request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/memories", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("memory store upsert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("memory store upsert transient error (status %d)", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("memory store upsert rejected (status %d): %v", resp.StatusCode, errResp)
	}
	return nil
}

// BatchUpsertRequest coalesces several Memory Operations that share a
// (user_id, kind) pair — the Memory Writer's batching window collects these
// — into the single vendor call this store's batch endpoint accepts.
type BatchUpsertRequest struct {
	UserID   string                   `json:"user_id"`
	Kind     string                   `json:"kind"`
	Payloads []map[string]interface{} `json:"payloads"`
}

// BatchUpsert durably stores several same-(user,kind) operations in one
// round trip. The Memory Writer calls this instead of Upsert whenever its
// batch window collects more than one operation for the same key.
func (c *Client) BatchUpsert(ctx context.Context, req BatchUpsertRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode batch upsert request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/memories/batch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("memory store batch upsert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("memory store batch upsert transient error (status %d)", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("memory store batch upsert rejected (status %d): %v", resp.StatusCode, errResp)
	}
	return nil
}

// SearchResult is one match returned from a semantic search over a user's
// stored memories.
type SearchResult struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Search runs one semantic query against userID's memories. The Background
// Analyzer issues three fixed queries per pass.
func (c *Client) Search(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"query":   query,
		"limit":   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/memories/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("memory store search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("memory store search error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return result.Results, nil
}
