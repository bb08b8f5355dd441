package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
)

// Client reads reward system entries from the oracle gateway.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL string, apiKey string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("oracle api url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse oracle api url: %w", err)
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  strings.TrimSpace(apiKey),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type nodeEntryResponse struct {
	Exists        bool  `json:"exists"`
	DepositAmount int64 `json:"deposit_amount"`
}

// NodeEntry returns Exists=false when the gateway has no entry for the asset.
func (c *Client) NodeEntry(ctx context.Context, assetID string) (entities.NodeEntry, error) {
	endpoint := c.BaseURL + "/nfnode-entries/" + url.PathEscape(strings.TrimSpace(assetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return entities.NodeEntry{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return entities.NodeEntry{}, fmt.Errorf("oracle node entry request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return entities.NodeEntry{}, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return entities.NodeEntry{}, fmt.Errorf("oracle node entry request: unexpected status %d", resp.StatusCode)
	}

	var payload nodeEntryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return entities.NodeEntry{}, fmt.Errorf("decode oracle node entry: %w", err)
	}
	return entities.NodeEntry{
		Exists:        payload.Exists,
		DepositAmount: payload.DepositAmount,
	}, nil
}
