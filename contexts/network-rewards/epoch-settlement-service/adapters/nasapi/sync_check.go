package nasapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

// SyncChecker asks the NAS API whether the scoring data for an epoch date is complete.
// Channels without a probe are always ready.
type SyncChecker struct {
	BaseURL  string
	APIKey   string
	Channels []entities.Channel
	HTTP     *http.Client
	Logger   *slog.Logger
}

func NewSyncChecker(baseURL string, apiKey string, channels []entities.Channel, logger *slog.Logger) *SyncChecker {
	return &SyncChecker{
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:   strings.TrimSpace(apiKey),
		Channels: channels,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		Logger:   logger,
	}
}

type syncCheckResponse struct {
	Data *struct {
		Ready   bool   `json:"ready"`
		Pending int    `json:"pending"`
		Epoch   string `json:"epoch"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *SyncChecker) Ready(ctx context.Context, channel entities.Channel, epochDate time.Time) (ports.Readiness, error) {
	if c.BaseURL == "" || !c.probes(channel) {
		return ports.Readiness{Ready: true}, nil
	}
	logger := application.ResolveLogger(c.Logger)
	date := entities.FormatEpochDate(epochDate)

	endpoint := c.BaseURL + "/sync-check?" + url.Values{"epoch_date": []string{date}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ports.Readiness{}, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		logger.Warn("nas sync check request failed",
			"event", "nas_sync_check_request_failed",
			"module", application.ModuleName,
			"layer", "adapter",
			"epoch_date", date,
			"error", err.Error(),
		)
		return ports.Readiness{}, fmt.Errorf("nas sync check: %w", err)
	}
	defer resp.Body.Close()

	var payload syncCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ports.Readiness{}, fmt.Errorf("decode nas sync check: status %d: %w", resp.StatusCode, err)
	}
	if payload.Error != nil {
		return ports.Readiness{Reason: "nas sync check error: " + payload.Error.Message}, nil
	}
	if resp.StatusCode >= http.StatusBadRequest || payload.Data == nil {
		return ports.Readiness{}, fmt.Errorf("nas sync check: unexpected status %d", resp.StatusCode)
	}

	readiness := ports.Readiness{Ready: payload.Data.Ready, Pending: payload.Data.Pending}
	if !readiness.Ready {
		readiness.Reason = fmt.Sprintf("%d nas devices pending sync for %s", payload.Data.Pending, date)
	}
	logger.Info("nas sync check completed",
		"event", "nas_sync_check_completed",
		"module", application.ModuleName,
		"layer", "adapter",
		"channel", string(channel),
		"epoch_date", date,
		"ready", readiness.Ready,
		"pending", readiness.Pending,
	)
	return readiness, nil
}

func (c *SyncChecker) probes(channel entities.Channel) bool {
	for _, item := range c.Channels {
		if item == channel {
			return true
		}
	}
	return false
}

var _ ports.ReadinessChecker = (*SyncChecker)(nil)
