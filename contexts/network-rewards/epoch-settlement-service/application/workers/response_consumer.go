package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	"github.com/shopspring/decimal"
)

const (
	DefaultWubiResponseTopic = "wubi-responses"
	DefaultWupiResponseTopic = "wupi-responses"
	defaultConsumerGroup     = "epoch-settlement-service-responses-cg"
)

type ResponseTracker interface {
	Track(ctx context.Context, response entities.ScoringResponse) (entities.BatchProgress, error)
}

type EpochDateResolver interface {
	GetByDate(ctx context.Context, date time.Time) (entities.Epoch, error)
}

// ResponseConsumer feeds scoring responses of one channel into the tracker.
type ResponseConsumer struct {
	Subscriber    ports.MessageSubscriber
	Tracker       ResponseTracker
	Epochs        EpochDateResolver
	Channel       entities.Channel
	Topic         string
	ConsumerGroup string
	Metrics       ports.Metrics
	Logger        *slog.Logger
}

func (c ResponseConsumer) Start(ctx context.Context) error {
	if !c.Channel.Valid() {
		return domainerrors.ErrInvalidChannel
	}
	group := strings.TrimSpace(c.ConsumerGroup)
	if group == "" {
		group = defaultConsumerGroup + "-" + string(c.Channel)
	}
	application.ResolveLogger(c.Logger).Info("scoring response consumer started",
		"event", "scoring_response_consumer_started",
		"module", application.ModuleName,
		"layer", "worker",
		"channel", string(c.Channel),
		"topic", c.topic(),
		"consumer_group", group,
	)
	return c.Subscriber.Subscribe(ctx, c.topic(), group, c.handle)
}

func (c ResponseConsumer) topic() string {
	if topic := strings.TrimSpace(c.Topic); topic != "" {
		return topic
	}
	if c.Channel == entities.ChannelWupi {
		return DefaultWupiResponseTopic
	}
	return DefaultWubiResponseTopic
}

// handle drops malformed responses and responses for unknown epochs. Other failures are
// returned so the broker redelivers; the tracker dedup set absorbs the redelivery.
func (c ResponseConsumer) handle(ctx context.Context, msg ports.Message) error {
	logger := application.ResolveLogger(c.Logger)
	metrics := application.ResolveMetrics(c.Metrics)

	response, err := c.decode(ctx, msg.Value)
	if err != nil {
		metrics.ResponseDropped(c.Channel, "invalid")
		logger.Warn("scoring response dropped",
			"event", "scoring_response_invalid",
			"module", application.ModuleName,
			"layer", "worker",
			"channel", string(c.Channel),
			"key", msg.Key,
			"error", err.Error(),
		)
		return nil
	}

	if _, err := c.Tracker.Track(ctx, response); err != nil {
		switch {
		case errors.Is(err, domainerrors.ErrInvalidResponse),
			errors.Is(err, domainerrors.ErrInvalidChannel):
			metrics.ResponseDropped(c.Channel, "invalid")
		case errors.Is(err, domainerrors.ErrEpochNotFound):
			metrics.ResponseDropped(c.Channel, "unknown_epoch")
		default:
			logger.Error("scoring response tracking failed",
				"event", "scoring_response_track_failed",
				"module", application.ModuleName,
				"layer", "worker",
				"channel", string(c.Channel),
				"epoch_id", response.EpochID,
				"error", err.Error(),
			)
			return err
		}
		logger.Warn("scoring response dropped",
			"event", "scoring_response_dropped",
			"module", application.ModuleName,
			"layer", "worker",
			"channel", string(c.Channel),
			"epoch_id", response.EpochID,
			"error", err.Error(),
		)
	}
	return nil
}

func (c ResponseConsumer) decode(ctx context.Context, payload []byte) (entities.ScoringResponse, error) {
	if c.Channel == entities.ChannelWupi {
		response, date, err := DecodeWupiResponse(payload)
		if err != nil {
			return entities.ScoringResponse{}, err
		}
		if response.EpochID == 0 {
			if c.Epochs == nil {
				return entities.ScoringResponse{}, fmt.Errorf("%w: epoch_id is required", domainerrors.ErrInvalidResponse)
			}
			epoch, err := c.Epochs.GetByDate(ctx, date)
			if err != nil {
				return entities.ScoringResponse{}, err
			}
			response.EpochID = epoch.ID
		}
		return response, nil
	}
	return DecodeWubiResponse(payload)
}

type wubiResponse struct {
	HotspotScore  *json.Number `json:"hotspot_score"`
	WayruDeviceID string       `json:"wayru_device_id"`
	EpochID       int64        `json:"epoch_id"`
	LastItem      bool         `json:"last_item"`
}

// DecodeWubiResponse parses a channel A response. The last_item flag is informational only.
func DecodeWubiResponse(payload []byte) (entities.ScoringResponse, error) {
	var message wubiResponse
	if err := json.Unmarshal(payload, &message); err != nil {
		return entities.ScoringResponse{}, fmt.Errorf("%w: %v", domainerrors.ErrInvalidResponse, err)
	}
	if message.HotspotScore == nil {
		return entities.ScoringResponse{}, fmt.Errorf("%w: hotspot_score is required", domainerrors.ErrInvalidResponse)
	}
	score, err := decimal.NewFromString(message.HotspotScore.String())
	if err != nil {
		return entities.ScoringResponse{}, fmt.Errorf("%w: hotspot_score: %v", domainerrors.ErrInvalidResponse, err)
	}
	response := entities.ScoringResponse{
		Channel:  entities.ChannelWubi,
		EpochID:  message.EpochID,
		DeviceID: strings.TrimSpace(message.WayruDeviceID),
		RawScore: score,
	}
	if response.DeviceID == "" || response.EpochID <= 0 {
		return entities.ScoringResponse{}, fmt.Errorf("%w: wayru_device_id and epoch_id are required", domainerrors.ErrInvalidResponse)
	}
	return response, nil
}

type wupiResponse struct {
	NasID         string       `json:"nas_id"`
	NFNodeID      json.Number  `json:"nfnode_id"`
	Score         *json.Number `json:"score"`
	Epoch         string       `json:"epoch"`
	EpochID       int64        `json:"epoch_id"`
	TotalValidNas *json.Number `json:"total_valid_nas"`
}

// DecodeWupiResponse parses a channel B response. When epoch_id is absent the epoch date is returned
// so the caller can resolve the id.
func DecodeWupiResponse(payload []byte) (entities.ScoringResponse, time.Time, error) {
	var message wupiResponse
	if err := json.Unmarshal(payload, &message); err != nil {
		return entities.ScoringResponse{}, time.Time{}, fmt.Errorf("%w: %v", domainerrors.ErrInvalidResponse, err)
	}
	nodeID, err := strconv.ParseInt(message.NFNodeID.String(), 10, 64)
	if err != nil || nodeID <= 0 {
		return entities.ScoringResponse{}, time.Time{}, fmt.Errorf("%w: nfnode_id is required", domainerrors.ErrInvalidResponse)
	}
	if message.TotalValidNas == nil {
		return entities.ScoringResponse{}, time.Time{}, fmt.Errorf("%w: total_valid_nas is required", domainerrors.ErrInvalidResponse)
	}
	if _, err := message.TotalValidNas.Float64(); err != nil {
		return entities.ScoringResponse{}, time.Time{}, fmt.Errorf("%w: total_valid_nas must be numeric", domainerrors.ErrInvalidResponse)
	}

	var date time.Time
	if message.EpochID <= 0 {
		date, err = entities.ParseEpochDate(strings.TrimSpace(message.Epoch))
		if err != nil {
			return entities.ScoringResponse{}, time.Time{}, fmt.Errorf("%w: epoch_id or epoch date is required", domainerrors.ErrInvalidResponse)
		}
	}

	score := decimal.Zero
	if message.Score != nil {
		score, err = decimal.NewFromString(message.Score.String())
		if err != nil {
			return entities.ScoringResponse{}, time.Time{}, fmt.Errorf("%w: score: %v", domainerrors.ErrInvalidResponse, err)
		}
	}
	return entities.ScoringResponse{
		Channel:  entities.ChannelWupi,
		EpochID:  message.EpochID,
		NodeID:   nodeID,
		DeviceID: strings.TrimSpace(message.NasID),
		RawScore: score,
	}, date, nil
}
