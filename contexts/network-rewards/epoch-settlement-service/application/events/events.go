package events

import (
	"log/slog"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	sharedevents "settlement/internal/shared/events"
)

type ProcessStarted struct {
	EpochID        int64
	TotalWubiNodes int
	TotalWupiNodes int
	StartedAt      time.Time
}

// LastResponseReceived fires once per epoch channel when the received count reaches the expected count.
type LastResponseReceived struct {
	EpochID  int64
	Channel  entities.Channel
	Received int
	Expected int
}

type ChannelProcessed struct {
	EpochID        int64
	Channel        entities.Channel
	NodesWithScore int
}

type Bus struct {
	ProcessStarted   *sharedevents.Topic[ProcessStarted]
	LastResponse     *sharedevents.Topic[LastResponseReceived]
	ChannelProcessed *sharedevents.Topic[ChannelProcessed]
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		ProcessStarted:   sharedevents.NewTopic[ProcessStarted]("rewards.process_started", logger),
		LastResponse:     sharedevents.NewTopic[LastResponseReceived]("rewards.last_response_received", logger),
		ChannelProcessed: sharedevents.NewTopic[ChannelProcessed]("rewards.channel_processed", logger),
	}
}
