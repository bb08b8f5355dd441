package ports

import (
	"context"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"

	"github.com/shopspring/decimal"
)

type EpochRepository interface {
	// CreateOrGetEpoch inserts the epoch for its date, or returns the existing one.
	CreateOrGetEpoch(ctx context.Context, epoch entities.Epoch) (entities.Epoch, bool, error)
	GetEpoch(ctx context.Context, epochID int64) (entities.Epoch, error)
	GetEpochByDate(ctx context.Context, date time.Time) (entities.Epoch, error)
	UpdateEpoch(ctx context.Context, epochID int64, update entities.EpochUpdate) (entities.Epoch, error)
	ListActiveEpochs(ctx context.Context) ([]entities.Epoch, error)
	// ListInterruptedEpochs returns epochs with a channel left sending or flagged retrying by a stopped process.
	ListInterruptedEpochs(ctx context.Context) ([]entities.Epoch, error)
	FindRetryCandidate(ctx context.Context, maxAttempts int) (entities.Epoch, entities.Channel, error)
	FindPendingRegeneration(ctx context.Context) (entities.Epoch, error)
	CountRegenerating(ctx context.Context) (int64, error)
}

type RewardRepository interface {
	CreateReward(ctx context.Context, record entities.RewardRecord) (entities.RewardRecord, error)
	ListRewards(ctx context.Context, epochID int64, channel entities.Channel) ([]entities.RewardRecord, error)
	ListCalculatingRewards(ctx context.Context, epochID int64, channel entities.Channel) ([]entities.RewardRecord, error)
	// ApplyRewardAmounts finalizes one batch in a single transaction.
	// Records no longer in calculating status are left untouched.
	ApplyRewardAmounts(ctx context.Context, amounts []entities.RewardAmount, updatedAt time.Time) (int, error)
	CountRewards(ctx context.Context, epochID int64, channel entities.Channel) (int64, error)
	ListRewardNodeIDs(ctx context.Context, epochID int64, channel entities.Channel) ([]int64, error)
	CountLockedRewards(ctx context.Context, epochID int64, channels []entities.Channel) (int64, error)
	// DeleteRewards removes the rewards of the given channels in one transaction.
	DeleteRewards(ctx context.Context, epochID int64, channels []entities.Channel) (int64, error)
}

type NodeRepository interface {
	ListActiveNodes(ctx context.Context, channel entities.Channel) ([]entities.Node, error)
	GetNode(ctx context.Context, nodeID int64) (entities.Node, error)
	GetNodeByDeviceID(ctx context.Context, deviceID string) (entities.Node, error)
}

type Clock interface {
	Now() time.Time
}

type Message struct {
	Topic string
	Key   string
	Value []byte
}

type MessageSender interface {
	Send(ctx context.Context, topic string, key string, payload []byte) error
}

type MessageSubscriber interface {
	Subscribe(
		ctx context.Context,
		topic string,
		consumerGroup string,
		handler func(context.Context, Message) error,
	) error
}

type Readiness struct {
	Ready   bool
	Pending int
	Reason  string
}

// ReadinessChecker probes whether the scoring backend for a channel has synced the epoch.
type ReadinessChecker interface {
	Ready(ctx context.Context, channel entities.Channel, epochDate time.Time) (Readiness, error)
}

type NodeEntryReader interface {
	NodeEntry(ctx context.Context, assetID string) (entities.NodeEntry, error)
}

type Oracle interface {
	Eligibility(ctx context.Context, node entities.Node, channel entities.Channel) (entities.Eligibility, error)
	Multiplier(ctx context.Context, node entities.Node) (decimal.Decimal, error)
}

type Metrics interface {
	MessageSent(channel entities.Channel)
	MessageSendFailed(channel entities.Channel)
	ResponseReceived(channel entities.Channel)
	DuplicateResponse(channel entities.Channel)
	ResponseDropped(channel entities.Channel, reason string)
	RewardsFinalized(channel entities.Channel, count int)
	EpochCompleted(duration time.Duration)
}
