package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelWubi Channel = "wubi"
	ChannelWupi Channel = "wupi"
)

func (c Channel) Valid() bool {
	return c == ChannelWubi || c == ChannelWupi
}

// RewardType is the label stored on reward records and used by regeneration scopes.
func (c Channel) RewardType() string {
	switch c {
	case ChannelWubi:
		return RewardTypeWubi
	case ChannelWupi:
		return RewardTypeWupi
	default:
		return ""
	}
}

func Channels() []Channel {
	return []Channel{ChannelWubi, ChannelWupi}
}

type ChannelStatus string

const (
	ChannelStatusSending   ChannelStatus = "sending_messages"
	ChannelStatusSent      ChannelStatus = "messages_sent"
	ChannelStatusNotSent   ChannelStatus = "messages_not_sent"
	ChannelStatusReceived  ChannelStatus = "messages_received"
	ChannelStatusProcessed ChannelStatus = "messages_processed"
)

type RegenerateStatus string

const (
	RegenerateStatusNone    RegenerateStatus = ""
	RegenerateStatusPending RegenerateStatus = "pending_regenerate_rewards"
	RegenerateStatusRunning RegenerateStatus = "regenerating_rewards"
	RegenerateStatusDone    RegenerateStatus = "rewards_regenerated"
	RegenerateStatusError   RegenerateStatus = "error_regenerating_rewards"
)

const (
	RegenerateTypeBoth          = "both"
	EpochStatusReadyForClaim    = "ready-for-claim"
	ProcessingMetricsProcessing = "processing"
	ProcessingMetricsCompleted  = "completed"
)

type ChannelState struct {
	Status           ChannelStatus
	NetworkScore     decimal.Decimal
	NodesTotal       int
	NodesWithScore   int
	MessagesSent     int
	MessagesReceived int
	RetryCount       int
	IsRetrying       bool
	ErrorMessage     string
}

// ExpectedResponses prefers the persisted sent count and falls back to the node total.
func (s ChannelState) ExpectedResponses() int {
	if s.MessagesSent > 0 {
		return s.MessagesSent
	}
	return s.NodesTotal
}

type ProcessingMetrics struct {
	StartTime               *time.Time `json:"start_time,omitempty"`
	EndTime                 *time.Time `json:"end_time,omitempty"`
	ProcessingTimeMs        int64      `json:"processing_time_ms,omitempty"`
	ProcessingTimeFormatted string     `json:"processing_time_formatted,omitempty"`
	TotalWubiNodes          int        `json:"total_wubi_nodes"`
	TotalWupiNodes          int        `json:"total_wupi_nodes"`
	AverageTimePerNode      string     `json:"average_time_per_node,omitempty"`
	Status                  string     `json:"status"`
}

type Epoch struct {
	ID                int64
	Date              time.Time
	WubiPool          int64
	WupiPool          int64
	Wubi              ChannelState
	Wupi              ChannelState
	ProcessingMetrics ProcessingMetrics
	RegenerateStatus  RegenerateStatus
	RegenerateType    string
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (e Epoch) DateKey() string {
	return FormatEpochDate(e.Date)
}

func (e Epoch) State(channel Channel) ChannelState {
	if channel == ChannelWupi {
		return e.Wupi
	}
	return e.Wubi
}

func (e *Epoch) SetState(channel Channel, state ChannelState) {
	if channel == ChannelWupi {
		e.Wupi = state
		return
	}
	e.Wubi = state
}

func (e Epoch) Pool(channel Channel) int64 {
	if channel == ChannelWupi {
		return e.WupiPool
	}
	return e.WubiPool
}

func (e Epoch) BothProcessed() bool {
	return e.Wubi.Status == ChannelStatusProcessed && e.Wupi.Status == ChannelStatusProcessed
}

// RegenerationCovers reports whether the flagged regeneration scope includes channel.
func (e Epoch) RegenerationCovers(channel Channel) bool {
	switch e.RegenerateType {
	case RegenerateTypeBoth:
		return true
	default:
		return e.RegenerateType == channel.RewardType()
	}
}

// ParseRegenerateType maps an operator-supplied scope to the channels it covers.
func ParseRegenerateType(value string) ([]Channel, bool) {
	switch value {
	case RewardTypeWubi:
		return []Channel{ChannelWubi}, true
	case RewardTypeWupi:
		return []Channel{ChannelWupi}, true
	case RegenerateTypeBoth:
		return Channels(), true
	default:
		return nil, false
	}
}

func FormatEpochDate(value time.Time) string {
	return value.UTC().Format("2006-01-02")
}

func ParseEpochDate(value string) (time.Time, error) {
	return time.Parse("2006-01-02", value)
}

// EpochUpdate carries a sparse set of column changes for a single epoch.
// Nil fields are left untouched by the store.
type EpochUpdate struct {
	WubiStatus           *ChannelStatus
	WupiStatus           *ChannelStatus
	WubiNetworkScore     *decimal.Decimal
	WupiNetworkScore     *decimal.Decimal
	WubiNodesTotal       *int
	WupiNodesTotal       *int
	WubiNodesWithScore   *int
	WupiNodesWithScore   *int
	WubiMessagesSent     *int
	WupiMessagesSent     *int
	WubiMessagesReceived *int
	WupiMessagesReceived *int
	WubiRetryCount       *int
	WupiRetryCount       *int
	WubiIsRetrying       *bool
	WupiIsRetrying       *bool
	WubiErrorMessage     *string
	WupiErrorMessage     *string
	ProcessingMetrics    *ProcessingMetrics
	RegenerateStatus     *RegenerateStatus
	RegenerateType       *string
	Status               *string
}

func (u *EpochUpdate) SetStatus(channel Channel, status ChannelStatus) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiStatus = &status
	} else {
		u.WubiStatus = &status
	}
	return u
}

func (u *EpochUpdate) SetNetworkScore(channel Channel, score decimal.Decimal) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiNetworkScore = &score
	} else {
		u.WubiNetworkScore = &score
	}
	return u
}

func (u *EpochUpdate) SetNodesTotal(channel Channel, total int) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiNodesTotal = &total
	} else {
		u.WubiNodesTotal = &total
	}
	return u
}

func (u *EpochUpdate) SetNodesWithScore(channel Channel, total int) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiNodesWithScore = &total
	} else {
		u.WubiNodesWithScore = &total
	}
	return u
}

func (u *EpochUpdate) SetMessagesSent(channel Channel, sent int) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiMessagesSent = &sent
	} else {
		u.WubiMessagesSent = &sent
	}
	return u
}

func (u *EpochUpdate) SetMessagesReceived(channel Channel, received int) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiMessagesReceived = &received
	} else {
		u.WubiMessagesReceived = &received
	}
	return u
}

func (u *EpochUpdate) SetRetryCount(channel Channel, count int) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiRetryCount = &count
	} else {
		u.WubiRetryCount = &count
	}
	return u
}

func (u *EpochUpdate) SetRetrying(channel Channel, retrying bool) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiIsRetrying = &retrying
	} else {
		u.WubiIsRetrying = &retrying
	}
	return u
}

func (u *EpochUpdate) SetErrorMessage(channel Channel, message string) *EpochUpdate {
	if channel == ChannelWupi {
		u.WupiErrorMessage = &message
	} else {
		u.WubiErrorMessage = &message
	}
	return u
}

func (u *EpochUpdate) SetRegenerateStatus(status RegenerateStatus) *EpochUpdate {
	u.RegenerateStatus = &status
	return u
}

func (u *EpochUpdate) SetRegenerateType(regenerateType string) *EpochUpdate {
	u.RegenerateType = &regenerateType
	return u
}

func (u *EpochUpdate) SetProcessingMetrics(metrics ProcessingMetrics) *EpochUpdate {
	u.ProcessingMetrics = &metrics
	return u
}

func (u *EpochUpdate) SetEpochStatus(status string) *EpochUpdate {
	u.Status = &status
	return u
}

// Apply projects the update onto an in-memory epoch so caches stay consistent with the store.
func (u EpochUpdate) Apply(epoch *Epoch) {
	applyChannel(&epoch.Wubi, u.WubiStatus, u.WubiNetworkScore, u.WubiNodesTotal, u.WubiNodesWithScore,
		u.WubiMessagesSent, u.WubiMessagesReceived, u.WubiRetryCount, u.WubiIsRetrying, u.WubiErrorMessage)
	applyChannel(&epoch.Wupi, u.WupiStatus, u.WupiNetworkScore, u.WupiNodesTotal, u.WupiNodesWithScore,
		u.WupiMessagesSent, u.WupiMessagesReceived, u.WupiRetryCount, u.WupiIsRetrying, u.WupiErrorMessage)
	if u.ProcessingMetrics != nil {
		epoch.ProcessingMetrics = *u.ProcessingMetrics
	}
	if u.RegenerateStatus != nil {
		epoch.RegenerateStatus = *u.RegenerateStatus
	}
	if u.RegenerateType != nil {
		epoch.RegenerateType = *u.RegenerateType
	}
	if u.Status != nil {
		epoch.Status = *u.Status
	}
}

func (u EpochUpdate) Empty() bool {
	return u == EpochUpdate{}
}

func applyChannel(
	state *ChannelState,
	status *ChannelStatus,
	score *decimal.Decimal,
	nodesTotal *int,
	nodesWithScore *int,
	sent *int,
	received *int,
	retryCount *int,
	retrying *bool,
	errorMessage *string,
) {
	if status != nil {
		state.Status = *status
	}
	if score != nil {
		state.NetworkScore = *score
	}
	if nodesTotal != nil {
		state.NodesTotal = *nodesTotal
	}
	if nodesWithScore != nil {
		state.NodesWithScore = *nodesWithScore
	}
	if sent != nil {
		state.MessagesSent = *sent
	}
	if received != nil {
		state.MessagesReceived = *received
	}
	if retryCount != nil {
		state.RetryCount = *retryCount
	}
	if retrying != nil {
		state.IsRetrying = *retrying
	}
	if errorMessage != nil {
		state.ErrorMessage = *errorMessage
	}
}
