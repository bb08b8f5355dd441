package postgresadapter

import (
	"encoding/json"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"

	"github.com/shopspring/decimal"
)

// tableSet names the tables one repository instance reads and writes.
type tableSet struct {
	epochs  string
	rewards string
}

var (
	productionTables = tableSet{
		epochs:  "pool_per_epoch",
		rewards: "rewards_per_epoches",
	}
	sandboxTables = tableSet{
		epochs:  "pool_per_epoch_sandbox",
		rewards: "rewards_per_epoches_sandbox",
	}
)

const nodesTable = "nfnodes"

type epochModel struct {
	ID                   int64           `gorm:"column:id;primaryKey;autoIncrement"`
	EpochDate            time.Time       `gorm:"column:epoch;type:date;uniqueIndex"`
	WubiPool             int64           `gorm:"column:ubi_pool_per_epoch"`
	WupiPool             int64           `gorm:"column:upi_pool_per_epoch"`
	WubiNetworkScore     decimal.Decimal `gorm:"column:wubi_network_score;type:numeric"`
	WupiNetworkScore     decimal.Decimal `gorm:"column:wupi_network_score;type:numeric"`
	WubiStatus           string          `gorm:"column:wubi_processing_status"`
	WupiStatus           string          `gorm:"column:wupi_processing_status"`
	WubiNodesTotal       int             `gorm:"column:wubi_nfnodes_total"`
	WupiNodesTotal       int             `gorm:"column:wupi_nfnodes_total"`
	WubiNodesWithScore   int             `gorm:"column:wubi_nfnodes_with_score"`
	WupiNodesWithScore   int             `gorm:"column:wupi_nfnodes_with_score"`
	WubiMessagesSent     int             `gorm:"column:wubi_messages_sent"`
	WupiMessagesSent     int             `gorm:"column:wupi_messages_sent"`
	WubiMessagesReceived int             `gorm:"column:wubi_messages_received"`
	WupiMessagesReceived int             `gorm:"column:wupi_messages_received"`
	WubiRetryCount       int             `gorm:"column:wubi_retry_count"`
	WupiRetryCount       int             `gorm:"column:wupi_retry_count"`
	WubiIsRetrying       bool            `gorm:"column:wubi_is_retrying"`
	WupiIsRetrying       bool            `gorm:"column:wupi_is_retrying"`
	WubiErrorMessage     *string         `gorm:"column:wubi_error_message"`
	WupiErrorMessage     *string         `gorm:"column:wupi_error_message"`
	ProcessingMetrics    *string         `gorm:"column:processing_metrics;type:jsonb"`
	RegenerateStatus     *string         `gorm:"column:regenerate_rewards_status"`
	RegenerateType       *string         `gorm:"column:regenerate_rewards_type"`
	Status               *string         `gorm:"column:status"`
	CreatedAt            time.Time       `gorm:"column:created_at"`
	UpdatedAt            time.Time       `gorm:"column:updated_at"`
}

func epochModelFromEntity(epoch entities.Epoch) (epochModel, error) {
	metrics, err := json.Marshal(epoch.ProcessingMetrics)
	if err != nil {
		return epochModel{}, err
	}
	return epochModel{
		ID:                   epoch.ID,
		EpochDate:            epoch.Date.UTC().Truncate(24 * time.Hour),
		WubiPool:             epoch.WubiPool,
		WupiPool:             epoch.WupiPool,
		WubiNetworkScore:     epoch.Wubi.NetworkScore,
		WupiNetworkScore:     epoch.Wupi.NetworkScore,
		WubiStatus:           string(epoch.Wubi.Status),
		WupiStatus:           string(epoch.Wupi.Status),
		WubiNodesTotal:       epoch.Wubi.NodesTotal,
		WupiNodesTotal:       epoch.Wupi.NodesTotal,
		WubiNodesWithScore:   epoch.Wubi.NodesWithScore,
		WupiNodesWithScore:   epoch.Wupi.NodesWithScore,
		WubiMessagesSent:     epoch.Wubi.MessagesSent,
		WupiMessagesSent:     epoch.Wupi.MessagesSent,
		WubiMessagesReceived: epoch.Wubi.MessagesReceived,
		WupiMessagesReceived: epoch.Wupi.MessagesReceived,
		WubiRetryCount:       epoch.Wubi.RetryCount,
		WupiRetryCount:       epoch.Wupi.RetryCount,
		WubiIsRetrying:       epoch.Wubi.IsRetrying,
		WupiIsRetrying:       epoch.Wupi.IsRetrying,
		WubiErrorMessage:     optionalString(epoch.Wubi.ErrorMessage),
		WupiErrorMessage:     optionalString(epoch.Wupi.ErrorMessage),
		ProcessingMetrics:    optionalString(string(metrics)),
		RegenerateStatus:     optionalString(string(epoch.RegenerateStatus)),
		RegenerateType:       optionalString(epoch.RegenerateType),
		Status:               optionalString(epoch.Status),
		CreatedAt:            epoch.CreatedAt.UTC(),
		UpdatedAt:            epoch.UpdatedAt.UTC(),
	}, nil
}

func (m epochModel) toEntity() entities.Epoch {
	epoch := entities.Epoch{
		ID:       m.ID,
		Date:     m.EpochDate.UTC(),
		WubiPool: m.WubiPool,
		WupiPool: m.WupiPool,
		Wubi: entities.ChannelState{
			Status:           entities.ChannelStatus(m.WubiStatus),
			NetworkScore:     m.WubiNetworkScore,
			NodesTotal:       m.WubiNodesTotal,
			NodesWithScore:   m.WubiNodesWithScore,
			MessagesSent:     m.WubiMessagesSent,
			MessagesReceived: m.WubiMessagesReceived,
			RetryCount:       m.WubiRetryCount,
			IsRetrying:       m.WubiIsRetrying,
			ErrorMessage:     valueOf(m.WubiErrorMessage),
		},
		Wupi: entities.ChannelState{
			Status:           entities.ChannelStatus(m.WupiStatus),
			NetworkScore:     m.WupiNetworkScore,
			NodesTotal:       m.WupiNodesTotal,
			NodesWithScore:   m.WupiNodesWithScore,
			MessagesSent:     m.WupiMessagesSent,
			MessagesReceived: m.WupiMessagesReceived,
			RetryCount:       m.WupiRetryCount,
			IsRetrying:       m.WupiIsRetrying,
			ErrorMessage:     valueOf(m.WupiErrorMessage),
		},
		RegenerateStatus: entities.RegenerateStatus(valueOf(m.RegenerateStatus)),
		RegenerateType:   valueOf(m.RegenerateType),
		Status:           valueOf(m.Status),
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
	if raw := valueOf(m.ProcessingMetrics); raw != "" {
		// A malformed blob only loses the metrics, never the epoch.
		_ = json.Unmarshal([]byte(raw), &epoch.ProcessingMetrics)
	}
	return epoch
}

// epochUpdateColumns maps the set fields of an update to column assignments.
func epochUpdateColumns(update entities.EpochUpdate, updatedAt time.Time) (map[string]any, error) {
	columns := map[string]any{"updated_at": updatedAt.UTC()}
	setString := func(column string, value *string) {
		if value != nil {
			columns[column] = optionalString(*value)
		}
	}
	setStatus := func(column string, value *entities.ChannelStatus) {
		if value != nil {
			columns[column] = string(*value)
		}
	}
	setInt := func(column string, value *int) {
		if value != nil {
			columns[column] = *value
		}
	}
	setBool := func(column string, value *bool) {
		if value != nil {
			columns[column] = *value
		}
	}
	setScore := func(column string, value *decimal.Decimal) {
		if value != nil {
			columns[column] = *value
		}
	}

	setStatus("wubi_processing_status", update.WubiStatus)
	setStatus("wupi_processing_status", update.WupiStatus)
	setScore("wubi_network_score", update.WubiNetworkScore)
	setScore("wupi_network_score", update.WupiNetworkScore)
	setInt("wubi_nfnodes_total", update.WubiNodesTotal)
	setInt("wupi_nfnodes_total", update.WupiNodesTotal)
	setInt("wubi_nfnodes_with_score", update.WubiNodesWithScore)
	setInt("wupi_nfnodes_with_score", update.WupiNodesWithScore)
	setInt("wubi_messages_sent", update.WubiMessagesSent)
	setInt("wupi_messages_sent", update.WupiMessagesSent)
	setInt("wubi_messages_received", update.WubiMessagesReceived)
	setInt("wupi_messages_received", update.WupiMessagesReceived)
	setInt("wubi_retry_count", update.WubiRetryCount)
	setInt("wupi_retry_count", update.WupiRetryCount)
	setBool("wubi_is_retrying", update.WubiIsRetrying)
	setBool("wupi_is_retrying", update.WupiIsRetrying)
	setString("wubi_error_message", update.WubiErrorMessage)
	setString("wupi_error_message", update.WupiErrorMessage)
	setString("regenerate_rewards_type", update.RegenerateType)
	setString("status", update.Status)
	if update.RegenerateStatus != nil {
		columns["regenerate_rewards_status"] = optionalString(string(*update.RegenerateStatus))
	}
	if update.ProcessingMetrics != nil {
		metrics, err := json.Marshal(update.ProcessingMetrics)
		if err != nil {
			return nil, err
		}
		columns["processing_metrics"] = string(metrics)
	}
	return columns, nil
}

type rewardModel struct {
	ID                 int64           `gorm:"column:id;primaryKey;autoIncrement"`
	EpochID            int64           `gorm:"column:pool_per_epoch_id"`
	NodeID             int64           `gorm:"column:nfnode_id"`
	Type               string          `gorm:"column:type"`
	HotspotScore       decimal.Decimal `gorm:"column:hotspot_score;type:numeric"`
	Amount             int64           `gorm:"column:amount"`
	Currency           string          `gorm:"column:currency"`
	Status             string          `gorm:"column:status"`
	OwnerPaymentStatus string          `gorm:"column:owner_payment_status"`
	HostPaymentStatus  string          `gorm:"column:host_payment_status"`
	CreatedAt          time.Time       `gorm:"column:created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at"`
}

func rewardModelFromEntity(record entities.RewardRecord) rewardModel {
	return rewardModel{
		ID:                 record.ID,
		EpochID:            record.EpochID,
		NodeID:             record.NodeID,
		Type:               record.Channel.RewardType(),
		HotspotScore:       record.HotspotScore,
		Amount:             record.Amount,
		Currency:           record.Currency,
		Status:             string(record.Status),
		OwnerPaymentStatus: string(record.OwnerPaymentStatus),
		HostPaymentStatus:  string(record.HostPaymentStatus),
		CreatedAt:          record.CreatedAt.UTC(),
		UpdatedAt:          record.UpdatedAt.UTC(),
	}
}

func (m rewardModel) toEntity() entities.RewardRecord {
	return entities.RewardRecord{
		ID:                 m.ID,
		EpochID:            m.EpochID,
		NodeID:             m.NodeID,
		Channel:            channelFromRewardType(m.Type),
		HotspotScore:       m.HotspotScore,
		Amount:             m.Amount,
		Currency:           m.Currency,
		Status:             entities.RewardStatus(m.Status),
		OwnerPaymentStatus: entities.PaymentStatus(m.OwnerPaymentStatus),
		HostPaymentStatus:  entities.PaymentStatus(m.HostPaymentStatus),
		CreatedAt:          m.CreatedAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
	}
}

type nodeModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	WayruDeviceID *string `gorm:"column:wayru_device_id"`
	MAC           *string `gorm:"column:mac"`
	AssetID       *string `gorm:"column:asset_id"`
	Model         *string `gorm:"column:model"`
	NodeType      *string `gorm:"column:nfnode_type"`
	Status        string  `gorm:"column:status"`
}

func (nodeModel) TableName() string {
	return nodesTable
}

func (m nodeModel) toEntity() entities.Node {
	return entities.Node{
		ID:            m.ID,
		DeviceID:      valueOf(m.WayruDeviceID),
		MAC:           valueOf(m.MAC),
		SolanaAssetID: valueOf(m.AssetID),
		Model:         valueOf(m.Model),
		NodeType:      valueOf(m.NodeType),
		Status:        m.Status,
	}
}

func toRewardEntities(rows []rewardModel) []entities.RewardRecord {
	items := make([]entities.RewardRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items
}

func rewardTypes(channels []entities.Channel) []string {
	types := make([]string, 0, len(channels))
	for _, channel := range channels {
		types = append(types, channel.RewardType())
	}
	return types
}

func channelFromRewardType(value string) entities.Channel {
	if value == entities.RewardTypeWupi {
		return entities.ChannelWupi
	}
	return entities.ChannelWubi
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func valueOf(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
