package http

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ChannelDTO struct {
	Status           string `json:"status"`
	Pool             string `json:"pool"`
	NetworkScore     string `json:"network_score"`
	NodesTotal       int    `json:"nodes_total"`
	NodesWithScore   int    `json:"nodes_with_score"`
	MessagesSent     int    `json:"messages_sent"`
	MessagesReceived int    `json:"messages_received"`
	RetryCount       int    `json:"retry_count"`
	IsRetrying       bool   `json:"is_retrying"`
	ErrorMessage     string `json:"error_message,omitempty"`
	Rewards          int64  `json:"rewards"`
}

type ProcessingMetricsDTO struct {
	StartTime               string `json:"start_time,omitempty"`
	EndTime                 string `json:"end_time,omitempty"`
	ProcessingTimeMs        int64  `json:"processing_time_ms"`
	ProcessingTimeFormatted string `json:"processing_time_formatted,omitempty"`
	AverageTimePerNode      string `json:"average_time_per_node,omitempty"`
	TotalWubiNodes          int    `json:"total_wubi_nodes"`
	TotalWupiNodes          int    `json:"total_wupi_nodes"`
	Status                  string `json:"status"`
}

type EpochResponse struct {
	ID                int64                `json:"id"`
	Date              string               `json:"date"`
	Status            string               `json:"status"`
	Wubi              ChannelDTO           `json:"wubi"`
	Wupi              ChannelDTO           `json:"wupi"`
	ProcessingMetrics ProcessingMetricsDTO `json:"processing_metrics"`
	RegenerateStatus  string               `json:"regenerate_rewards_status,omitempty"`
	RegenerateType    string               `json:"regenerate_rewards_type,omitempty"`
	UpdatedAt         string               `json:"updated_at"`
}

type RewardDTO struct {
	ID                 int64  `json:"id"`
	NodeID             int64  `json:"nfnode_id"`
	Type               string `json:"type"`
	HotspotScore       string `json:"hotspot_score"`
	Amount             string `json:"amount"`
	AmountMicro        int64  `json:"amount_micro"`
	Currency           string `json:"currency"`
	Status             string `json:"status"`
	OwnerPaymentStatus string `json:"owner_payment_status"`
	HostPaymentStatus  string `json:"host_payment_status"`
}

type RewardsResponse struct {
	EpochID int64       `json:"epoch_id"`
	Channel string      `json:"channel"`
	Items   []RewardDTO `json:"items"`
}

type RegenerateRequest struct {
	Type string `json:"type"`
}

type EmissionResponse struct {
	Date          string `json:"date"`
	Period        string `json:"period"`
	EpochNumber   int    `json:"epoch_number"`
	EpochYear     int    `json:"epoch_year"`
	Total         string `json:"total"`
	Oracle        string `json:"oracle"`
	Manufacturers string `json:"manufacturers"`
	Hotspots      string `json:"hotspots"`
	Wubi          string `json:"wubi"`
	Wupi          string `json:"wupi"`
}
