package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RewardTypeWubi = "wUBI"
	RewardTypeWupi = "wUPI"

	RewardCurrency = "WAYRU"
)

type RewardStatus string

const (
	RewardStatusCalculating   RewardStatus = "calculating"
	RewardStatusReadyForClaim RewardStatus = "ready-for-claim"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusClaiming PaymentStatus = "claiming"
)

// RewardRecord is one node's reward for one channel of one epoch.
// Amount is expressed in micro-units and stays zero until finalization.
type RewardRecord struct {
	ID                 int64
	EpochID            int64
	NodeID             int64
	Channel            Channel
	HotspotScore       decimal.Decimal
	Amount             int64
	Currency           string
	Status             RewardStatus
	OwnerPaymentStatus PaymentStatus
	HostPaymentStatus  PaymentStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Locked reports whether downstream payment processing already touched the record.
func (r RewardRecord) Locked() bool {
	return isLockedPayment(r.OwnerPaymentStatus) || isLockedPayment(r.HostPaymentStatus)
}

func isLockedPayment(status PaymentStatus) bool {
	return status == PaymentStatusPaid || status == PaymentStatusClaiming
}

// RewardAmount is a finalized amount for one record.
type RewardAmount struct {
	RewardID int64
	Amount   int64
}

type BatchProgress struct {
	Current       int
	Total         int
	Percentage    float64
	IsLastMessage bool
}

func NewBatchProgress(current, total int) BatchProgress {
	percentage := 0.0
	if total > 0 {
		percentage = float64(current) / float64(total) * 100
	}
	return BatchProgress{
		Current:       current,
		Total:         total,
		Percentage:    percentage,
		IsLastMessage: current == total,
	}
}
