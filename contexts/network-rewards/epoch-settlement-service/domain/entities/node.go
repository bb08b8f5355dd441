package entities

import "github.com/shopspring/decimal"

const NodeTypeDon = "don"

type Node struct {
	ID            int64
	DeviceID      string
	MAC           string
	SolanaAssetID string
	Model         string
	NodeType      string
	Status        string
	Boosted       bool
}

// NodeEntry is the oracle's view of a node.
type NodeEntry struct {
	Exists        bool
	DepositAmount int64
}

type Eligibility struct {
	Eligible bool
	Reason   string
}

// ScoringResponse is a validated scoring backend response, normalized across channels.
// NodeID is set for channel B responses; DeviceID for channel A.
type ScoringResponse struct {
	Channel  Channel
	EpochID  int64
	DeviceID string
	NodeID   int64
	RawScore decimal.Decimal
}
