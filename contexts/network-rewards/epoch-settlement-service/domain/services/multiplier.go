package services

import (
	"fmt"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"

	"github.com/shopspring/decimal"
)

// Required on-chain deposit per channel, in micro-units.
const (
	WubiRequiredDeposit int64 = 5_000_000
	WupiRequiredDeposit int64 = 0
)

var (
	modelMultipliers = map[string]decimal.Decimal{
		"BYOD":       decimal.NewFromInt(1),
		"Apocalypse": decimal.RequireFromString("1.25"),
		"Eclypse":    decimal.RequireFromString("1.5"),
		"Prometheus": decimal.NewFromInt(2),
		"Genesis":    decimal.NewFromInt(3),
	}
	boostedAreaMultiplier = decimal.RequireFromString("1.5")
)

func ModelMultiplier(model string) decimal.Decimal {
	if value, ok := modelMultipliers[model]; ok {
		return value
	}
	return decimal.NewFromInt(1)
}

// NodeMultiplier combines the device class multiplier with the boosted area bonus.
func NodeMultiplier(node entities.Node) decimal.Decimal {
	multiplier := ModelMultiplier(node.Model)
	if node.Boosted {
		multiplier = multiplier.Mul(boostedAreaMultiplier)
	}
	return multiplier
}

func RequiredDeposit(channel entities.Channel) int64 {
	if channel == entities.ChannelWubi {
		return WubiRequiredDeposit
	}
	return WupiRequiredDeposit
}

func CheckEligibility(channel entities.Channel, entry entities.NodeEntry) entities.Eligibility {
	if !entry.Exists {
		return entities.Eligibility{Reason: "no reward system entry found"}
	}
	required := RequiredDeposit(channel)
	if entry.DepositAmount != required {
		return entities.Eligibility{
			Reason: fmt.Sprintf("invalid deposit amount: expected %d, got %d", required, entry.DepositAmount),
		}
	}
	return entities.Eligibility{Eligible: true}
}
