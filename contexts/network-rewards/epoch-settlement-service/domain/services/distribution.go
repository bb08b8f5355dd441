package services

import (
	"math/big"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"

	"github.com/shopspring/decimal"
)

// channel B scores arrive as raw bytes and are scored in gigabytes.
const wupiScoreExponent = -9

// HotspotScore applies the channel unit conversion and the node multiplier to a raw score.
func HotspotScore(channel entities.Channel, raw decimal.Decimal, multiplier decimal.Decimal) decimal.Decimal {
	if channel == entities.ChannelWupi {
		raw = raw.Shift(wupiScoreExponent)
	}
	return raw.Mul(multiplier)
}

func NetworkScore(records []entities.RewardRecord) decimal.Decimal {
	total := decimal.Zero
	for _, record := range records {
		total = total.Add(record.HotspotScore)
	}
	return total
}

// ProportionalAmount returns floor(score / networkScore * budget) in micro-units.
// Truncation keeps the channel sum at or below the budget.
func ProportionalAmount(score decimal.Decimal, networkScore decimal.Decimal, budget int64) (int64, error) {
	if !networkScore.IsPositive() {
		return 0, domainerrors.ErrNetworkScoreZero
	}
	if !score.IsPositive() || budget <= 0 {
		return 0, nil
	}
	share := new(big.Rat).Mul(score.Rat(), new(big.Rat).SetInt64(budget))
	share.Quo(share, networkScore.Rat())
	return new(big.Int).Quo(share.Num(), share.Denom()).Int64(), nil
}

func DistributeAmounts(
	records []entities.RewardRecord,
	networkScore decimal.Decimal,
	budget int64,
) ([]entities.RewardAmount, error) {
	amounts := make([]entities.RewardAmount, 0, len(records))
	for _, record := range records {
		amount, err := ProportionalAmount(record.HotspotScore, networkScore, budget)
		if err != nil {
			return nil, err
		}
		amounts = append(amounts, entities.RewardAmount{
			RewardID: record.ID,
			Amount:   amount,
		})
	}
	return amounts, nil
}

// FormatMicroUnits renders a micro-unit amount with six decimals for display.
func FormatMicroUnits(amount int64) string {
	return decimal.New(amount, -6).StringFixed(6)
}
