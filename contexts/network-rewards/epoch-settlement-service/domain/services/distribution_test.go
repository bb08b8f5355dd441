package services

import (
	"errors"
	"testing"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"

	"github.com/shopspring/decimal"
)

func recordsWithScores(scores ...string) []entities.RewardRecord {
	records := make([]entities.RewardRecord, 0, len(scores))
	for i, score := range scores {
		records = append(records, entities.RewardRecord{
			ID:           int64(i + 1),
			HotspotScore: decimal.RequireFromString(score),
		})
	}
	return records
}

func TestDistributeAmountsExactScenario(t *testing.T) {
	records := recordsWithScores("10", "20", "30")
	network := NetworkScore(records)
	if !network.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected network score 60, got %s", network)
	}
	amounts, err := DistributeAmounts(records, network, 600_000_000)
	if err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	want := []int64{100_000_000, 200_000_000, 300_000_000}
	for i, amount := range amounts {
		if amount.Amount != want[i] {
			t.Fatalf("record %d: expected %d, got %d", i, want[i], amount.Amount)
		}
		if amount.RewardID != int64(i+1) {
			t.Fatalf("record %d: unexpected reward id %d", i, amount.RewardID)
		}
	}
}

func TestDistributeAmountsNeverExceedsBudget(t *testing.T) {
	records := recordsWithScores("1", "1", "1", "0.333333", "7.125", "13")
	network := NetworkScore(records)
	budget := int64(1_000_000_007)
	amounts, err := DistributeAmounts(records, network, budget)
	if err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	var sum int64
	for _, amount := range amounts {
		sum += amount.Amount
	}
	if sum > budget {
		t.Fatalf("distributed %d exceeds budget %d", sum, budget)
	}
	if budget-sum >= int64(len(records)) {
		t.Fatalf("truncation loss %d exceeds one micro-unit per record", budget-sum)
	}
}

func TestDistributeAmountsProportional(t *testing.T) {
	records := recordsWithScores("3", "9")
	amounts, err := DistributeAmounts(records, NetworkScore(records), 400_000_000)
	if err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	if amounts[1].Amount != 3*amounts[0].Amount {
		t.Fatalf("expected 1:3 ratio, got %d and %d", amounts[0].Amount, amounts[1].Amount)
	}
}

func TestProportionalAmountTruncates(t *testing.T) {
	amount, err := ProportionalAmount(decimal.NewFromInt(1), decimal.NewFromInt(3), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount != 33 {
		t.Fatalf("expected truncated 33, got %d", amount)
	}
	amount, err = ProportionalAmount(decimal.NewFromInt(2), decimal.NewFromInt(3), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount != 66 {
		t.Fatalf("expected truncated 66, got %d", amount)
	}
}

func TestProportionalAmountRejectsZeroNetworkScore(t *testing.T) {
	if _, err := ProportionalAmount(decimal.NewFromInt(1), decimal.Zero, 100); !errors.Is(err, domainerrors.ErrNetworkScoreZero) {
		t.Fatalf("expected ErrNetworkScoreZero, got %v", err)
	}
}

func TestHotspotScoreConvertsChannelUnits(t *testing.T) {
	wubi := HotspotScore(entities.ChannelWubi, decimal.NewFromInt(10), decimal.RequireFromString("1.5"))
	if !wubi.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected 15, got %s", wubi)
	}
	wupi := HotspotScore(entities.ChannelWupi, decimal.NewFromInt(3_000_000_000), decimal.NewFromInt(2))
	if !wupi.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected 6, got %s", wupi)
	}
}

func TestFormatMicroUnits(t *testing.T) {
	if got := FormatMicroUnits(1_234_567); got != "1.234567" {
		t.Fatalf("expected 1.234567, got %s", got)
	}
	if got := FormatMicroUnits(5); got != "0.000005" {
		t.Fatalf("expected 0.000005, got %s", got)
	}
}

func TestMultipliersAndEligibility(t *testing.T) {
	if got := NodeMultiplier(entities.Node{Model: "Genesis", Boosted: true}); !got.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("expected 4.5, got %s", got)
	}
	if got := NodeMultiplier(entities.Node{Model: "unknown"}); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected default multiplier 1, got %s", got)
	}
	if !CheckEligibility(entities.ChannelWubi, entities.NodeEntry{Exists: true, DepositAmount: WubiRequiredDeposit}).Eligible {
		t.Fatalf("expected wubi node with deposit to be eligible")
	}
	if CheckEligibility(entities.ChannelWubi, entities.NodeEntry{Exists: true}).Eligible {
		t.Fatalf("expected wubi node without deposit to be ineligible")
	}
	if !CheckEligibility(entities.ChannelWupi, entities.NodeEntry{Exists: true}).Eligible {
		t.Fatalf("expected wupi node with entry to be eligible")
	}
	if CheckEligibility(entities.ChannelWupi, entities.NodeEntry{}).Eligible {
		t.Fatalf("expected missing entry to be ineligible")
	}
}
