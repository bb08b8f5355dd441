package services

import (
	"math/big"
	"strings"
	"time"
)

type RewardsPeriod string

const (
	PeriodMainnet  RewardsPeriod = "mainnet"
	PeriodTestnet2 RewardsPeriod = "testnet-2"
)

func ParseRewardsPeriod(value string) RewardsPeriod {
	if strings.TrimSpace(strings.ToLower(value)) == string(PeriodTestnet2) {
		return PeriodTestnet2
	}
	return PeriodMainnet
}

// Amounts are micro-units (6 decimals).
const (
	FirstEmission   int64 = 1_200_000_000_000
	LastEmission    int64 = 70_630_713
	TerminalEpoch         = 36525
	TestnetEmission int64 = 960_000_000_000

	oracleShareBps  int64 = 2000
	bpsDenominator  int64 = 10000
	fixedPointScale       = 40
)

var (
	MainnetStart = time.Date(2025, time.April, 29, 0, 0, 0, 0, time.UTC)

	scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(fixedPointScale), nil)
	// 0.999733349023419 at fixedPointScale digits.
	decayFixed = new(big.Int).Mul(
		big.NewInt(999733349023419),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(fixedPointScale-15), nil),
	)
)

// EpochNumber returns the 1-based epoch index of target.
// Dates before mainnet start, the cooldown window included, map to 0.
func EpochNumber(target time.Time) int {
	target = target.UTC()
	if target.Before(MainnetStart) {
		return 0
	}
	return int(target.Sub(MainnetStart)/(24*time.Hour)) + 1
}

func EpochYear(epochNumber int, period RewardsPeriod) int {
	if epochNumber <= 0 {
		return 0
	}
	length := 365
	if period == PeriodTestnet2 {
		length = 7
	}
	return (epochNumber + length - 1) / length
}

// Emission returns the total epoch emission in micro-units.
func Emission(epochNumber int, period RewardsPeriod) int64 {
	if period == PeriodTestnet2 {
		if epochNumber > 0 {
			return TestnetEmission
		}
		return 0
	}
	switch {
	case epochNumber <= 0:
		return 0
	case epochNumber == 1:
		return FirstEmission
	case epochNumber == TerminalEpoch:
		return LastEmission
	case epochNumber > TerminalEpoch:
		return 0
	}

	factor := decayPow(uint64(epochNumber - 1))
	numerator := new(big.Int).Mul(big.NewInt(FirstEmission), factor)
	quotient, remainder := new(big.Int).QuoRem(numerator, scaleFactor, new(big.Int))
	if new(big.Int).Lsh(remainder, 1).Cmp(scaleFactor) >= 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient.Int64()
}

// decayPow computes decay^exp in fixed point by squaring, truncating after every product.
func decayPow(exp uint64) *big.Int {
	result := new(big.Int).Set(scaleFactor)
	base := new(big.Int).Set(decayFixed)
	for exp > 0 {
		if exp&1 == 1 {
			result.Mul(result, base)
			result.Quo(result, scaleFactor)
		}
		base.Mul(base, base)
		base.Quo(base, scaleFactor)
		exp >>= 1
	}
	return result
}

// PoolShares holds the channel split of the hotspots-and-manufacturers share in basis points.
// The manufacturers share is implicit: whatever A and B leave over.
type PoolShares struct {
	WubiBps int64
	WupiBps int64
}

var yearShares = []PoolShares{
	{WubiBps: 8100, WupiBps: 1800},
	{WubiBps: 6300, WupiBps: 3600},
	{WubiBps: 4500, WupiBps: 5400},
	{WubiBps: 2700, WupiBps: 7200},
	{WubiBps: 900, WupiBps: 9000},
}

var testnetLateShares = []PoolShares{
	{WubiBps: 2700, WupiBps: 7200},
	{WubiBps: 4500, WupiBps: 5400},
	{WubiBps: 6300, WupiBps: 3600},
	{WubiBps: 8100, WupiBps: 1800},
}

var fallbackShares = PoolShares{WubiBps: 900, WupiBps: 9000}

func SharesForYear(year int, period RewardsPeriod) PoolShares {
	switch {
	case year >= 1 && year <= len(yearShares):
		return yearShares[year-1]
	case year > len(yearShares) && year <= len(yearShares)+len(testnetLateShares):
		if period == PeriodTestnet2 {
			return testnetLateShares[year-len(yearShares)-1]
		}
		return fallbackShares
	default:
		return fallbackShares
	}
}

type Allocation struct {
	EpochNumber              int
	EpochYear                int
	Total                    int64
	Oracle                   int64
	HotspotsAndManufacturers int64
	Manufacturers            int64
	Hotspots                 int64
	Wubi                     int64
	Wupi                     int64
}

// Split divides the epoch emission with integer arithmetic only.
// Oracle + Wubi + Wupi + Manufacturers always equals Total.
func Split(epochNumber int, period RewardsPeriod) Allocation {
	total := Emission(epochNumber, period)
	year := EpochYear(epochNumber, period)
	shares := SharesForYear(year, period)

	oracle := total * oracleShareBps / bpsDenominator
	rest := total - oracle
	wubi := rest * shares.WubiBps / bpsDenominator
	wupi := rest * shares.WupiBps / bpsDenominator

	return Allocation{
		EpochNumber:              epochNumber,
		EpochYear:                year,
		Total:                    total,
		Oracle:                   oracle,
		HotspotsAndManufacturers: rest,
		Manufacturers:            rest - wubi - wupi,
		Hotspots:                 wubi + wupi,
		Wubi:                     wubi,
		Wupi:                     wupi,
	}
}

func SplitForDate(date time.Time, period RewardsPeriod) Allocation {
	return Split(EpochNumber(date), period)
}
