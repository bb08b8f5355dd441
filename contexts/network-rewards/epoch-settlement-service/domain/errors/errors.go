package errors

import "errors"

var (
	ErrEpochNotFound          = errors.New("epoch not found")
	ErrEpochExists            = errors.New("epoch already exists for date")
	ErrEpochAlreadyProcessed  = errors.New("epoch already processed")
	ErrNodeNotFound           = errors.New("node not found")
	ErrInvalidChannel         = errors.New("invalid reward channel")
	ErrInvalidResponse        = errors.New("invalid scoring response")
	ErrInvalidEpochInput      = errors.New("invalid epoch input")
	ErrRewardExists           = errors.New("reward already exists for node in epoch channel")
	ErrPaidRewardsInScope     = errors.New("rewards in scope are already paid or claiming")
	ErrRegenerationInProgress = errors.New("another epoch is regenerating rewards")
	ErrInvalidRegenerateType  = errors.New("invalid regenerate rewards type")
	ErrRetryLimitReached      = errors.New("channel retry limit reached")
	ErrBackendNotReady        = errors.New("scoring backend is not ready")
	ErrOracleUnavailable      = errors.New("eligibility oracle unavailable")
	ErrNetworkScoreZero       = errors.New("network score is zero")
	ErrEmptyPool              = errors.New("channel emission pool is empty")
)
