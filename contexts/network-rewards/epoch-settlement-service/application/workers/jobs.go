package workers

import (
	"context"
	"errors"
	"log/slog"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
)

type RetrySweeper interface {
	RetrySweep(ctx context.Context, maxAttempts int) (bool, error)
}

type Regenerator interface {
	RegenerateNext(ctx context.Context) (entities.Epoch, bool, error)
}

type DailyStarter interface {
	EnsureDailyEpoch(ctx context.Context) (bool, error)
}

type Reevaluator interface {
	ReevaluateAll(ctx context.Context) int
}

// RetrySweepJob redispatches at most one stuck channel per run.
type RetrySweepJob struct {
	Commands    RetrySweeper
	MaxAttempts int
	Logger      *slog.Logger
}

func (j RetrySweepJob) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(j.Logger)
	retried, err := j.Commands.RetrySweep(ctx, j.MaxAttempts)
	if errors.Is(err, domainerrors.ErrRetryLimitReached) {
		return nil
	}
	if err != nil {
		logger.Error("retry sweep failed",
			"event", "retry_sweep_job_failed",
			"module", application.ModuleName,
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}
	if retried {
		logger.Info("retry sweep redispatched a channel",
			"event", "retry_sweep_job_completed",
			"module", application.ModuleName,
			"layer", "worker",
		)
	}
	return nil
}

type RegenerationJob struct {
	Commands Regenerator
	Logger   *slog.Logger
}

func (j RegenerationJob) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(j.Logger)
	epoch, ran, err := j.Commands.RegenerateNext(ctx)
	switch {
	case errors.Is(err, domainerrors.ErrRegenerationInProgress):
		logger.Debug("regeneration already running",
			"event", "regeneration_job_busy",
			"module", application.ModuleName,
			"layer", "worker",
		)
		return nil
	case errors.Is(err, domainerrors.ErrPaidRewardsInScope):
		logger.Warn("regeneration refused",
			"event", "regeneration_job_refused",
			"module", application.ModuleName,
			"layer", "worker",
			"epoch_id", epoch.ID,
			"error", err.Error(),
		)
		return nil
	case err != nil:
		logger.Error("regeneration failed",
			"event", "regeneration_job_failed",
			"module", application.ModuleName,
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}
	if ran {
		logger.Info("regeneration dispatched",
			"event", "regeneration_job_completed",
			"module", application.ModuleName,
			"layer", "worker",
			"epoch_id", epoch.ID,
			"type", epoch.RegenerateType,
		)
	}
	return nil
}

// ReevaluateJob catches channels whose sent count was persisted after their last response arrived.
type ReevaluateJob struct {
	Tracker Reevaluator
	Logger  *slog.Logger
}

func (j ReevaluateJob) RunOnce(ctx context.Context) error {
	if fired := j.Tracker.ReevaluateAll(ctx); fired > 0 {
		application.ResolveLogger(j.Logger).Info("tracker reevaluation completed channels",
			"event", "reevaluate_job_completed",
			"module", application.ModuleName,
			"layer", "worker",
			"fired_count", fired,
		)
	}
	return nil
}

type DailyEpochJob struct {
	Commands DailyStarter
	Disabled bool
	Logger   *slog.Logger
}

func (j DailyEpochJob) RunOnce(ctx context.Context) error {
	if j.Disabled {
		return nil
	}
	logger := application.ResolveLogger(j.Logger)
	started, err := j.Commands.EnsureDailyEpoch(ctx)
	if errors.Is(err, domainerrors.ErrEmptyPool) || errors.Is(err, domainerrors.ErrEpochAlreadyProcessed) {
		return nil
	}
	if err != nil {
		logger.Error("daily epoch start failed",
			"event", "daily_epoch_job_failed",
			"module", application.ModuleName,
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}
	if started {
		logger.Info("daily epoch started",
			"event", "daily_epoch_job_started",
			"module", application.ModuleName,
			"layer", "worker",
		)
	}
	return nil
}
