package commands

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/cache"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/dispatcher"
	appevents "settlement/contexts/network-rewards/epoch-settlement-service/application/events"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/services"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const DefaultRetryMaxAttempts = 5

type ChannelDispatcher interface {
	Dispatch(ctx context.Context, epochID int64, channel entities.Channel, nodes []entities.Node) (dispatcher.Result, error)
	DispatchChannel(ctx context.Context, epochID int64, channel entities.Channel) (dispatcher.Result, error)
}

type TrackerState interface {
	Seed(epochID int64, channel entities.Channel, received int, nodeIDs []int64)
	ClearChannel(epochID int64, channel entities.Channel)
	Reevaluate(ctx context.Context, epochID int64, channel entities.Channel) (bool, error)
}

type StartEpochCommand struct {
	EpochID int64
	Date    time.Time
}

type StartEpochResult struct {
	Epoch   entities.Epoch
	Created bool
	Results []dispatcher.Result
}

type RegenerateCommand struct {
	EpochID int64
	Type    string
}

type UseCase struct {
	Epochs     *cache.EpochCache
	EpochStore ports.EpochRepository
	Rewards    ports.RewardRepository
	Nodes      ports.NodeRepository
	Dispatcher ChannelDispatcher
	Tracker    TrackerState
	Bus        *appevents.Bus
	Clock      ports.Clock
	Period     services.RewardsPeriod
	Logger     *slog.Logger
}

// StartEpochProcessing creates or loads the epoch and dispatches every channel that has not started yet.
// Channel failures are recorded on the epoch and left to the retry sweep.
func (uc UseCase) StartEpochProcessing(ctx context.Context, cmd StartEpochCommand) (StartEpochResult, error) {
	logger := application.ResolveLogger(uc.Logger)
	epoch, created, err := uc.loadOrCreateEpoch(ctx, cmd)
	if err != nil {
		logger.Error("epoch start failed",
			"event", "epoch_start_failed",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", cmd.EpochID,
			"error", err.Error(),
		)
		return StartEpochResult{}, err
	}
	result := StartEpochResult{Epoch: epoch, Created: created}

	if epoch.Status == entities.EpochStatusReadyForClaim || epoch.BothProcessed() {
		logger.Warn("epoch already processed",
			"event", "epoch_start_already_processed",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", epoch.ID,
			"date", epoch.DateKey(),
		)
		return result, domainerrors.ErrEpochAlreadyProcessed
	}
	scope := make([]entities.Channel, 0, 2)
	for _, channel := range entities.Channels() {
		if epoch.State(channel).Status == "" {
			scope = append(scope, channel)
		}
	}
	if len(scope) == 0 {
		logger.Warn("epoch channels already started",
			"event", "epoch_start_channels_in_progress",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", epoch.ID,
			"wubi_status", string(epoch.Wubi.Status),
			"wupi_status", string(epoch.Wupi.Status),
		)
		return result, domainerrors.ErrEpochAlreadyProcessed
	}

	results, err := uc.dispatchScope(ctx, epoch, scope)
	if err != nil {
		return result, err
	}
	result.Results = results
	if refreshed, err := uc.Epochs.Refresh(ctx, epoch.ID); err == nil {
		result.Epoch = refreshed
	}
	return result, nil
}

// EnsureDailyEpoch starts yesterday's epoch when no epoch exists for that date yet.
func (uc UseCase) EnsureDailyEpoch(ctx context.Context) (bool, error) {
	date := previousDay(uc.now())
	if _, err := uc.EpochStore.GetEpochByDate(ctx, date); err == nil {
		return false, nil
	} else if !errors.Is(err, domainerrors.ErrEpochNotFound) {
		return false, err
	}
	if _, err := uc.StartEpochProcessing(ctx, StartEpochCommand{Date: date}); err != nil {
		return false, err
	}
	return true, nil
}

func (uc UseCase) loadOrCreateEpoch(ctx context.Context, cmd StartEpochCommand) (entities.Epoch, bool, error) {
	if cmd.EpochID > 0 {
		epoch, err := uc.Epochs.Get(ctx, cmd.EpochID)
		return epoch, false, err
	}
	date := cmd.Date
	if date.IsZero() {
		date = previousDay(uc.now())
	}
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	allocation := services.SplitForDate(date, uc.Period)
	if allocation.Total <= 0 {
		return entities.Epoch{}, false, domainerrors.ErrEmptyPool
	}
	epoch, created, err := uc.EpochStore.CreateOrGetEpoch(ctx, entities.Epoch{
		Date:     date,
		WubiPool: allocation.Wubi,
		WupiPool: allocation.Wupi,
	})
	if err != nil {
		return entities.Epoch{}, false, err
	}
	uc.Epochs.Put(epoch)
	if created {
		application.ResolveLogger(uc.Logger).Info("epoch created",
			"event", "epoch_created",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", epoch.ID,
			"date", epoch.DateKey(),
			"epoch_number", allocation.EpochNumber,
			"wubi_pool", services.FormatMicroUnits(allocation.Wubi),
			"wupi_pool", services.FormatMicroUnits(allocation.Wupi),
		)
	}
	return epoch, created, nil
}

// dispatchScope announces the run and dispatches the channels concurrently.
func (uc UseCase) dispatchScope(ctx context.Context, epoch entities.Epoch, scope []entities.Channel) ([]dispatcher.Result, error) {
	logger := application.ResolveLogger(uc.Logger)
	nodesByChannel := make(map[entities.Channel][]entities.Node, len(scope))
	for _, channel := range scope {
		nodes, err := uc.Nodes.ListActiveNodes(ctx, channel)
		if err != nil {
			logger.Error("active node listing failed",
				"event", "epoch_start_list_nodes_failed",
				"module", application.ModuleName,
				"layer", "application",
				"epoch_id", epoch.ID,
				"channel", string(channel),
				"error", err.Error(),
			)
			return nil, err
		}
		nodesByChannel[channel] = nodes
	}

	totals := entities.EpochUpdate{}
	for channel, nodes := range nodesByChannel {
		totals.SetNodesTotal(channel, len(nodes))
	}
	if _, err := uc.Epochs.Update(ctx, epoch.ID, totals); err != nil {
		return nil, err
	}

	started := appevents.ProcessStarted{
		EpochID:        epoch.ID,
		TotalWubiNodes: epoch.Wubi.NodesTotal,
		TotalWupiNodes: epoch.Wupi.NodesTotal,
		StartedAt:      uc.now(),
	}
	if nodes, ok := nodesByChannel[entities.ChannelWubi]; ok {
		started.TotalWubiNodes = len(nodes)
	}
	if nodes, ok := nodesByChannel[entities.ChannelWupi]; ok {
		started.TotalWupiNodes = len(nodes)
	}
	if uc.Bus != nil {
		if err := uc.Bus.ProcessStarted.Publish(ctx, started); err != nil {
			return nil, err
		}
	}

	results := make([]dispatcher.Result, len(scope))
	var group errgroup.Group
	for index, channel := range scope {
		index, channel := index, channel
		group.Go(func() error {
			result, err := uc.Dispatcher.Dispatch(ctx, epoch.ID, channel, nodesByChannel[channel])
			results[index] = result
			if err != nil {
				logger.Warn("channel dispatch did not complete",
					"event", "epoch_channel_dispatch_incomplete",
					"module", application.ModuleName,
					"layer", "application",
					"epoch_id", epoch.ID,
					"channel", string(channel),
					"error", err.Error(),
				)
			}
			return nil
		})
	}
	_ = group.Wait()
	return results, nil
}

// RetrySweep redispatches one channel stuck in messages_not_sent. It returns false when nothing was eligible.
func (uc UseCase) RetrySweep(ctx context.Context, maxAttempts int) (bool, error) {
	logger := application.ResolveLogger(uc.Logger)
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryMaxAttempts
	}
	epoch, channel, err := uc.EpochStore.FindRetryCandidate(ctx, maxAttempts)
	if errors.Is(err, domainerrors.ErrEpochNotFound) {
		return false, nil
	}
	if err != nil {
		logger.Error("retry candidate lookup failed",
			"event", "retry_sweep_lookup_failed",
			"module", application.ModuleName,
			"layer", "application",
			"error", err.Error(),
		)
		return false, err
	}

	state := epoch.State(channel)
	if state.RetryCount >= maxAttempts {
		uc.retriesExhausted(ctx, epoch.ID, channel, state.RetryCount)
		return false, domainerrors.ErrRetryLimitReached
	}

	attempt := state.RetryCount + 1
	update := entities.EpochUpdate{}
	update.SetRetryCount(channel, attempt).SetRetrying(channel, true)
	if _, err := uc.Epochs.Update(ctx, epoch.ID, update); err != nil {
		return false, err
	}
	logger.Info("retrying channel dispatch",
		"event", "retry_sweep_dispatch",
		"module", application.ModuleName,
		"layer", "application",
		"epoch_id", epoch.ID,
		"channel", string(channel),
		"attempt", attempt,
		"max_attempts", maxAttempts,
	)

	if _, err := uc.Dispatcher.DispatchChannel(ctx, epoch.ID, channel); err != nil {
		logger.Warn("retried channel dispatch did not complete",
			"event", "retry_sweep_dispatch_incomplete",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", epoch.ID,
			"channel", string(channel),
			"attempt", attempt,
			"error", err.Error(),
		)
		if !errors.Is(err, domainerrors.ErrBackendNotReady) {
			reset := entities.EpochUpdate{}
			reset.SetRetrying(channel, false)
			if _, resetErr := uc.Epochs.Update(ctx, epoch.ID, reset); resetErr != nil {
				return true, resetErr
			}
		}
	}
	if attempt < maxAttempts {
		return true, nil
	}
	current, err := uc.Epochs.Refresh(ctx, epoch.ID)
	if err != nil {
		return true, err
	}
	if current.State(channel).Status == entities.ChannelStatusNotSent {
		uc.retriesExhausted(ctx, epoch.ID, channel, attempt)
	}
	return true, nil
}

// retriesExhausted fails a running regeneration of the epoch so the single-regeneration guard is released.
func (uc UseCase) retriesExhausted(ctx context.Context, epochID int64, channel entities.Channel, attempts int) {
	logger := application.ResolveLogger(uc.Logger)
	logger.Error("channel exhausted retries, manual intervention required",
		"event", "retry_sweep_exhausted",
		"module", application.ModuleName,
		"layer", "application",
		"epoch_id", epochID,
		"channel", string(channel),
		"retry_count", attempts,
	)
	epoch, err := uc.Epochs.Get(ctx, epochID)
	if err != nil || epoch.RegenerateStatus != entities.RegenerateStatusRunning {
		return
	}
	uc.markRegeneration(ctx, epochID, entities.RegenerateStatusError)
	logger.Error("regeneration failed, channel could not be dispatched",
		"event", "regeneration_retries_exhausted",
		"module", application.ModuleName,
		"layer", "application",
		"epoch_id", epochID,
		"channel", string(channel),
	)
}

// RequestRegeneration flags an epoch for regeneration; the regeneration job picks it up.
func (uc UseCase) RequestRegeneration(ctx context.Context, cmd RegenerateCommand) (entities.Epoch, error) {
	logger := application.ResolveLogger(uc.Logger)
	regenerateType := strings.TrimSpace(cmd.Type)
	if _, ok := entities.ParseRegenerateType(regenerateType); !ok {
		logger.Warn("regeneration request invalid type",
			"event", "regeneration_request_invalid_type",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", cmd.EpochID,
			"type", regenerateType,
		)
		return entities.Epoch{}, domainerrors.ErrInvalidRegenerateType
	}
	epoch, err := uc.Epochs.Get(ctx, cmd.EpochID)
	if err != nil {
		return entities.Epoch{}, err
	}
	if epoch.RegenerateStatus == entities.RegenerateStatusRunning {
		return entities.Epoch{}, domainerrors.ErrRegenerationInProgress
	}

	update := entities.EpochUpdate{}
	update.SetRegenerateStatus(entities.RegenerateStatusPending).SetRegenerateType(regenerateType)
	epoch, err = uc.Epochs.Update(ctx, cmd.EpochID, update)
	if err != nil {
		return entities.Epoch{}, err
	}
	logger.Info("regeneration requested",
		"event", "regeneration_requested",
		"module", application.ModuleName,
		"layer", "application",
		"epoch_id", epoch.ID,
		"type", regenerateType,
	)
	return epoch, nil
}

// RegenerateNext runs the oldest pending regeneration. Only one epoch regenerates at a time,
// and nothing is deleted when a reward in scope was already paid or is being claimed.
func (uc UseCase) RegenerateNext(ctx context.Context) (entities.Epoch, bool, error) {
	logger := application.ResolveLogger(uc.Logger)
	running, err := uc.EpochStore.CountRegenerating(ctx)
	if err != nil {
		return entities.Epoch{}, false, err
	}
	if running > 0 {
		return entities.Epoch{}, false, domainerrors.ErrRegenerationInProgress
	}
	epoch, err := uc.EpochStore.FindPendingRegeneration(ctx)
	if errors.Is(err, domainerrors.ErrEpochNotFound) {
		return entities.Epoch{}, false, nil
	}
	if err != nil {
		return entities.Epoch{}, false, err
	}
	scope, ok := entities.ParseRegenerateType(epoch.RegenerateType)
	if !ok {
		uc.markRegeneration(ctx, epoch.ID, entities.RegenerateStatusError)
		return epoch, true, domainerrors.ErrInvalidRegenerateType
	}

	marked := entities.EpochUpdate{}
	marked.SetRegenerateStatus(entities.RegenerateStatusRunning)
	epoch, err = uc.Epochs.Update(ctx, epoch.ID, marked)
	if err != nil {
		return entities.Epoch{}, false, err
	}
	logger.Info("regeneration started",
		"event", "regeneration_started",
		"module", application.ModuleName,
		"layer", "application",
		"epoch_id", epoch.ID,
		"type", epoch.RegenerateType,
	)

	locked, err := uc.Rewards.CountLockedRewards(ctx, epoch.ID, scope)
	if err != nil {
		uc.markRegeneration(ctx, epoch.ID, entities.RegenerateStatusError)
		return epoch, true, err
	}
	if locked > 0 {
		logger.Error("regeneration refused, rewards already paid or claiming",
			"event", "regeneration_paid_rewards_in_scope",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", epoch.ID,
			"type", epoch.RegenerateType,
			"locked_rewards", locked,
		)
		uc.markRegeneration(ctx, epoch.ID, entities.RegenerateStatusError)
		return epoch, true, domainerrors.ErrPaidRewardsInScope
	}

	deleted, err := uc.Rewards.DeleteRewards(ctx, epoch.ID, scope)
	if err != nil {
		logger.Error("regeneration reward deletion failed",
			"event", "regeneration_delete_failed",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", epoch.ID,
			"error", err.Error(),
		)
		uc.markRegeneration(ctx, epoch.ID, entities.RegenerateStatusError)
		return epoch, true, err
	}

	reset := entities.EpochUpdate{}
	for _, channel := range scope {
		reset.SetStatus(channel, "").
			SetNetworkScore(channel, decimal.Zero).
			SetNodesWithScore(channel, 0).
			SetMessagesSent(channel, 0).
			SetMessagesReceived(channel, 0).
			SetRetryCount(channel, 0).
			SetRetrying(channel, false).
			SetErrorMessage(channel, "")
	}
	metrics := epoch.ProcessingMetrics
	metrics.EndTime = nil
	metrics.ProcessingTimeMs = 0
	metrics.ProcessingTimeFormatted = ""
	metrics.AverageTimePerNode = ""
	metrics.Status = entities.ProcessingMetricsProcessing
	reset.SetProcessingMetrics(metrics).SetEpochStatus("")
	updated, err := uc.Epochs.Update(ctx, epoch.ID, reset)
	if err != nil {
		uc.markRegeneration(ctx, epoch.ID, entities.RegenerateStatusError)
		return epoch, true, err
	}
	epoch = updated
	for _, channel := range scope {
		if uc.Tracker != nil {
			uc.Tracker.ClearChannel(epoch.ID, channel)
		}
	}
	logger.Info("regeneration cleared previous rewards",
		"event", "regeneration_rewards_deleted",
		"module", application.ModuleName,
		"layer", "application",
		"epoch_id", epoch.ID,
		"deleted", deleted,
	)

	if _, err := uc.dispatchScope(ctx, epoch, scope); err != nil {
		uc.markRegeneration(ctx, epoch.ID, entities.RegenerateStatusError)
		return epoch, true, err
	}
	if refreshed, err := uc.Epochs.Refresh(ctx, epoch.ID); err == nil {
		epoch = refreshed
	}
	return epoch, true, nil
}

func (uc UseCase) markRegeneration(ctx context.Context, epochID int64, status entities.RegenerateStatus) {
	update := entities.EpochUpdate{}
	update.SetRegenerateStatus(status)
	if _, err := uc.Epochs.Update(ctx, epochID, update); err != nil {
		application.ResolveLogger(uc.Logger).Error("regeneration status write failed",
			"event", "regeneration_status_write_failed",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", epochID,
			"status", string(status),
			"error", err.Error(),
		)
	}
}

// ReconcileActiveEpochs rebuilds received counters and dedup state from stored rewards after a restart.
// Channels a stopped process left sending or retrying are handed back to the retry sweep first.
func (uc UseCase) ReconcileActiveEpochs(ctx context.Context) (int, error) {
	logger := application.ResolveLogger(uc.Logger)
	reconciled, err := uc.recoverInterrupted(ctx)
	if err != nil {
		return reconciled, err
	}
	epochs, err := uc.EpochStore.ListActiveEpochs(ctx)
	if err != nil {
		return reconciled, err
	}
	for _, epoch := range epochs {
		for _, channel := range entities.Channels() {
			status := epoch.State(channel).Status
			if status != entities.ChannelStatusSent && status != entities.ChannelStatusReceived {
				continue
			}
			nodeIDs, err := uc.Rewards.ListRewardNodeIDs(ctx, epoch.ID, channel)
			if err != nil {
				return reconciled, err
			}
			update := entities.EpochUpdate{}
			update.SetMessagesReceived(channel, len(nodeIDs))
			if _, err := uc.Epochs.Update(ctx, epoch.ID, update); err != nil {
				return reconciled, err
			}
			if uc.Tracker != nil {
				uc.Tracker.Seed(epoch.ID, channel, len(nodeIDs), nodeIDs)
				if _, err := uc.Tracker.Reevaluate(ctx, epoch.ID, channel); err != nil {
					return reconciled, err
				}
			}
			reconciled++
			logger.Info("epoch channel reconciled",
				"event", "epoch_channel_reconciled",
				"module", application.ModuleName,
				"layer", "application",
				"epoch_id", epoch.ID,
				"channel", string(channel),
				"messages_received", len(nodeIDs),
				"messages_sent", epoch.State(channel).MessagesSent,
			)
		}
	}
	return reconciled, nil
}

func (uc UseCase) recoverInterrupted(ctx context.Context) (int, error) {
	logger := application.ResolveLogger(uc.Logger)
	epochs, err := uc.EpochStore.ListInterruptedEpochs(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, epoch := range epochs {
		update := entities.EpochUpdate{}
		changed := false
		for _, channel := range entities.Channels() {
			state := epoch.State(channel)
			switch {
			case state.Status == entities.ChannelStatusSending:
				update.SetStatus(channel, entities.ChannelStatusNotSent).
					SetRetrying(channel, false).
					SetErrorMessage(channel, "dispatch interrupted before completion")
			case state.Status == entities.ChannelStatusNotSent && state.IsRetrying:
				update.SetRetrying(channel, false)
			default:
				continue
			}
			changed = true
			recovered++
			logger.Warn("interrupted channel dispatch handed to retry sweep",
				"event", "epoch_channel_dispatch_recovered",
				"module", application.ModuleName,
				"layer", "application",
				"epoch_id", epoch.ID,
				"channel", string(channel),
				"previous_status", string(state.Status),
				"retry_count", state.RetryCount,
			)
		}
		if !changed {
			continue
		}
		if _, err := uc.Epochs.Update(ctx, epoch.ID, update); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

func (uc UseCase) now() time.Time {
	if uc.Clock == nil {
		return time.Now().UTC()
	}
	return uc.Clock.Now().UTC()
}

func previousDay(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}
