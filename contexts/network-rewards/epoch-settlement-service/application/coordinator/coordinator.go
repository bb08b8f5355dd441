package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/cache"
	appevents "settlement/contexts/network-rewards/epoch-settlement-service/application/events"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/services"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	"github.com/shopspring/decimal"
)

const DefaultFinalizeBatchSize = 500

// Clearer drops in-process tracking state for a completed epoch.
type Clearer interface {
	Clear(epochID int64)
}

// Coordinator finalizes reward amounts when a channel's last response arrives
// and closes the epoch once both channels are processed.
type Coordinator struct {
	epochs    *cache.EpochCache
	rewards   ports.RewardRepository
	tracker   Clearer
	bus       *appevents.Bus
	clock     ports.Clock
	metrics   ports.Metrics
	logger    *slog.Logger
	period    services.RewardsPeriod
	batchSize int

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

type Dependencies struct {
	Epochs            *cache.EpochCache
	Rewards           ports.RewardRepository
	Tracker           Clearer
	Bus               *appevents.Bus
	Clock             ports.Clock
	Metrics           ports.Metrics
	Logger            *slog.Logger
	Period            services.RewardsPeriod
	FinalizeBatchSize int
}

func New(deps Dependencies) *Coordinator {
	batchSize := deps.FinalizeBatchSize
	if batchSize <= 0 {
		batchSize = DefaultFinalizeBatchSize
	}
	period := deps.Period
	if period == "" {
		period = services.PeriodMainnet
	}
	return &Coordinator{
		epochs:    deps.Epochs,
		rewards:   deps.Rewards,
		tracker:   deps.Tracker,
		bus:       deps.Bus,
		clock:     application.ResolveClock(deps.Clock),
		metrics:   application.ResolveMetrics(deps.Metrics),
		logger:    application.ResolveLogger(deps.Logger),
		period:    period,
		batchSize: batchSize,
		locks:     make(map[int64]*sync.Mutex),
	}
}

// Register subscribes the coordinator's listeners on the bus.
func (c *Coordinator) Register() {
	c.bus.ProcessStarted.Subscribe(c.HandleProcessStarted)
	c.bus.LastResponse.Subscribe(c.HandleLastResponse)
	c.bus.ChannelProcessed.Subscribe(c.HandleChannelProcessed)
}

func (c *Coordinator) HandleProcessStarted(ctx context.Context, event appevents.ProcessStarted) error {
	startedAt := event.StartedAt
	if startedAt.IsZero() {
		startedAt = c.clock.Now()
	}
	update := entities.EpochUpdate{}
	update.SetProcessingMetrics(entities.ProcessingMetrics{
		StartTime:      &startedAt,
		TotalWubiNodes: event.TotalWubiNodes,
		TotalWupiNodes: event.TotalWupiNodes,
		Status:         entities.ProcessingMetricsProcessing,
	})
	if _, err := c.epochs.Update(ctx, event.EpochID, update); err != nil {
		c.logger.Error("processing metrics start write failed",
			"event", "coordinator_metrics_start_failed",
			"module", application.ModuleName,
			"layer", "application",
			"epoch_id", event.EpochID,
			"error", err.Error(),
		)
		return err
	}
	c.logger.Info("epoch processing started",
		"event", "coordinator_process_started",
		"module", application.ModuleName,
		"layer", "application",
		"epoch_id", event.EpochID,
		"total_wubi_nodes", event.TotalWubiNodes,
		"total_wupi_nodes", event.TotalWupiNodes,
	)
	return nil
}

// HandleLastResponse aggregates the channel's network score and writes every reward amount.
// A failed batch aborts the run; batches already written stay written.
func (c *Coordinator) HandleLastResponse(ctx context.Context, event appevents.LastResponseReceived) error {
	epoch, err := c.epochs.Refresh(ctx, event.EpochID)
	if err != nil {
		return c.logError("coordinator_epoch_load_failed", err, event.EpochID, event.Channel)
	}
	if epoch.State(event.Channel).Status == entities.ChannelStatusProcessed {
		c.logger.Info("channel already processed",
			"event", "coordinator_channel_already_processed",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(event.Channel),
			"epoch_id", event.EpochID,
		)
		return nil
	}

	records, err := c.rewards.ListCalculatingRewards(ctx, event.EpochID, event.Channel)
	if err != nil {
		return c.logError("coordinator_rewards_list_failed", err, event.EpochID, event.Channel)
	}
	networkScore := services.NetworkScore(records)

	scoreUpdate := entities.EpochUpdate{}
	scoreUpdate.SetNetworkScore(event.Channel, networkScore)
	if _, err := c.epochs.Update(ctx, event.EpochID, scoreUpdate); err != nil {
		return c.logError("coordinator_network_score_write_failed", err, event.EpochID, event.Channel)
	}

	if networkScore.IsPositive() {
		budget := c.budget(epoch, event.Channel)
		if err := c.finalize(ctx, event.EpochID, event.Channel, records, networkScore, budget); err != nil {
			return err
		}
	} else {
		c.logger.Warn("network score is zero, no amounts distributed",
			"event", "coordinator_network_score_zero",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(event.Channel),
			"epoch_id", event.EpochID,
			"records", len(records),
		)
	}

	done := entities.EpochUpdate{}
	done.SetStatus(event.Channel, entities.ChannelStatusProcessed).
		SetNodesWithScore(event.Channel, len(records)).
		SetRetrying(event.Channel, false)
	if _, err := c.epochs.Update(ctx, event.EpochID, done); err != nil {
		return c.logError("coordinator_channel_status_write_failed", err, event.EpochID, event.Channel)
	}
	c.metrics.RewardsFinalized(event.Channel, len(records))
	c.logger.Info("channel rewards finalized",
		"event", "coordinator_channel_finalized",
		"module", application.ModuleName,
		"layer", "application",
		"channel", string(event.Channel),
		"epoch_id", event.EpochID,
		"nodes_with_score", len(records),
		"network_score", networkScore.String(),
	)

	return c.bus.ChannelProcessed.Publish(ctx, appevents.ChannelProcessed{
		EpochID:        event.EpochID,
		Channel:        event.Channel,
		NodesWithScore: len(records),
	})
}

// budget prefers the pool stored on the epoch and recomputes it from the emission schedule when unset.
func (c *Coordinator) budget(epoch entities.Epoch, channel entities.Channel) int64 {
	if pool := epoch.Pool(channel); pool > 0 {
		return pool
	}
	allocation := services.SplitForDate(epoch.Date, c.period)
	if channel == entities.ChannelWupi {
		return allocation.Wupi
	}
	return allocation.Wubi
}

func (c *Coordinator) finalize(
	ctx context.Context,
	epochID int64,
	channel entities.Channel,
	records []entities.RewardRecord,
	networkScore decimal.Decimal,
	budget int64,
) error {
	amounts, err := services.DistributeAmounts(records, networkScore, budget)
	if err != nil {
		return c.logError("coordinator_distribution_failed", err, epochID, channel)
	}

	var distributed int64
	for offset := 0; offset < len(amounts); offset += c.batchSize {
		end := offset + c.batchSize
		if end > len(amounts) {
			end = len(amounts)
		}
		batch := amounts[offset:end]
		updated, err := c.rewards.ApplyRewardAmounts(ctx, batch, c.clock.Now())
		if err != nil {
			c.logger.Error("reward amount batch failed",
				"event", "coordinator_batch_failed",
				"module", application.ModuleName,
				"layer", "application",
				"channel", string(channel),
				"epoch_id", epochID,
				"batch_start", offset,
				"batch_end", end,
				"error", err.Error(),
			)
			return err
		}
		for _, amount := range batch {
			distributed += amount.Amount
		}
		c.logger.Debug("reward amount batch written",
			"event", "coordinator_batch_written",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(channel),
			"epoch_id", epochID,
			"batch_start", offset,
			"batch_end", end,
			"updated", updated,
		)
	}

	c.logger.Info("channel budget distributed",
		"event", "coordinator_budget_distributed",
		"module", application.ModuleName,
		"layer", "application",
		"channel", string(channel),
		"epoch_id", epochID,
		"budget", services.FormatMicroUnits(budget),
		"distributed", services.FormatMicroUnits(distributed),
	)
	return nil
}

// HandleChannelProcessed closes the epoch once both channels report processed.
// Both listeners re-read the stored epoch under a per-epoch lock, so completion runs once.
func (c *Coordinator) HandleChannelProcessed(ctx context.Context, event appevents.ChannelProcessed) error {
	lock := c.epochLock(event.EpochID)
	lock.Lock()
	defer lock.Unlock()

	epoch, err := c.epochs.Refresh(ctx, event.EpochID)
	if err != nil {
		return c.logError("coordinator_epoch_load_failed", err, event.EpochID, event.Channel)
	}
	if !epoch.BothProcessed() {
		c.logger.Info("waiting for the other channel to finish",
			"event", "coordinator_waiting_other_channel",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(event.Channel),
			"epoch_id", event.EpochID,
			"wubi_status", string(epoch.Wubi.Status),
			"wupi_status", string(epoch.Wupi.Status),
		)
		return nil
	}
	if epoch.ProcessingMetrics.Status == entities.ProcessingMetricsCompleted &&
		epoch.Status == entities.EpochStatusReadyForClaim {
		return nil
	}

	now := c.clock.Now()
	started := epoch.CreatedAt
	if epoch.ProcessingMetrics.StartTime != nil {
		started = *epoch.ProcessingMetrics.StartTime
	}
	elapsed := now.Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}
	metrics := epoch.ProcessingMetrics
	if metrics.TotalWubiNodes == 0 {
		metrics.TotalWubiNodes = epoch.Wubi.NodesTotal
	}
	if metrics.TotalWupiNodes == 0 {
		metrics.TotalWupiNodes = epoch.Wupi.NodesTotal
	}
	metrics.StartTime = &started
	metrics.EndTime = &now
	metrics.ProcessingTimeMs = elapsed.Milliseconds()
	metrics.ProcessingTimeFormatted = FormatDuration(elapsed)
	metrics.AverageTimePerNode = AveragePerNode(elapsed, metrics.TotalWubiNodes+metrics.TotalWupiNodes)
	metrics.Status = entities.ProcessingMetricsCompleted

	update := entities.EpochUpdate{}
	update.SetProcessingMetrics(metrics).
		SetEpochStatus(entities.EpochStatusReadyForClaim).
		SetRetrying(entities.ChannelWubi, false).
		SetRetrying(entities.ChannelWupi, false)
	if epoch.RegenerateStatus == entities.RegenerateStatusRunning {
		update.SetRegenerateStatus(entities.RegenerateStatusDone)
	}
	if _, err := c.epochs.Update(ctx, event.EpochID, update); err != nil {
		return c.logError("coordinator_epoch_complete_write_failed", err, event.EpochID, event.Channel)
	}

	if c.tracker != nil {
		c.tracker.Clear(event.EpochID)
	}
	c.epochs.Evict(event.EpochID)
	c.releaseLock(event.EpochID)
	c.metrics.EpochCompleted(elapsed)
	c.logger.Info("epoch processing completed",
		"event", "coordinator_epoch_completed",
		"module", application.ModuleName,
		"layer", "application",
		"epoch_id", event.EpochID,
		"processing_time", metrics.ProcessingTimeFormatted,
		"average_time_per_node", metrics.AverageTimePerNode,
		"regenerated", epoch.RegenerateStatus == entities.RegenerateStatusRunning,
	)
	return nil
}

func (c *Coordinator) epochLock(epochID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[epochID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[epochID] = lock
	}
	return lock
}

func (c *Coordinator) releaseLock(epochID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, epochID)
}

func (c *Coordinator) logError(event string, err error, epochID int64, channel entities.Channel) error {
	c.logger.Error("completion step failed",
		"event", event,
		"module", application.ModuleName,
		"layer", "application",
		"channel", string(channel),
		"epoch_id", epochID,
		"error", err.Error(),
	)
	return err
}

// FormatDuration renders a duration as "Xh Ym Zs".
func FormatDuration(elapsed time.Duration) string {
	seconds := int64(elapsed / time.Second)
	return fmt.Sprintf("%dh %dm %ds", seconds/3600, (seconds%3600)/60, seconds%60)
}

func AveragePerNode(elapsed time.Duration, nodes int) string {
	if nodes <= 0 {
		return "0.00ms per node"
	}
	perNode := float64(elapsed.Milliseconds()) / float64(nodes)
	return fmt.Sprintf("%.2fms per node", perNode)
}
