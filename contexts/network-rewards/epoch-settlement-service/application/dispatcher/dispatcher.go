package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/cache"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 17
	DefaultBatchSize   = 500
	DefaultSendDelay   = 300 * time.Millisecond
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// Reevaluator re-checks completion once the final sent count is persisted.
type Reevaluator interface {
	Reevaluate(ctx context.Context, epochID int64, channel entities.Channel) (bool, error)
}

type Topics struct {
	WubiRequests string
	WupiRequests string
}

func (t Topics) For(channel entities.Channel) string {
	if channel == entities.ChannelWupi {
		return t.WupiRequests
	}
	return t.WubiRequests
}

type Config struct {
	Concurrency int
	BatchSize   int
	SendDelay   time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SendDelay < 0 {
		c.SendDelay = 0
	} else if c.SendDelay == 0 {
		c.SendDelay = DefaultSendDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

type Result struct {
	Channel entities.Channel
	Total   int
	Sent    int
	Failed  int
}

type wubiRequest struct {
	WayruDeviceID string `json:"wayru_device_id"`
	Timestamp     int64  `json:"timestamp"`
	EpochID       int64  `json:"epoch_id"`
	LastItem      bool   `json:"last_item"`
}

type wupiRequest struct {
	NasID    string `json:"nas_id"`
	NfnodeID int64  `json:"nfnode_id"`
	Epoch    string `json:"epoch"`
	EpochID  int64  `json:"epoch_id"`
	LastItem bool   `json:"last_item"`
}

// Dispatcher fans scoring requests out to the broker with a fixed number of sequential slots per batch.
type Dispatcher struct {
	Sender    ports.MessageSender
	Readiness ports.ReadinessChecker
	Epochs    *cache.EpochCache
	Nodes     ports.NodeRepository
	Tracker   Reevaluator
	Topics    Topics
	Config    Config
	Metrics   ports.Metrics
	Logger    *slog.Logger
}

func (d Dispatcher) DispatchChannel(ctx context.Context, epochID int64, channel entities.Channel) (Result, error) {
	logger := application.ResolveLogger(d.Logger)
	nodes, err := d.Nodes.ListActiveNodes(ctx, channel)
	if err != nil {
		logger.Error("active node listing failed",
			"event", "dispatcher_list_nodes_failed",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(channel),
			"epoch_id", epochID,
			"error", err.Error(),
		)
		return Result{Channel: channel}, err
	}
	return d.Dispatch(ctx, epochID, channel, nodes)
}

// Dispatch sends one request per node. Failed sends are counted, never fatal to the batch.
func (d Dispatcher) Dispatch(ctx context.Context, epochID int64, channel entities.Channel, nodes []entities.Node) (Result, error) {
	logger := application.ResolveLogger(d.Logger)
	metrics := application.ResolveMetrics(d.Metrics)
	cfg := d.Config.withDefaults()
	result := Result{Channel: channel, Total: len(nodes)}

	if !channel.Valid() {
		return result, domainerrors.ErrInvalidChannel
	}
	epoch, err := d.Epochs.Get(ctx, epochID)
	if err != nil {
		return result, err
	}

	if err := d.checkReady(ctx, epoch, channel); err != nil {
		return result, err
	}

	start := entities.EpochUpdate{}
	start.SetStatus(channel, entities.ChannelStatusSending).
		SetNodesTotal(channel, len(nodes)).
		SetErrorMessage(channel, "")
	if _, err := d.Epochs.Update(ctx, epochID, start); err != nil {
		return result, err
	}
	logger.Info("dispatch started",
		"event", "dispatcher_started",
		"module", application.ModuleName,
		"layer", "application",
		"channel", string(channel),
		"epoch_id", epochID,
		"nodes_total", len(nodes),
		"concurrency", cfg.Concurrency,
		"batch_size", cfg.BatchSize,
	)

	topic := d.Topics.For(channel)
	var sent atomic.Int64
	var failed atomic.Int64
	for offset := 0; offset < len(nodes); offset += cfg.BatchSize {
		end := offset + cfg.BatchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[offset:end]
		lastBatch := end == len(nodes)

		var group errgroup.Group
		for slot := 0; slot < cfg.Concurrency && slot < len(batch); slot++ {
			slot := slot
			group.Go(func() error {
				for index := slot; index < len(batch); index += cfg.Concurrency {
					if err := sleep(ctx, cfg.SendDelay); err != nil {
						return err
					}
					node := batch[index]
					last := lastBatch && index == len(batch)-1
					if err := d.send(ctx, cfg, topic, epoch, channel, node, last); err != nil {
						failed.Add(1)
						metrics.MessageSendFailed(channel)
						logger.Error("scoring request send failed",
							"event", "dispatcher_send_failed",
							"module", application.ModuleName,
							"layer", "application",
							"channel", string(channel),
							"epoch_id", epochID,
							"node_id", node.ID,
							"error", err.Error(),
						)
						continue
					}
					sent.Add(1)
					metrics.MessageSent(channel)
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			result.Sent = int(sent.Load())
			result.Failed = int(failed.Load())
			return result, err
		}
		logger.Debug("dispatch batch finished",
			"event", "dispatcher_batch_finished",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(channel),
			"epoch_id", epochID,
			"batch_start", offset,
			"batch_end", end,
		)
	}

	result.Sent = int(sent.Load())
	result.Failed = int(failed.Load())
	if err := d.finish(ctx, epochID, channel, result); err != nil {
		return result, err
	}
	return result, nil
}

func (d Dispatcher) checkReady(ctx context.Context, epoch entities.Epoch, channel entities.Channel) error {
	if d.Readiness == nil {
		return nil
	}
	logger := application.ResolveLogger(d.Logger)
	readiness, err := d.Readiness.Ready(ctx, channel, epoch.Date)
	reason := readiness.Reason
	if err != nil {
		reason = err.Error()
	}
	if err == nil && readiness.Ready {
		return nil
	}
	if reason == "" {
		reason = fmt.Sprintf("scoring backend not synced for %s", epoch.DateKey())
	}

	update := entities.EpochUpdate{}
	update.SetStatus(channel, entities.ChannelStatusNotSent).
		SetErrorMessage(channel, reason).
		SetRetrying(channel, false)
	if _, updateErr := d.Epochs.Update(ctx, epoch.ID, update); updateErr != nil {
		return updateErr
	}
	logger.Warn("scoring backend not ready, dispatch deferred",
		"event", "dispatcher_backend_not_ready",
		"module", application.ModuleName,
		"layer", "application",
		"channel", string(channel),
		"epoch_id", epoch.ID,
		"pending", readiness.Pending,
		"reason", reason,
	)
	return domainerrors.ErrBackendNotReady
}

func (d Dispatcher) send(
	ctx context.Context,
	cfg Config,
	topic string,
	epoch entities.Epoch,
	channel entities.Channel,
	node entities.Node,
	last bool,
) error {
	key, payload, err := buildRequest(epoch, channel, node, last)
	if err != nil {
		return err
	}
	backoff := retry.WithMaxRetries(uint64(cfg.MaxAttempts-1), retry.NewConstant(cfg.RetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.Sender.Send(ctx, topic, key, payload); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (d Dispatcher) finish(ctx context.Context, epochID int64, channel entities.Channel, result Result) error {
	logger := application.ResolveLogger(d.Logger)
	current, err := d.Epochs.Get(ctx, epochID)
	if err != nil {
		return err
	}

	update := entities.EpochUpdate{}
	update.SetMessagesSent(channel, result.Sent).SetRetrying(channel, false)
	switch {
	case result.Sent == 0:
		update.SetStatus(channel, entities.ChannelStatusNotSent)
		message := "no scoring requests were sent"
		if result.Failed > 0 {
			message = fmt.Sprintf("all %d scoring requests failed", result.Failed)
		}
		update.SetErrorMessage(channel, message)
	case current.State(channel).Status == entities.ChannelStatusSending:
		update.SetStatus(channel, entities.ChannelStatusSent)
	}
	if result.Sent > 0 && result.Failed > 0 {
		update.SetErrorMessage(channel, fmt.Sprintf("%d of %d scoring requests failed", result.Failed, result.Total))
	}
	if _, err := d.Epochs.Update(ctx, epochID, update); err != nil {
		return err
	}

	logger.Info("dispatch finished",
		"event", "dispatcher_finished",
		"module", application.ModuleName,
		"layer", "application",
		"channel", string(channel),
		"epoch_id", epochID,
		"nodes_total", result.Total,
		"sent", result.Sent,
		"failed", result.Failed,
	)

	if result.Sent > 0 && d.Tracker != nil {
		if _, err := d.Tracker.Reevaluate(ctx, epochID, channel); err != nil {
			logger.Warn("post-dispatch completion check failed",
				"event", "dispatcher_reevaluate_failed",
				"module", application.ModuleName,
				"layer", "application",
				"channel", string(channel),
				"epoch_id", epochID,
				"error", err.Error(),
			)
		}
	}
	return nil
}

func buildRequest(epoch entities.Epoch, channel entities.Channel, node entities.Node, last bool) (string, []byte, error) {
	switch channel {
	case entities.ChannelWubi:
		payload, err := json.Marshal(wubiRequest{
			WayruDeviceID: node.DeviceID,
			Timestamp:     epoch.Date.Unix(),
			EpochID:       epoch.ID,
			LastItem:      last,
		})
		return node.DeviceID, payload, err
	case entities.ChannelWupi:
		payload, err := json.Marshal(wupiRequest{
			NasID:    node.MAC,
			NfnodeID: node.ID,
			Epoch:    epoch.DateKey(),
			EpochID:  epoch.ID,
			LastItem: last,
		})
		return strconv.FormatInt(node.ID, 10), payload, err
	default:
		return "", nil, domainerrors.ErrInvalidChannel
	}
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
