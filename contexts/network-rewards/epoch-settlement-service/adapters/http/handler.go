package httpadapter

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/commands"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/queries"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/services"
	httptransport "settlement/contexts/network-rewards/epoch-settlement-service/transport/http"
)

type Handler struct {
	Commands commands.UseCase
	Queries  queries.UseCase
	Logger   *slog.Logger
}

func (h Handler) GetEpochHandler(ctx context.Context, epochID int64) (httptransport.EpochResponse, error) {
	view, err := h.Queries.GetEpoch(ctx, epochID)
	if err != nil {
		return httptransport.EpochResponse{}, err
	}
	return mapEpoch(view.Epoch, view.RewardCounts), nil
}

func (h Handler) GetEpochByDateHandler(ctx context.Context, date string) (httptransport.EpochResponse, error) {
	parsed, err := entities.ParseEpochDate(strings.TrimSpace(date))
	if err != nil {
		return httptransport.EpochResponse{}, domainerrors.ErrInvalidEpochInput
	}
	epoch, err := h.Queries.GetEpochByDate(ctx, parsed)
	if err != nil {
		return httptransport.EpochResponse{}, err
	}
	view, err := h.Queries.GetEpoch(ctx, epoch.ID)
	if err != nil {
		return httptransport.EpochResponse{}, err
	}
	return mapEpoch(view.Epoch, view.RewardCounts), nil
}

func (h Handler) ListRewardsHandler(ctx context.Context, epochID int64, channel string) (httptransport.RewardsResponse, error) {
	parsed := entities.Channel(strings.ToLower(strings.TrimSpace(channel)))
	records, err := h.Queries.ListRewards(ctx, epochID, parsed)
	if err != nil {
		return httptransport.RewardsResponse{}, err
	}
	items := make([]httptransport.RewardDTO, 0, len(records))
	for _, record := range records {
		items = append(items, httptransport.RewardDTO{
			ID:                 record.ID,
			NodeID:             record.NodeID,
			Type:               record.Channel.RewardType(),
			HotspotScore:       record.HotspotScore.String(),
			Amount:             services.FormatMicroUnits(record.Amount),
			AmountMicro:        record.Amount,
			Currency:           record.Currency,
			Status:             string(record.Status),
			OwnerPaymentStatus: string(record.OwnerPaymentStatus),
			HostPaymentStatus:  string(record.HostPaymentStatus),
		})
	}
	return httptransport.RewardsResponse{
		EpochID: epochID,
		Channel: string(parsed),
		Items:   items,
	}, nil
}

func (h Handler) RequestRegenerationHandler(
	ctx context.Context,
	epochID int64,
	req httptransport.RegenerateRequest,
) (httptransport.EpochResponse, error) {
	epoch, err := h.Commands.RequestRegeneration(ctx, commands.RegenerateCommand{
		EpochID: epochID,
		Type:    req.Type,
	})
	if err != nil {
		return httptransport.EpochResponse{}, err
	}
	application.ResolveLogger(h.Logger).Info("regeneration accepted",
		"event", "epoch_settlement_regeneration_accepted",
		"module", application.ModuleName,
		"layer", "adapter",
		"epoch_id", epoch.ID,
		"type", epoch.RegenerateType,
	)
	return mapEpoch(epoch, nil), nil
}

func (h Handler) EmissionHandler(_ context.Context, date string) (httptransport.EmissionResponse, error) {
	parsed, err := entities.ParseEpochDate(strings.TrimSpace(date))
	if err != nil {
		return httptransport.EmissionResponse{}, domainerrors.ErrInvalidEpochInput
	}
	allocation := h.Queries.Emission(parsed)
	return httptransport.EmissionResponse{
		Date:          entities.FormatEpochDate(parsed),
		Period:        string(h.Queries.Period),
		EpochNumber:   allocation.EpochNumber,
		EpochYear:     allocation.EpochYear,
		Total:         services.FormatMicroUnits(allocation.Total),
		Oracle:        services.FormatMicroUnits(allocation.Oracle),
		Manufacturers: services.FormatMicroUnits(allocation.Manufacturers),
		Hotspots:      services.FormatMicroUnits(allocation.Hotspots),
		Wubi:          services.FormatMicroUnits(allocation.Wubi),
		Wupi:          services.FormatMicroUnits(allocation.Wupi),
	}, nil
}

func mapEpoch(epoch entities.Epoch, counts map[entities.Channel]int64) httptransport.EpochResponse {
	metrics := epoch.ProcessingMetrics
	return httptransport.EpochResponse{
		ID:     epoch.ID,
		Date:   epoch.DateKey(),
		Status: epoch.Status,
		Wubi:   mapChannel(epoch, entities.ChannelWubi, counts[entities.ChannelWubi]),
		Wupi:   mapChannel(epoch, entities.ChannelWupi, counts[entities.ChannelWupi]),
		ProcessingMetrics: httptransport.ProcessingMetricsDTO{
			StartTime:               formatOptionalTime(metrics.StartTime),
			EndTime:                 formatOptionalTime(metrics.EndTime),
			ProcessingTimeMs:        metrics.ProcessingTimeMs,
			ProcessingTimeFormatted: metrics.ProcessingTimeFormatted,
			AverageTimePerNode:      metrics.AverageTimePerNode,
			TotalWubiNodes:          metrics.TotalWubiNodes,
			TotalWupiNodes:          metrics.TotalWupiNodes,
			Status:                  metrics.Status,
		},
		RegenerateStatus: string(epoch.RegenerateStatus),
		RegenerateType:   epoch.RegenerateType,
		UpdatedAt:        epoch.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func mapChannel(epoch entities.Epoch, channel entities.Channel, rewards int64) httptransport.ChannelDTO {
	state := epoch.State(channel)
	return httptransport.ChannelDTO{
		Status:           string(state.Status),
		Pool:             services.FormatMicroUnits(epoch.Pool(channel)),
		NetworkScore:     state.NetworkScore.String(),
		NodesTotal:       state.NodesTotal,
		NodesWithScore:   state.NodesWithScore,
		MessagesSent:     state.MessagesSent,
		MessagesReceived: state.MessagesReceived,
		RetryCount:       state.RetryCount,
		IsRetrying:       state.IsRetrying,
		ErrorMessage:     state.ErrorMessage,
		Rewards:          rewards,
	}
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
