package queries

import (
	"context"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/services"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

type EpochView struct {
	Epoch        entities.Epoch
	RewardCounts map[entities.Channel]int64
}

type UseCase struct {
	Epochs  ports.EpochRepository
	Rewards ports.RewardRepository
	Period  services.RewardsPeriod
}

func (uc UseCase) GetEpoch(ctx context.Context, epochID int64) (EpochView, error) {
	epoch, err := uc.Epochs.GetEpoch(ctx, epochID)
	if err != nil {
		return EpochView{}, err
	}
	counts := make(map[entities.Channel]int64, 2)
	for _, channel := range entities.Channels() {
		count, err := uc.Rewards.CountRewards(ctx, epochID, channel)
		if err != nil {
			return EpochView{}, err
		}
		counts[channel] = count
	}
	return EpochView{Epoch: epoch, RewardCounts: counts}, nil
}

func (uc UseCase) GetEpochByDate(ctx context.Context, date time.Time) (entities.Epoch, error) {
	return uc.Epochs.GetEpochByDate(ctx, date)
}

func (uc UseCase) ListRewards(ctx context.Context, epochID int64, channel entities.Channel) ([]entities.RewardRecord, error) {
	if !channel.Valid() {
		return nil, domainerrors.ErrInvalidChannel
	}
	if _, err := uc.Epochs.GetEpoch(ctx, epochID); err != nil {
		return nil, err
	}
	return uc.Rewards.ListRewards(ctx, epochID, channel)
}

func (uc UseCase) Emission(date time.Time) services.Allocation {
	return services.SplitForDate(date, uc.Period)
}
