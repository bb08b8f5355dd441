package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	"github.com/google/uuid"
)

type rewardKey struct {
	epochID int64
	channel entities.Channel
	nodeID  int64
}

// Store keeps epochs, rewards and nodes in memory behind the same ports as the postgres adapter.
type Store struct {
	mu sync.RWMutex

	now func() time.Time

	epochs       map[int64]entities.Epoch
	rewards      map[int64]entities.RewardRecord
	rewardByNode map[rewardKey]int64
	nodes        map[int64]entities.Node
	nextEpochID  int64
	nextRewardID int64
}

func NewStore(nodes []entities.Node) *Store {
	store := &Store{
		now:          func() time.Time { return time.Now().UTC() },
		epochs:       make(map[int64]entities.Epoch),
		rewards:      make(map[int64]entities.RewardRecord),
		rewardByNode: make(map[rewardKey]int64),
		nodes:        make(map[int64]entities.Node, len(nodes)),
	}
	for _, node := range nodes {
		store.nodes[node.ID] = node
	}
	return store
}

func (s *Store) Now() time.Time {
	s.mu.RLock()
	now := s.now
	s.mu.RUnlock()
	return now()
}

func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func (s *Store) PutNode(node entities.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
}

func (s *Store) CreateOrGetEpoch(_ context.Context, epoch entities.Epoch) (entities.Epoch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := epoch.DateKey()
	for _, existing := range s.epochs {
		if existing.DateKey() == key {
			return existing, false, nil
		}
	}
	if epoch.ID == 0 {
		s.nextEpochID++
		epoch.ID = s.nextEpochID
	} else if epoch.ID > s.nextEpochID {
		s.nextEpochID = epoch.ID
	}
	now := s.now()
	epoch.Date = epoch.Date.UTC().Truncate(24 * time.Hour)
	epoch.CreatedAt = now
	epoch.UpdatedAt = now
	s.epochs[epoch.ID] = epoch
	return epoch, true, nil
}

func (s *Store) GetEpoch(_ context.Context, epochID int64) (entities.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	epoch, ok := s.epochs[epochID]
	if !ok {
		return entities.Epoch{}, domainerrors.ErrEpochNotFound
	}
	return epoch, nil
}

func (s *Store) GetEpochByDate(_ context.Context, date time.Time) (entities.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := entities.FormatEpochDate(date)
	for _, epoch := range s.epochs {
		if epoch.DateKey() == key {
			return epoch, nil
		}
	}
	return entities.Epoch{}, domainerrors.ErrEpochNotFound
}

func (s *Store) UpdateEpoch(_ context.Context, epochID int64, update entities.EpochUpdate) (entities.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch, ok := s.epochs[epochID]
	if !ok {
		return entities.Epoch{}, domainerrors.ErrEpochNotFound
	}
	update.Apply(&epoch)
	epoch.UpdatedAt = s.now()
	s.epochs[epochID] = epoch
	return epoch, nil
}

func (s *Store) ListActiveEpochs(_ context.Context) ([]entities.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]entities.Epoch, 0)
	for _, epoch := range s.epochs {
		if isActiveStatus(epoch.Wubi.Status) || isActiveStatus(epoch.Wupi.Status) {
			items = append(items, epoch)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Store) ListInterruptedEpochs(_ context.Context) ([]entities.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]entities.Epoch, 0)
	for _, epoch := range s.epochs {
		if interrupted(epoch.Wubi) || interrupted(epoch.Wupi) {
			items = append(items, epoch)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Store) FindRetryCandidate(_ context.Context, maxAttempts int) (entities.Epoch, entities.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.epochs))
	for id := range s.epochs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		epoch := s.epochs[id]
		for _, channel := range entities.Channels() {
			if retryable(epoch.State(channel), maxAttempts) {
				return epoch, channel, nil
			}
		}
	}
	return entities.Epoch{}, "", domainerrors.ErrEpochNotFound
}

func (s *Store) FindPendingRegeneration(_ context.Context) (entities.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *entities.Epoch
	for _, epoch := range s.epochs {
		if epoch.RegenerateStatus != entities.RegenerateStatusPending {
			continue
		}
		if found == nil || epoch.ID < found.ID {
			candidate := epoch
			found = &candidate
		}
	}
	if found == nil {
		return entities.Epoch{}, domainerrors.ErrEpochNotFound
	}
	return *found, nil
}

func (s *Store) CountRegenerating(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, epoch := range s.epochs {
		if epoch.RegenerateStatus == entities.RegenerateStatusRunning {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateReward(_ context.Context, record entities.RewardRecord) (entities.RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rewardKey{epochID: record.EpochID, channel: record.Channel, nodeID: record.NodeID}
	if _, exists := s.rewardByNode[key]; exists {
		return entities.RewardRecord{}, domainerrors.ErrRewardExists
	}
	s.nextRewardID++
	record.ID = s.nextRewardID
	now := s.now()
	record.CreatedAt = now
	record.UpdatedAt = now
	s.rewards[record.ID] = record
	s.rewardByNode[key] = record.ID
	return record, nil
}

func (s *Store) ListRewards(_ context.Context, epochID int64, channel entities.Channel) ([]entities.RewardRecord, error) {
	return s.filterRewards(func(record entities.RewardRecord) bool {
		return record.EpochID == epochID && record.Channel == channel
	}), nil
}

func (s *Store) ListCalculatingRewards(_ context.Context, epochID int64, channel entities.Channel) ([]entities.RewardRecord, error) {
	return s.filterRewards(func(record entities.RewardRecord) bool {
		return record.EpochID == epochID &&
			record.Channel == channel &&
			record.Status == entities.RewardStatusCalculating &&
			record.HotspotScore.IsPositive()
	}), nil
}

func (s *Store) ApplyRewardAmounts(_ context.Context, amounts []entities.RewardAmount, updatedAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, amount := range amounts {
		record, ok := s.rewards[amount.RewardID]
		if !ok || record.Status != entities.RewardStatusCalculating {
			continue
		}
		record.Amount = amount.Amount
		record.Status = entities.RewardStatusReadyForClaim
		record.OwnerPaymentStatus = entities.PaymentStatusPending
		record.HostPaymentStatus = entities.PaymentStatusPending
		record.UpdatedAt = updatedAt
		s.rewards[record.ID] = record
		updated++
	}
	return updated, nil
}

func (s *Store) CountRewards(_ context.Context, epochID int64, channel entities.Channel) (int64, error) {
	records := s.filterRewards(func(record entities.RewardRecord) bool {
		return record.EpochID == epochID && record.Channel == channel
	})
	return int64(len(records)), nil
}

func (s *Store) ListRewardNodeIDs(_ context.Context, epochID int64, channel entities.Channel) ([]int64, error) {
	records := s.filterRewards(func(record entities.RewardRecord) bool {
		return record.EpochID == epochID && record.Channel == channel
	})
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.NodeID)
	}
	return ids, nil
}

func (s *Store) CountLockedRewards(_ context.Context, epochID int64, channels []entities.Channel) (int64, error) {
	records := s.filterRewards(func(record entities.RewardRecord) bool {
		return record.EpochID == epochID && containsChannel(channels, record.Channel) && record.Locked()
	})
	return int64(len(records)), nil
}

func (s *Store) DeleteRewards(_ context.Context, epochID int64, channels []entities.Channel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, record := range s.rewards {
		if record.EpochID != epochID || !containsChannel(channels, record.Channel) {
			continue
		}
		delete(s.rewards, id)
		delete(s.rewardByNode, rewardKey{epochID: record.EpochID, channel: record.Channel, nodeID: record.NodeID})
		deleted++
	}
	return deleted, nil
}

// UpdateReward overwrites a stored reward; used to simulate downstream payment processing.
func (s *Store) UpdateReward(record entities.RewardRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rewards[record.ID]; ok {
		s.rewards[record.ID] = record
	}
}

func (s *Store) ListActiveNodes(_ context.Context, channel entities.Channel) ([]entities.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]entities.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		if node.Status != "active" || node.DeviceID == "" || node.SolanaAssetID == "" {
			continue
		}
		isDon := node.NodeType == "" || node.NodeType == entities.NodeTypeDon
		switch channel {
		case entities.ChannelWubi:
			if !isDon {
				continue
			}
		case entities.ChannelWupi:
			if node.NodeType == entities.NodeTypeDon || node.MAC == "" {
				continue
			}
		default:
			return nil, domainerrors.ErrInvalidChannel
		}
		items = append(items, node)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Store) GetNode(_ context.Context, nodeID int64) (entities.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return entities.Node{}, domainerrors.ErrNodeNotFound
	}
	return node, nil
}

func (s *Store) GetNodeByDeviceID(_ context.Context, deviceID string) (entities.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if node.DeviceID == deviceID {
			return node, nil
		}
	}
	return entities.Node{}, domainerrors.ErrNodeNotFound
}

func (s *Store) filterRewards(match func(entities.RewardRecord) bool) []entities.RewardRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]entities.RewardRecord, 0)
	for _, record := range s.rewards {
		if match(record) {
			items = append(items, record)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func isActiveStatus(status entities.ChannelStatus) bool {
	return status == entities.ChannelStatusSent || status == entities.ChannelStatusReceived
}

func interrupted(state entities.ChannelState) bool {
	return state.Status == entities.ChannelStatusSending ||
		(state.Status == entities.ChannelStatusNotSent && state.IsRetrying)
}

func retryable(state entities.ChannelState, maxAttempts int) bool {
	return state.Status == entities.ChannelStatusNotSent &&
		!state.IsRetrying &&
		state.RetryCount < maxAttempts
}

func containsChannel(channels []entities.Channel, channel entities.Channel) bool {
	for _, item := range channels {
		if item == channel {
			return true
		}
	}
	return false
}

var _ ports.EpochRepository = (*Store)(nil)
var _ ports.RewardRepository = (*Store)(nil)
var _ ports.NodeRepository = (*Store)(nil)
var _ ports.Clock = (*Store)(nil)
