package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/adapters/memory"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/cache"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/coordinator"
	appevents "settlement/contexts/network-rewards/epoch-settlement-service/application/events"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"

	"github.com/shopspring/decimal"
)

type stubClearer struct {
	mu      sync.Mutex
	cleared []int64
}

func (s *stubClearer) Clear(epochID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, epochID)
}

type countingMetrics struct {
	mu        sync.Mutex
	completed int
	finalized map[entities.Channel]int
}

func (m *countingMetrics) MessageSent(entities.Channel)             {}
func (m *countingMetrics) MessageSendFailed(entities.Channel)       {}
func (m *countingMetrics) ResponseReceived(entities.Channel)        {}
func (m *countingMetrics) DuplicateResponse(entities.Channel)       {}
func (m *countingMetrics) ResponseDropped(entities.Channel, string) {}

func (m *countingMetrics) RewardsFinalized(channel entities.Channel, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized == nil {
		m.finalized = make(map[entities.Channel]int)
	}
	m.finalized[channel] += count
}

func (m *countingMetrics) EpochCompleted(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

// failingApplyStore fails the nth ApplyRewardAmounts call.
type failingApplyStore struct {
	*memory.Store
	mu     sync.Mutex
	calls  int
	failAt int
}

func (s *failingApplyStore) ApplyRewardAmounts(ctx context.Context, amounts []entities.RewardAmount, updatedAt time.Time) (int, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if call == s.failAt {
		return 0, errors.New("connection reset")
	}
	return s.Store.ApplyRewardAmounts(ctx, amounts, updatedAt)
}

type fixture struct {
	store       *memory.Store
	epoch       entities.Epoch
	coordinator *coordinator.Coordinator
	bus         *appevents.Bus
	clearer     *stubClearer
	metrics     *countingMetrics
}

// newFixture wires a coordinator over the memory store; failApplyAt > 0 fails that ApplyRewardAmounts call.
func newFixture(t *testing.T, batchSize int, failApplyAt int) *fixture {
	t.Helper()
	store := memory.NewStore(nil)
	start := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return start })
	epoch, _, err := store.CreateOrGetEpoch(context.Background(), entities.Epoch{
		Date:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		WubiPool: 600000000,
		WupiPool: 900000000,
		Wubi:     entities.ChannelState{Status: entities.ChannelStatusReceived, NodesTotal: 3, MessagesSent: 3},
		Wupi:     entities.ChannelState{Status: entities.ChannelStatusReceived, NodesTotal: 2, MessagesSent: 2},
		ProcessingMetrics: entities.ProcessingMetrics{
			StartTime:      &start,
			TotalWubiNodes: 3,
			TotalWupiNodes: 2,
			Status:         entities.ProcessingMetricsProcessing,
		},
	})
	if err != nil {
		t.Fatalf("create epoch failed: %v", err)
	}

	f := &fixture{
		store:   store,
		epoch:   epoch,
		bus:     appevents.NewBus(nil),
		clearer: &stubClearer{},
		metrics: &countingMetrics{},
	}
	deps := coordinator.Dependencies{
		Epochs:            cache.NewEpochCache(store, store, time.Minute, nil),
		Rewards:           store,
		Tracker:           f.clearer,
		Bus:               f.bus,
		Clock:             store,
		Metrics:           f.metrics,
		FinalizeBatchSize: batchSize,
	}
	if failApplyAt > 0 {
		deps.Rewards = &failingApplyStore{Store: store, failAt: failApplyAt}
	}
	f.coordinator = coordinator.New(deps)
	f.coordinator.Register()
	return f
}

func (f *fixture) addReward(t *testing.T, channel entities.Channel, nodeID int64, score string) entities.RewardRecord {
	t.Helper()
	record, err := f.store.CreateReward(context.Background(), entities.RewardRecord{
		EpochID:            f.epoch.ID,
		NodeID:             nodeID,
		Channel:            channel,
		HotspotScore:       decimal.RequireFromString(score),
		Currency:           entities.RewardCurrency,
		Status:             entities.RewardStatusCalculating,
		OwnerPaymentStatus: entities.PaymentStatusPending,
		HostPaymentStatus:  entities.PaymentStatusPending,
	})
	if err != nil {
		t.Fatalf("create reward failed: %v", err)
	}
	return record
}

func TestCoordinatorFinalizesChannelProportionally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 500, 0)
	f.addReward(t, entities.ChannelWubi, 1, "10")
	f.addReward(t, entities.ChannelWubi, 2, "20")
	f.addReward(t, entities.ChannelWubi, 3, "30")

	var processed []appevents.ChannelProcessed
	f.bus.ChannelProcessed.Subscribe(func(_ context.Context, event appevents.ChannelProcessed) error {
		processed = append(processed, event)
		return nil
	})

	if err := f.bus.LastResponse.Publish(ctx, appevents.LastResponseReceived{
		EpochID: f.epoch.ID, Channel: entities.ChannelWubi, Received: 3, Expected: 3,
	}); err != nil {
		t.Fatalf("last response handling failed: %v", err)
	}

	rewards, err := f.store.ListRewards(ctx, f.epoch.ID, entities.ChannelWubi)
	if err != nil {
		t.Fatalf("list rewards failed: %v", err)
	}
	want := map[int64]int64{1: 100000000, 2: 200000000, 3: 300000000}
	for _, record := range rewards {
		if record.Amount != want[record.NodeID] {
			t.Fatalf("node %d: expected amount %d, got %d", record.NodeID, want[record.NodeID], record.Amount)
		}
		if record.Status != entities.RewardStatusReadyForClaim {
			t.Fatalf("node %d: expected ready-for-claim, got %s", record.NodeID, record.Status)
		}
	}

	epoch, _ := f.store.GetEpoch(ctx, f.epoch.ID)
	if epoch.Wubi.Status != entities.ChannelStatusProcessed {
		t.Fatalf("expected wubi processed, got %s", epoch.Wubi.Status)
	}
	if !epoch.Wubi.NetworkScore.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected network score 60, got %s", epoch.Wubi.NetworkScore)
	}
	if epoch.Wubi.NodesWithScore != 3 {
		t.Fatalf("expected 3 nodes with score, got %d", epoch.Wubi.NodesWithScore)
	}
	if len(processed) != 1 || processed[0].Channel != entities.ChannelWubi {
		t.Fatalf("expected one channel processed event, got %+v", processed)
	}
	if epoch.Status == entities.EpochStatusReadyForClaim {
		t.Fatalf("epoch must not complete while wupi is still pending")
	}
}

func TestCoordinatorCompletesEpochOnceWhenChannelsFinishTogether(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 500, 0)
	f.addReward(t, entities.ChannelWubi, 1, "5")
	f.addReward(t, entities.ChannelWupi, 2, "0.5")
	f.store.SetNow(func() time.Time { return time.Date(2025, 6, 2, 2, 30, 15, 0, time.UTC) })

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, channel := range entities.Channels() {
		channel := channel
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.bus.LastResponse.Publish(ctx, appevents.LastResponseReceived{EpochID: f.epoch.ID, Channel: channel})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("last response handling failed: %v", err)
		}
	}

	if err := f.bus.ChannelProcessed.Publish(ctx, appevents.ChannelProcessed{EpochID: f.epoch.ID, Channel: entities.ChannelWubi}); err != nil {
		t.Fatalf("repeated channel processed failed: %v", err)
	}

	epoch, _ := f.store.GetEpoch(ctx, f.epoch.ID)
	if epoch.Status != entities.EpochStatusReadyForClaim {
		t.Fatalf("expected ready-for-claim, got %q", epoch.Status)
	}
	metrics := epoch.ProcessingMetrics
	if metrics.Status != entities.ProcessingMetricsCompleted {
		t.Fatalf("expected completed metrics, got %s", metrics.Status)
	}
	if metrics.ProcessingTimeFormatted != "1h 30m 15s" {
		t.Fatalf("unexpected formatted time %q", metrics.ProcessingTimeFormatted)
	}
	if metrics.ProcessingTimeMs != 5415000 {
		t.Fatalf("unexpected processing time %d", metrics.ProcessingTimeMs)
	}
	if metrics.AverageTimePerNode != "1083000.00ms per node" {
		t.Fatalf("unexpected average %q", metrics.AverageTimePerNode)
	}
	if f.metrics.completed != 1 {
		t.Fatalf("expected epoch completed exactly once, got %d", f.metrics.completed)
	}
	if len(f.clearer.cleared) != 1 {
		t.Fatalf("expected tracker cleared once, got %d", len(f.clearer.cleared))
	}
}

func TestCoordinatorAbortsOnFailedBatchKeepingEarlierBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 2)
	for nodeID := int64(1); nodeID <= 4; nodeID++ {
		f.addReward(t, entities.ChannelWubi, nodeID, "1")
	}

	err := f.bus.LastResponse.Publish(ctx, appevents.LastResponseReceived{EpochID: f.epoch.ID, Channel: entities.ChannelWubi})
	if err == nil {
		t.Fatalf("expected finalization error")
	}

	rewards, _ := f.store.ListRewards(ctx, f.epoch.ID, entities.ChannelWubi)
	ready := 0
	for _, record := range rewards {
		if record.Status == entities.RewardStatusReadyForClaim {
			ready++
			if record.Amount != 150000000 {
				t.Fatalf("expected 150000000 per node, got %d", record.Amount)
			}
		}
	}
	if ready != 2 {
		t.Fatalf("expected first batch of 2 finalized, got %d", ready)
	}
	epoch, _ := f.store.GetEpoch(ctx, f.epoch.ID)
	if epoch.Wubi.Status == entities.ChannelStatusProcessed {
		t.Fatalf("channel must not be processed after a failed batch")
	}
}

func TestCoordinatorFailedFirstBatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 500, 1)
	f.addReward(t, entities.ChannelWubi, 1, "3")

	if err := f.bus.LastResponse.Publish(ctx, appevents.LastResponseReceived{EpochID: f.epoch.ID, Channel: entities.ChannelWubi}); err == nil {
		t.Fatalf("expected finalization error")
	}
	rewards, _ := f.store.ListRewards(ctx, f.epoch.ID, entities.ChannelWubi)
	if rewards[0].Status != entities.RewardStatusCalculating || rewards[0].Amount != 0 {
		t.Fatalf("expected reward untouched, got %+v", rewards[0])
	}
}

func TestCoordinatorMarksZeroScoreChannelProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 500, 0)

	if err := f.bus.LastResponse.Publish(ctx, appevents.LastResponseReceived{EpochID: f.epoch.ID, Channel: entities.ChannelWupi}); err != nil {
		t.Fatalf("last response handling failed: %v", err)
	}
	epoch, _ := f.store.GetEpoch(ctx, f.epoch.ID)
	if epoch.Wupi.Status != entities.ChannelStatusProcessed || epoch.Wupi.NodesWithScore != 0 {
		t.Fatalf("unexpected wupi state %+v", epoch.Wupi)
	}
	if !epoch.Wupi.NetworkScore.IsZero() {
		t.Fatalf("expected zero network score, got %s", epoch.Wupi.NetworkScore)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		input time.Duration
		want  string
	}{
		{input: 0, want: "0h 0m 0s"},
		{input: 59 * time.Second, want: "0h 0m 59s"},
		{input: 26*time.Hour + 3*time.Minute + 4*time.Second, want: "26h 3m 4s"},
	}
	for _, tc := range cases {
		if got := coordinator.FormatDuration(tc.input); got != tc.want {
			t.Fatalf("FormatDuration(%s) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
