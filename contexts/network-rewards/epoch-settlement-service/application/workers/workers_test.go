package workers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/application/workers"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

type stubSubscriber struct {
	topics  []string
	groups  []string
	handler func(context.Context, ports.Message) error
}

func (s *stubSubscriber) Subscribe(
	_ context.Context,
	topic string,
	group string,
	handler func(context.Context, ports.Message) error,
) error {
	s.topics = append(s.topics, topic)
	s.groups = append(s.groups, group)
	s.handler = handler
	return nil
}

type stubTracker struct {
	responses []entities.ScoringResponse
	err       error
}

func (t *stubTracker) Track(_ context.Context, response entities.ScoringResponse) (entities.BatchProgress, error) {
	if t.err != nil {
		return entities.BatchProgress{}, t.err
	}
	t.responses = append(t.responses, response)
	return entities.NewBatchProgress(len(t.responses), 3), nil
}

type stubEpochs struct {
	epoch entities.Epoch
}

func (s stubEpochs) GetByDate(_ context.Context, date time.Time) (entities.Epoch, error) {
	if !date.Equal(s.epoch.Date) {
		return entities.Epoch{}, domainerrors.ErrEpochNotFound
	}
	return s.epoch, nil
}

func startConsumer(t *testing.T, channel entities.Channel, tracker *stubTracker) *stubSubscriber {
	t.Helper()
	subscriber := &stubSubscriber{}
	consumer := workers.ResponseConsumer{
		Subscriber: subscriber,
		Tracker:    tracker,
		Epochs:     stubEpochs{epoch: entities.Epoch{ID: 9, Date: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}},
		Channel:    channel,
	}
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	if subscriber.handler == nil {
		t.Fatalf("expected handler to be registered")
	}
	return subscriber
}

func TestResponseConsumerSubscribesDefaultTopics(t *testing.T) {
	wubi := startConsumer(t, entities.ChannelWubi, &stubTracker{})
	wupi := startConsumer(t, entities.ChannelWupi, &stubTracker{})
	if wubi.topics[0] != workers.DefaultWubiResponseTopic || wupi.topics[0] != workers.DefaultWupiResponseTopic {
		t.Fatalf("unexpected topics: %v %v", wubi.topics, wupi.topics)
	}
	if wubi.groups[0] == wupi.groups[0] {
		t.Fatalf("expected distinct consumer groups per channel")
	}
}

func TestResponseConsumerRejectsInvalidChannel(t *testing.T) {
	consumer := workers.ResponseConsumer{Subscriber: &stubSubscriber{}, Channel: "email"}
	if err := consumer.Start(context.Background()); !errors.Is(err, domainerrors.ErrInvalidChannel) {
		t.Fatalf("expected invalid channel, got %v", err)
	}
}

func TestResponseConsumerTracksWubiResponse(t *testing.T) {
	tracker := &stubTracker{}
	subscriber := startConsumer(t, entities.ChannelWubi, tracker)

	payload := []byte(`{"hotspot_score": 12.5, "wayru_device_id": "dev-1", "epoch_id": 9, "last_item": false}`)
	if err := subscriber.handler(context.Background(), ports.Message{Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(tracker.responses) != 1 {
		t.Fatalf("expected one tracked response, got %d", len(tracker.responses))
	}
	response := tracker.responses[0]
	if response.DeviceID != "dev-1" || response.EpochID != 9 || response.RawScore.String() != "12.5" {
		t.Fatalf("unexpected response: %+v", response)
	}
}

func TestResponseConsumerDropsMalformedResponses(t *testing.T) {
	tracker := &stubTracker{}
	subscriber := startConsumer(t, entities.ChannelWubi, tracker)

	payloads := []string{
		`not json`,
		`{"wayru_device_id": "dev-1", "epoch_id": 9}`,
		`{"hotspot_score": 3, "epoch_id": 9}`,
		`{"hotspot_score": 3, "wayru_device_id": "dev-1"}`,
	}
	for _, payload := range payloads {
		if err := subscriber.handler(context.Background(), ports.Message{Value: []byte(payload)}); err != nil {
			t.Fatalf("expected malformed payload %q to be dropped, got %v", payload, err)
		}
	}
	if len(tracker.responses) != 0 {
		t.Fatalf("expected no tracked responses, got %d", len(tracker.responses))
	}
}

func TestResponseConsumerResolvesWupiEpochByDate(t *testing.T) {
	tracker := &stubTracker{}
	subscriber := startConsumer(t, entities.ChannelWupi, tracker)

	payload := []byte(`{"nas_id": "aa:bb", "nfnode_id": 3, "score": 2500000000, "epoch": "2025-06-01", "total_valid_nas": 4}`)
	if err := subscriber.handler(context.Background(), ports.Message{Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(tracker.responses) != 1 {
		t.Fatalf("expected one tracked response, got %d", len(tracker.responses))
	}
	response := tracker.responses[0]
	if response.EpochID != 9 || response.NodeID != 3 || response.RawScore.String() != "2500000000" {
		t.Fatalf("unexpected response: %+v", response)
	}
}

func TestDecodeWupiResponseRequiresTotalValidNas(t *testing.T) {
	_, _, err := workers.DecodeWupiResponse([]byte(`{"nfnode_id": 3, "epoch_id": 9, "score": 1}`))
	if !errors.Is(err, domainerrors.ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestResponseConsumerSurfacesTransientTrackerErrors(t *testing.T) {
	transient := errors.New("store timeout")
	subscriber := startConsumer(t, entities.ChannelWubi, &stubTracker{err: transient})
	payload := []byte(`{"hotspot_score": 1, "wayru_device_id": "dev-1", "epoch_id": 9}`)
	if err := subscriber.handler(context.Background(), ports.Message{Value: payload}); !errors.Is(err, transient) {
		t.Fatalf("expected transient error for redelivery, got %v", err)
	}

	subscriber = startConsumer(t, entities.ChannelWubi, &stubTracker{err: domainerrors.ErrEpochNotFound})
	if err := subscriber.handler(context.Background(), ports.Message{Value: payload}); err != nil {
		t.Fatalf("expected unknown epoch to be dropped, got %v", err)
	}
}

type stubCommands struct {
	retryCalls    int
	retryErr      error
	regenerate    int
	regenerateErr error
	daily         int
}

func (s *stubCommands) RetrySweep(_ context.Context, _ int) (bool, error) {
	s.retryCalls++
	return s.retryErr == nil, s.retryErr
}

func (s *stubCommands) RegenerateNext(_ context.Context) (entities.Epoch, bool, error) {
	s.regenerate++
	return entities.Epoch{ID: 1}, s.regenerateErr == nil, s.regenerateErr
}

func (s *stubCommands) EnsureDailyEpoch(_ context.Context) (bool, error) {
	s.daily++
	return true, nil
}

func TestRetrySweepJobTreatsLimitAsNoop(t *testing.T) {
	commands := &stubCommands{retryErr: domainerrors.ErrRetryLimitReached}
	if err := (workers.RetrySweepJob{Commands: commands, MaxAttempts: 5}).RunOnce(context.Background()); err != nil {
		t.Fatalf("run retry sweep: %v", err)
	}
	if commands.retryCalls != 1 {
		t.Fatalf("expected one sweep call, got %d", commands.retryCalls)
	}
}

func TestRegenerationJobSwallowsExpectedRefusals(t *testing.T) {
	for _, refusal := range []error{domainerrors.ErrRegenerationInProgress, domainerrors.ErrPaidRewardsInScope} {
		commands := &stubCommands{regenerateErr: refusal}
		if err := (workers.RegenerationJob{Commands: commands}).RunOnce(context.Background()); err != nil {
			t.Fatalf("expected %v to be swallowed, got %v", refusal, err)
		}
	}
	failure := errors.New("delete failed")
	commands := &stubCommands{regenerateErr: failure}
	if err := (workers.RegenerationJob{Commands: commands}).RunOnce(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("expected failure to surface, got %v", err)
	}
}

func TestDailyEpochJobCanBeDisabled(t *testing.T) {
	commands := &stubCommands{}
	if err := (workers.DailyEpochJob{Commands: commands, Disabled: true}).RunOnce(context.Background()); err != nil {
		t.Fatalf("run disabled job: %v", err)
	}
	if commands.daily != 0 {
		t.Fatalf("expected no daily start when disabled")
	}
	if err := (workers.DailyEpochJob{Commands: commands}).RunOnce(context.Background()); err != nil {
		t.Fatalf("run daily job: %v", err)
	}
	if commands.daily != 1 {
		t.Fatalf("expected one daily start, got %d", commands.daily)
	}
}
