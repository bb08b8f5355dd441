package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/adapters/memory"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/cache"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/dispatcher"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

type sentMessage struct {
	topic   string
	key     string
	payload []byte
}

type stubSender struct {
	mu       sync.Mutex
	messages []sentMessage
	attempts map[string]int
	failKeys map[string]bool
	inFlight int
	maxSeen  int
}

func (s *stubSender) Send(_ context.Context, topic string, key string, payload []byte) error {
	s.mu.Lock()
	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	s.attempts[key]++
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	s.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.failKeys[key] {
		return errors.New("broker unavailable")
	}
	s.messages = append(s.messages, sentMessage{topic: topic, key: key, payload: payload})
	return nil
}

type stubReadiness struct {
	ready bool
}

func (r stubReadiness) Ready(_ context.Context, _ entities.Channel, _ time.Time) (ports.Readiness, error) {
	if r.ready {
		return ports.Readiness{Ready: true}, nil
	}
	return ports.Readiness{Ready: false, Pending: 4, Reason: "4 nas devices pending sync"}, nil
}

type stubReevaluator struct {
	calls int
}

func (r *stubReevaluator) Reevaluate(_ context.Context, _ int64, _ entities.Channel) (bool, error) {
	r.calls++
	return false, nil
}

func wubiNodes(count int) []entities.Node {
	nodes := make([]entities.Node, 0, count)
	for i := 1; i <= count; i++ {
		nodes = append(nodes, entities.Node{
			ID:            int64(i),
			DeviceID:      fmt.Sprintf("dev-%d", i),
			SolanaAssetID: fmt.Sprintf("asset-%d", i),
			Status:        "active",
			NodeType:      entities.NodeTypeDon,
		})
	}
	return nodes
}

func newDispatcher(t *testing.T, store *memory.Store, sender ports.MessageSender, ready bool) (dispatcher.Dispatcher, entities.Epoch, *stubReevaluator) {
	t.Helper()
	epoch, _, err := store.CreateOrGetEpoch(context.Background(), entities.Epoch{
		Date: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create epoch failed: %v", err)
	}
	reevaluator := &stubReevaluator{}
	return dispatcher.Dispatcher{
		Sender:    sender,
		Readiness: stubReadiness{ready: ready},
		Epochs:    cache.NewEpochCache(store, store, time.Minute, nil),
		Nodes:     store,
		Tracker:   reevaluator,
		Topics:    dispatcher.Topics{WubiRequests: "wubi-requests", WupiRequests: "wupi-requests"},
		Config: dispatcher.Config{
			Concurrency: 2,
			BatchSize:   2,
			SendDelay:   -1,
			MaxAttempts: 3,
			RetryDelay:  time.Millisecond,
		},
	}, epoch, reevaluator
}

func TestDispatcherSendsOneRequestPerNodeWithinConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(wubiNodes(5))
	sender := &stubSender{}
	d, epoch, reevaluator := newDispatcher(t, store, sender, true)

	result, err := d.DispatchChannel(ctx, epoch.ID, entities.ChannelWubi)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Sent != 5 || result.Failed != 0 {
		t.Fatalf("expected 5 sent and 0 failed, got %+v", result)
	}
	if sender.maxSeen > 2 {
		t.Fatalf("expected at most 2 in-flight sends, saw %d", sender.maxSeen)
	}

	lastItems := 0
	for _, message := range sender.messages {
		if message.topic != "wubi-requests" {
			t.Fatalf("unexpected topic %s", message.topic)
		}
		var payload struct {
			WayruDeviceID string `json:"wayru_device_id"`
			Timestamp     int64  `json:"timestamp"`
			EpochID       int64  `json:"epoch_id"`
			LastItem      bool   `json:"last_item"`
		}
		if err := json.Unmarshal(message.payload, &payload); err != nil {
			t.Fatalf("decode request failed: %v", err)
		}
		if payload.EpochID != epoch.ID || payload.Timestamp != epoch.Date.Unix() {
			t.Fatalf("unexpected request payload %+v", payload)
		}
		if payload.LastItem {
			lastItems++
			if payload.WayruDeviceID != "dev-5" {
				t.Fatalf("expected last item on dev-5, got %s", payload.WayruDeviceID)
			}
		}
	}
	if lastItems != 1 {
		t.Fatalf("expected exactly one last item, got %d", lastItems)
	}

	stored, err := store.GetEpoch(ctx, epoch.ID)
	if err != nil {
		t.Fatalf("load epoch failed: %v", err)
	}
	if stored.Wubi.Status != entities.ChannelStatusSent {
		t.Fatalf("expected messages_sent, got %s", stored.Wubi.Status)
	}
	if stored.Wubi.MessagesSent != 5 || stored.Wubi.NodesTotal != 5 {
		t.Fatalf("unexpected counters %+v", stored.Wubi)
	}
	if reevaluator.calls != 1 {
		t.Fatalf("expected one completion re-check, got %d", reevaluator.calls)
	}
}

func TestDispatcherContinuesAfterNodeExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(wubiNodes(4))
	sender := &stubSender{failKeys: map[string]bool{"dev-2": true}}
	d, epoch, _ := newDispatcher(t, store, sender, true)

	result, err := d.DispatchChannel(ctx, epoch.ID, entities.ChannelWubi)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Sent != 3 || result.Failed != 1 {
		t.Fatalf("expected 3 sent and 1 failed, got %+v", result)
	}
	if sender.attempts["dev-2"] != 3 {
		t.Fatalf("expected 3 attempts for failing node, got %d", sender.attempts["dev-2"])
	}

	stored, _ := store.GetEpoch(ctx, epoch.ID)
	if stored.Wubi.Status != entities.ChannelStatusSent || stored.Wubi.MessagesSent != 3 {
		t.Fatalf("unexpected channel state %+v", stored.Wubi)
	}
	if stored.Wubi.ErrorMessage == "" {
		t.Fatalf("expected failed sends recorded in error message")
	}
}

func TestDispatcherDefersWhenBackendNotReady(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(wubiNodes(3))
	sender := &stubSender{}
	d, epoch, _ := newDispatcher(t, store, sender, false)

	_, err := d.DispatchChannel(ctx, epoch.ID, entities.ChannelWubi)
	if !errors.Is(err, domainerrors.ErrBackendNotReady) {
		t.Fatalf("expected backend not ready, got %v", err)
	}
	if len(sender.messages) != 0 {
		t.Fatalf("expected no messages sent, got %d", len(sender.messages))
	}
	stored, _ := store.GetEpoch(ctx, epoch.ID)
	if stored.Wubi.Status != entities.ChannelStatusNotSent {
		t.Fatalf("expected messages_not_sent, got %s", stored.Wubi.Status)
	}
	if stored.Wubi.ErrorMessage != "4 nas devices pending sync" {
		t.Fatalf("unexpected error message %q", stored.Wubi.ErrorMessage)
	}
}

func TestDispatcherMarksNotSentWhenEverySendFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(wubiNodes(2))
	sender := &stubSender{failKeys: map[string]bool{"dev-1": true, "dev-2": true}}
	d, epoch, reevaluator := newDispatcher(t, store, sender, true)

	result, err := d.DispatchChannel(ctx, epoch.ID, entities.ChannelWubi)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Sent != 0 || result.Failed != 2 {
		t.Fatalf("expected every send failed, got %+v", result)
	}
	stored, _ := store.GetEpoch(ctx, epoch.ID)
	if stored.Wubi.Status != entities.ChannelStatusNotSent {
		t.Fatalf("expected messages_not_sent, got %s", stored.Wubi.Status)
	}
	if reevaluator.calls != 0 {
		t.Fatalf("expected no completion re-check without sends")
	}
}

func TestDispatcherBuildsChannelBRequests(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore([]entities.Node{
		{ID: 7, DeviceID: "dev-7", MAC: "AA:BB:CC:DD:EE:07", SolanaAssetID: "asset-7", Status: "active", NodeType: "byod"},
		{ID: 8, DeviceID: "dev-8", SolanaAssetID: "asset-8", Status: "active", NodeType: "byod"},
	})
	sender := &stubSender{}
	d, epoch, _ := newDispatcher(t, store, sender, true)

	result, err := d.DispatchChannel(ctx, epoch.ID, entities.ChannelWupi)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.Total != 1 || len(sender.messages) != 1 {
		t.Fatalf("expected one channel B request, got %+v", result)
	}
	var payload struct {
		NasID    string `json:"nas_id"`
		NfnodeID int64  `json:"nfnode_id"`
		Epoch    string `json:"epoch"`
		LastItem bool   `json:"last_item"`
	}
	if err := json.Unmarshal(sender.messages[0].payload, &payload); err != nil {
		t.Fatalf("decode request failed: %v", err)
	}
	if payload.NasID != "AA:BB:CC:DD:EE:07" || payload.NfnodeID != 7 || payload.Epoch != "2025-06-01" || !payload.LastItem {
		t.Fatalf("unexpected channel B payload %+v", payload)
	}
	if sender.messages[0].topic != "wupi-requests" || sender.messages[0].key != "7" {
		t.Fatalf("unexpected routing %s/%s", sender.messages[0].topic, sender.messages[0].key)
	}
}
