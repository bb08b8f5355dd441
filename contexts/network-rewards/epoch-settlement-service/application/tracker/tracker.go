package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/cache"
	appevents "settlement/contexts/network-rewards/epoch-settlement-service/application/events"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/services"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

const DefaultLogFrequency = 50

type stateKey struct {
	epochID int64
	channel entities.Channel
}

type channelState struct {
	received  int
	processed map[string]struct{}
	inFlight  map[string]struct{}
	fired     bool
}

// Tracker turns scoring responses into at most one reward per node and epoch channel,
// and signals completion by comparing the received count against the expected count.
type Tracker struct {
	epochs       *cache.EpochCache
	rewards      ports.RewardRepository
	nodes        ports.NodeRepository
	oracle       ports.Oracle
	bus          *appevents.Bus
	metrics      ports.Metrics
	logger       *slog.Logger
	logFrequency int

	mu     sync.Mutex
	states map[stateKey]*channelState
}

type Dependencies struct {
	Epochs       *cache.EpochCache
	Rewards      ports.RewardRepository
	Nodes        ports.NodeRepository
	Oracle       ports.Oracle
	Bus          *appevents.Bus
	Metrics      ports.Metrics
	Logger       *slog.Logger
	LogFrequency int
}

func New(deps Dependencies) *Tracker {
	frequency := deps.LogFrequency
	if frequency <= 0 {
		frequency = DefaultLogFrequency
	}
	return &Tracker{
		epochs:       deps.Epochs,
		rewards:      deps.Rewards,
		nodes:        deps.Nodes,
		oracle:       deps.Oracle,
		bus:          deps.Bus,
		metrics:      application.ResolveMetrics(deps.Metrics),
		logger:       application.ResolveLogger(deps.Logger),
		logFrequency: frequency,
		states:       make(map[stateKey]*channelState),
	}
}

func nodeKey(nodeID int64) string {
	return fmt.Sprintf("node:%d", nodeID)
}

func deviceKey(response entities.ScoringResponse) string {
	if response.DeviceID != "" {
		return "device:" + response.DeviceID
	}
	return fmt.Sprintf("nfnode:%d", response.NodeID)
}

func Validate(response entities.ScoringResponse) error {
	if !response.Channel.Valid() || response.EpochID <= 0 {
		return domainerrors.ErrInvalidResponse
	}
	switch response.Channel {
	case entities.ChannelWubi:
		if response.DeviceID == "" {
			return domainerrors.ErrInvalidResponse
		}
	case entities.ChannelWupi:
		if response.NodeID <= 0 {
			return domainerrors.ErrInvalidResponse
		}
	}
	return nil
}

// Track processes one response. Duplicates return the current progress without counting.
func (t *Tracker) Track(ctx context.Context, response entities.ScoringResponse) (entities.BatchProgress, error) {
	if err := Validate(response); err != nil {
		t.metrics.ResponseDropped(response.Channel, "invalid")
		t.logger.Warn("scoring response dropped",
			"event", "tracker_response_invalid",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", response.EpochID,
			"has_device_id", response.DeviceID != "",
			"has_node_id", response.NodeID > 0,
		)
		return entities.BatchProgress{}, err
	}

	epoch, err := t.epochs.Get(ctx, response.EpochID)
	if err != nil {
		t.metrics.ResponseDropped(response.Channel, "unknown_epoch")
		t.logger.Warn("scoring response for unknown epoch dropped",
			"event", "tracker_response_unknown_epoch",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", response.EpochID,
			"error", err.Error(),
		)
		return entities.BatchProgress{}, err
	}

	node, nodeErr := t.resolveNode(ctx, response)
	key := deviceKey(response)
	if nodeErr == nil {
		key = nodeKey(node.ID)
	}

	state, err := t.state(ctx, epoch, response.Channel)
	if err != nil {
		return entities.BatchProgress{}, err
	}

	t.mu.Lock()
	if _, done := state.processed[key]; done {
		progress := entities.NewBatchProgress(state.received, epoch.State(response.Channel).ExpectedResponses())
		t.mu.Unlock()
		t.metrics.DuplicateResponse(response.Channel)
		t.logger.Info("duplicate scoring response ignored",
			"event", "tracker_response_duplicate",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", epoch.ID,
			"dedup_key", key,
		)
		return progress, nil
	}
	if _, busy := state.inFlight[key]; busy {
		progress := entities.NewBatchProgress(state.received, epoch.State(response.Channel).ExpectedResponses())
		t.mu.Unlock()
		t.metrics.DuplicateResponse(response.Channel)
		return progress, nil
	}
	state.inFlight[key] = struct{}{}
	t.mu.Unlock()

	counted := true
	if nodeErr != nil {
		t.metrics.ResponseDropped(response.Channel, "unknown_node")
		t.logger.Warn("scoring response for unknown node counted without reward",
			"event", "tracker_response_unknown_node",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", epoch.ID,
			"dedup_key", key,
			"error", nodeErr.Error(),
		)
	} else {
		counted, err = t.createReward(ctx, epoch, node, response)
		if err != nil {
			t.mu.Lock()
			delete(state.inFlight, key)
			t.mu.Unlock()
			return entities.BatchProgress{}, err
		}
	}

	return t.complete(ctx, epoch.ID, response.Channel, state, key, counted)
}

func (t *Tracker) resolveNode(ctx context.Context, response entities.ScoringResponse) (entities.Node, error) {
	if response.Channel == entities.ChannelWubi {
		return t.nodes.GetNodeByDeviceID(ctx, response.DeviceID)
	}
	return t.nodes.GetNode(ctx, response.NodeID)
}

// createReward returns counted=false when the store already holds the reward,
// which means the response was counted before a restart.
func (t *Tracker) createReward(
	ctx context.Context,
	epoch entities.Epoch,
	node entities.Node,
	response entities.ScoringResponse,
) (bool, error) {
	eligibility, err := t.oracle.Eligibility(ctx, node, response.Channel)
	if err != nil {
		t.logger.Warn("eligibility lookup failed, node treated as ineligible",
			"event", "tracker_eligibility_failed",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", epoch.ID,
			"node_id", node.ID,
			"error", err.Error(),
		)
		return true, nil
	}
	if !eligibility.Eligible {
		t.logger.Debug("node not eligible for rewards",
			"event", "tracker_node_ineligible",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", epoch.ID,
			"node_id", node.ID,
			"reason", eligibility.Reason,
		)
		return true, nil
	}
	multiplier, err := t.oracle.Multiplier(ctx, node)
	if err != nil {
		t.logger.Warn("multiplier lookup failed, node treated as ineligible",
			"event", "tracker_multiplier_failed",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", epoch.ID,
			"node_id", node.ID,
			"error", err.Error(),
		)
		return true, nil
	}

	score := services.HotspotScore(response.Channel, response.RawScore, multiplier)
	if !score.IsPositive() {
		return true, nil
	}

	_, err = t.rewards.CreateReward(ctx, entities.RewardRecord{
		EpochID:            epoch.ID,
		NodeID:             node.ID,
		Channel:            response.Channel,
		HotspotScore:       score,
		Currency:           entities.RewardCurrency,
		Status:             entities.RewardStatusCalculating,
		OwnerPaymentStatus: entities.PaymentStatusPending,
		HostPaymentStatus:  entities.PaymentStatusPending,
	})
	if errors.Is(err, domainerrors.ErrRewardExists) {
		t.metrics.DuplicateResponse(response.Channel)
		t.logger.Info("reward already stored for node",
			"event", "tracker_reward_exists",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", epoch.ID,
			"node_id", node.ID,
		)
		return false, nil
	}
	if err != nil {
		t.logger.Error("reward creation failed",
			"event", "tracker_reward_create_failed",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(response.Channel),
			"epoch_id", epoch.ID,
			"node_id", node.ID,
			"error", err.Error(),
		)
		return false, err
	}
	return true, nil
}

func (t *Tracker) complete(
	ctx context.Context,
	epochID int64,
	channel entities.Channel,
	state *channelState,
	key string,
	counted bool,
) (entities.BatchProgress, error) {
	epoch, err := t.expectedSource(ctx, epochID, channel)
	if err != nil {
		return entities.BatchProgress{}, err
	}
	expected := epoch.State(channel).ExpectedResponses()

	t.mu.Lock()
	delete(state.inFlight, key)
	state.processed[key] = struct{}{}
	if counted {
		state.received++
	}
	received := state.received
	progress := entities.NewBatchProgress(received, expected)
	fire := counted && progress.IsLastMessage && !state.fired
	if fire {
		state.fired = true
	}
	t.mu.Unlock()

	if !counted {
		return progress, nil
	}
	t.metrics.ResponseReceived(channel)

	update := entities.EpochUpdate{}
	if status := epoch.State(channel).Status; received == 1 &&
		(status == entities.ChannelStatusSent || status == entities.ChannelStatusSending) {
		update.SetStatus(channel, entities.ChannelStatusReceived)
	}
	if received%t.logFrequency == 0 || received == expected/2 || progress.IsLastMessage {
		update.SetMessagesReceived(channel, received)
		t.logger.Info("scoring responses progress",
			"event", "tracker_progress",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(channel),
			"epoch_id", epochID,
			"received", received,
			"expected", expected,
			"percentage", fmt.Sprintf("%.2f", progress.Percentage),
		)
	}
	if received == 1 {
		t.logger.Info("first scoring response received",
			"event", "tracker_first_response",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(channel),
			"epoch_id", epochID,
		)
	}
	if !update.Empty() {
		if _, err := t.epochs.Update(ctx, epochID, update); err != nil {
			t.logger.Error("received counter persist failed",
				"event", "tracker_received_persist_failed",
				"module", application.ModuleName,
				"layer", "application",
				"channel", string(channel),
				"epoch_id", epochID,
				"received", received,
				"error", err.Error(),
			)
		}
	}
	if expected > 0 && received > expected {
		t.logger.Warn("received more responses than expected",
			"event", "tracker_over_delivery",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(channel),
			"epoch_id", epochID,
			"received", received,
			"expected", expected,
		)
	}
	if fire {
		t.publishLast(ctx, epochID, channel, received, expected)
	}
	return progress, nil
}

// expectedSource reloads the epoch from the store while the sent count is still unset,
// since the dispatcher may be writing it from another process.
func (t *Tracker) expectedSource(ctx context.Context, epochID int64, channel entities.Channel) (entities.Epoch, error) {
	epoch, err := t.epochs.Get(ctx, epochID)
	if err != nil {
		return entities.Epoch{}, err
	}
	if epoch.State(channel).MessagesSent > 0 {
		return epoch, nil
	}
	return t.epochs.Refresh(ctx, epochID)
}

// Reevaluate fires the completion event for a channel whose responses all arrived
// before the dispatcher persisted the final sent count.
func (t *Tracker) Reevaluate(ctx context.Context, epochID int64, channel entities.Channel) (bool, error) {
	t.mu.Lock()
	state, ok := t.states[stateKey{epochID: epochID, channel: channel}]
	if !ok || state.fired {
		t.mu.Unlock()
		return false, nil
	}
	t.mu.Unlock()

	epoch, err := t.epochs.Refresh(ctx, epochID)
	if err != nil {
		return false, err
	}
	expected := epoch.State(channel).ExpectedResponses()

	t.mu.Lock()
	received := state.received
	fire := expected > 0 && received == expected && len(state.inFlight) == 0 && !state.fired
	if fire {
		state.fired = true
	}
	t.mu.Unlock()

	if !fire {
		return false, nil
	}
	update := entities.EpochUpdate{}
	update.SetMessagesReceived(channel, received)
	if _, err := t.epochs.Update(ctx, epochID, update); err != nil {
		return false, err
	}
	t.publishLast(ctx, epochID, channel, received, expected)
	return true, nil
}

// ReevaluateAll re-checks every tracked channel that has not completed yet.
func (t *Tracker) ReevaluateAll(ctx context.Context) int {
	t.mu.Lock()
	pending := make([]stateKey, 0, len(t.states))
	for key, state := range t.states {
		if !state.fired {
			pending = append(pending, key)
		}
	}
	t.mu.Unlock()

	fired := 0
	for _, key := range pending {
		ok, err := t.Reevaluate(ctx, key.epochID, key.channel)
		if err != nil {
			t.logger.Warn("tracker reevaluation failed",
				"event", "tracker_reevaluate_failed",
				"module", application.ModuleName,
				"layer", "application",
				"channel", string(key.channel),
				"epoch_id", key.epochID,
				"error", err.Error(),
			)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired
}

func (t *Tracker) publishLast(ctx context.Context, epochID int64, channel entities.Channel, received int, expected int) {
	t.logger.Info("all expected scoring responses received",
		"event", "tracker_last_response",
		"module", application.ModuleName,
		"layer", "application",
		"channel", string(channel),
		"epoch_id", epochID,
		"received", received,
		"expected", expected,
	)
	if t.bus == nil {
		return
	}
	if err := t.bus.LastResponse.Publish(ctx, appevents.LastResponseReceived{
		EpochID:  epochID,
		Channel:  channel,
		Received: received,
		Expected: expected,
	}); err != nil {
		t.logger.Error("last response handlers failed",
			"event", "tracker_last_response_handlers_failed",
			"module", application.ModuleName,
			"layer", "application",
			"channel", string(channel),
			"epoch_id", epochID,
			"error", err.Error(),
		)
	}
}

// Seed installs counters and dedup keys recovered from the store.
func (t *Tracker) Seed(epochID int64, channel entities.Channel, received int, nodeIDs []int64) {
	state := newChannelState(received)
	for _, nodeID := range nodeIDs {
		state.processed[nodeKey(nodeID)] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[stateKey{epochID: epochID, channel: channel}] = state
}

func (t *Tracker) Progress(epochID int64, channel entities.Channel) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[stateKey{epochID: epochID, channel: channel}]
	if !ok {
		return 0, false
	}
	return state.received, true
}

func (t *Tracker) ClearChannel(epochID int64, channel entities.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, stateKey{epochID: epochID, channel: channel})
}

func (t *Tracker) Clear(epochID int64) {
	for _, channel := range entities.Channels() {
		t.ClearChannel(epochID, channel)
	}
}

// state returns the channel state, seeding it from the store on first use.
func (t *Tracker) state(ctx context.Context, epoch entities.Epoch, channel entities.Channel) (*channelState, error) {
	key := stateKey{epochID: epoch.ID, channel: channel}
	t.mu.Lock()
	state, ok := t.states[key]
	t.mu.Unlock()
	if ok {
		return state, nil
	}

	nodeIDs, err := t.rewards.ListRewardNodeIDs(ctx, epoch.ID, channel)
	if err != nil {
		return nil, err
	}
	fresh := newChannelState(epoch.State(channel).MessagesReceived)
	for _, nodeID := range nodeIDs {
		fresh.processed[nodeKey(nodeID)] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.states[key]; ok {
		return existing, nil
	}
	t.states[key] = fresh
	return fresh, nil
}

func newChannelState(received int) *channelState {
	return &channelState{
		received:  received,
		processed: make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
	}
}
