package epochsettlementservice

import (
	"log/slog"
	"strings"
	"time"

	httpadapter "settlement/contexts/network-rewards/epoch-settlement-service/adapters/http"
	"settlement/contexts/network-rewards/epoch-settlement-service/adapters/memory"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/cache"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/commands"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/coordinator"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/dispatcher"
	appevents "settlement/contexts/network-rewards/epoch-settlement-service/application/events"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/queries"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/tracker"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/workers"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/services"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

const (
	DefaultWubiRequestTopic = "wubi-requests"
	DefaultWupiRequestTopic = "wupi-requests"
)

type Topics struct {
	WubiRequests  string
	WubiResponses string
	WupiRequests  string
	WupiResponses string
}

func (t Topics) withDefaults() Topics {
	if strings.TrimSpace(t.WubiRequests) == "" {
		t.WubiRequests = DefaultWubiRequestTopic
	}
	if strings.TrimSpace(t.WupiRequests) == "" {
		t.WupiRequests = DefaultWupiRequestTopic
	}
	if strings.TrimSpace(t.WubiResponses) == "" {
		t.WubiResponses = workers.DefaultWubiResponseTopic
	}
	if strings.TrimSpace(t.WupiResponses) == "" {
		t.WupiResponses = workers.DefaultWupiResponseTopic
	}
	return t
}

type Module struct {
	Handler      httpadapter.Handler
	Commands     commands.UseCase
	Queries      queries.UseCase
	Epochs       *cache.EpochCache
	Bus          *appevents.Bus
	Tracker      *tracker.Tracker
	Coordinator  *coordinator.Coordinator
	Dispatcher   dispatcher.Dispatcher
	Consumers    []workers.ResponseConsumer
	RetrySweep   workers.RetrySweepJob
	Regeneration workers.RegenerationJob
	Reevaluate   workers.ReevaluateJob
	DailyEpoch   workers.DailyEpochJob
	Store        *memory.Store
}

type Dependencies struct {
	Epochs            ports.EpochRepository
	Rewards           ports.RewardRepository
	Nodes             ports.NodeRepository
	Sender            ports.MessageSender
	Subscriber        ports.MessageSubscriber
	Readiness         ports.ReadinessChecker
	Oracle            ports.Oracle
	Metrics           ports.Metrics
	Clock             ports.Clock
	Period            services.RewardsPeriod
	Topics            Topics
	Dispatch          dispatcher.Config
	ConsumerGroup     string
	CacheTTL          time.Duration
	FinalizeBatchSize int
	RetryMaxAttempts  int
	AutoStartEpoch    bool
	Logger            *slog.Logger
}

func NewModule(deps Dependencies) Module {
	topics := deps.Topics.withDefaults()
	bus := appevents.NewBus(deps.Logger)
	epochs := cache.NewEpochCache(deps.Epochs, deps.Clock, deps.CacheTTL, deps.Logger)

	epochTracker := tracker.New(tracker.Dependencies{
		Epochs:  epochs,
		Rewards: deps.Rewards,
		Nodes:   deps.Nodes,
		Oracle:  deps.Oracle,
		Bus:     bus,
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
	})
	epochCoordinator := coordinator.New(coordinator.Dependencies{
		Epochs:            epochs,
		Rewards:           deps.Rewards,
		Tracker:           epochTracker,
		Bus:               bus,
		Clock:             deps.Clock,
		Metrics:           deps.Metrics,
		Logger:            deps.Logger,
		Period:            deps.Period,
		FinalizeBatchSize: deps.FinalizeBatchSize,
	})
	epochCoordinator.Register()

	epochDispatcher := dispatcher.Dispatcher{
		Sender:    deps.Sender,
		Readiness: deps.Readiness,
		Epochs:    epochs,
		Nodes:     deps.Nodes,
		Tracker:   epochTracker,
		Topics: dispatcher.Topics{
			WubiRequests: topics.WubiRequests,
			WupiRequests: topics.WupiRequests,
		},
		Config:  deps.Dispatch,
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
	}
	commandUseCase := commands.UseCase{
		Epochs:     epochs,
		EpochStore: deps.Epochs,
		Rewards:    deps.Rewards,
		Nodes:      deps.Nodes,
		Dispatcher: epochDispatcher,
		Tracker:    epochTracker,
		Bus:        bus,
		Clock:      deps.Clock,
		Period:     deps.Period,
		Logger:     deps.Logger,
	}
	queryUseCase := queries.UseCase{
		Epochs:  deps.Epochs,
		Rewards: deps.Rewards,
		Period:  deps.Period,
	}

	consumers := make([]workers.ResponseConsumer, 0, 2)
	for _, channel := range entities.Channels() {
		topic := topics.WubiResponses
		if channel == entities.ChannelWupi {
			topic = topics.WupiResponses
		}
		consumers = append(consumers, workers.ResponseConsumer{
			Subscriber:    deps.Subscriber,
			Tracker:       epochTracker,
			Epochs:        epochs,
			Channel:       channel,
			Topic:         topic,
			ConsumerGroup: deps.ConsumerGroup,
			Metrics:       deps.Metrics,
			Logger:        deps.Logger,
		})
	}

	return Module{
		Handler: httpadapter.Handler{
			Commands: commandUseCase,
			Queries:  queryUseCase,
			Logger:   deps.Logger,
		},
		Commands:     commandUseCase,
		Queries:      queryUseCase,
		Epochs:       epochs,
		Bus:          bus,
		Tracker:      epochTracker,
		Coordinator:  epochCoordinator,
		Dispatcher:   epochDispatcher,
		Consumers:    consumers,
		RetrySweep:   workers.RetrySweepJob{Commands: commandUseCase, MaxAttempts: deps.RetryMaxAttempts, Logger: deps.Logger},
		Regeneration: workers.RegenerationJob{Commands: commandUseCase, Logger: deps.Logger},
		Reevaluate:   workers.ReevaluateJob{Tracker: epochTracker, Logger: deps.Logger},
		DailyEpoch:   workers.DailyEpochJob{Commands: commandUseCase, Disabled: !deps.AutoStartEpoch, Logger: deps.Logger},
	}
}

// NewInMemoryModule wires the module over the in-memory store. The broker ports are left
// to the caller so tests can capture requests and replay responses.
func NewInMemoryModule(
	nodes []entities.Node,
	sender ports.MessageSender,
	subscriber ports.MessageSubscriber,
	oracle ports.Oracle,
	logger *slog.Logger,
) Module {
	store := memory.NewStore(nodes)
	module := NewModule(Dependencies{
		Epochs:     store,
		Rewards:    store,
		Nodes:      store,
		Sender:     sender,
		Subscriber: subscriber,
		Oracle:     oracle,
		Clock:      store,
		Period:     services.PeriodMainnet,
		Logger:     logger,
	})
	module.Store = store
	return module
}
