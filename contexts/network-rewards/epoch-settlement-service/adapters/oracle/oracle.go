package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/services"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

const (
	DefaultCacheSize   = 10000
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
)

// Initializer builds the entry reader. It runs once; a failed attempt is retried by the next caller.
type Initializer func(ctx context.Context) (ports.NodeEntryReader, error)

type Config struct {
	Enabled     bool
	CacheSize   int
	MaxAttempts int
	BaseDelay   time.Duration
}

// Oracle answers eligibility and multiplier questions for the tracker.
type Oracle struct {
	cfg     Config
	init    Initializer
	entries *lru.Cache[string, entities.NodeEntry]
	logger  *slog.Logger

	mu     sync.Mutex
	reader ports.NodeEntryReader
}

func New(cfg Config, init Initializer, logger *slog.Logger) (*Oracle, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Enabled && init == nil {
		return nil, fmt.Errorf("oracle initializer is required when the oracle is enabled")
	}
	entries, err := lru.New[string, entities.NodeEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create oracle entry cache: %w", err)
	}
	return &Oracle{
		cfg:     cfg,
		init:    init,
		entries: entries,
		logger:  application.ResolveLogger(logger),
	}, nil
}

// Eligibility treats a disabled oracle as always eligible.
func (o *Oracle) Eligibility(ctx context.Context, node entities.Node, channel entities.Channel) (entities.Eligibility, error) {
	if !o.cfg.Enabled {
		return entities.Eligibility{Eligible: true}, nil
	}
	entry, err := o.entry(ctx, entryKey(node))
	if err != nil {
		return entities.Eligibility{}, err
	}
	return services.CheckEligibility(channel, entry), nil
}

func (o *Oracle) Multiplier(_ context.Context, node entities.Node) (decimal.Decimal, error) {
	return services.NodeMultiplier(node), nil
}

func (o *Oracle) entry(ctx context.Context, key string) (entities.NodeEntry, error) {
	if entry, ok := o.entries.Get(key); ok {
		return entry, nil
	}
	reader, err := o.resolveReader(ctx)
	if err != nil {
		return entities.NodeEntry{}, err
	}

	backoff := retry.NewExponential(o.cfg.BaseDelay)
	var entry entities.NodeEntry
	err = retry.Do(ctx, retry.WithMaxRetries(uint64(o.cfg.MaxAttempts-1), backoff), func(ctx context.Context) error {
		found, lookupErr := reader.NodeEntry(ctx, key)
		if lookupErr != nil {
			return retry.RetryableError(lookupErr)
		}
		entry = found
		return nil
	})
	if err != nil {
		o.logger.Warn("oracle node entry lookup failed",
			"event", "oracle_node_entry_lookup_failed",
			"module", application.ModuleName,
			"layer", "adapter",
			"asset_id", key,
			"attempts", o.cfg.MaxAttempts,
			"error", err.Error(),
		)
		return entities.NodeEntry{}, fmt.Errorf("%w: %v", domainerrors.ErrOracleUnavailable, err)
	}
	o.entries.Add(key, entry)
	return entry, nil
}

// resolveReader holds the lock across initialization so concurrent callers share one attempt.
func (o *Oracle) resolveReader(ctx context.Context) (ports.NodeEntryReader, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reader != nil {
		return o.reader, nil
	}
	reader, err := o.init(ctx)
	if err != nil {
		o.logger.Error("oracle initialization failed",
			"event", "oracle_init_failed",
			"module", application.ModuleName,
			"layer", "adapter",
			"error", err.Error(),
		)
		return nil, fmt.Errorf("%w: %v", domainerrors.ErrOracleUnavailable, err)
	}
	o.reader = reader
	o.logger.Info("oracle initialized",
		"event", "oracle_initialized",
		"module", application.ModuleName,
		"layer", "adapter",
	)
	return reader, nil
}

func entryKey(node entities.Node) string {
	if assetID := strings.TrimSpace(node.SolanaAssetID); assetID != "" {
		return assetID
	}
	return strings.TrimSpace(node.DeviceID)
}

var _ ports.Oracle = (*Oracle)(nil)
