package postgresadapter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	application "settlement/contexts/network-rewards/epoch-settlement-service/application"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const boostedAreaQuery = `
SELECT EXISTS (
	SELECT 1
	FROM network_clusters nc
	INNER JOIN networks_nfnode_links nnl ON nnl.nfnode_id = ?
	INNER JOIN networks n ON n.id = nnl.network_id
	WHERE n.enabled = TRUE
	AND n.type <> 'shared'
	AND nc.network_ids @> to_jsonb(ARRAY[n.id])
	AND nc.region_count > 0
)`

// Repository persists epochs and rewards for one rewards mode.
// Production and sandbox instances differ only in the tables they were built with.
type Repository struct {
	db     *gorm.DB
	tables tableSet
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	return newRepository(db, productionTables, logger)
}

// NewSandboxRepository writes to the sandbox tables used when rewards run in test mode.
func NewSandboxRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	return newRepository(db, sandboxTables, logger)
}

func newRepository(db *gorm.DB, tables tableSet, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		tables: tables,
		logger: logger,
	}
}

func (r *Repository) epochs(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.tables.epochs)
}

func (r *Repository) rewards(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.tables.rewards)
}

func (r *Repository) CreateOrGetEpoch(ctx context.Context, epoch entities.Epoch) (entities.Epoch, bool, error) {
	now := time.Now().UTC()
	if epoch.CreatedAt.IsZero() {
		epoch.CreatedAt = now
	}
	epoch.UpdatedAt = now
	row, err := epochModelFromEntity(epoch)
	if err != nil {
		return entities.Epoch{}, false, err
	}
	result := r.epochs(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "epoch"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return entities.Epoch{}, false, r.logError("settlement_repo_create_epoch_failed", result.Error,
			"epoch_date", epoch.DateKey(),
		)
	}
	if result.RowsAffected == 0 {
		existing, err := r.GetEpochByDate(ctx, epoch.Date)
		return existing, false, err
	}
	return row.toEntity(), true, nil
}

func (r *Repository) GetEpoch(ctx context.Context, epochID int64) (entities.Epoch, error) {
	var row epochModel
	err := r.epochs(ctx).Where("id = ?", epochID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Epoch{}, domainerrors.ErrEpochNotFound
		}
		return entities.Epoch{}, r.logError("settlement_repo_get_epoch_failed", err, "epoch_id", epochID)
	}
	return row.toEntity(), nil
}

func (r *Repository) GetEpochByDate(ctx context.Context, date time.Time) (entities.Epoch, error) {
	var row epochModel
	key := entities.FormatEpochDate(date)
	err := r.epochs(ctx).Where("epoch = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Epoch{}, domainerrors.ErrEpochNotFound
		}
		return entities.Epoch{}, r.logError("settlement_repo_get_epoch_by_date_failed", err, "epoch_date", key)
	}
	return row.toEntity(), nil
}

// UpdateEpoch writes only the columns set on update and returns the row as stored afterwards.
func (r *Repository) UpdateEpoch(ctx context.Context, epochID int64, update entities.EpochUpdate) (entities.Epoch, error) {
	columns, err := epochUpdateColumns(update, time.Now().UTC())
	if err != nil {
		return entities.Epoch{}, err
	}
	var row epochModel
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(r.tables.epochs).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", epochID).
			First(&row).Error; err != nil {
			return err
		}
		if err := tx.Table(r.tables.epochs).Where("id = ?", epochID).Updates(columns).Error; err != nil {
			return err
		}
		return tx.Table(r.tables.epochs).Where("id = ?", epochID).First(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Epoch{}, domainerrors.ErrEpochNotFound
		}
		return entities.Epoch{}, r.logError("settlement_repo_update_epoch_failed", err, "epoch_id", epochID)
	}
	return row.toEntity(), nil
}

func (r *Repository) ListActiveEpochs(ctx context.Context) ([]entities.Epoch, error) {
	active := []string{string(entities.ChannelStatusSent), string(entities.ChannelStatusReceived)}
	var rows []epochModel
	if err := r.epochs(ctx).
		Where("(wubi_processing_status IN ? OR wupi_processing_status IN ?)", active, active).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("settlement_repo_list_active_epochs_failed", err)
	}
	items := make([]entities.Epoch, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) ListInterruptedEpochs(ctx context.Context) ([]entities.Epoch, error) {
	sending := string(entities.ChannelStatusSending)
	notSent := string(entities.ChannelStatusNotSent)
	var rows []epochModel
	if err := r.epochs(ctx).
		Where(
			r.db.Where("wubi_processing_status = ? OR (wubi_processing_status = ? AND wubi_is_retrying = ?)", sending, notSent, true).
				Or("wupi_processing_status = ? OR (wupi_processing_status = ? AND wupi_is_retrying = ?)", sending, notSent, true),
		).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("settlement_repo_list_interrupted_epochs_failed", err)
	}
	items := make([]entities.Epoch, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

// FindRetryCandidate returns the oldest epoch with a channel in messages_not_sent that is
// neither retrying nor out of attempts, and that channel.
func (r *Repository) FindRetryCandidate(ctx context.Context, maxAttempts int) (entities.Epoch, entities.Channel, error) {
	notSent := string(entities.ChannelStatusNotSent)
	var row epochModel
	err := r.epochs(ctx).
		Where(
			r.db.Where("wubi_processing_status = ? AND wubi_is_retrying = ? AND wubi_retry_count < ?", notSent, false, maxAttempts).
				Or("wupi_processing_status = ? AND wupi_is_retrying = ? AND wupi_retry_count < ?", notSent, false, maxAttempts),
		).
		Order("id ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Epoch{}, "", domainerrors.ErrEpochNotFound
		}
		return entities.Epoch{}, "", r.logError("settlement_repo_find_retry_candidate_failed", err)
	}
	epoch := row.toEntity()
	for _, channel := range entities.Channels() {
		state := epoch.State(channel)
		if state.Status == entities.ChannelStatusNotSent && !state.IsRetrying && state.RetryCount < maxAttempts {
			return epoch, channel, nil
		}
	}
	return entities.Epoch{}, "", domainerrors.ErrEpochNotFound
}

func (r *Repository) FindPendingRegeneration(ctx context.Context) (entities.Epoch, error) {
	var row epochModel
	err := r.epochs(ctx).
		Where("regenerate_rewards_status = ?", string(entities.RegenerateStatusPending)).
		Order("id ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Epoch{}, domainerrors.ErrEpochNotFound
		}
		return entities.Epoch{}, r.logError("settlement_repo_find_pending_regeneration_failed", err)
	}
	return row.toEntity(), nil
}

func (r *Repository) CountRegenerating(ctx context.Context) (int64, error) {
	var count int64
	if err := r.epochs(ctx).
		Where("regenerate_rewards_status = ?", string(entities.RegenerateStatusRunning)).
		Count(&count).Error; err != nil {
		return 0, r.logError("settlement_repo_count_regenerating_failed", err)
	}
	return count, nil
}

func (r *Repository) CreateReward(ctx context.Context, record entities.RewardRecord) (entities.RewardRecord, error) {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	row := rewardModelFromEntity(record)
	if err := r.rewards(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return entities.RewardRecord{}, domainerrors.ErrRewardExists
		}
		return entities.RewardRecord{}, r.logError("settlement_repo_create_reward_failed", err,
			"epoch_id", record.EpochID,
			"node_id", record.NodeID,
			"channel", string(record.Channel),
		)
	}
	return row.toEntity(), nil
}

func (r *Repository) ListRewards(ctx context.Context, epochID int64, channel entities.Channel) ([]entities.RewardRecord, error) {
	var rows []rewardModel
	if err := r.rewards(ctx).
		Where("pool_per_epoch_id = ? AND type = ?", epochID, channel.RewardType()).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("settlement_repo_list_rewards_failed", err,
			"epoch_id", epochID,
			"channel", string(channel),
		)
	}
	return toRewardEntities(rows), nil
}

func (r *Repository) ListCalculatingRewards(ctx context.Context, epochID int64, channel entities.Channel) ([]entities.RewardRecord, error) {
	var rows []rewardModel
	if err := r.rewards(ctx).
		Where("pool_per_epoch_id = ? AND type = ?", epochID, channel.RewardType()).
		Where("status = ?", string(entities.RewardStatusCalculating)).
		Where("hotspot_score > 0").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("settlement_repo_list_calculating_rewards_failed", err,
			"epoch_id", epochID,
			"channel", string(channel),
		)
	}
	return toRewardEntities(rows), nil
}

func (r *Repository) ApplyRewardAmounts(ctx context.Context, amounts []entities.RewardAmount, updatedAt time.Time) (int, error) {
	if len(amounts) == 0 {
		return 0, nil
	}
	var updated int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, amount := range amounts {
			result := tx.Table(r.tables.rewards).
				Where("id = ? AND status = ?", amount.RewardID, string(entities.RewardStatusCalculating)).
				Updates(map[string]any{
					"amount":               amount.Amount,
					"status":               string(entities.RewardStatusReadyForClaim),
					"owner_payment_status": string(entities.PaymentStatusPending),
					"host_payment_status":  string(entities.PaymentStatusPending),
					"updated_at":           updatedAt.UTC(),
				})
			if result.Error != nil {
				return result.Error
			}
			updated += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, r.logError("settlement_repo_apply_reward_amounts_failed", err, "batch_size", len(amounts))
	}
	return int(updated), nil
}

func (r *Repository) CountRewards(ctx context.Context, epochID int64, channel entities.Channel) (int64, error) {
	var count int64
	if err := r.rewards(ctx).
		Where("pool_per_epoch_id = ? AND type = ?", epochID, channel.RewardType()).
		Count(&count).Error; err != nil {
		return 0, r.logError("settlement_repo_count_rewards_failed", err,
			"epoch_id", epochID,
			"channel", string(channel),
		)
	}
	return count, nil
}

func (r *Repository) ListRewardNodeIDs(ctx context.Context, epochID int64, channel entities.Channel) ([]int64, error) {
	var ids []int64
	if err := r.rewards(ctx).
		Where("pool_per_epoch_id = ? AND type = ?", epochID, channel.RewardType()).
		Order("nfnode_id ASC").
		Pluck("nfnode_id", &ids).Error; err != nil {
		return nil, r.logError("settlement_repo_list_reward_node_ids_failed", err,
			"epoch_id", epochID,
			"channel", string(channel),
		)
	}
	return ids, nil
}

func (r *Repository) CountLockedRewards(ctx context.Context, epochID int64, channels []entities.Channel) (int64, error) {
	locked := []string{string(entities.PaymentStatusPaid), string(entities.PaymentStatusClaiming)}
	var count int64
	if err := r.rewards(ctx).
		Where("pool_per_epoch_id = ? AND type IN ?", epochID, rewardTypes(channels)).
		Where("(owner_payment_status IN ? OR host_payment_status IN ?)", locked, locked).
		Count(&count).Error; err != nil {
		return 0, r.logError("settlement_repo_count_locked_rewards_failed", err, "epoch_id", epochID)
	}
	return count, nil
}

func (r *Repository) DeleteRewards(ctx context.Context, epochID int64, channels []entities.Channel) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Table(r.tables.rewards).
			Where("pool_per_epoch_id = ? AND type IN ?", epochID, rewardTypes(channels)).
			Delete(&rewardModel{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, r.logError("settlement_repo_delete_rewards_failed", err, "epoch_id", epochID)
	}
	return deleted, nil
}

func (r *Repository) ListActiveNodes(ctx context.Context, channel entities.Channel) ([]entities.Node, error) {
	tx := r.db.WithContext(ctx).Model(&nodeModel{}).
		Where("status = ?", "active").
		Where("wayru_device_id IS NOT NULL AND asset_id IS NOT NULL")
	switch channel {
	case entities.ChannelWubi:
		tx = tx.Where("(nfnode_type = ? OR nfnode_type IS NULL)", entities.NodeTypeDon)
	case entities.ChannelWupi:
		tx = tx.Where("(nfnode_type <> ? OR nfnode_type IS NULL)", entities.NodeTypeDon).
			Where("mac IS NOT NULL AND mac <> ''")
	default:
		return nil, domainerrors.ErrInvalidChannel
	}
	var rows []nodeModel
	if err := tx.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, r.logError("settlement_repo_list_active_nodes_failed", err, "channel", string(channel))
	}
	items := make([]entities.Node, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) GetNode(ctx context.Context, nodeID int64) (entities.Node, error) {
	var row nodeModel
	err := r.db.WithContext(ctx).Where("id = ?", nodeID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Node{}, domainerrors.ErrNodeNotFound
		}
		return entities.Node{}, r.logError("settlement_repo_get_node_failed", err, "node_id", nodeID)
	}
	return r.withBoost(ctx, row.toEntity()), nil
}

func (r *Repository) GetNodeByDeviceID(ctx context.Context, deviceID string) (entities.Node, error) {
	var row nodeModel
	err := r.db.WithContext(ctx).Where("wayru_device_id = ?", strings.TrimSpace(deviceID)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Node{}, domainerrors.ErrNodeNotFound
		}
		return entities.Node{}, r.logError("settlement_repo_get_node_by_device_failed", err, "device_id", deviceID)
	}
	return r.withBoost(ctx, row.toEntity()), nil
}

// withBoost marks nodes whose network sits in a cluster that contains regions.
// Lookup failures leave the node unboosted.
func (r *Repository) withBoost(ctx context.Context, node entities.Node) entities.Node {
	var boosted bool
	if err := r.db.WithContext(ctx).Raw(boostedAreaQuery, node.ID).Scan(&boosted).Error; err != nil {
		if !isUndefinedTable(err) {
			r.logger.Warn("boosted area lookup failed",
				"event", "settlement_repo_boosted_lookup_failed",
				"module", application.ModuleName,
				"layer", "adapter",
				"node_id", node.ID,
				"error", err.Error(),
			)
		}
		return node
	}
	node.Boosted = boosted
	return node
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+10)
	fields = append(fields,
		"event", event,
		"module", application.ModuleName,
		"layer", "adapter",
		"epochs_table", r.tables.epochs,
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("settlement repository operation failed", fields...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

var _ ports.EpochRepository = (*Repository)(nil)
var _ ports.RewardRepository = (*Repository)(nil)
var _ ports.NodeRepository = (*Repository)(nil)
