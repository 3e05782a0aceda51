package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"mailsync/internal/config"
	"mailsync/internal/eviction"
	"mailsync/internal/models"
)

// Producer 任务生产者
// 由控制器按节奏调用，产出的任务经准入检查后入队
type Producer interface {
	// Name 返回生产者名称，用于日志
	Name() string
	// Produce 产出一批待提交的任务
	Produce(ctx context.Context) ([]*Job, error)
}

// SyncProducer 常规同步生产者
// 主动档只刷新主文件夹（收件箱），被动档覆盖全部文件夹
type SyncProducer struct {
	db          *gorm.DB
	primaryOnly bool
}

// NewSyncProducer 创建常规同步生产者
func NewSyncProducer(db *gorm.DB, primaryOnly bool) *SyncProducer {
	return &SyncProducer{db: db, primaryOnly: primaryOnly}
}

// Name 返回生产者名称
func (p *SyncProducer) Name() string {
	if p.primaryOnly {
		return "sync_active"
	}
	return "sync_passive"
}

// Produce 为可同步账户产出文件夹与消息头同步任务
func (p *SyncProducer) Produce(ctx context.Context) ([]*Job, error) {
	var accounts []models.EmailAccount
	err := p.db.WithContext(ctx).
		Where("is_active = ? AND needs_reauth = ?", true, false).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load syncable accounts: %w", err)
	}

	var jobs []*Job
	for _, account := range accounts {
		query := p.db.WithContext(ctx).Where("account_id = ? AND is_selectable = ?", account.ID, true)
		if p.primaryOnly {
			query = query.Where("type = ?", models.FolderTypeInbox)
		} else {
			jobs = append(jobs, NewFolderListJob(account.ID))
		}

		var folders []models.Folder
		if err := query.Find(&folders).Error; err != nil {
			log.Printf("Failed to load folders for account %d: %v", account.ID, err)
			continue
		}
		for _, folder := range folders {
			jobs = append(jobs, NewHeaderSyncJob(account.ID, folder.ID))
		}
	}
	return jobs, nil
}

// BackfillProducer 回填生产者
// 找出长时间没有成功同步的文件夹补排消息头同步任务
type BackfillProducer struct {
	db    *gorm.DB
	after time.Duration
}

// NewBackfillProducer 创建回填生产者
func NewBackfillProducer(db *gorm.DB, after time.Duration) *BackfillProducer {
	return &BackfillProducer{db: db, after: after}
}

// Name 返回生产者名称
func (p *BackfillProducer) Name() string {
	return "backfill"
}

// Produce 产出落后文件夹的同步任务
func (p *BackfillProducer) Produce(ctx context.Context) ([]*Job, error) {
	cutoff := time.Now().Add(-p.after)

	var states []models.FolderSyncState
	err := p.db.WithContext(ctx).
		Where("last_sync_at IS NULL OR last_sync_at < ?", cutoff).
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load stale sync states: %w", err)
	}

	var jobs []*Job
	for _, state := range states {
		jobs = append(jobs, NewHeaderSyncJob(state.AccountID, state.FolderID))
	}
	return jobs, nil
}

// BulkFetchProducer 批量正文预取生产者
// 为没有正文缓存的最新消息补排下载任务
type BulkFetchProducer struct {
	db    *gorm.DB
	batch int
}

// NewBulkFetchProducer 创建批量预取生产者
func NewBulkFetchProducer(db *gorm.DB, batch int) *BulkFetchProducer {
	return &BulkFetchProducer{db: db, batch: batch}
}

// Name 返回生产者名称
func (p *BulkFetchProducer) Name() string {
	return "bulk_fetch"
}

// Produce 产出正文下载任务并标记下载中
func (p *BulkFetchProducer) Produce(ctx context.Context) ([]*Job, error) {
	var candidates []models.Message
	err := p.db.WithContext(ctx).
		Where("body_downloaded = ? AND body_pending = ? AND is_deleted = ?", false, false, false).
		Order("date DESC").
		Limit(p.batch).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load fetch candidates: %w", err)
	}

	var jobs []*Job
	for _, msg := range candidates {
		err := p.db.Model(&models.Message{}).
			Where("id = ?", msg.ID).
			Update("body_pending", true).Error
		if err != nil {
			log.Printf("Failed to mark message %d body pending: %v", msg.ID, err)
			continue
		}
		jobs = append(jobs, NewBodyFetchJob(msg.AccountID, msg.ID))
	}
	return jobs, nil
}

// UploadProducer 变更上传生产者
// 为存在可执行待上传变更的账户补排上传任务，
// 进程重启后靠它恢复中断的上传
type UploadProducer struct {
	db *gorm.DB
}

// NewUploadProducer 创建上传生产者
func NewUploadProducer(db *gorm.DB) *UploadProducer {
	return &UploadProducer{db: db}
}

// Name 返回生产者名称
func (p *UploadProducer) Name() string {
	return "upload"
}

// Produce 产出待上传账户的上传任务
func (p *UploadProducer) Produce(ctx context.Context) ([]*Job, error) {
	var accountIDs []uint
	err := p.db.WithContext(ctx).Model(&models.PendingAction{}).
		Where("status IN ? AND attempt_count < max_attempts",
			[]string{models.ActionStatusPending, models.ActionStatusRetry}).
		Distinct("account_id").
		Pluck("account_id", &accountIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending action accounts: %w", err)
	}

	var jobs []*Job
	for _, accountID := range accountIDs {
		jobs = append(jobs, NewUploadJob(accountID))
	}
	return jobs, nil
}

// EvictionProducer 淘汰触发生产者
// 缓存占用超过触发水位时产出淘汰任务
type EvictionProducer struct {
	evictor *eviction.Engine
	cfg     *config.CacheConfig
}

// NewEvictionProducer 创建淘汰触发生产者
func NewEvictionProducer(evictor *eviction.Engine, cfg *config.CacheConfig) *EvictionProducer {
	return &EvictionProducer{evictor: evictor, cfg: cfg}
}

// Name 返回生产者名称
func (p *EvictionProducer) Name() string {
	return "eviction"
}

// Produce 检查水位并按需产出淘汰任务
func (p *EvictionProducer) Produce(ctx context.Context) ([]*Job, error) {
	usage, err := p.evictor.Usage()
	if err != nil {
		return nil, err
	}

	if usage > p.cfg.TriggerBytes() {
		log.Printf("Cache usage %d exceeds trigger watermark %d, scheduling eviction", usage, p.cfg.TriggerBytes())
		return []*Job{NewEvictionJob()}, nil
	}
	return nil, nil
}
