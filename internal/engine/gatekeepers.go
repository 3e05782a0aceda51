package engine

import (
	"fmt"
	"log"

	"gorm.io/gorm"

	"mailsync/internal/config"
	"mailsync/internal/eviction"
	"mailsync/internal/models"
)

// Gatekeeper 任务准入检查
// 任务入队前逐个执行，任一否决则任务被丢弃
type Gatekeeper interface {
	// Name 返回检查器名称，用于日志
	Name() string
	// Admit 检查任务是否允许入队，否决时返回原因
	Admit(job *Job) error
}

// QuotaGatekeeper 配额准入检查
// 缓存占用超过暂停水位后拒绝新的下载任务，
// 上传、消息头同步和淘汰任务不受影响
type QuotaGatekeeper struct {
	evictor *eviction.Engine
	cfg     *config.CacheConfig
}

// NewQuotaGatekeeper 创建配额准入检查器
func NewQuotaGatekeeper(evictor *eviction.Engine, cfg *config.CacheConfig) *QuotaGatekeeper {
	return &QuotaGatekeeper{evictor: evictor, cfg: cfg}
}

// Name 返回检查器名称
func (g *QuotaGatekeeper) Name() string {
	return "quota"
}

// Admit 检查下载任务的配额水位
func (g *QuotaGatekeeper) Admit(job *Job) error {
	if job.Type != JobTypeBodyFetch && job.Type != JobTypeAttachmentFetch {
		return nil
	}

	usage, err := g.evictor.Usage()
	if err != nil {
		// 占用无法统计时放行，靠淘汰任务兜底
		log.Printf("Quota gatekeeper failed to compute usage: %v", err)
		return nil
	}

	if usage >= g.cfg.PauseBytes() {
		return fmt.Errorf("cache usage %d exceeds pause watermark %d", usage, g.cfg.PauseBytes())
	}
	return nil
}

// ReauthGatekeeper 认证状态准入检查
// 需要重新认证的账户不再接受任何远端任务
type ReauthGatekeeper struct {
	db *gorm.DB
}

// NewReauthGatekeeper 创建认证准入检查器
func NewReauthGatekeeper(db *gorm.DB) *ReauthGatekeeper {
	return &ReauthGatekeeper{db: db}
}

// Name 返回检查器名称
func (g *ReauthGatekeeper) Name() string {
	return "reauth"
}

// Admit 检查账户认证状态
func (g *ReauthGatekeeper) Admit(job *Job) error {
	if job.AccountID == 0 {
		return nil
	}

	var account models.EmailAccount
	if err := g.db.First(&account, job.AccountID).Error; err != nil {
		return fmt.Errorf("account %d not found: %w", job.AccountID, err)
	}

	if !account.CanSync() {
		return fmt.Errorf("account %d is inactive or needs reauthentication", job.AccountID)
	}
	return nil
}
