package eviction

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"mailsync/internal/config"
	"mailsync/internal/models"
	"mailsync/internal/storage"
)

// Engine 缓存淘汰引擎
// 缓存占用 = 已下载附件字节 + 已缓存正文字节，消息头不计入占用。
// 淘汰分两层：先淘汰超过保留窗口的旧内容（按内容时间从旧到新），
// 再淘汰长期未访问的内容（按最后访问时间从旧到新），达到目标水位立即停止
type Engine struct {
	db      *gorm.DB
	cfg     *config.CacheConfig
	storage *storage.AttachmentStorage
}

// Result 一次淘汰的执行结果
type Result struct {
	UsageBefore        int64 `json:"usage_before"`
	UsageAfter         int64 `json:"usage_after"`
	FreedBytes         int64 `json:"freed_bytes"`
	AttachmentsDeleted int   `json:"attachments_deleted"`
	BodiesCleared      int   `json:"bodies_cleared"`
	HeadersDeleted     int   `json:"headers_deleted"`
}

// NewEngine 创建淘汰引擎
func NewEngine(db *gorm.DB, cfg *config.CacheConfig, store *storage.AttachmentStorage) *Engine {
	return &Engine{db: db, cfg: cfg, storage: store}
}

// Usage 计算当前缓存占用
func (e *Engine) Usage() (int64, error) {
	var attachmentBytes, bodyBytes int64

	err := e.db.Model(&models.Attachment{}).
		Where("is_downloaded = ?", true).
		Select("COALESCE(SUM(size), 0)").
		Scan(&attachmentBytes).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum attachment usage: %w", err)
	}

	err = e.db.Model(&models.Message{}).
		Where("body_downloaded = ?", true).
		Select("COALESCE(SUM(body_size), 0)").
		Scan(&bodyBytes).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum body usage: %w", err)
	}

	return attachmentBytes + bodyBytes, nil
}

// Run 执行淘汰，将缓存占用降到目标水位
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	usage, err := e.Usage()
	if err != nil {
		return nil, err
	}

	result := &Result{UsageBefore: usage, UsageAfter: usage}
	target := e.cfg.TargetBytes()
	if usage <= target {
		return result, nil
	}

	log.Printf("Cache eviction started: usage=%d target=%d", usage, target)

	cutoff := time.Now().Add(-e.cfg.RetentionWindow())

	// 第一层：内容时间超出保留窗口的消息
	tier1, err := e.loadCandidates(cutoff, true)
	if err != nil {
		return nil, err
	}
	usage, err = e.evictCandidates(ctx, tier1, usage, target, result)
	if err != nil {
		return nil, err
	}

	// 第二层：内容仍在窗口内但长期未访问的消息
	if usage > target {
		tier2, err := e.loadCandidates(cutoff, false)
		if err != nil {
			return nil, err
		}
		usage, err = e.evictCandidates(ctx, tier2, usage, target, result)
		if err != nil {
			return nil, err
		}
	}

	result.UsageAfter = usage
	result.FreedBytes = result.UsageBefore - usage
	log.Printf("Cache eviction finished: freed=%d attachments=%d bodies=%d headers=%d usage=%d",
		result.FreedBytes, result.AttachmentsDeleted, result.BodiesCleared, result.HeadersDeleted, usage)
	return result, nil
}

// loadCandidates 加载淘汰候选消息
// 草稿、发件箱、下载进行中、被待上传变更引用、以及
// 最近访问过的消息一律排除
func (e *Engine) loadCandidates(cutoff time.Time, olderThanCutoff bool) ([]models.Message, error) {
	query := e.db.Preload("Attachments").
		Where("is_draft = ? AND is_outbox = ? AND body_pending = ?", false, false, false).
		Where("(body_downloaded = ? OR id IN (SELECT message_id FROM attachments WHERE is_downloaded = ?))", true, true).
		Where("id NOT IN (SELECT entity_id FROM pending_actions WHERE status IN ?)",
			[]string{models.ActionStatusPending, models.ActionStatusRetry}).
		Where("last_accessed_at < ?", cutoff)

	if olderThanCutoff {
		query = query.Where("date < ?", cutoff).Order("date ASC, last_accessed_at ASC")
	} else {
		query = query.Where("date >= ?", cutoff).Order("last_accessed_at ASC, date ASC")
	}

	var candidates []models.Message
	if err := query.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to load eviction candidates: %w", err)
	}
	return candidates, nil
}

// evictCandidates 逐条淘汰候选消息，达到目标立即返回
// 每条消息按 附件 -> 正文 -> 消息头 的顺序降级，
// 正文清除后仍未达标才删除消息头
func (e *Engine) evictCandidates(ctx context.Context, candidates []models.Message, usage, target int64, result *Result) (int64, error) {
	for i := range candidates {
		if usage <= target {
			return usage, nil
		}
		if err := ctx.Err(); err != nil {
			return usage, err
		}

		msg := &candidates[i]

		for j := range msg.Attachments {
			att := &msg.Attachments[j]
			if !att.IsEvictable() {
				continue
			}

			if err := e.storage.Delete(att.StoragePath); err != nil {
				log.Printf("Failed to delete attachment file %s: %v", att.StoragePath, err)
				continue
			}

			err := e.db.Model(att).Updates(map[string]interface{}{
				"is_downloaded": false,
				"file_path":     "",
			}).Error
			if err != nil {
				return usage, fmt.Errorf("failed to mark attachment evicted: %w", err)
			}
			att.IsDownloaded = false
			att.StoragePath = ""

			usage -= att.Size
			result.AttachmentsDeleted++
			if usage <= target {
				return usage, nil
			}
		}

		if msg.BodyDownloaded {
			bodySize := msg.BodySize
			err := e.db.Model(msg).Updates(map[string]interface{}{
				"text_body":       "",
				"html_body":       "",
				"body_downloaded": false,
				"body_size":       0,
			}).Error
			if err != nil {
				return usage, fmt.Errorf("failed to clear message body: %w", err)
			}
			msg.BodyDownloaded = false

			usage -= bodySize
			result.BodiesCleared++
			if usage <= target {
				return usage, nil
			}
		}

		// 附件和正文都清空了才允许删消息头，
		// 还留有内容的消息（比如下载进行中的附件）保留
		if !headerDeletable(msg) {
			continue
		}

		err := e.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("message_id = ?", msg.ID).Delete(&models.Attachment{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Message{}, msg.ID).Error
		})
		if err != nil {
			return usage, fmt.Errorf("failed to delete message header: %w", err)
		}
		result.HeadersDeleted++
	}

	return usage, nil
}

// headerDeletable 检查消息的缓存内容是否已全部清空
func headerDeletable(msg *models.Message) bool {
	if msg.BodyDownloaded {
		return false
	}
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.IsDownloaded || att.DownloadPending {
			return false
		}
	}
	return true
}
