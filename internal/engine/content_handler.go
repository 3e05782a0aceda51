package engine

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"mailsync/internal/eviction"
	"mailsync/internal/models"
	"mailsync/internal/providers"
	"mailsync/internal/storage"
)

// BodyFetchHandler 正文下载处理器
// 每个任务只负责一条消息，单条失败不影响其他下载
type BodyFetchHandler struct {
	db      *gorm.DB
	factory providers.ProviderFactory
}

// NewBodyFetchHandler 创建正文下载处理器
func NewBodyFetchHandler(db *gorm.DB, factory providers.ProviderFactory) *BodyFetchHandler {
	return &BodyFetchHandler{db: db, factory: factory}
}

// Handle 下载单条消息的正文
func (h *BodyFetchHandler) Handle(ctx context.Context, job *Job) error {
	var msg models.Message
	if err := h.db.First(&msg, job.EntityID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// 消息在排队期间被删除或淘汰
			return nil
		}
		return fmt.Errorf("message %d not found: %w", job.EntityID, err)
	}

	if msg.BodyDownloaded {
		h.clearPending(msg.ID)
		return nil
	}

	var account models.EmailAccount
	if err := h.db.First(&account, msg.AccountID).Error; err != nil {
		return fmt.Errorf("account %d not found: %w", msg.AccountID, err)
	}
	if !account.CanSync() {
		h.clearPending(msg.ID)
		return nil
	}

	provider, err := h.factory.ProviderFor(&account)
	if err != nil {
		h.clearPending(msg.ID)
		return err
	}
	defer provider.Close()

	content, err := provider.FetchMessage(ctx, msg.RemoteID)
	if err != nil {
		h.clearPending(msg.ID)
		if providers.IsAuthError(err) {
			markAccountReauth(h.db, &account, err)
		}
		return fmt.Errorf("failed to fetch message body: %w", err)
	}

	bodySize := int64(len(content.TextBody) + len(content.HTMLBody))
	return h.db.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"text_body":       content.TextBody,
		"html_body":       content.HTMLBody,
		"body_downloaded": true,
		"body_size":       bodySize,
		"body_pending":    false,
	}).Error
}

// clearPending 清除下载中标记，让消息重新可被预取与淘汰
func (h *BodyFetchHandler) clearPending(messageID uint) {
	err := h.db.Model(&models.Message{}).
		Where("id = ?", messageID).
		Update("body_pending", false).Error
	if err != nil {
		log.Printf("Failed to clear body pending flag for message %d: %v", messageID, err)
	}
}

// AttachmentFetchHandler 附件下载处理器
type AttachmentFetchHandler struct {
	db      *gorm.DB
	factory providers.ProviderFactory
	store   *storage.AttachmentStorage
}

// NewAttachmentFetchHandler 创建附件下载处理器
func NewAttachmentFetchHandler(db *gorm.DB, factory providers.ProviderFactory, store *storage.AttachmentStorage) *AttachmentFetchHandler {
	return &AttachmentFetchHandler{db: db, factory: factory, store: store}
}

// Handle 下载单个附件并落盘
func (h *AttachmentFetchHandler) Handle(ctx context.Context, job *Job) error {
	var attachment models.Attachment
	if err := h.db.First(&attachment, job.EntityID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("attachment %d not found: %w", job.EntityID, err)
	}

	if attachment.IsDownloaded {
		h.clearPending(attachment.ID)
		return nil
	}

	var msg models.Message
	if err := h.db.First(&msg, attachment.MessageID).Error; err != nil {
		return fmt.Errorf("message %d not found: %w", attachment.MessageID, err)
	}

	var account models.EmailAccount
	if err := h.db.First(&account, attachment.AccountID).Error; err != nil {
		return fmt.Errorf("account %d not found: %w", attachment.AccountID, err)
	}
	if !account.CanSync() {
		h.clearPending(attachment.ID)
		return nil
	}

	provider, err := h.factory.ProviderFor(&account)
	if err != nil {
		h.clearPending(attachment.ID)
		return err
	}
	defer provider.Close()

	data, err := provider.FetchAttachment(ctx, msg.RemoteID, attachment.PartID)
	if err != nil {
		h.clearPending(attachment.ID)
		if providers.IsAuthError(err) {
			markAccountReauth(h.db, &account, err)
		}
		return fmt.Errorf("failed to fetch attachment: %w", err)
	}

	path, written, err := h.store.Save(account.ID, attachment.Filename, bytes.NewReader(data))
	if err != nil {
		h.clearPending(attachment.ID)
		return fmt.Errorf("failed to store attachment: %w", err)
	}

	return h.db.Model(&models.Attachment{}).Where("id = ?", attachment.ID).Updates(map[string]interface{}{
		"file_path":        path,
		"size":             written,
		"is_downloaded":    true,
		"download_pending": false,
	}).Error
}

// clearPending 清除下载中标记
func (h *AttachmentFetchHandler) clearPending(attachmentID uint) {
	err := h.db.Model(&models.Attachment{}).
		Where("id = ?", attachmentID).
		Update("download_pending", false).Error
	if err != nil {
		log.Printf("Failed to clear download pending flag for attachment %d: %v", attachmentID, err)
	}
}

// EvictionHandler 缓存淘汰处理器
type EvictionHandler struct {
	evictor *eviction.Engine
}

// NewEvictionHandler 创建缓存淘汰处理器
func NewEvictionHandler(evictor *eviction.Engine) *EvictionHandler {
	return &EvictionHandler{evictor: evictor}
}

// Handle 执行一轮缓存淘汰
func (h *EvictionHandler) Handle(ctx context.Context, job *Job) error {
	_, err := h.evictor.Run(ctx)
	return err
}
