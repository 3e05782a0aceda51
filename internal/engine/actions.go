package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mailsync/internal/models"
	"mailsync/internal/providers"
)

// ActionService 本地变更服务
// 每个操作先乐观写入本地，并在同一事务里创建待上传
// 变更记录，随后排一个上传任务把变更推到远端
type ActionService struct {
	db          *gorm.DB
	submitter   JobSubmitter
	maxAttempts int
}

// NewActionService 创建本地变更服务
func NewActionService(db *gorm.DB, submitter JobSubmitter, maxAttempts int) *ActionService {
	return &ActionService{db: db, submitter: submitter, maxAttempts: maxAttempts}
}

// MarkRead 标记消息已读/未读
func (s *ActionService) MarkRead(messageID uint, read bool) error {
	return s.mutate(messageID, models.ActionMarkRead,
		ActionPayload{Read: read},
		map[string]interface{}{"is_read": read})
}

// Star 标记/取消星标
func (s *ActionService) Star(messageID uint, starred bool) error {
	return s.mutate(messageID, models.ActionStar,
		ActionPayload{Starred: starred},
		map[string]interface{}{"is_starred": starred})
}

// Delete 删除消息
// 本地先标记删除，远端确认后才移除记录
func (s *ActionService) Delete(messageID uint) error {
	return s.mutate(messageID, models.ActionDelete,
		ActionPayload{},
		map[string]interface{}{"is_deleted": true})
}

// Move 移动消息到目标文件夹
func (s *ActionService) Move(messageID, targetFolderID uint) error {
	var target models.Folder
	if err := s.db.First(&target, targetFolderID).Error; err != nil {
		return fmt.Errorf("target folder %d not found: %w", targetFolderID, err)
	}

	return s.mutate(messageID, models.ActionMove,
		ActionPayload{TargetFolderRemoteID: target.RemoteID},
		map[string]interface{}{"folder_id": target.ID})
}

// SaveDraft 保存草稿
// 本地立即建档为草稿消息，再排上传
func (s *ActionService) SaveDraft(accountID uint, draft *providers.OutgoingMessage) (*models.Message, error) {
	return s.compose(accountID, models.ActionSaveDraft, draft, models.FolderTypeDrafts,
		func(msg *models.Message) { msg.IsDraft = true })
}

// Send 发送消息
// 本地立即建档为发件箱消息，远端确认后清除发件箱标记
func (s *ActionService) Send(accountID uint, outgoing *providers.OutgoingMessage) (*models.Message, error) {
	return s.compose(accountID, models.ActionSend, outgoing, models.FolderTypeSent,
		func(msg *models.Message) { msg.IsOutbox = true })
}

// RequestBody 按需请求消息正文
// 已缓存的直接刷新访问时间，否则排下载任务
func (s *ActionService) RequestBody(messageID uint) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		return fmt.Errorf("message %d not found: %w", messageID, err)
	}

	if err := s.db.Model(&msg).Update("last_accessed_at", time.Now()).Error; err != nil {
		return err
	}
	if msg.BodyDownloaded {
		return nil
	}

	if err := s.db.Model(&msg).Update("body_pending", true).Error; err != nil {
		return err
	}
	return s.submitter.Submit(NewBodyFetchJob(msg.AccountID, msg.ID))
}

// RequestAttachment 按需请求附件下载
func (s *ActionService) RequestAttachment(attachmentID uint) error {
	var attachment models.Attachment
	if err := s.db.First(&attachment, attachmentID).Error; err != nil {
		return fmt.Errorf("attachment %d not found: %w", attachmentID, err)
	}

	err := s.db.Model(&models.Message{}).
		Where("id = ?", attachment.MessageID).
		Update("last_accessed_at", time.Now()).Error
	if err != nil {
		return err
	}
	if attachment.IsDownloaded {
		return nil
	}

	if err := s.db.Model(&attachment).Update("download_pending", true).Error; err != nil {
		return err
	}
	return s.submitter.Submit(NewAttachmentFetchJob(attachment.AccountID, attachment.ID))
}

// mutate 对已有消息执行乐观写入并创建待上传变更
func (s *ActionService) mutate(messageID uint, actionType string, payload ActionPayload, localUpdates map[string]interface{}) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		return fmt.Errorf("message %d not found: %w", messageID, err)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if len(localUpdates) > 0 {
			if err := tx.Model(&msg).Updates(localUpdates).Error; err != nil {
				return fmt.Errorf("failed to apply local change: %w", err)
			}
		}
		return s.createAction(tx, msg.AccountID, msg.ID, actionType, payload)
	})
	if err != nil {
		return err
	}

	s.submitter.Submit(NewUploadJob(msg.AccountID))
	return nil
}

// compose 建档新的本地消息（草稿/发件箱）并创建待上传变更
func (s *ActionService) compose(accountID uint, actionType string, outgoing *providers.OutgoingMessage, folderType string, mark func(*models.Message)) (*models.Message, error) {
	var account models.EmailAccount
	if err := s.db.First(&account, accountID).Error; err != nil {
		return nil, fmt.Errorf("account %d not found: %w", accountID, err)
	}

	var folder models.Folder
	err := s.db.Where("account_id = ? AND type = ?", accountID, folderType).First(&folder).Error
	if err != nil {
		return nil, fmt.Errorf("no %s folder for account %d: %w", folderType, accountID, err)
	}

	to, err := json.Marshal(outgoing.To)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recipients: %w", err)
	}

	now := time.Now()
	msg := models.Message{
		AccountID: accountID,
		FolderID:  folder.ID,
		// 本地生成的占位标识，远端建档后由同步覆盖
		RemoteID:       fmt.Sprintf("local-%s-%d", actionType, now.UnixNano()),
		Subject:        outgoing.Subject,
		From:           account.Email,
		To:             string(to),
		Date:           now,
		TextBody:       outgoing.TextBody,
		HTMLBody:       outgoing.HTMLBody,
		BodyDownloaded: true,
		BodySize:       int64(len(outgoing.TextBody) + len(outgoing.HTMLBody)),
		LastAccessedAt: now,
	}
	mark(&msg)

	payload := ActionPayload{
		Subject:  outgoing.Subject,
		To:       outgoing.To,
		TextBody: outgoing.TextBody,
		HTMLBody: outgoing.HTMLBody,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to create local message: %w", err)
		}
		return s.createAction(tx, accountID, msg.ID, actionType, payload)
	})
	if err != nil {
		return nil, err
	}

	s.submitter.Submit(NewUploadJob(accountID))
	return &msg, nil
}

// createAction 创建待上传变更记录
func (s *ActionService) createAction(tx *gorm.DB, accountID, entityID uint, actionType string, payload ActionPayload) error {
	action := models.PendingAction{
		AccountID:   accountID,
		EntityID:    entityID,
		ActionType:  actionType,
		Status:      models.ActionStatusPending,
		MaxAttempts: s.maxAttempts,
	}
	if err := action.SetPayload(payload); err != nil {
		return fmt.Errorf("failed to encode action payload: %w", err)
	}
	if err := tx.Create(&action).Error; err != nil {
		return fmt.Errorf("failed to create pending action: %w", err)
	}
	return nil
}
