package engine

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"mailsync/internal/models"
	"mailsync/internal/providers"
)

// JobSubmitter 任务提交接口，处理器借此补排后续任务
type JobSubmitter interface {
	Submit(job *Job) error
}

// ActionPayload 待上传变更的参数
type ActionPayload struct {
	Read                 bool                      `json:"read,omitempty"`
	Starred              bool                      `json:"starred,omitempty"`
	TargetFolderRemoteID string                    `json:"target_folder_remote_id,omitempty"`
	Subject              string                    `json:"subject,omitempty"`
	To                   []providers.RemoteAddress `json:"to,omitempty"`
	TextBody             string                    `json:"text_body,omitempty"`
	HTMLBody             string                    `json:"html_body,omitempty"`
}

// UploadHandler 变更上传处理器
// 每次执行领取账户最早的一条可执行变更上传；成功则删除
// 变更记录并应用收尾写入，失败按重试状态机推进。
// 账户还有积压时补排下一个上传任务，避免长期占住消费循环
type UploadHandler struct {
	db        *gorm.DB
	factory   providers.ProviderFactory
	submitter JobSubmitter
}

// NewUploadHandler 创建变更上传处理器
func NewUploadHandler(db *gorm.DB, factory providers.ProviderFactory, submitter JobSubmitter) *UploadHandler {
	return &UploadHandler{db: db, factory: factory, submitter: submitter}
}

// Handle 上传账户最早的一条待同步变更
func (h *UploadHandler) Handle(ctx context.Context, job *Job) error {
	var account models.EmailAccount
	if err := h.db.First(&account, job.AccountID).Error; err != nil {
		return fmt.Errorf("account %d not found: %w", job.AccountID, err)
	}
	if !account.CanSync() {
		return nil
	}

	action, err := h.claimNext(account.ID)
	if err != nil {
		return err
	}
	if action == nil {
		return nil
	}

	var msg models.Message
	err = h.db.First(&msg, action.EntityID).Error
	if err == gorm.ErrRecordNotFound {
		// 目标消息已不存在，变更无法执行也无需重试
		log.Printf("Dropping action %d: target message %d is gone", action.ID, action.EntityID)
		return h.db.Delete(&models.PendingAction{}, action.ID).Error
	}
	if err != nil {
		return fmt.Errorf("failed to load action target: %w", err)
	}

	provider, err := h.factory.ProviderFor(&account)
	if err != nil {
		return err
	}
	defer provider.Close()

	uploadErr := h.execute(ctx, provider, action, &msg)
	if uploadErr != nil {
		return h.recordFailure(&account, action, uploadErr)
	}

	if err := h.finalize(action, &msg); err != nil {
		return err
	}

	// 账户还有积压，补排下一个上传任务
	remaining, err := h.countRunnable(account.ID)
	if err == nil && remaining > 0 {
		h.submitter.Submit(NewUploadJob(account.ID))
	}
	return nil
}

// claimNext 领取账户最早的一条可执行变更
func (h *UploadHandler) claimNext(accountID uint) (*models.PendingAction, error) {
	var action models.PendingAction
	err := h.db.Where("account_id = ? AND status IN ? AND attempt_count < max_attempts",
		accountID, []string{models.ActionStatusPending, models.ActionStatusRetry}).
		Order("id ASC").
		First(&action).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending action: %w", err)
	}
	return &action, nil
}

// countRunnable 统计账户剩余的可执行变更
func (h *UploadHandler) countRunnable(accountID uint) (int64, error) {
	var count int64
	err := h.db.Model(&models.PendingAction{}).
		Where("account_id = ? AND status IN ? AND attempt_count < max_attempts",
			accountID, []string{models.ActionStatusPending, models.ActionStatusRetry}).
		Count(&count).Error
	return count, err
}

// execute 按动作类型调用远端接口
func (h *UploadHandler) execute(ctx context.Context, provider providers.MailProvider, action *models.PendingAction, msg *models.Message) error {
	var payload ActionPayload
	if err := action.GetPayload(&payload); err != nil {
		return providers.NewDataFormatError("", "malformed action payload", err)
	}

	switch action.ActionType {
	case models.ActionMarkRead:
		return provider.MarkRead(ctx, msg.RemoteID, payload.Read)
	case models.ActionStar:
		return provider.Star(ctx, msg.RemoteID, payload.Starred)
	case models.ActionDelete:
		return provider.DeleteMessage(ctx, msg.RemoteID)
	case models.ActionMove:
		return provider.MoveMessage(ctx, msg.RemoteID, payload.TargetFolderRemoteID)
	case models.ActionSend:
		return provider.SendMessage(ctx, &providers.OutgoingMessage{
			Subject:  payload.Subject,
			To:       payload.To,
			TextBody: payload.TextBody,
			HTMLBody: payload.HTMLBody,
		})
	case models.ActionSaveDraft:
		_, err := provider.SaveDraft(ctx, &providers.OutgoingMessage{
			Subject:  payload.Subject,
			To:       payload.To,
			TextBody: payload.TextBody,
			HTMLBody: payload.HTMLBody,
		})
		return err
	default:
		return providers.NewDataFormatError("", fmt.Sprintf("unknown action type %s", action.ActionType), nil)
	}
}

// finalize 远端确认成功后的收尾写入
// 删除变更记录与本地收尾在同一事务提交
func (h *UploadHandler) finalize(action *models.PendingAction, msg *models.Message) error {
	return h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.PendingAction{}, action.ID).Error; err != nil {
			return fmt.Errorf("failed to delete confirmed action: %w", err)
		}

		switch action.ActionType {
		case models.ActionDelete:
			// 远端已删除，本地记录连同附件元数据一起移除
			if err := tx.Where("message_id = ?", msg.ID).Delete(&models.Attachment{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Message{}, msg.ID).Error
		case models.ActionSend:
			return tx.Model(&models.Message{}).Where("id = ?", msg.ID).
				Update("is_outbox", false).Error
		}
		return nil
	})
}

// recordFailure 记录一次失败尝试
// 用尽重试次数的变更转为failed终态，等待人工处理
func (h *UploadHandler) recordFailure(account *models.EmailAccount, action *models.PendingAction, cause error) error {
	if providers.IsAuthError(cause) {
		markAccountReauth(h.db, account, cause)
	}

	if !providers.IsRetryable(cause) {
		// 不可重试的错误直接耗尽剩余次数
		action.AttemptCount = action.MaxAttempts - 1
	}
	action.RecordFailure(cause)

	if err := h.db.Save(action).Error; err != nil {
		return fmt.Errorf("failed to record action failure: %w", err)
	}

	if action.Status == models.ActionStatusFailed {
		log.Printf("Action %d (%s) permanently failed after %d attempts: %v",
			action.ID, action.ActionType, action.AttemptCount, cause)
	}
	return fmt.Errorf("failed to upload action %d (%s): %w", action.ID, action.ActionType, cause)
}
