package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"mailsync/internal/models"
	"mailsync/internal/providers"
	"mailsync/internal/storage"
)

// HeaderSyncHandler 消息头同步处理器
// 文件夹首次走分页全量，分页完成后换取增量标记，
// 之后始终走增量；标记失效时清空水位线回退到分页全量
type HeaderSyncHandler struct {
	db       *gorm.DB
	factory  providers.ProviderFactory
	store    *storage.AttachmentStorage
	pageSize int
}

// NewHeaderSyncHandler 创建消息头同步处理器
func NewHeaderSyncHandler(db *gorm.DB, factory providers.ProviderFactory, store *storage.AttachmentStorage, pageSize int) *HeaderSyncHandler {
	return &HeaderSyncHandler{db: db, factory: factory, store: store, pageSize: pageSize}
}

// Handle 执行消息头同步
func (h *HeaderSyncHandler) Handle(ctx context.Context, job *Job) error {
	var account models.EmailAccount
	if err := h.db.First(&account, job.AccountID).Error; err != nil {
		return fmt.Errorf("account %d not found: %w", job.AccountID, err)
	}
	if !account.CanSync() {
		return nil
	}

	var folder models.Folder
	if err := h.db.First(&folder, job.FolderID).Error; err != nil {
		return fmt.Errorf("folder %d not found: %w", job.FolderID, err)
	}

	state, err := h.loadState(&folder)
	if err != nil {
		return err
	}

	provider, err := h.factory.ProviderFor(&account)
	if err != nil {
		return err
	}
	defer provider.Close()

	if state.HasDeltaToken() {
		err = h.syncDelta(ctx, provider, &account, &folder, state)
		if providers.IsMarkerExpired(err) {
			// 标记失效，服务端无法续上增量，显式回退到分页全量
			log.Printf("Sync marker expired for folder %s, falling back to full sync", folder.Name)
			if resetErr := h.resetState(state); resetErr != nil {
				return resetErr
			}
			err = h.syncPaged(ctx, provider, &account, &folder, state)
		}
	} else {
		err = h.syncPaged(ctx, provider, &account, &folder, state)
	}

	if err != nil {
		if providers.IsAuthError(err) {
			markAccountReauth(h.db, &account, err)
		}
		h.recordStateError(state, err)
		return err
	}

	return h.finishSync(&folder, state)
}

// loadState 加载或创建文件夹同步状态
func (h *HeaderSyncHandler) loadState(folder *models.Folder) (*models.FolderSyncState, error) {
	var state models.FolderSyncState
	err := h.db.Where("folder_id = ?", folder.ID).First(&state).Error
	if err == gorm.ErrRecordNotFound {
		state = models.FolderSyncState{FolderID: folder.ID, AccountID: folder.AccountID}
		if err := h.db.Create(&state).Error; err != nil {
			return nil, fmt.Errorf("failed to create sync state: %w", err)
		}
		return &state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return &state, nil
}

// syncPaged 分页全量同步
// 首页前清空本地消息重新建档；每页应用与水位线推进在
// 同一事务内提交，中断后从已持久化的页令牌继续
func (h *HeaderSyncHandler) syncPaged(ctx context.Context, provider providers.MailProvider, account *models.EmailAccount, folder *models.Folder, state *models.FolderSyncState) error {
	pageToken := state.PageToken
	freshRun := pageToken == ""

	for {
		page, err := provider.ListMessages(ctx, folder.RemoteID, h.pageSize, pageToken)
		if err != nil {
			if providers.IsMarkerExpired(err) {
				// 翻页中途远端重置，清空水位线从头再来
				log.Printf("Page token invalidated for folder %s, restarting full sync", folder.Name)
				if resetErr := h.resetState(state); resetErr != nil {
					return resetErr
				}
				pageToken = ""
				freshRun = true
				continue
			}
			return err
		}

		err = h.db.Transaction(func(tx *gorm.DB) error {
			if freshRun {
				if err := h.clearFolderMessages(tx, folder); err != nil {
					return err
				}
			}

			for _, remote := range page.Messages {
				if err := h.applyRemoteMessage(tx, account, folder, remote); err != nil {
					return err
				}
			}

			state.PageToken = page.NextPageToken
			return tx.Model(state).Update("page_token", page.NextPageToken).Error
		})
		if err != nil {
			return fmt.Errorf("failed to apply message page: %w", err)
		}

		freshRun = false
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	// 分页走完，换取增量标记进入增量阶段
	marker, err := provider.GetSyncMarker(ctx, folder.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to obtain sync marker: %w", err)
	}

	state.DeltaToken = marker
	state.PageToken = ""
	return h.db.Model(state).Updates(map[string]interface{}{
		"delta_token": marker,
		"page_token":  "",
	}).Error
}

// syncDelta 增量同步
// 整个窗口以同一起始标记请求，翻页只用页令牌；
// 新标记只在最后一页随变更一起提交，任何一页失败都不推进标记
func (h *HeaderSyncHandler) syncDelta(ctx context.Context, provider providers.MailProvider, account *models.EmailAccount, folder *models.Folder, state *models.FolderSyncState) error {
	marker := state.DeltaToken
	pageToken := ""

	for {
		page, err := provider.ListChanges(ctx, folder.RemoteID, marker, pageToken, h.pageSize)
		if err != nil {
			return err
		}

		err = h.db.Transaction(func(tx *gorm.DB) error {
			for _, remote := range page.AddedOrUpdated {
				// 变更事件逐条检查文件夹归属，已移出的按删除处理
				if h.belongsToFolder(remote, folder) {
					if err := h.applyRemoteMessage(tx, account, folder, remote); err != nil {
						return err
					}
				} else {
					if err := h.removeLocalMessage(tx, account, folder, remote.ID); err != nil {
						return err
					}
				}
			}

			for _, removedID := range page.RemovedIDs {
				if err := h.removeLocalMessage(tx, account, folder, removedID); err != nil {
					return err
				}
			}

			if page.NewMarker != "" {
				state.DeltaToken = page.NewMarker
				return tx.Model(state).Update("delta_token", page.NewMarker).Error
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to apply change page: %w", err)
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// belongsToFolder 检查变更事件中的消息是否仍属于当前文件夹
func (h *HeaderSyncHandler) belongsToFolder(remote *providers.RemoteMessage, folder *models.Folder) bool {
	if len(remote.Labels) == 0 {
		// 不带归属信息的事件按仍在文件夹内处理
		return true
	}
	for _, label := range remote.Labels {
		if label == folder.RemoteID {
			return true
		}
	}
	return false
}

// applyRemoteMessage 新建或更新本地消息记录
// 更新只覆盖服务端头信息和标志，本地正文缓存与访问时间保持不变
func (h *HeaderSyncHandler) applyRemoteMessage(tx *gorm.DB, account *models.EmailAccount, folder *models.Folder, remote *providers.RemoteMessage) error {
	labels, err := json.Marshal(remote.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	var msg models.Message
	err = tx.Where("account_id = ? AND remote_id = ?", account.ID, remote.ID).First(&msg).Error
	if err == gorm.ErrRecordNotFound {
		now := time.Now()
		msg = models.Message{
			AccountID:     account.ID,
			FolderID:      folder.ID,
			RemoteID:      remote.ID,
			MessageID:     remote.MessageID,
			Subject:       remote.Subject,
			Date:          remote.Date,
			Labels:        string(labels),
			IsRead:        remote.IsRead,
			IsStarred:     remote.IsStarred,
			IsDraft:       remote.IsDraft,
			Size:          remote.Size,
			HasAttachment: len(remote.Attachments) > 0,
			SyncedAt:      &now,
		}
		if remote.From != nil {
			msg.From = remote.From.Address
		}
		if encoded, err := json.Marshal(remote.To); err == nil {
			msg.To = string(encoded)
		}

		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to create message %s: %w", remote.ID, err)
		}

		for _, att := range remote.Attachments {
			attachment := models.Attachment{
				MessageID:   msg.ID,
				AccountID:   account.ID,
				Filename:    att.Filename,
				ContentType: att.ContentType,
				Size:        att.Size,
				PartID:      att.PartID,
			}
			if err := tx.Create(&attachment).Error; err != nil {
				return fmt.Errorf("failed to create attachment metadata: %w", err)
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load message %s: %w", remote.ID, err)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"folder_id":  folder.ID,
		"subject":    remote.Subject,
		"labels":     string(labels),
		"is_read":    remote.IsRead,
		"is_starred": remote.IsStarred,
		"is_draft":   remote.IsDraft,
		"synced_at":  &now,
	}
	if err := tx.Model(&msg).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update message %s: %w", remote.ID, err)
	}
	return nil
}

// removeLocalMessage 删除服务端已移除的本地消息
// 被待上传变更引用的消息暂不删除，等上传收敛后由下一轮同步处理
func (h *HeaderSyncHandler) removeLocalMessage(tx *gorm.DB, account *models.EmailAccount, folder *models.Folder, remoteID string) error {
	var msg models.Message
	err := tx.Where("account_id = ? AND remote_id = ?", account.ID, remoteID).First(&msg).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load message %s for removal: %w", remoteID, err)
	}

	var referencing int64
	err = tx.Model(&models.PendingAction{}).
		Where("entity_id = ? AND status IN ?", msg.ID,
			[]string{models.ActionStatusPending, models.ActionStatusRetry}).
		Count(&referencing).Error
	if err != nil {
		return err
	}
	if referencing > 0 {
		log.Printf("Message %s still referenced by pending actions, deferring removal", remoteID)
		return nil
	}

	var attachments []models.Attachment
	if err := tx.Where("message_id = ?", msg.ID).Find(&attachments).Error; err != nil {
		return err
	}
	for _, att := range attachments {
		if att.IsDownloaded {
			if err := h.store.Delete(att.StoragePath); err != nil {
				log.Printf("Failed to delete attachment file %s: %v", att.StoragePath, err)
			}
		}
	}

	if err := tx.Where("message_id = ?", msg.ID).Delete(&models.Attachment{}).Error; err != nil {
		return err
	}
	return tx.Delete(&models.Message{}, msg.ID).Error
}

// clearFolderMessages 清空文件夹内的本地消息（全量重建前）
func (h *HeaderSyncHandler) clearFolderMessages(tx *gorm.DB, folder *models.Folder) error {
	var attachments []models.Attachment
	err := tx.Joins("JOIN messages ON messages.id = attachments.message_id").
		Where("messages.folder_id = ? AND attachments.is_downloaded = ?", folder.ID, true).
		Find(&attachments).Error
	if err != nil {
		return err
	}
	for _, att := range attachments {
		if err := h.store.Delete(att.StoragePath); err != nil {
			log.Printf("Failed to delete attachment file %s: %v", att.StoragePath, err)
		}
	}

	err = tx.Where("message_id IN (SELECT id FROM messages WHERE folder_id = ?)", folder.ID).
		Delete(&models.Attachment{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear folder attachments: %w", err)
	}

	err = tx.Where("folder_id = ?", folder.ID).Delete(&models.Message{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear folder messages: %w", err)
	}
	return nil
}

// finishSync 记录成功并刷新文件夹统计
func (h *HeaderSyncHandler) finishSync(folder *models.Folder, state *models.FolderSyncState) error {
	now := time.Now()
	err := h.db.Model(state).Updates(map[string]interface{}{
		"last_sync_at":  &now,
		"last_error":    "",
		"last_error_at": nil,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}

	var total, unread int64
	h.db.Model(&models.Message{}).Where("folder_id = ?", folder.ID).Count(&total)
	h.db.Model(&models.Message{}).Where("folder_id = ? AND is_read = ?", folder.ID, false).Count(&unread)

	return h.db.Model(folder).Updates(map[string]interface{}{
		"total_messages":  total,
		"unread_messages": unread,
	}).Error
}

// recordStateError 记录同步错误，不推进水位线
func (h *HeaderSyncHandler) recordStateError(state *models.FolderSyncState, cause error) {
	now := time.Now()
	err := h.db.Model(state).Updates(map[string]interface{}{
		"last_error":    truncateForColumn(cause.Error(), 500),
		"last_error_at": &now,
	}).Error
	if err != nil {
		log.Printf("Failed to record sync error: %v", err)
	}
}

// resetState 清空水位线
func (h *HeaderSyncHandler) resetState(state *models.FolderSyncState) error {
	state.Reset()
	return h.db.Model(state).Updates(map[string]interface{}{
		"page_token":  "",
		"delta_token": "",
	}).Error
}
