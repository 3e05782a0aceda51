package engine

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"mailsync/internal/models"
	"mailsync/internal/providers"
)

// FolderListHandler 文件夹列表同步处理器
// 以服务端列表为准：新增的建档，消失的连同本地消息一并删除
type FolderListHandler struct {
	db      *gorm.DB
	factory providers.ProviderFactory
}

// NewFolderListHandler 创建文件夹列表同步处理器
func NewFolderListHandler(db *gorm.DB, factory providers.ProviderFactory) *FolderListHandler {
	return &FolderListHandler{db: db, factory: factory}
}

// Handle 执行文件夹列表同步
func (h *FolderListHandler) Handle(ctx context.Context, job *Job) error {
	var account models.EmailAccount
	if err := h.db.First(&account, job.AccountID).Error; err != nil {
		return fmt.Errorf("account %d not found: %w", job.AccountID, err)
	}
	if !account.CanSync() {
		return nil
	}

	provider, err := h.factory.ProviderFor(&account)
	if err != nil {
		return err
	}
	defer provider.Close()

	remoteFolders, err := provider.ListFolders(ctx)
	if err != nil {
		if providers.IsAuthError(err) {
			markAccountReauth(h.db, &account, err)
		}
		return fmt.Errorf("failed to list remote folders: %w", err)
	}

	return h.db.Transaction(func(tx *gorm.DB) error {
		seen := make(map[string]struct{}, len(remoteFolders))

		for _, remote := range remoteFolders {
			seen[remote.ID] = struct{}{}

			var folder models.Folder
			err := tx.Where("account_id = ? AND remote_id = ?", account.ID, remote.ID).First(&folder).Error
			if err == gorm.ErrRecordNotFound {
				folder = models.Folder{
					AccountID:    account.ID,
					RemoteID:     remote.ID,
					Name:         remote.Name,
					DisplayName:  remote.Name,
					Type:         remote.Type,
					Delimiter:    remote.Delimiter,
					IsSelectable: remote.Selectable,
				}
				if err := tx.Create(&folder).Error; err != nil {
					return fmt.Errorf("failed to create folder %s: %w", remote.ID, err)
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load folder %s: %w", remote.ID, err)
			}

			updates := map[string]interface{}{
				"name":          remote.Name,
				"type":          remote.Type,
				"delimiter":     remote.Delimiter,
				"is_selectable": remote.Selectable,
			}
			if err := tx.Model(&folder).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update folder %s: %w", remote.ID, err)
			}
		}

		// 服务端已不存在的文件夹整体清理
		var stale []models.Folder
		if err := tx.Where("account_id = ?", account.ID).Find(&stale).Error; err != nil {
			return err
		}
		for _, folder := range stale {
			if _, ok := seen[folder.RemoteID]; ok {
				continue
			}
			log.Printf("Removing folder %s no longer present on server", folder.Name)
			if err := deleteFolderLocal(tx, &folder); err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteFolderLocal 删除本地文件夹及其消息、附件和同步状态
func deleteFolderLocal(tx *gorm.DB, folder *models.Folder) error {
	err := tx.Where("message_id IN (SELECT id FROM messages WHERE folder_id = ?)", folder.ID).
		Delete(&models.Attachment{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete folder attachments: %w", err)
	}
	if err := tx.Where("folder_id = ?", folder.ID).Delete(&models.Message{}).Error; err != nil {
		return fmt.Errorf("failed to delete folder messages: %w", err)
	}
	if err := tx.Where("folder_id = ?", folder.ID).Delete(&models.FolderSyncState{}).Error; err != nil {
		return fmt.Errorf("failed to delete folder sync state: %w", err)
	}
	if err := tx.Delete(&models.Folder{}, folder.ID).Error; err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// markAccountReauth 标记账户需要重新认证
// 凭据由外部协作方刷新，标记后引擎不再排该账户的远端任务
func markAccountReauth(db *gorm.DB, account *models.EmailAccount, cause error) {
	log.Printf("Account %s needs reauthentication: %v", account.Email, cause)
	err := db.Model(account).Updates(map[string]interface{}{
		"needs_reauth":  true,
		"sync_status":   "error",
		"error_message": truncateForColumn(cause.Error(), 500),
	}).Error
	if err != nil {
		log.Printf("Failed to mark account %d for reauth: %v", account.ID, err)
	}
}

// truncateForColumn 截断字符串以适配列宽
func truncateForColumn(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
