package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailsync/internal/models"
)

// GetStatus 获取引擎状态快照
func (h *Handler) GetStatus(c *gin.Context) {
	h.respondWithSuccess(c, h.controller.Status())
}

// EnterForeground 应用进入前台，切到主动轮询档
func (h *Handler) EnterForeground(c *gin.Context) {
	h.controller.EnterForeground()
	h.respondWithSuccess(c, gin.H{"mode": h.controller.Mode()})
}

// EnterBackground 应用退到后台，切回被动轮询档
func (h *Handler) EnterBackground(c *gin.Context) {
	h.controller.EnterBackground()
	h.respondWithSuccess(c, gin.H{"mode": h.controller.Mode()})
}

// TriggerSync 手动触发同步
// 带account_id只同步单个账户，否则同步全部可用账户
func (h *Handler) TriggerSync(c *gin.Context) {
	accountID := h.parseUintQuery(c, "account_id", 0)

	if accountID != 0 {
		if err := h.controller.TriggerAccountSync(accountID); err != nil {
			h.respondWithError(c, http.StatusNotFound, err.Error())
			return
		}
		h.respondWithSuccess(c, gin.H{"triggered": []uint{accountID}})
		return
	}

	var accounts []models.EmailAccount
	err := h.db.Where("is_active = ? AND needs_reauth = ?", true, false).Find(&accounts).Error
	if err != nil {
		h.respondWithError(c, http.StatusInternalServerError, "Failed to load accounts")
		return
	}

	var triggered []uint
	for _, account := range accounts {
		if err := h.controller.TriggerAccountSync(account.ID); err == nil {
			triggered = append(triggered, account.ID)
		}
	}
	h.respondWithSuccess(c, gin.H{"triggered": triggered})
}

// RefreshFolder 强制刷新文件夹
// 清空水位线后重新全量同步
func (h *Handler) RefreshFolder(c *gin.Context) {
	folderID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	if err := h.controller.ForceRefreshFolder(folderID); err != nil {
		h.respondWithError(c, http.StatusNotFound, err.Error())
		return
	}
	h.respondWithSuccess(c, gin.H{"folder_id": folderID})
}

// GetPendingActions 查看待上传变更（含终态失败的）
func (h *Handler) GetPendingActions(c *gin.Context) {
	accountID := h.parseUintQuery(c, "account_id", 0)

	query := h.db.Order("id ASC")
	if accountID != 0 {
		query = query.Where("account_id = ?", accountID)
	}

	var actions []models.PendingAction
	if err := query.Find(&actions).Error; err != nil {
		h.respondWithError(c, http.StatusInternalServerError, "Failed to load pending actions")
		return
	}
	h.respondWithSuccess(c, actions)
}
