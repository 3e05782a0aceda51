package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mailsync/internal/models"
)

// GetAccounts 获取账户列表
func (h *Handler) GetAccounts(c *gin.Context) {
	var accounts []models.EmailAccount
	if err := h.db.Order("id ASC").Find(&accounts).Error; err != nil {
		h.respondWithError(c, http.StatusInternalServerError, "Failed to load accounts")
		return
	}
	h.respondWithSuccess(c, accounts)
}

// GetFolders 获取账户的文件夹列表
func (h *Handler) GetFolders(c *gin.Context) {
	accountID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	var folders []models.Folder
	err := h.db.Where("account_id = ?", accountID).Order("name ASC").Find(&folders).Error
	if err != nil {
		h.respondWithError(c, http.StatusInternalServerError, "Failed to load folders")
		return
	}
	h.respondWithSuccess(c, folders)
}
