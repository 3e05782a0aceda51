package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mailsync/internal/models"
	"mailsync/internal/providers"
)

// GetMessages 分页读取文件夹内的消息头
func (h *Handler) GetMessages(c *gin.Context) {
	folderID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	limit := int(h.parseUintQuery(c, "limit", 50))
	offset := int(h.parseUintQuery(c, "offset", 0))

	var messages []models.Message
	err := h.db.Where("folder_id = ? AND is_deleted = ?", folderID, false).
		Order("date DESC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	if err != nil {
		h.respondWithError(c, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	h.respondWithSuccess(c, messages)
}

// GetMessage 读取单条消息（含附件），刷新访问时间
func (h *Handler) GetMessage(c *gin.Context) {
	messageID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	var msg models.Message
	err := h.db.Preload("Attachments").First(&msg, messageID).Error
	if err != nil {
		h.respondWithError(c, http.StatusNotFound, "Message not found")
		return
	}

	h.db.Model(&msg).Update("last_accessed_at", time.Now())
	h.respondWithSuccess(c, msg)
}

// readRequest 已读标记请求体
type readRequest struct {
	Read bool `json:"read"`
}

// MarkRead 标记消息已读/未读
func (h *Handler) MarkRead(c *gin.Context) {
	messageID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.actions.MarkRead(messageID, req.Read); err != nil {
		h.respondWithError(c, http.StatusNotFound, err.Error())
		return
	}
	h.respondWithSuccess(c, gin.H{"message_id": messageID, "read": req.Read})
}

// starRequest 星标请求体
type starRequest struct {
	Starred bool `json:"starred"`
}

// Star 标记/取消星标
func (h *Handler) Star(c *gin.Context) {
	messageID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	var req starRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.actions.Star(messageID, req.Starred); err != nil {
		h.respondWithError(c, http.StatusNotFound, err.Error())
		return
	}
	h.respondWithSuccess(c, gin.H{"message_id": messageID, "starred": req.Starred})
}

// moveRequest 移动请求体
type moveRequest struct {
	TargetFolderID uint `json:"target_folder_id" binding:"required"`
}

// Move 移动消息到目标文件夹
func (h *Handler) Move(c *gin.Context) {
	messageID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.actions.Move(messageID, req.TargetFolderID); err != nil {
		h.respondWithError(c, http.StatusNotFound, err.Error())
		return
	}
	h.respondWithSuccess(c, gin.H{"message_id": messageID, "target_folder_id": req.TargetFolderID})
}

// DeleteMessage 删除消息
func (h *Handler) DeleteMessage(c *gin.Context) {
	messageID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	if err := h.actions.Delete(messageID); err != nil {
		h.respondWithError(c, http.StatusNotFound, err.Error())
		return
	}
	h.respondWithSuccess(c, gin.H{"message_id": messageID, "deleted": true})
}

// RequestBody 按需请求消息正文下载
func (h *Handler) RequestBody(c *gin.Context) {
	messageID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	if err := h.actions.RequestBody(messageID); err != nil {
		h.respondWithError(c, http.StatusNotFound, err.Error())
		return
	}
	h.respondWithSuccess(c, gin.H{"message_id": messageID})
}

// RequestAttachment 按需请求附件下载
func (h *Handler) RequestAttachment(c *gin.Context) {
	attachmentID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	if err := h.actions.RequestAttachment(attachmentID); err != nil {
		h.respondWithError(c, http.StatusNotFound, err.Error())
		return
	}
	h.respondWithSuccess(c, gin.H{"attachment_id": attachmentID})
}

// composeRequest 草稿/发送请求体
type composeRequest struct {
	Subject  string                    `json:"subject"`
	To       []providers.RemoteAddress `json:"to"`
	TextBody string                    `json:"text_body"`
	HTMLBody string                    `json:"html_body"`
}

// SaveDraft 保存草稿
func (h *Handler) SaveDraft(c *gin.Context) {
	accountID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.actions.SaveDraft(accountID, &providers.OutgoingMessage{
		Subject:  req.Subject,
		To:       req.To,
		TextBody: req.TextBody,
		HTMLBody: req.HTMLBody,
	})
	if err != nil {
		h.respondWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	h.respondWithSuccess(c, msg)
}

// SendMessage 发送消息
func (h *Handler) SendMessage(c *gin.Context) {
	accountID, ok := h.parseUintParam(c, "id")
	if !ok {
		return
	}

	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.actions.Send(accountID, &providers.OutgoingMessage{
		Subject:  req.Subject,
		To:       req.To,
		TextBody: req.TextBody,
		HTMLBody: req.HTMLBody,
	})
	if err != nil {
		h.respondWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	h.respondWithSuccess(c, msg)
}
