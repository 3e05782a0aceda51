package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mailsync/internal/config"
	"mailsync/internal/engine"
)

// Handler HTTP处理器
type Handler struct {
	db         *gorm.DB
	config     *config.Config
	controller *engine.Controller
	actions    *engine.ActionService
}

// New 创建处理器实例
func New(db *gorm.DB, cfg *config.Config, controller *engine.Controller) *Handler {
	return &Handler{
		db:         db,
		config:     cfg,
		controller: controller,
		actions:    engine.NewActionService(db, controller, cfg.Sync.MaxActionAttempts),
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/status", h.GetStatus)
		api.POST("/sync", h.TriggerSync)
		api.POST("/lifecycle/foreground", h.EnterForeground)
		api.POST("/lifecycle/background", h.EnterBackground)

		api.GET("/accounts", h.GetAccounts)
		api.GET("/accounts/:id/folders", h.GetFolders)
		api.POST("/accounts/:id/drafts", h.SaveDraft)
		api.POST("/accounts/:id/send", h.SendMessage)

		api.POST("/folders/:id/refresh", h.RefreshFolder)
		api.GET("/folders/:id/messages", h.GetMessages)

		api.GET("/messages/:id", h.GetMessage)
		api.POST("/messages/:id/read", h.MarkRead)
		api.POST("/messages/:id/star", h.Star)
		api.POST("/messages/:id/move", h.Move)
		api.DELETE("/messages/:id", h.DeleteMessage)
		api.POST("/messages/:id/body", h.RequestBody)

		api.POST("/attachments/:id/download", h.RequestAttachment)
		api.GET("/actions", h.GetPendingActions)
	}
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondWithError 返回错误响应
func (h *Handler) respondWithError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "error": message})
}

// respondWithSuccess 返回成功响应
func (h *Handler) respondWithSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// parseUintParam 解析路径参数
func (h *Handler) parseUintParam(c *gin.Context, name string) (uint, bool) {
	value, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		h.respondWithError(c, http.StatusBadRequest, "Invalid "+name+" parameter")
		return 0, false
	}
	return uint(value), true
}

// parseUintQuery 解析查询参数，缺失时返回默认值
func (h *Handler) parseUintQuery(c *gin.Context, name string, defaultValue uint) uint {
	raw := c.Query(name)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return defaultValue
	}
	return uint(value)
}
