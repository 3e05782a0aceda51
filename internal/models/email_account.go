package models

import (
	"time"
)

// EmailAccount 邮件账户模型
type EmailAccount struct {
	BaseModel
	Name     string `gorm:"size:100" json:"name"`
	Email    string `gorm:"not null;size:255;uniqueIndex" json:"email"`
	Provider string `gorm:"not null;size:50" json:"provider"` // gmail, outlook, imap, custom

	// IMAP连接信息（凭据由外部协作方管理与刷新）
	IMAPHost     string `gorm:"column:imap_host;size:255" json:"imap_host"`
	IMAPPort     int    `gorm:"column:imap_port;default:993" json:"imap_port"`
	IMAPSecurity string `gorm:"column:imap_security;size:20;default:'ssl'" json:"imap_security"`
	Username     string `gorm:"size:255" json:"username"`
	Password     string `gorm:"size:500" json:"-"`

	// 同步状态
	IsActive     bool       `gorm:"not null;default:true" json:"is_active"`
	NeedsReauth  bool       `gorm:"not null;default:false" json:"needs_reauth"`
	SyncStatus   string     `gorm:"size:20;default:'idle'" json:"sync_status"` // idle, syncing, success, error
	ErrorMessage string     `gorm:"size:500" json:"error_message"`
	LastSyncAt   *time.Time `json:"last_sync_at"`

	// 统计信息
	TotalMessages  int `gorm:"default:0" json:"total_messages"`
	UnreadMessages int `gorm:"default:0" json:"unread_messages"`

	// 关联关系
	Folders []Folder `gorm:"foreignKey:AccountID" json:"folders,omitempty"`
}

// TableName 指定表名
func (EmailAccount) TableName() string {
	return "email_accounts"
}

// MarkNeedsReauth 标记账户需要重新认证
func (a *EmailAccount) MarkNeedsReauth() {
	a.NeedsReauth = true
	a.SyncStatus = "error"
}

// CanSync 检查账户是否可以同步
func (a *EmailAccount) CanSync() bool {
	return a.IsActive && !a.NeedsReauth
}
