package models

import (
	"time"
)

// FolderSyncState 文件夹同步状态（水位线）
// PageToken与DeltaToken互斥：分页全量期间持有PageToken，
// 分页完成后换取DeltaToken进入增量同步
type FolderSyncState struct {
	BaseModel
	FolderID  uint `gorm:"not null;uniqueIndex" json:"folder_id"`
	AccountID uint `gorm:"not null;index" json:"account_id"`

	PageToken  string `gorm:"size:500" json:"page_token"`
	DeltaToken string `gorm:"size:500" json:"delta_token"`

	LastSyncAt  *time.Time `json:"last_sync_at"`
	LastError   string     `gorm:"size:500" json:"last_error"`
	LastErrorAt *time.Time `json:"last_error_at"`
}

// TableName 指定表名
func (FolderSyncState) TableName() string {
	return "folder_sync_states"
}

// HasDeltaToken 检查是否已进入增量同步阶段
func (s *FolderSyncState) HasDeltaToken() bool {
	return s.DeltaToken != ""
}

// RecordError 记录同步错误，不推进水位线
func (s *FolderSyncState) RecordError(err error) {
	now := time.Now()
	s.LastError = truncateError(err)
	s.LastErrorAt = &now
}

// RecordSuccess 记录一次成功同步
func (s *FolderSyncState) RecordSuccess() {
	now := time.Now()
	s.LastSyncAt = &now
	s.LastError = ""
	s.LastErrorAt = nil
}

// Reset 清空水位线（显式全量重新同步）
func (s *FolderSyncState) Reset() {
	s.PageToken = ""
	s.DeltaToken = ""
}
