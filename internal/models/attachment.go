package models

import (
	"fmt"
)

// Attachment 附件模型
type Attachment struct {
	BaseModel
	MessageID   uint   `gorm:"not null;index" json:"message_id"`
	AccountID   uint   `gorm:"not null;index" json:"account_id"`
	Filename    string `gorm:"not null;size:255" json:"filename"`
	ContentType string `gorm:"size:100" json:"content_type"`
	Size        int64  `gorm:"not null" json:"size"`
	PartID      string `gorm:"column:part_id;size:50" json:"part_id"` // 服务端part标识，用于按需下载

	// 存储信息
	StoragePath     string `gorm:"column:file_path;size:500" json:"storage_path,omitempty"`
	IsDownloaded    bool   `gorm:"column:is_downloaded;not null;default:false;index" json:"is_downloaded"`
	DownloadPending bool   `gorm:"not null;default:false" json:"download_pending"` // 下载任务进行中，淘汰时跳过

	// 关联关系
	Message Message `gorm:"foreignKey:MessageID" json:"message,omitempty"`
}

// TableName 指定表名
func (Attachment) TableName() string {
	return "attachments"
}

// IsEvictable 检查附件是否处于可淘汰状态
func (a *Attachment) IsEvictable() bool {
	return a.IsDownloaded && !a.DownloadPending
}

// GetHumanReadableSize 获取人类可读的文件大小
func (a *Attachment) GetHumanReadableSize() string {
	const unit = 1024
	if a.Size < unit {
		return fmt.Sprintf("%d B", a.Size)
	}

	div, exp := int64(unit), 0
	for n := a.Size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(a.Size)/float64(div), "KMGTPE"[exp])
}
