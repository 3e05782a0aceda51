package models

import (
	"encoding/json"
	"time"
)

// Message 邮件消息模型（头信息常驻，正文按需缓存）
type Message struct {
	BaseModel
	AccountID uint   `gorm:"not null;uniqueIndex:idx_messages_account_remote" json:"account_id"`
	FolderID  uint   `gorm:"not null;index" json:"folder_id"`
	RemoteID  string `gorm:"column:remote_id;not null;size:255;uniqueIndex:idx_messages_account_remote" json:"remote_id"` // 服务端消息标识
	MessageID string `gorm:"size:255;index" json:"message_id"`                                                            // RFC822 Message-ID

	// 邮件头信息
	Subject string    `gorm:"size:500" json:"subject"`
	From    string    `gorm:"column:from_address;size:255" json:"from"`
	To      string    `gorm:"column:to_addresses;type:text" json:"to"` // JSON数组格式
	Date    time.Time `gorm:"index" json:"date"`
	Labels  string    `gorm:"type:text" json:"labels"` // JSON数组格式，服务端文件夹/标签成员关系

	// 邮件状态
	IsRead    bool `gorm:"not null;default:false;index" json:"is_read"`
	IsStarred bool `gorm:"not null;default:false" json:"is_starred"`
	IsDraft   bool `gorm:"not null;default:false" json:"is_draft"`
	IsOutbox  bool `gorm:"not null;default:false" json:"is_outbox"`
	IsDeleted bool `gorm:"not null;default:false;index" json:"is_deleted"`

	// 正文缓存状态
	TextBody       string `gorm:"type:text" json:"text_body"`
	HTMLBody       string `gorm:"type:text" json:"html_body"`
	BodyDownloaded bool   `gorm:"not null;default:false;index" json:"body_downloaded"`
	BodySize       int64  `gorm:"default:0" json:"body_size"`
	BodyPending    bool   `gorm:"not null;default:false" json:"body_pending"` // 正文下载任务进行中，淘汰时跳过

	// 附件与大小
	Size          int64 `gorm:"default:0" json:"size"`
	HasAttachment bool  `gorm:"not null;default:false" json:"has_attachment"`

	// 访问与同步时间
	LastAccessedAt time.Time  `gorm:"index" json:"last_accessed_at"`
	SyncedAt       *time.Time `json:"synced_at"`

	// 关联关系
	Account     EmailAccount `gorm:"foreignKey:AccountID" json:"account,omitempty"`
	Folder      Folder       `gorm:"foreignKey:FolderID" json:"folder,omitempty"`
	Attachments []Attachment `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}

// GetLabels 获取标签列表
func (m *Message) GetLabels() ([]string, error) {
	if m.Labels == "" {
		return []string{}, nil
	}

	var labels []string
	err := json.Unmarshal([]byte(m.Labels), &labels)
	return labels, err
}

// SetLabels 设置标签列表
func (m *Message) SetLabels(labels []string) error {
	data, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	m.Labels = string(data)
	return nil
}

// HasLabel 检查消息是否属于指定文件夹/标签
func (m *Message) HasLabel(label string) bool {
	labels, err := m.GetLabels()
	if err != nil {
		return false
	}
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// Touch 更新最后访问时间（读取时调用）
func (m *Message) Touch() {
	m.LastAccessedAt = time.Now()
}

// IsEvictable 检查消息本身是否处于可淘汰状态
// 草稿、发件箱以及正文下载中的消息不可淘汰
func (m *Message) IsEvictable() bool {
	return !m.IsDraft && !m.IsOutbox && !m.BodyPending
}

// ClearBody 清除缓存的正文内容
func (m *Message) ClearBody() {
	m.TextBody = ""
	m.HTMLBody = ""
	m.BodyDownloaded = false
	m.BodySize = 0
}
