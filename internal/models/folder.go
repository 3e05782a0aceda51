package models

// Folder 邮件文件夹模型
type Folder struct {
	BaseModel
	AccountID   uint   `gorm:"not null;index" json:"account_id"`
	RemoteID    string `gorm:"column:remote_id;not null;size:255;index" json:"remote_id"` // 服务端文件夹标识（IMAP路径或标签ID）
	Name        string `gorm:"not null;size:100" json:"name"`
	DisplayName string `gorm:"size:100" json:"display_name"`
	Type        string `gorm:"not null;size:20" json:"type"` // inbox, sent, drafts, trash, spam, custom
	Delimiter   string `gorm:"size:10" json:"delimiter"`

	// 文件夹属性
	IsSelectable bool `gorm:"not null;default:true" json:"is_selectable"`

	// 统计信息
	TotalMessages  int `gorm:"default:0" json:"total_messages"`
	UnreadMessages int `gorm:"default:0" json:"unread_messages"`

	// 关联关系
	Account  EmailAccount `gorm:"foreignKey:AccountID" json:"account,omitempty"`
	Messages []Message    `gorm:"foreignKey:FolderID" json:"messages,omitempty"`
}

// TableName 指定表名
func (Folder) TableName() string {
	return "folders"
}

// FolderType 文件夹类型常量
const (
	FolderTypeInbox  = "inbox"
	FolderTypeSent   = "sent"
	FolderTypeDrafts = "drafts"
	FolderTypeTrash  = "trash"
	FolderTypeSpam   = "spam"
	FolderTypeCustom = "custom"
)

// IsPrimary 检查是否为主文件夹（前台轮询的刷新对象）
func (f *Folder) IsPrimary() bool {
	return f.Type == FolderTypeInbox
}
