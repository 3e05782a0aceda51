package providers

import (
	"context"
	"time"

	"mailsync/internal/models"
)

// RemoteFolder 服务端文件夹信息
type RemoteFolder struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Delimiter  string `json:"delimiter"`
	Selectable bool   `json:"selectable"`
}

// RemoteAddress 服务端地址信息
type RemoteAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// RemoteAttachment 服务端附件元信息（不含内容）
type RemoteAttachment struct {
	PartID      string `json:"part_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// RemoteMessage 服务端消息头信息
type RemoteMessage struct {
	ID          string             `json:"id"`         // 服务端消息标识
	MessageID   string             `json:"message_id"` // RFC822 Message-ID
	Subject     string             `json:"subject"`
	From        *RemoteAddress     `json:"from"`
	To          []RemoteAddress    `json:"to"`
	Date        time.Time          `json:"date"`
	Labels      []string           `json:"labels"` // 文件夹/标签成员关系，增量分类时逐条检查
	IsRead      bool               `json:"is_read"`
	IsStarred   bool               `json:"is_starred"`
	IsDraft     bool               `json:"is_draft"`
	Size        int64              `json:"size"`
	Attachments []RemoteAttachment `json:"attachments"`
}

// MessagePage 分页列表的一页
type MessagePage struct {
	Messages      []*RemoteMessage `json:"messages"`
	NextPageToken string           `json:"next_page_token"` // 为空表示没有更多页
}

// ChangePage 增量变更的一页
// 窗口内始终以同一起始标记请求，仅用NextPageToken翻页；
// 最后一页携带NewMarker作为下一轮增量的起点
type ChangePage struct {
	AddedOrUpdated []*RemoteMessage `json:"added_or_updated"`
	RemovedIDs     []string         `json:"removed_ids"`
	NextPageToken  string           `json:"next_page_token"`
	NewMarker      string           `json:"new_marker"`
}

// MessageContent 消息完整内容
type MessageContent struct {
	TextBody    string             `json:"text_body"`
	HTMLBody    string             `json:"html_body"`
	Size        int64              `json:"size"`
	Attachments []RemoteAttachment `json:"attachments"`
}

// OutgoingMessage 待发送/保存的消息
type OutgoingMessage struct {
	Subject  string          `json:"subject"`
	To       []RemoteAddress `json:"to"`
	TextBody string          `json:"text_body"`
	HTMLBody string          `json:"html_body"`
}

// MailProvider 邮件服务适配器接口（每账户一个实例）
// 所有方法返回的错误应当可以通过IsAuthError等辅助函数分类
type MailProvider interface {
	// ListFolders 列出服务端文件夹
	ListFolders(ctx context.Context) ([]*RemoteFolder, error)

	// ListMessages 分页列出文件夹内的消息头
	// pageToken为空表示从头开始
	ListMessages(ctx context.Context, folderID string, pageSize int, pageToken string) (*MessagePage, error)

	// GetSyncMarker 获取当前同步标记，作为后续增量同步的起点
	GetSyncMarker(ctx context.Context, folderID string) (string, error)

	// ListChanges 列出自marker以来的增量变更
	// marker在整个窗口内保持不变，翻页仅通过pageToken
	ListChanges(ctx context.Context, folderID, marker, pageToken string, pageSize int) (*ChangePage, error)

	// FetchMessage 获取消息完整内容
	FetchMessage(ctx context.Context, messageID string) (*MessageContent, error)

	// FetchAttachment 获取附件内容
	FetchAttachment(ctx context.Context, messageID, partID string) ([]byte, error)

	// 变更操作
	MarkRead(ctx context.Context, messageID string, read bool) error
	Star(ctx context.Context, messageID string, starred bool) error
	DeleteMessage(ctx context.Context, messageID string) error
	MoveMessage(ctx context.Context, messageID, targetFolderID string) error
	SendMessage(ctx context.Context, msg *OutgoingMessage) error
	SaveDraft(ctx context.Context, msg *OutgoingMessage) (string, error)

	// Close 释放连接资源
	Close() error
}

// ProviderFactory 提供商工厂接口
type ProviderFactory interface {
	// ProviderFor 为指定账户创建提供商实例
	ProviderFor(account *models.EmailAccount) (MailProvider, error)
}
