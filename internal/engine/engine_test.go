package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailsync/internal/database"
	"mailsync/internal/models"
	"mailsync/internal/providers"
)

// newTestDB 创建测试数据库（纯Go驱动，文件放在临时目录）
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "engine_test.db")
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dbPath,
	}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(database.AllModels()...); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// seedAccount 建立测试账户
func seedAccount(t *testing.T, db *gorm.DB) *models.EmailAccount {
	t.Helper()

	account := &models.EmailAccount{
		Name:     "Test",
		Email:    "test@example.com",
		Provider: "imap",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		Username: "test@example.com",
		Password: "secret",
		IsActive: true,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("Failed to seed account: %v", err)
	}
	return account
}

// seedFolder 建立测试文件夹
func seedFolder(t *testing.T, db *gorm.DB, accountID uint, remoteID, folderType string) *models.Folder {
	t.Helper()

	folder := &models.Folder{
		AccountID:    accountID,
		RemoteID:     remoteID,
		Name:         remoteID,
		Type:         folderType,
		IsSelectable: true,
	}
	if err := db.Create(folder).Error; err != nil {
		t.Fatalf("Failed to seed folder: %v", err)
	}
	return folder
}

// seedMessage 建立测试消息
func seedMessage(t *testing.T, db *gorm.DB, accountID, folderID uint, remoteID string) *models.Message {
	t.Helper()

	msg := &models.Message{
		AccountID:      accountID,
		FolderID:       folderID,
		RemoteID:       remoteID,
		Subject:        "subject " + remoteID,
		Date:           time.Now(),
		LastAccessedAt: time.Now(),
	}
	if err := db.Create(msg).Error; err != nil {
		t.Fatalf("Failed to seed message: %v", err)
	}
	return msg
}

// fakeProvider 脚本化的测试提供商
// 分页和增量响应按令牌查表返回，变更操作记录调用
type fakeProvider struct {
	folders []*providers.RemoteFolder
	pages   map[string]*providers.MessagePage // key为页令牌，""表示首页
	changes map[string]*providers.ChangePage

	marker     string
	listErr    error
	changeErrs map[string]error // 指定令牌的请求返回错误
	actionErr  error

	actionCalls []string
	closed      bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pages:      make(map[string]*providers.MessagePage),
		changes:    make(map[string]*providers.ChangePage),
		changeErrs: make(map[string]error),
	}
}

func (f *fakeProvider) ListFolders(ctx context.Context) ([]*providers.RemoteFolder, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.folders, nil
}

func (f *fakeProvider) ListMessages(ctx context.Context, folderID string, pageSize int, pageToken string) (*providers.MessagePage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	page, ok := f.pages[pageToken]
	if !ok {
		return &providers.MessagePage{}, nil
	}
	return page, nil
}

func (f *fakeProvider) GetSyncMarker(ctx context.Context, folderID string) (string, error) {
	return f.marker, nil
}

func (f *fakeProvider) ListChanges(ctx context.Context, folderID, marker, pageToken string, pageSize int) (*providers.ChangePage, error) {
	if err, ok := f.changeErrs[pageToken]; ok {
		return nil, err
	}
	page, ok := f.changes[pageToken]
	if !ok {
		return &providers.ChangePage{NewMarker: marker}, nil
	}
	return page, nil
}

func (f *fakeProvider) FetchMessage(ctx context.Context, messageID string) (*providers.MessageContent, error) {
	return &providers.MessageContent{
		TextBody: "plain body",
		HTMLBody: "<p>html body</p>",
	}, nil
}

func (f *fakeProvider) FetchAttachment(ctx context.Context, messageID, partID string) ([]byte, error) {
	return []byte("attachment-bytes"), nil
}

func (f *fakeProvider) MarkRead(ctx context.Context, messageID string, read bool) error {
	f.actionCalls = append(f.actionCalls, "mark_read:"+messageID)
	return f.actionErr
}

func (f *fakeProvider) Star(ctx context.Context, messageID string, starred bool) error {
	f.actionCalls = append(f.actionCalls, "star:"+messageID)
	return f.actionErr
}

func (f *fakeProvider) DeleteMessage(ctx context.Context, messageID string) error {
	f.actionCalls = append(f.actionCalls, "delete:"+messageID)
	return f.actionErr
}

func (f *fakeProvider) MoveMessage(ctx context.Context, messageID, targetFolderID string) error {
	f.actionCalls = append(f.actionCalls, "move:"+messageID+">"+targetFolderID)
	return f.actionErr
}

func (f *fakeProvider) SendMessage(ctx context.Context, msg *providers.OutgoingMessage) error {
	f.actionCalls = append(f.actionCalls, "send:"+msg.Subject)
	return f.actionErr
}

func (f *fakeProvider) SaveDraft(ctx context.Context, msg *providers.OutgoingMessage) (string, error) {
	f.actionCalls = append(f.actionCalls, "save_draft:"+msg.Subject)
	return "", f.actionErr
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

// fakeFactory 始终返回同一个脚本化提供商
type fakeFactory struct {
	provider *fakeProvider
}

func (f *fakeFactory) ProviderFor(account *models.EmailAccount) (providers.MailProvider, error) {
	return f.provider, nil
}

// fakeSubmitter 记录提交的任务
type fakeSubmitter struct {
	jobs []*Job
}

func (f *fakeSubmitter) Submit(job *Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeSubmitter) hasJob(jobType JobType) bool {
	for _, job := range f.jobs {
		if job.Type == jobType {
			return true
		}
	}
	return false
}

// remoteMsg 构造测试用的服务端消息头
func remoteMsg(id, subject string, labels ...string) *providers.RemoteMessage {
	return &providers.RemoteMessage{
		ID:      id,
		Subject: subject,
		Date:    time.Now(),
		Labels:  labels,
	}
}
