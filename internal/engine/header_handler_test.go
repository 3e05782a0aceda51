package engine

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"mailsync/internal/models"
	"mailsync/internal/providers"
	"mailsync/internal/storage"
)

func newHeaderHandler(t *testing.T, db *gorm.DB, provider *fakeProvider) *HeaderSyncHandler {
	t.Helper()

	store, err := storage.NewAttachmentStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test storage: %v", err)
	}
	return NewHeaderSyncHandler(db, &fakeFactory{provider: provider}, store, 100)
}

func loadState(t *testing.T, db *gorm.DB, folderID uint) *models.FolderSyncState {
	t.Helper()

	var state models.FolderSyncState
	if err := db.Where("folder_id = ?", folderID).First(&state).Error; err != nil {
		t.Fatalf("Failed to load sync state: %v", err)
	}
	return &state
}

func TestHeaderSync_PagedFullSync(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)

	// 首次同步前本地残留的消息应当被清掉
	seedMessage(t, db, account.ID, folder.ID, "INBOX#99")

	fake := newFakeProvider()
	fake.pages[""] = &providers.MessagePage{
		Messages:      []*providers.RemoteMessage{remoteMsg("INBOX#1", "first", "INBOX"), remoteMsg("INBOX#2", "second", "INBOX")},
		NextPageToken: "p2",
	}
	fake.pages["p2"] = &providers.MessagePage{
		Messages: []*providers.RemoteMessage{remoteMsg("INBOX#3", "third", "INBOX")},
	}
	fake.marker = "v1:n4"

	handler := newHeaderHandler(t, db, fake)
	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var count int64
	db.Model(&models.Message{}).Where("folder_id = ?", folder.ID).Count(&count)
	if count != 3 {
		t.Errorf("Expected 3 messages after full sync, got %d", count)
	}

	var stale int64
	db.Model(&models.Message{}).Where("remote_id = ?", "INBOX#99").Count(&stale)
	if stale != 0 {
		t.Error("Expected stale local message to be cleared on fresh full sync")
	}

	state := loadState(t, db, folder.ID)
	if state.PageToken != "" {
		t.Errorf("Expected page token cleared, got %q", state.PageToken)
	}
	if state.DeltaToken != "v1:n4" {
		t.Errorf("Expected delta token v1:n4, got %q", state.DeltaToken)
	}
	if state.LastSyncAt == nil {
		t.Error("Expected last sync time to be recorded")
	}
}

func TestHeaderSync_PagedResumeKeepsExisting(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)

	// 上一次同步已持久化页令牌，本地已有第一页的成果
	seedMessage(t, db, account.ID, folder.ID, "INBOX#1")
	state := &models.FolderSyncState{FolderID: folder.ID, AccountID: account.ID, PageToken: "p2"}
	if err := db.Create(state).Error; err != nil {
		t.Fatalf("Failed to seed sync state: %v", err)
	}

	fake := newFakeProvider()
	fake.pages["p2"] = &providers.MessagePage{
		Messages: []*providers.RemoteMessage{remoteMsg("INBOX#3", "third", "INBOX")},
	}
	fake.marker = "v1:n4"

	handler := newHeaderHandler(t, db, fake)
	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var count int64
	db.Model(&models.Message{}).Where("folder_id = ?", folder.ID).Count(&count)
	if count != 2 {
		t.Errorf("Expected resumed sync to keep existing message, got %d messages", count)
	}
}

func TestHeaderSync_DeltaAppliesChanges(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)

	seedMessage(t, db, account.ID, folder.ID, "INBOX#105")
	seedMessage(t, db, account.ID, folder.ID, "INBOX#90")
	state := &models.FolderSyncState{FolderID: folder.ID, AccountID: account.ID, DeltaToken: "v1:n100"}
	if err := db.Create(state).Error; err != nil {
		t.Fatalf("Failed to seed sync state: %v", err)
	}

	fake := newFakeProvider()
	fake.changes[""] = &providers.ChangePage{
		AddedOrUpdated: []*providers.RemoteMessage{
			remoteMsg("INBOX#110", "arrived", "INBOX"),
			// 已移出当前文件夹的消息按删除处理
			remoteMsg("INBOX#105", "moved away", "Archive"),
		},
		RemovedIDs:    []string{"INBOX#90"},
		NextPageToken: "c2",
	}
	fake.changes["c2"] = &providers.ChangePage{NewMarker: "v1:n120"}

	handler := newHeaderHandler(t, db, fake)
	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var arrived int64
	db.Model(&models.Message{}).Where("remote_id = ?", "INBOX#110").Count(&arrived)
	if arrived != 1 {
		t.Error("Expected new message to be created")
	}

	var gone int64
	db.Model(&models.Message{}).Where("remote_id IN ?", []string{"INBOX#105", "INBOX#90"}).Count(&gone)
	if gone != 0 {
		t.Errorf("Expected moved and removed messages to be deleted, %d remain", gone)
	}

	if got := loadState(t, db, folder.ID).DeltaToken; got != "v1:n120" {
		t.Errorf("Expected delta token advanced to v1:n120, got %q", got)
	}
}

func TestHeaderSync_DeltaErrorDoesNotAdvanceMarker(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)

	state := &models.FolderSyncState{FolderID: folder.ID, AccountID: account.ID, DeltaToken: "v1:n100"}
	if err := db.Create(state).Error; err != nil {
		t.Fatalf("Failed to seed sync state: %v", err)
	}

	fake := newFakeProvider()
	fake.changes[""] = &providers.ChangePage{
		AddedOrUpdated: []*providers.RemoteMessage{remoteMsg("INBOX#110", "arrived", "INBOX")},
		NextPageToken:  "c2",
	}
	fake.changeErrs["c2"] = providers.NewConnectionError("imap", "connection reset", nil)

	handler := newHeaderHandler(t, db, fake)
	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err == nil {
		t.Fatal("Expected Handle to fail")
	}

	reloaded := loadState(t, db, folder.ID)
	if reloaded.DeltaToken != "v1:n100" {
		t.Errorf("Expected marker unchanged on error, got %q", reloaded.DeltaToken)
	}
	if reloaded.LastError == "" {
		t.Error("Expected sync error to be recorded")
	}

	// 失败前已提交的页保留，重复应用也要幂等
	var count int64
	db.Model(&models.Message{}).Where("remote_id = ?", "INBOX#110").Count(&count)
	if count != 1 {
		t.Errorf("Expected committed page to survive, got %d copies", count)
	}
}

func TestHeaderSync_DeltaRetryAfterErrorIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)

	seedMessage(t, db, account.ID, folder.ID, "INBOX#90")
	state := &models.FolderSyncState{FolderID: folder.ID, AccountID: account.ID, DeltaToken: "v1:n100"}
	if err := db.Create(state).Error; err != nil {
		t.Fatalf("Failed to seed sync state: %v", err)
	}

	fake := newFakeProvider()
	fake.changes[""] = &providers.ChangePage{
		AddedOrUpdated: []*providers.RemoteMessage{remoteMsg("INBOX#110", "arrived", "INBOX")},
		RemovedIDs:     []string{"INBOX#90"},
		NextPageToken:  "c2",
	}
	fake.changeErrs["c2"] = providers.NewConnectionError("imap", "connection reset", nil)

	handler := newHeaderHandler(t, db, fake)
	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err == nil {
		t.Fatal("Expected first run to fail on second page")
	}

	// 故障恢复后重试：令牌还停在原位，整个窗口从头再拉一遍
	delete(fake.changeErrs, "c2")
	fake.changes["c2"] = &providers.ChangePage{NewMarker: "v1:n120"}

	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	// 重复应用第一页后的最终状态与一次成功同步完全一致
	var arrived int64
	db.Model(&models.Message{}).Where("remote_id = ?", "INBOX#110").Count(&arrived)
	if arrived != 1 {
		t.Errorf("Expected exactly 1 copy of the new message after retry, got %d", arrived)
	}

	var removed int64
	db.Model(&models.Message{}).Where("remote_id = ?", "INBOX#90").Count(&removed)
	if removed != 0 {
		t.Error("Expected removed message to stay deleted after retry")
	}

	if got := loadState(t, db, folder.ID).DeltaToken; got != "v1:n120" {
		t.Errorf("Expected delta token advanced exactly once to v1:n120, got %q", got)
	}

	reloaded := loadState(t, db, folder.ID)
	if reloaded.LastError != "" {
		t.Errorf("Expected sync error cleared after successful retry, got %q", reloaded.LastError)
	}
}

func TestHeaderSync_MarkerExpiredFallsBackToFullSync(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)

	state := &models.FolderSyncState{FolderID: folder.ID, AccountID: account.ID, DeltaToken: "v1:n100"}
	if err := db.Create(state).Error; err != nil {
		t.Fatalf("Failed to seed sync state: %v", err)
	}

	fake := newFakeProvider()
	fake.changeErrs[""] = providers.NewMarkerExpiredError("imap", "v1:n100")
	fake.pages[""] = &providers.MessagePage{
		Messages: []*providers.RemoteMessage{remoteMsg("INBOX#1", "first", "INBOX")},
	}
	fake.marker = "v2:n2"

	handler := newHeaderHandler(t, db, fake)
	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err != nil {
		t.Fatalf("Expected fallback to full sync, got error: %v", err)
	}

	if got := loadState(t, db, folder.ID).DeltaToken; got != "v2:n2" {
		t.Errorf("Expected fresh marker v2:n2 after fallback, got %q", got)
	}
}

func TestHeaderSync_AuthErrorFlagsAccount(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)

	fake := newFakeProvider()
	fake.listErr = providers.NewAuthError("imap", "login failed", nil)

	handler := newHeaderHandler(t, db, fake)
	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err == nil {
		t.Fatal("Expected Handle to fail")
	}

	var reloaded models.EmailAccount
	if err := db.First(&reloaded, account.ID).Error; err != nil {
		t.Fatalf("Failed to reload account: %v", err)
	}
	if !reloaded.NeedsReauth {
		t.Error("Expected account to be flagged for reauthentication")
	}
}

func TestHeaderSync_DeltaUpdatePreservesBodyCache(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)

	msg := seedMessage(t, db, account.ID, folder.ID, "INBOX#50")
	db.Model(msg).Updates(map[string]interface{}{
		"text_body":       "cached body",
		"body_downloaded": true,
		"body_size":       11,
	})

	state := &models.FolderSyncState{FolderID: folder.ID, AccountID: account.ID, DeltaToken: "v1:n100"}
	if err := db.Create(state).Error; err != nil {
		t.Fatalf("Failed to seed sync state: %v", err)
	}

	updated := remoteMsg("INBOX#50", "flag changed", "INBOX")
	updated.IsRead = true
	fake := newFakeProvider()
	fake.changes[""] = &providers.ChangePage{
		AddedOrUpdated: []*providers.RemoteMessage{updated},
		NewMarker:      "v1:n101",
	}

	handler := newHeaderHandler(t, db, fake)
	if err := handler.Handle(context.Background(), NewHeaderSyncJob(account.ID, folder.ID)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var reloaded models.Message
	db.First(&reloaded, msg.ID)
	if !reloaded.IsRead {
		t.Error("Expected read flag to be updated from change event")
	}
	if !reloaded.BodyDownloaded || reloaded.TextBody != "cached body" {
		t.Error("Expected cached body to survive header update")
	}
}
