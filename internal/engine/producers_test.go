package engine

import (
	"context"
	"testing"
	"time"

	"mailsync/internal/config"
	"mailsync/internal/eviction"
	"mailsync/internal/models"
	"mailsync/internal/storage"
)

func TestSyncProducer_ActiveCoversPrimaryFoldersOnly(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	inbox := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)
	seedFolder(t, db, account.ID, "Archive", models.FolderTypeCustom)

	active := NewSyncProducer(db, true)
	jobs, err := active.Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job in active regime, got %d", len(jobs))
	}
	if jobs[0].Type != JobTypeHeaderSync || jobs[0].FolderID != inbox.ID {
		t.Errorf("Expected header sync for inbox, got %+v", jobs[0])
	}

	passive := NewSyncProducer(db, false)
	jobs, err = passive.Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	// 被动档：文件夹列表 + 两个文件夹的消息头同步
	if len(jobs) != 3 {
		t.Errorf("Expected 3 jobs in passive regime, got %d", len(jobs))
	}
}

func TestSyncProducer_SkipsReauthAccounts(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)
	db.Model(&models.EmailAccount{}).Where("id = ?", account.ID).Update("needs_reauth", true)

	jobs, err := NewSyncProducer(db, false).Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Expected no jobs for reauth account, got %d", len(jobs))
	}
}

func TestBackfillProducer(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	stale := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)
	fresh := seedFolder(t, db, account.ID, "Archive", models.FolderTypeCustom)

	old := time.Now().Add(-2 * time.Hour)
	now := time.Now()
	db.Create(&models.FolderSyncState{FolderID: stale.ID, AccountID: account.ID, LastSyncAt: &old})
	db.Create(&models.FolderSyncState{FolderID: fresh.ID, AccountID: account.ID, LastSyncAt: &now})

	jobs, err := NewBackfillProducer(db, time.Hour).Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	if len(jobs) != 1 {
		t.Fatalf("Expected 1 backfill job, got %d", len(jobs))
	}
	if jobs[0].FolderID != stale.ID {
		t.Errorf("Expected backfill for stale folder %d, got %d", stale.ID, jobs[0].FolderID)
	}
}

func TestBulkFetchProducer_MarksPending(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)
	msg := seedMessage(t, db, account.ID, folder.ID, "INBOX#1")

	cached := seedMessage(t, db, account.ID, folder.ID, "INBOX#2")
	db.Model(cached).Update("body_downloaded", true)

	jobs, err := NewBulkFetchProducer(db, 10).Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	if len(jobs) != 1 {
		t.Fatalf("Expected 1 fetch job, got %d", len(jobs))
	}
	if jobs[0].EntityID != msg.ID {
		t.Errorf("Expected fetch for message %d, got %d", msg.ID, jobs[0].EntityID)
	}

	var reloaded models.Message
	db.First(&reloaded, msg.ID)
	if !reloaded.BodyPending {
		t.Error("Expected candidate to be marked body pending")
	}

	// 再跑一轮：已标记pending的不重复产出
	jobs, _ = NewBulkFetchProducer(db, 10).Produce(context.Background())
	if len(jobs) != 0 {
		t.Errorf("Expected no duplicate jobs, got %d", len(jobs))
	}
}

func TestEvictionProducer_TriggersAboveWatermark(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)
	msg := seedMessage(t, db, account.ID, folder.ID, "INBOX#1")

	cacheCfg := &config.CacheConfig{
		QuotaBytes:    1000,
		RetentionDays: 90,
		EvictTrigger:  0.98,
		EvictTarget:   0.80,
	}
	store, _ := storage.NewAttachmentStorage(t.TempDir())
	evictor := eviction.NewEngine(db, cacheCfg, store)
	producer := NewEvictionProducer(evictor, cacheCfg)

	jobs, err := producer.Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Expected no eviction below trigger, got %d jobs", len(jobs))
	}

	// 占用推过触发水位
	db.Model(msg).Updates(map[string]interface{}{"body_downloaded": true, "body_size": 990})

	jobs, err = producer.Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Type != JobTypeEviction {
		t.Errorf("Expected eviction job above trigger, got %v", jobs)
	}
}

func TestUploadProducer(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)
	folder := seedFolder(t, db, account.ID, "INBOX", models.FolderTypeInbox)
	msg := seedMessage(t, db, account.ID, folder.ID, "INBOX#1")
	seedAction(t, db, account.ID, msg.ID, models.ActionMarkRead, ActionPayload{Read: true})

	jobs, err := NewUploadProducer(db).Produce(context.Background())
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Type != JobTypeUpload || jobs[0].AccountID != account.ID {
		t.Errorf("Expected upload job for account %d, got %v", account.ID, jobs)
	}

	// 终态失败的变更不再驱动上传
	db.Model(&models.PendingAction{}).Where("account_id = ?", account.ID).
		Updates(map[string]interface{}{"status": models.ActionStatusFailed, "attempt_count": 3})
	jobs, _ = NewUploadProducer(db).Produce(context.Background())
	if len(jobs) != 0 {
		t.Errorf("Expected no jobs for failed actions, got %d", len(jobs))
	}
}
