package engine

import (
	"fmt"
	"time"
)

// JobType 任务类型
type JobType string

const (
	// JobTypeFolderList 同步账户的文件夹列表
	JobTypeFolderList JobType = "folder_list"
	// JobTypeHeaderSync 同步文件夹内的消息头（分页全量或增量）
	JobTypeHeaderSync JobType = "header_sync"
	// JobTypeBodyFetch 下载单条消息的正文
	JobTypeBodyFetch JobType = "body_fetch"
	// JobTypeAttachmentFetch 下载单个附件
	JobTypeAttachmentFetch JobType = "attachment_fetch"
	// JobTypeUpload 上传账户的待同步本地变更
	JobTypeUpload JobType = "upload_actions"
	// JobTypeEviction 执行缓存淘汰
	JobTypeEviction JobType = "eviction"
)

// 任务优先级，数值越大越先执行
const (
	PriorityEviction   = 100
	PriorityUpload     = 90
	PriorityFolderList = 70
	PriorityHeaderSync = 60
	PriorityBodyFetch  = 30
	PriorityAttachment = 20
)

// Job 同步任务
// 任务由类型加参数唯一标识，相同标识的任务在队列中去重
type Job struct {
	Type      JobType `json:"type"`
	AccountID uint    `json:"account_id"` // 0表示全局任务（如淘汰）
	FolderID  uint    `json:"folder_id"`
	EntityID  uint    `json:"entity_id"` // 消息或附件的本地ID
	Priority  int     `json:"priority"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	seq        uint64    // 同优先级内按入队顺序出队
}

// Key 返回任务的去重标识
func (j *Job) Key() string {
	return fmt.Sprintf("%s:%d:%d:%d", j.Type, j.AccountID, j.FolderID, j.EntityID)
}

// String 实现fmt.Stringer
func (j *Job) String() string {
	return j.Key()
}

// NewFolderListJob 创建文件夹列表同步任务
func NewFolderListJob(accountID uint) *Job {
	return &Job{Type: JobTypeFolderList, AccountID: accountID, Priority: PriorityFolderList}
}

// NewHeaderSyncJob 创建消息头同步任务
func NewHeaderSyncJob(accountID, folderID uint) *Job {
	return &Job{Type: JobTypeHeaderSync, AccountID: accountID, FolderID: folderID, Priority: PriorityHeaderSync}
}

// NewBodyFetchJob 创建正文下载任务
func NewBodyFetchJob(accountID, messageID uint) *Job {
	return &Job{Type: JobTypeBodyFetch, AccountID: accountID, EntityID: messageID, Priority: PriorityBodyFetch}
}

// NewAttachmentFetchJob 创建附件下载任务
func NewAttachmentFetchJob(accountID, attachmentID uint) *Job {
	return &Job{Type: JobTypeAttachmentFetch, AccountID: accountID, EntityID: attachmentID, Priority: PriorityAttachment}
}

// NewUploadJob 创建变更上传任务
func NewUploadJob(accountID uint) *Job {
	return &Job{Type: JobTypeUpload, AccountID: accountID, Priority: PriorityUpload}
}

// NewEvictionJob 创建缓存淘汰任务
func NewEvictionJob() *Job {
	return &Job{Type: JobTypeEviction, Priority: PriorityEviction}
}
