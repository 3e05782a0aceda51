package engine

import (
	"sync"
	"time"
)

// EngineStatus 引擎运行状态快照
type EngineStatus struct {
	Running          bool      `json:"running"`
	Mode             string    `json:"mode"`
	QueueDepth       int       `json:"queue_depth"`
	InFlightAccounts []uint    `json:"in_flight_accounts"`
	JobsProcessed    uint64    `json:"jobs_processed"`
	JobsFailed       uint64    `json:"jobs_failed"`
	JobsRejected     uint64    `json:"jobs_rejected"`
	LastError        *JobError `json:"last_error,omitempty"`
	CacheUsageBytes  int64     `json:"cache_usage_bytes"`
	CacheQuotaBytes  int64     `json:"cache_quota_bytes"`
	LastEvictionAt   time.Time `json:"last_eviction_at,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
}

// JobError 最近一次任务失败的摘要
type JobError struct {
	JobKey  string    `json:"job_key"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// statusCounters 引擎内部计数器
type statusCounters struct {
	mutex          sync.Mutex
	processed      uint64
	failed         uint64
	rejected       uint64
	lastError      *JobError
	lastEvictionAt time.Time
	startedAt      time.Time
}

func (c *statusCounters) recordProcessed() {
	c.mutex.Lock()
	c.processed++
	c.mutex.Unlock()
}

func (c *statusCounters) recordFailed(jobKey, message string) {
	c.mutex.Lock()
	c.failed++
	c.lastError = &JobError{JobKey: jobKey, Message: message, At: time.Now()}
	c.mutex.Unlock()
}

func (c *statusCounters) recordRejected() {
	c.mutex.Lock()
	c.rejected++
	c.mutex.Unlock()
}

func (c *statusCounters) recordEviction() {
	c.mutex.Lock()
	c.lastEvictionAt = time.Now()
	c.mutex.Unlock()
}

func (c *statusCounters) snapshot() (processed, failed, rejected uint64, lastError *JobError, lastEviction, startedAt time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.lastError != nil {
		copied := *c.lastError
		lastError = &copied
	}
	return c.processed, c.failed, c.rejected, lastError, c.lastEvictionAt, c.startedAt
}
