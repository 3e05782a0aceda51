package models

import (
	"encoding/json"
	"time"
)

// PendingAction 待上传的本地变更记录
// 本地乐观写入的同时创建，远端确认成功后删除
type PendingAction struct {
	BaseModel
	AccountID  uint   `gorm:"not null;index" json:"account_id"`
	EntityID   uint   `gorm:"not null;index" json:"entity_id"` // 本地消息ID
	ActionType string `gorm:"not null;size:30" json:"action_type"`
	Payload    string `gorm:"type:text" json:"payload"` // JSON参数

	// 重试状态机
	Status        string     `gorm:"not null;size:20;default:'pending';index" json:"status"` // pending, retry, failed
	AttemptCount  int        `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts   int        `gorm:"not null;default:3" json:"max_attempts"`
	LastError     string     `gorm:"size:500" json:"last_error"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
}

// TableName 指定表名
func (PendingAction) TableName() string {
	return "pending_actions"
}

// PendingAction状态常量
const (
	ActionStatusPending = "pending"
	ActionStatusRetry   = "retry"
	ActionStatusFailed  = "failed"
)

// 动作类型常量
const (
	ActionMarkRead  = "mark_read"
	ActionStar      = "star"
	ActionDelete    = "delete"
	ActionMove      = "move"
	ActionSend      = "send"
	ActionSaveDraft = "save_draft"
)

// IsRunnable 检查动作是否还可以尝试上传
func (p *PendingAction) IsRunnable() bool {
	return (p.Status == ActionStatusPending || p.Status == ActionStatusRetry) &&
		p.AttemptCount < p.MaxAttempts
}

// RecordFailure 记录一次失败尝试，用尽次数后转为failed
func (p *PendingAction) RecordFailure(err error) {
	p.AttemptCount++
	now := time.Now()
	p.LastAttemptAt = &now
	p.LastError = truncateError(err)

	if p.AttemptCount >= p.MaxAttempts {
		p.Status = ActionStatusFailed
	} else {
		p.Status = ActionStatusRetry
	}
}

// GetPayload 解析动作参数
func (p *PendingAction) GetPayload(dest interface{}) error {
	if p.Payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(p.Payload), dest)
}

// SetPayload 设置动作参数
func (p *PendingAction) SetPayload(src interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	p.Payload = string(data)
	return nil
}

// truncateError 截断错误信息，避免超出列宽
func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
