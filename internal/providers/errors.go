package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType 错误类型
type ErrorType string

const (
	// 连接错误
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 认证错误
	ErrorTypeAuth        ErrorType = "authentication"
	ErrorTypeCredentials ErrorType = "credentials"

	// 协议错误
	ErrorTypeProtocol ErrorType = "protocol"

	// 服务器错误
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"

	// 数据错误
	ErrorTypeDataFormat    ErrorType = "data_format"
	ErrorTypeMarkerExpired ErrorType = "marker_expired"

	// 未知错误
	ErrorTypeUnknown ErrorType = "unknown"
)

// MailError 提供商错误
type MailError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Provider  string    `json:"provider"`
	Retryable bool      `json:"retryable"`
	Temporary bool      `json:"temporary"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error 实现error接口
func (e *MailError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 实现errors.Unwrap接口
func (e *MailError) Unwrap() error {
	return e.Cause
}

// Is 实现errors.Is接口
func (e *MailError) Is(target error) bool {
	if me, ok := target.(*MailError); ok {
		return e.Type == me.Type && e.Code == me.Code
	}
	return false
}

// NewAuthError 创建认证错误
func NewAuthError(provider, message string, cause error) *MailError {
	return &MailError{
		Type:      ErrorTypeAuth,
		Code:      "AUTH_FAILED",
		Message:   message,
		Provider:  provider,
		Retryable: false,
		Temporary: false,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewConnectionError 创建连接错误
func NewConnectionError(provider, message string, cause error) *MailError {
	return &MailError{
		Type:      ErrorTypeConnection,
		Code:      "CONNECTION_FAILED",
		Message:   message,
		Provider:  provider,
		Retryable: true,
		Temporary: true,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewMarkerExpiredError 创建增量标记失效错误
// 标记失效意味着服务端无法再提供从该标记起的变更，需要重新全量同步
func NewMarkerExpiredError(provider, marker string) *MailError {
	return &MailError{
		Type:      ErrorTypeMarkerExpired,
		Code:      "MARKER_EXPIRED",
		Message:   fmt.Sprintf("sync marker %q is no longer valid", marker),
		Provider:  provider,
		Retryable: false,
		Temporary: false,
		Timestamp: time.Now(),
	}
}

// NewProtocolError 创建协议错误
func NewProtocolError(provider, message string, cause error) *MailError {
	return &MailError{
		Type:      ErrorTypeProtocol,
		Code:      "PROTOCOL_ERROR",
		Message:   message,
		Provider:  provider,
		Retryable: false,
		Temporary: false,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewDataFormatError 创建数据格式错误
func NewDataFormatError(provider, message string, cause error) *MailError {
	return &MailError{
		Type:      ErrorTypeDataFormat,
		Code:      "DATA_FORMAT",
		Message:   message,
		Provider:  provider,
		Retryable: false,
		Temporary: false,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// IsAuthError 检查错误是否为认证失败（需要重新认证）
func IsAuthError(err error) bool {
	var me *MailError
	if errors.As(err, &me) {
		return me.Type == ErrorTypeAuth || me.Type == ErrorTypeCredentials
	}
	return false
}

// IsRetryable 检查错误是否可以重试
func IsRetryable(err error) bool {
	var me *MailError
	if errors.As(err, &me) {
		return me.Retryable
	}
	// 未分类的错误按可重试处理，交给重试计数兜底
	return true
}

// IsMarkerExpired 检查错误是否为增量标记失效
func IsMarkerExpired(err error) bool {
	var me *MailError
	if errors.As(err, &me) {
		return me.Type == ErrorTypeMarkerExpired
	}
	return false
}

// Classify 将底层错误分类为MailError
// 已经是MailError的错误只补充provider信息
func Classify(err error, provider string) *MailError {
	if err == nil {
		return nil
	}

	var me *MailError
	if errors.As(err, &me) {
		if me.Provider == "" {
			me.Provider = provider
		}
		return me
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "authentication failed", "invalid credentials", "login failed", "invalid_grant", "token expired", "access denied"):
		return NewAuthError(provider, err.Error(), err)
	case containsAny(errStr, "connection refused", "connection reset", "connection closed", "broken pipe", "no route to host", "network is unreachable", "eof"):
		return NewConnectionError(provider, err.Error(), err)
	case containsAny(errStr, "timeout", "timed out", "deadline exceeded"):
		return &MailError{
			Type:      ErrorTypeTimeout,
			Code:      "TIMEOUT",
			Message:   err.Error(),
			Provider:  provider,
			Retryable: true,
			Temporary: true,
			Cause:     err,
			Timestamp: time.Now(),
		}
	case containsAny(errStr, "rate limit", "too many requests"):
		return &MailError{
			Type:      ErrorTypeRateLimit,
			Code:      "RATE_LIMIT",
			Message:   err.Error(),
			Provider:  provider,
			Retryable: true,
			Temporary: true,
			Cause:     err,
			Timestamp: time.Now(),
		}
	default:
		return &MailError{
			Type:      ErrorTypeUnknown,
			Code:      "UNKNOWN_ERROR",
			Message:   err.Error(),
			Provider:  provider,
			Retryable: true,
			Temporary: true,
			Cause:     err,
			Timestamp: time.Now(),
		}
	}
}

// containsAny 检查字符串是否包含任一关键词
func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
