package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// 租户错误
	ErrCodeTenantValidation ErrorCode = "TENANT_VALIDATION_FAILED"
	ErrCodeTenantBlocked    ErrorCode = "TENANT_BLOCKED"

	// 检索/生成错误
	ErrCodeInsufficientContext ErrorCode = "INSUFFICIENT_CONTEXT"
	ErrCodeProvider            ErrorCode = "PROVIDER_ERROR"

	// 任务队列错误
	ErrCodeJobLeaseConflict ErrorCode = "JOB_LEASE_CONFLICT"
	ErrCodeJobExhausted     ErrorCode = "JOB_EXHAUSTED"
	ErrCodeJobNotFound      ErrorCode = "JOB_NOT_FOUND"

	// 数据库错误
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

// AppError 应用错误结构体
type AppError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Type    ErrorType   `json:"type"`
	Details interface{} `json:"details,omitempty"`
	Cause   error       `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// 错误构造函数

// NewTenantValidationError 创建租户校验错误（不可重试）
func NewTenantValidationError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeTenantValidation,
		Message: message,
		Type:    ErrorTypeValidation,
	}
}

// NewProviderError 创建模型提供方错误
func NewProviderError(provider string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeProvider,
		Message: fmt.Sprintf("provider %s call failed", provider),
		Type:    ErrorTypeExternal,
		Cause:   cause,
	}
}

// NewJobExhaustedError 创建任务重试耗尽错误（死信）
func NewJobExhaustedError(jobID uint, attempts int) *AppError {
	return &AppError{
		Code:    ErrCodeJobExhausted,
		Message: fmt.Sprintf("job %d exhausted after %d attempts", jobID, attempts),
		Type:    ErrorTypeBusiness,
	}
}

// NewSystemError 创建系统错误
func NewSystemError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Type:    ErrorTypeSystem,
	}
}

// NewMissingRequiredError 创建缺少必填字段错误
func NewMissingRequiredError(field string) *AppError {
	return &AppError{
		Code:    ErrCodeMissingRequired,
		Message: fmt.Sprintf("Missing required field '%s'", field),
		Type:    ErrorTypeValidation,
	}
}

// NewJobLeaseConflictError 创建任务租约冲突（预期内的竞态结果，记日志不上抛）
func NewJobLeaseConflictError(jobID uint, workerID string) *AppError {
	return &AppError{
		Code:    ErrCodeJobLeaseConflict,
		Message: fmt.Sprintf("job %d is no longer owned by worker %s", jobID, workerID),
		Type:    ErrorTypeBusiness,
	}
}

// NewTenantBlockedError 创建租户预算封锁错误
func NewTenantBlockedError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeTenantBlocked,
		Message: message,
		Type:    ErrorTypeBusiness,
	}
}

// NewInvalidInputError 创建输入无效错误
func NewInvalidInputError(field, reason string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("Invalid input for field '%s': %s", field, reason),
		Type:    ErrorTypeValidation,
	}
}

// IsAppError 检查是否为AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewSystemError(ErrCodeInternal, "internal error").WithCause(err)
}

// HasCode 检查错误链上是否存在指定错误码
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsTenantValidation 检查是否为租户校验错误
func IsTenantValidation(err error) bool {
	return HasCode(err, ErrCodeTenantValidation)
}

// IsProviderError 检查是否为模型提供方错误
func IsProviderError(err error) bool {
	return HasCode(err, ErrCodeProvider)
}

// IsJobLeaseConflict 检查是否为任务租约冲突
func IsJobLeaseConflict(err error) bool {
	return HasCode(err, ErrCodeJobLeaseConflict)
}
