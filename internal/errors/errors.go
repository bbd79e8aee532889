package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码，调用方据此判断是否重试或换用其他资产/Lego。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// 权限与资金相关。
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeNoFundsAvailable     Code = "NO_FUNDS_AVAILABLE"
	CodeRecipientNotAllowed  Code = "RECIPIENT_NOT_ALLOWED"
	CodeTrialFundsRestricted Code = "TRIAL_FUNDS_RESTRICTED"
	CodeSpendLimitExceeded   Code = "SPEND_LIMIT_EXCEEDED"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeReentrantCall        Code = "REENTRANT_CALL"

	// Lego 与外部场所。
	CodeInvalidAdapter  Code = "INVALID_ADAPTER"
	CodeAdapterFailure  Code = "ADAPTER_FAILURE"
	CodeLeftoverBalance Code = "LEFTOVER_BALANCE"

	// 时间锁治理。
	CodeTimelockNotElapsed Code = "TIMELOCK_NOT_ELAPSED"
	CodeNoPendingChange    Code = "NO_PENDING_CHANGE"
	CodeChangeExpired      Code = "CHANGE_EXPIRED"

	// 签名授权。
	CodeSignatureInvalid  Code = "SIGNATURE_INVALID"
	CodeSignatureExpired  Code = "SIGNATURE_EXPIRED"
	CodeSignatureReplayed Code = "SIGNATURE_REPLAYED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

		CodePermissionDenied:     {Message: "agent not allowed", Severity: SeverityInfo},
		CodeNoFundsAvailable:     {Message: "no funds available", Severity: SeverityInfo},
		CodeRecipientNotAllowed:  {Message: "recipient not allowed", Severity: SeverityInfo},
		CodeTrialFundsRestricted: {Message: "trial funds restricted", Severity: SeverityInfo},
		CodeSpendLimitExceeded:   {Message: "spend limit exceeded", Severity: SeverityInfo},
		CodeInsufficientBalance:  {Message: "insufficient balance", Severity: SeverityWarning},
		CodeReentrantCall:        {Message: "reentrant call", Severity: SeverityCritical, Alert: true},

		CodeInvalidAdapter:  {Message: "invalid lego", Severity: SeverityInfo},
		CodeAdapterFailure:  {Message: "lego call failed", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeLeftoverBalance: {Message: "lego retained leftover balance", Severity: SeverityCritical, Alert: true},

		CodeTimelockNotElapsed: {Message: "time delay not reached", Severity: SeverityInfo, Retryable: true},
		CodeNoPendingChange:    {Message: "no pending change", Severity: SeverityInfo},
		CodeChangeExpired:      {Message: "pending change expired", Severity: SeverityInfo},

		CodeSignatureInvalid:  {Message: "invalid signature", Severity: SeverityWarning},
		CodeSignatureExpired:  {Message: "signature expired", Severity: SeverityInfo},
		CodeSignatureReplayed: {Message: "signature already used", Severity: SeverityWarning, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如资产地址或 legoId。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Errorf 以格式化信息创建错误。
func Errorf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
