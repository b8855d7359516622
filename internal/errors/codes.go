package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeValidation          Code = "VALIDATION"
	CodeProvider            Code = "PROVIDER"
	CodeTimeout             Code = "TIMEOUT"
	CodePlugin              Code = "PLUGIN"
	CodeDuplicateKey        Code = "DUPLICATE_KEY"
	CodeKeyNotFound         Code = "KEY_NOT_FOUND"
	CodeUnresolvedReference Code = "UNRESOLVED_REFERENCE"
	CodeCancelled           Code = "CANCELLED"
	CodeConflict            Code = "CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeExhausted           Code = "RETRIES_EXHAUSTED"
	CodeStorageFailure      Code = "STORAGE_FAILURE"
	CodeQueueFailure        Code = "QUEUE_FAILURE"
	CodeInternal            Code = "INTERNAL"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:   "unknown error",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		// 图结构、模板引用、请求参数类错误：提交期拒绝，永不重试。
		CodeValidation: {
			Message:   "validation failed",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		// 网关/传输/限流类错误：按策略重试。
		CodeProvider: {
			Message:   "provider call failed",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		// 步骤超出时限：默认不重试，策略可显式计入重试预算。
		CodeTimeout: {
			Message:   "step exceeded its deadline",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		// 插件钩子失败：对该次调用致命，归因到插件自身。
		CodePlugin: {
			Message:   "plugin hook failed",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		// 上下文写冲突：同一 scope 内二次写入同名键。
		CodeDuplicateKey: {
			Message:   "context key already written",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeKeyNotFound: {
			Message:   "context key not found",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeUnresolvedReference: {
			Message:   "template reference unresolved",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeCancelled: {
			Message:   "execution cancelled",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeConflict: {
			Message:   "state conflict",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     false,
		},
		CodeNotFound: {
			Message:   "resource not found",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeExhausted: {
			Message:   "retries exhausted",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeInternal: {
			Message:   "internal error",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则回退到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	attr, ok := registry[code]
	if !ok {
		attr = registry[CodeUnknown]
	}
	registryMu.RUnlock()
	return attr
}
