package errors

import (
	"maps"
	"sync"
)

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为：展示文案、严重程度、是否可重试、是否需要告警。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 编排核心使用的错误码。
const (
	// CodeConfiguration 表示 provider、凭证等启动配置不合法。
	CodeConfiguration Code = "CONFIGURATION"
	// CodeBackendFailure 表示文本补全后端调用失败。
	CodeBackendFailure Code = "BACKEND_FAILURE"
	CodeToolFailure    Code = "TOOL_FAILURE"
	// CodeToolExecution 由工具自身抛出，元数据中携带 tool_name。
	CodeToolExecution     Code = "TOOL_EXECUTION"
	CodeMemoryFailure     Code = "MEMORY_FAILURE"
	CodeSchedulerFailure  Code = "SCHEDULER_FAILURE"
	CodeReflectionFailure Code = "REFLECTION_FAILURE"
	CodeParameterParse    Code = "PARAMETER_PARSE"
)

var defaults = map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},

	CodeConfiguration:     {Message: "invalid configuration", Severity: SeverityCritical, Alert: true},
	CodeBackendFailure:    {Message: "completion backend failure", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeToolFailure:       {Message: "tool failure", Severity: SeverityWarning},
	CodeToolExecution:     {Message: "tool execution failed", Severity: SeverityWarning, Retryable: true},
	CodeMemoryFailure:     {Message: "memory failure", Severity: SeverityWarning, Retryable: true},
	CodeSchedulerFailure:  {Message: "scheduler failure", Severity: SeverityInfo},
	CodeReflectionFailure: {Message: "reflection failure", Severity: SeverityInfo},
	CodeParameterParse:    {Message: "parameter parsing failed", Severity: SeverityInfo},
}

var (
	registryMu sync.RWMutex
	registry   = maps.Clone(defaults)
)

// Register 登记或覆盖错误码属性，各业务包在 init 中调用。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	attr, ok := registry[code]
	if !ok {
		attr = registry[CodeUnknown]
	}
	return attr
}
