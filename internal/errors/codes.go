package errors

import "sync"

// Code 是跨模块共享的错误码，API 层据此映射 HTTP 状态。
type Code string

// Severity 决定告警与审计日志的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 基础设施错误码：存储、队列、外部服务与去重账本。
const (
	CodeStorageFailure  Code = "STORAGE_FAILURE"
	CodeQueueFailure    Code = "QUEUE_FAILURE"
	CodeExecutorFailure Code = "EXECUTOR_FAILURE"
	CodeTransport       Code = "TRANSPORT_FAILURE"
	CodeLedgerFailure   Code = "LEDGER_FAILURE"
)

// 智能体错误码：工具调用与模型输出解析。
const (
	CodeToolValidation Code = "TOOL_VALIDATION_FAILED"
	CodeUnknownTool    Code = "UNKNOWN_TOOL"
	CodeParseFailure   Code = "PARSE_FAILURE"
)

// Attributes 是错误码的默认描述，单个错误可以通过 Option 覆盖。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

func info(message string) Attributes {
	return Attributes{Message: message, Severity: SeverityInfo}
}

// transient 描述可以重试的故障，alert 决定是否通知值班渠道。
func transient(message string, sev Severity, alert bool) Attributes {
	return Attributes{Message: message, Severity: sev, Retryable: true, Alert: alert}
}

var catalog = struct {
	sync.RWMutex
	byCode map[Code]Attributes
}{byCode: map[Code]Attributes{
	CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:  info("invalid argument"),
	CodeNotFound:         info("resource not found"),
	CodeConflict:         {Message: "resource conflict", Severity: SeverityWarning},
	CodeAlreadyCompleted: info("resource already completed"),
	CodeRetriesExhausted: {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
	CodeToolValidation:   info("tool arguments failed validation"),
	CodeUnknownTool:      info("unknown tool"),
	CodeParseFailure:     info("response could not be parsed"),

	CodeInitializationFailure: transient("service not initialized", SeverityWarning, true),
	CodeTimeout:               transient("operation timed out", SeverityWarning, true),
	CodeExecutorFailure:       transient("executor failure", SeverityWarning, true),
	CodeTransport:             transient("upstream transport failure", SeverityWarning, false),
	CodeStorageFailure:        transient("storage failure", SeverityCritical, true),
	CodeQueueFailure:          transient("queue failure", SeverityCritical, true),
	CodeLedgerFailure:         transient("ledger persistence failure", SeverityCritical, true),
}}

// Register 在包初始化阶段登记业务错误码，重复登记会覆盖旧值。
func Register(code Code, attr Attributes) {
	catalog.Lock()
	catalog.byCode[code] = attr
	catalog.Unlock()
}

// AttributesOf 查询错误码的默认描述，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	catalog.RLock()
	defer catalog.RUnlock()
	if attr, ok := catalog.byCode[code]; ok {
		return attr
	}
	return catalog.byCode[CodeUnknown]
}
