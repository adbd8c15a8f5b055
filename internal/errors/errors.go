package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code identifies a failure condition across the core.
type Code string

// Severity ranks how badly a failure affects the running task.
type Severity string

const (
	SeverityFatal    Severity = "fatal"
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Category groups failures by the subsystem that raised them.
type Category string

const (
	CategorySystem     Category = "SYS"
	CategoryAlgorithm  Category = "ALG"
	CategoryInput      Category = "INP"
	CategoryData       Category = "DAT"
	CategoryConnection Category = "CON"
	CategoryPlugin     Category = "PLG"
)

// Attributes holds the defaults applied to every error carrying a code.
type Attributes struct {
	Message   string
	Category  Category
	Severity  Severity
	Retryable bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeConnection            Code = "CONNECTION_FAILURE"
	CodeUnknownCategory       Code = "UNKNOWN_CATEGORY"
	CodeUnknownSeverity       Code = "UNKNOWN_SEVERITY"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Category: CategorySystem, Severity: SeverityCritical},
		CodeInvalidArgument:       {Message: "invalid argument", Category: CategoryInput, Severity: SeverityCritical},
		CodeNotFound:              {Message: "resource not found", Category: CategoryInput, Severity: SeverityCritical},
		CodeConflict:              {Message: "resource conflict", Category: CategorySystem, Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "component not initialised", Category: CategorySystem, Severity: SeverityFatal},
		CodeStorageFailure:        {Message: "storage failure", Category: CategorySystem, Severity: SeverityCritical, Retryable: true},
		CodeTimeout:               {Message: "operation timed out", Category: CategorySystem, Severity: SeverityCritical, Retryable: true},
		CodeConnection:            {Message: "connection failure", Category: CategoryConnection, Severity: SeverityCritical, Retryable: true},
		CodeUnknownCategory:       {Message: "unrecognised error category", Category: CategorySystem, Severity: SeverityCritical},
		CodeUnknownSeverity:       {Message: "unrecognised error severity", Category: CategorySystem, Severity: SeverityCritical},
	}
)

// Register lets packages declare their own codes during init.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes of code, or those of CodeUnknown.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategorySystem, CategoryAlgorithm, CategoryInput, CategoryData, CategoryConnection, CategoryPlugin:
		return true
	default:
		return false
	}
}

// ValidSeverity reports whether s is one of the known severities.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityFatal, SeverityCritical, SeverityWarning:
		return true
	default:
		return false
	}
}

// Error is the structured error type shared by every core component.
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
	category  *Category
}

// Option customises a single error instance.
type Option func(*Error)

// WithMetadata attaches a key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable overrides the registered retry behaviour.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity overrides the registered severity.
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// WithCategory overrides the registered category.
func WithCategory(cat Category) Option {
	return func(e *Error) {
		e.category = &cat
	}
}

// New creates an error for code. An empty message falls back to the registered one.
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

// Wrap creates an error for code that records cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error carrying the same code.
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

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without the cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
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

// Retryable reports whether the failed operation may be retried.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity returns the effective severity.
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityWarning
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Category returns the effective category.
func (e *Error) Category() Category {
	if e == nil {
		return CategorySystem
	}
	if e.category != nil {
		return *e.category
	}
	return AttributesOf(e.code).Category
}

// From extracts the first *Error in err's chain.
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

// CodeOf returns the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError reports whether err is a retryable *Error.
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf returns the severity of err.
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// CategoryOf returns the category of err.
func CategoryOf(err error) Category {
	if e, ok := From(err); ok {
		return e.Category()
	}
	return AttributesOf(CodeUnknown).Category
}
