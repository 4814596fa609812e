package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Execution module errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Execution Module Errors (20000-20999) ==========

	// Request admission (20000-20099)
	LanguageNotSupported ErrorCode = 20000
	PayloadTooLarge      ErrorCode = 20001
	BundleInvalid        ErrorCode = 20002
	CapacityExhausted    ErrorCode = 20003

	// Sandbox lifecycle (20100-20199)
	SandboxCreateFailed  ErrorCode = 20100
	SandboxStartFailed   ErrorCode = 20101
	SandboxDestroyFailed ErrorCode = 20102
	SandboxUnsupported   ErrorCode = 20103
	ExecutionCanceled    ErrorCode = 20104
)

// codeMessages maps error codes to their default messages
var codeMessages = map[ErrorCode]string{
	Success: "Success",

	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Request timeout",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	LanguageNotSupported: "Programming language not supported",
	PayloadTooLarge:      "Source payload too large",
	BundleInvalid:        "Source bundle is malformed",
	CapacityExhausted:    "Execution capacity exhausted",

	SandboxCreateFailed:  "Sandbox creation failed",
	SandboxStartFailed:   "Sandbox start failed",
	SandboxDestroyFailed: "Sandbox teardown failed",
	SandboxUnsupported:   "Sandbox is not supported on this platform",
	ExecutionCanceled:    "Execution canceled by caller",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus maps the error code to an HTTP status code
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return 200
	case InvalidParams, ValidationFailed, InvalidFormat, InvalidValue,
		RequiredFieldEmpty, BundleInvalid:
		return 400
	case NotFound, LanguageNotSupported:
		return 404
	case PayloadTooLarge:
		return 413
	case TooManyRequests, CapacityExhausted:
		return 429
	case Timeout:
		return 408
	case ServiceUnavailable, SandboxUnsupported:
		return 503
	default:
		return 500
	}
}
