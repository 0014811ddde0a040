package conversation

import (
	"errors"
	"fmt"
)

// Error codes surfaced by the engine and the processor.
const (
	CodeFlowNotFound            = "FLOW_NOT_FOUND"
	CodeNoStartNode             = "NO_START_NODE"
	CodeMultipleStartNodes      = "MULTIPLE_START_NODES"
	CodeExecutionNotFound       = "EXECUTION_NOT_FOUND"
	CodeExecutionAlreadyActive  = "EXECUTION_ALREADY_ACTIVE"
	CodeNodeNotFound            = "NODE_NOT_FOUND"
	CodeDeadEnd                 = "DEAD_END"
	CodeStepLimitExceeded       = "STEP_LIMIT_EXCEEDED"
	CodeUnknownActionType       = "UNKNOWN_ACTION_TYPE"
	CodeActionFailed            = "ACTION_FAILED"
	CodeUnknownIntegrationType  = "UNKNOWN_INTEGRATION_TYPE"
	CodeIntegrationFailed       = "INTEGRATION_FAILED"
	CodeConcurrentUpdate        = "CONCURRENT_UPDATE"
	CodeDynamicProcessingFailed = "DYNAMIC_PROCESSING_FAILED"
	CodeDynamicMessageFailed    = "DYNAMIC_MESSAGE_FAILED"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrFlowNotFound            = &Error{Code: CodeFlowNotFound}
	ErrNoStartNode             = &Error{Code: CodeNoStartNode}
	ErrMultipleStartNodes      = &Error{Code: CodeMultipleStartNodes}
	ErrExecutionNotFound       = &Error{Code: CodeExecutionNotFound}
	ErrExecutionAlreadyActive  = &Error{Code: CodeExecutionAlreadyActive}
	ErrNodeNotFound            = &Error{Code: CodeNodeNotFound}
	ErrDeadEnd                 = &Error{Code: CodeDeadEnd}
	ErrStepLimitExceeded       = &Error{Code: CodeStepLimitExceeded}
	ErrUnknownActionType       = &Error{Code: CodeUnknownActionType}
	ErrActionFailed            = &Error{Code: CodeActionFailed}
	ErrUnknownIntegrationType  = &Error{Code: CodeUnknownIntegrationType}
	ErrIntegrationFailed       = &Error{Code: CodeIntegrationFailed}
	ErrConcurrentUpdate        = &Error{Code: CodeConcurrentUpdate}
	ErrDynamicProcessingFailed = &Error{Code: CodeDynamicProcessingFailed}
	ErrDynamicMessageFailed    = &Error{Code: CodeDynamicMessageFailed}
)

// Error is a coded failure of a conversation operation.
type Error struct {
	Code    string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code, op string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: err, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RootCode returns the code of the innermost *Error in err's chain. For a processor
// failure this is the engine's code underneath the DYNAMIC_* wrapper.
func RootCode(err error) string {
	code := ""
	for err != nil {
		if e, ok := err.(*Error); ok {
			code = e.Code
		}
		err = errors.Unwrap(err)
	}
	return code
}
