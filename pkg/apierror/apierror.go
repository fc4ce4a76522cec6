// Package apierror implements the {error: {code, message, details}}
// error taxonomy an external front-end would translate into its own
// wire format. It carries no transport of its own.
package apierror

// Code is one of the closed set of error codes external callers may see.
type Code string

const (
	CodeInvalidJSON        Code = "invalid_json"
	CodeMissingField       Code = "missing_field"
	CodeNotFound           Code = "not_found"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeOperationFailed    Code = "operation_failed"
	CodePolicyUnverified   Code = "policy_unverified"
	CodeCircuitOpen        Code = "circuit_open"
	CodeInterlockTriggered Code = "interlock_triggered"
)

// Detail is the body of the error envelope.
type Detail struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope is the full response body: {"error": {...}}.
type Envelope struct {
	Error Detail `json:"error"`
}

// Error implements the error interface so a Detail can be returned and
// compared like any other Go error.
func (d Detail) Error() string {
	return string(d.Code) + ": " + d.Message
}

// New builds a Detail for code with an optional details payload.
func New(code Code, message string, details map[string]any) Detail {
	return Detail{Code: code, Message: message, Details: details}
}

// Envelope wraps d as the {"error": {...}} body a front-end would
// serialize verbatim.
func (d Detail) Envelope() Envelope {
	return Envelope{Error: d}
}
