package common

// ErrorResponse is the error envelope every HTTP endpoint returns
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`    // HTTP-like error code
	Service string                 `json:"service,omitempty"` // which service generated the error
	Details map[string]interface{} `json:"details,omitempty"` // additional error context
}

// SuccessResponse is the success envelope for endpoints without a richer body
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ValidationErrorResponse carries field-specific validation failures
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"` // field_name -> error_message
}
