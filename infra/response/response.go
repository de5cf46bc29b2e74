package response

import (
	"encoding/json"
	"net/http"
)

// Response is a standardized API response structure
type Response struct {
	Code      int    `json:"code"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Success writes a successful response with data
func Success(w http.ResponseWriter, statusCode int, message string, data any) {
	resp := Response{
		Code:    statusCode,
		Success: true,
		Message: message,
		Data:    data,
	}
	WriteJSON(w, statusCode, resp)
}

// Error writes an error response with a machine-readable error code
func Error(w http.ResponseWriter, statusCode int, errorCode, message string, err error) {
	resp := Response{
		Code:      statusCode,
		Success:   false,
		Message:   message,
		ErrorCode: errorCode,
	}

	if err != nil {
		resp.Error = err.Error()
	}

	WriteJSON(w, statusCode, resp)
}

// ErrorData writes an error response that still carries a payload, e.g. a
// transaction that reached a terminal failed state.
func ErrorData(w http.ResponseWriter, statusCode int, errorCode, message string, data any) {
	WriteJSON(w, statusCode, Response{
		Code:      statusCode,
		Success:   false,
		Message:   message,
		ErrorCode: errorCode,
		Data:      data,
	})
}

// WriteJSON serializes v as JSON with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
