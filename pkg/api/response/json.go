// Package response writes the JSON bodies and error envelopes of the
// contextd API.
package response

import (
	"encoding/json"
	"net/http"
)

// encodeFailureBody is sent when a payload cannot be marshalled. It is built
// by hand so it cannot fail itself.
const encodeFailureBody = `{"error":{"code":"` + ErrCodeInternalServer + `","message":"failed to encode response","request_id":""}}`

// JSON writes data with the given status. The body is marshalled before the
// status line so an unencodable payload still yields a clean 500.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if data == nil {
		w.WriteHeader(statusCode)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(encodeFailureBody))
		return
	}

	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// Error writes an error envelope.
func Error(w http.ResponseWriter, statusCode int, code, message string, requestID string) {
	ErrorWithDetails(w, statusCode, code, message, nil, requestID)
}

// ErrorWithDetails writes an error envelope carrying structured details,
// such as the fault kind of a degraded dependency.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]any, requestID string) {
	JSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}
