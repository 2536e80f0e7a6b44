package httpx

import (
	"encoding/json"
	"net/http"
)

// Code is an error code.
type Code int

const (
	// Code specifically for the stream service.
	ErrUnknownSession Code = iota + 10000
	ErrInvalidDescription
	ErrBranchUnavailable
	ErrSessionClosed
	ErrRelayBusy
	ErrRelayBackoff

	// Code for common errors.
	ErrUnmarshalJSON
)

// Errors maps error code to error message.
var Errors = map[Code]string{
	ErrUnknownSession:     "No session with this id",
	ErrInvalidDescription: "Description is missing or lacks ICE credentials",
	ErrBranchUnavailable:  "Media pipeline could not allocate a branch",
	ErrSessionClosed:      "Session is already closed",
	ErrRelayBusy:          "Relay channel is already attached",
	ErrRelayBackoff:       "Relay reconnect backoff in effect",
	ErrUnmarshalJSON:      "Could not unmarshal JSON data",
}

type body struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Error writes the code's message as a JSON error response.
func Error(w http.ResponseWriter, code Code, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Code: code, Message: Errors[code]})
}
