package server

import (
	"encoding/json"
	"net/http"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeServer         = "server_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeError replies in the OpenAI error shape so SDK clients surface the
// message instead of a decode failure.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
