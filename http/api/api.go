// Package api contains JSON response helpers for the HTTP API.
package api

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of an API error.
type ErrorResponse struct {
	Err string `json:"error"`
}

// JSON encodes v as JSON to w with statusCode.
// A statusCode less than 1 writes http.StatusOK.
func JSON(w http.ResponseWriter, v interface{}, statusCode int) error {
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusOK
	}
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}

// JSONError encodes err as JSON to w.
// A statusCode less than 1 writes http.StatusInternalServerError.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	JSON(w, &ErrorResponse{Err: err.Error()}, statusCode)
}
