// Package api contains helpers for the JSON HTTP APIs.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodySize is the largest request body the JSON APIs will decode.
const MaxBodySize = 1 << 20

var ErrEmptyBody = errors.New("empty request body")

// JSONError encodes err as JSON to w.
// A statusCode less than 1 is sent as 500 Internal Server Error.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	jsonErr := &struct {
		Err string `json:"error"`
	}{Err: err.Error()}
	JSON(w, jsonErr, statusCode)
}

// JSONErrors encodes a list of validation messages as JSON to w with a 400 status.
func JSONErrors(w http.ResponseWriter, errs []string) {
	JSON(w, &struct {
		Errors []string `json:"errors"`
	}{Errors: errs}, http.StatusBadRequest)
}

// JSON encodes v as the JSON body of the response.
// A statusCode less than 1 is sent as 500 Internal Server Error.
func JSON(w http.ResponseWriter, v interface{}, statusCode int) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v.
// Bodies larger than MaxBodySize are rejected.
func DecodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return ErrEmptyBody
	}
	err := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return ErrEmptyBody
	} else if err != nil {
		return fmt.Errorf("decoding json body: %w", err)
	}
	return nil
}
