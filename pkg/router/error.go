package router

import (
	"encoding/json"
	"io"
)

// Error is an error a handler can return that carries its own HTTP
// representation. The router writes the status code and body from the
// error itself instead of mapping it.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// HTTPError is the JSON error envelope the API responds with:
//
//	{"code": 404, "error": "room not found"}
type HTTPError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func NewHTTPError(code int, message string) HTTPError {
	return HTTPError{Code: code, Message: message}
}

func (e HTTPError) StatusCode() int { return e.Code }

func (e HTTPError) Error() string { return e.Message }

func (e HTTPError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
