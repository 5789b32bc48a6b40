package middleware

import (
	"encoding/json"
	"net/http"
)

type Middleware func(http.Handler) http.Handler

// Stack is an ordered middleware list; the first entry sees the request first.
type Stack []Middleware

// With returns a new stack with more appended, leaving s untouched so a
// shared base can be extended per route.
func (s Stack) With(more ...Middleware) Stack {
	out := make(Stack, 0, len(s)+len(more))
	out = append(out, s...)
	return append(out, more...)
}

// Then wraps h in every middleware of the stack.
func (s Stack) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(s) - 1; i >= 0; i-- {
		h = s[i](h)
	}
	return h
}

// Chain applies middlewares to h, outermost first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	return Stack(middlewares).Then(h)
}

// Error codes written by the middlewares.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeConnectionLimit = "CONNECTION_LIMIT"
	CodeInternal        = "INTERNAL"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// writeError answers with the same {code, error} body the API handlers use.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: code, Error: message})
}
