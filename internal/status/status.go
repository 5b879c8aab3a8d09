// Package status defines the closed set of status codes shared with agents
// over the wire, the Status object embedded in RPC responses and persisted
// requests, and the normalization of heterogeneous executor return values.
package status

import (
	"fmt"
	"strings"
)

// Code is the wire-level status code shared between controller and agents.
type Code int

const (
	OK Code = iota
	Queued
	Running
	Failed
	InvalidArgument
	Unknown
	NotFound
	Timeout
)

var codeNames = map[Code]string{
	OK:              "OK",
	Queued:          "QUEUED",
	Running:         "RUNNING",
	Failed:          "FAILED",
	InvalidArgument: "INVALID_ARGUMENT",
	Unknown:         "UNKNOWN",
	NotFound:        "NOT_FOUND",
	Timeout:         "TIMEOUT",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Terminal reports whether the code ends a request's lifecycle.
func (c Code) Terminal() bool {
	return c == OK || c == Failed
}

// ParseCode resolves a case-insensitive code name. The second return value
// reports whether the name matched a known code.
func ParseCode(name string) (Code, bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for code, n := range codeNames {
		if n == upper {
			return code, true
		}
	}
	return Failed, false
}

// Status is the status object carried in RPC responses and persisted with
// every request. Value is the code name; Reason and Message are only set on
// failure paths.
type Status struct {
	Code    int    `json:"code"`
	Value   string `json:"value"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// New builds a Status for the given code with an optional error message.
func New(code Code, message string) Status {
	s := Status{Code: int(code), Value: code.String()}
	if message != "" {
		s.Reason = message
		s.Message = message
	}
	return s
}

// FromDoc restores a Status from a persisted document representation. An
// unrecognised shape yields UNKNOWN, matching how stale records are treated.
func FromDoc(doc any) Status {
	m, ok := doc.(map[string]any)
	if !ok {
		return New(Unknown, "")
	}
	s := Status{Value: Unknown.String(), Code: int(Unknown)}
	switch v := m["code"].(type) {
	case float64:
		s.Code = int(v)
	case int:
		s.Code = v
	}
	if v, ok := m["value"].(string); ok {
		s.Value = v
	}
	if v, ok := m["reason"].(string); ok {
		s.Reason = v
	}
	if v, ok := m["message"].(string); ok {
		s.Message = v
	}
	return s
}

// Doc renders the Status as a plain document for persistence.
func (s Status) Doc() map[string]any {
	doc := map[string]any{"code": s.Code, "value": s.Value}
	if s.Reason != "" {
		doc["reason"] = s.Reason
	}
	if s.Message != "" {
		doc["message"] = s.Message
	}
	return doc
}

// Normalize converts a heterogeneous executor return value into a Code:
// Code passes through, bool maps true to OK, int maps zero to OK, string is
// matched case-insensitively against code names (unknown names fail), and
// nil means the executor finished without an explicit result.
func Normalize(rc any) Code {
	switch v := rc.(type) {
	case nil:
		return OK
	case Code:
		return v
	case bool:
		if v {
			return OK
		}
		return Failed
	case int:
		if v == 0 {
			return OK
		}
		return Failed
	case string:
		code, ok := ParseCode(v)
		if !ok {
			return Failed
		}
		return code
	default:
		return Failed
	}
}
