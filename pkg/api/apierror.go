// Package api provides RFC 7807 Problem Detail error responses for the boundary API.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://trustlane.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	writeProblem(w, problem)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// DenialResponse is the fixed payload the boundary middleware emits when a lane
// check denies a request. The shape is part of the middleware contract.
type DenialResponse struct {
	Error     string `json:"error"`
	Violation string `json:"violation"`
	Details   string `json:"details"`
}

// WriteAccessDenied writes the fixed {error, violation, details} denial payload.
func WriteAccessDenied(w http.ResponseWriter, violation, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(DenialResponse{
		Error:     "access denied",
		Violation: violation,
		Details:   details,
	})
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}
