package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ErrNotFound is returned when the FHIR server doesn't have the requested resource, or returned an empty body.
var ErrNotFound = errors.New("resource not found")

// UnreachableError is returned when the FHIR server could not be reached.
type UnreachableError struct {
	BaseURL string
	Cause   error
}

func (e UnreachableError) Error() string {
	return fmt.Sprintf("FHIR server %s unreachable: %v", e.BaseURL, e.Cause)
}

func (e UnreachableError) Unwrap() error {
	return e.Cause
}

var _ coolfhir.OperationOutcomeIssuer = &PersistenceError{}

// PersistenceError is returned when the store rejected a create or update.
type PersistenceError struct {
	// Resource is the type (and ID, if known) of the resource that couldn't be persisted.
	Resource    string
	Diagnostics string
	Cause       error
}

func (e PersistenceError) Error() string {
	msg := "FHIR store failed to persist " + e.Resource
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	return msg
}

func (e PersistenceError) Unwrap() error {
	return e.Cause
}

func (e PersistenceError) OperationOutcomeIssue() fhir.OperationOutcomeIssue {
	diagnostics := "FHIR store failed to persist " + e.Resource
	if e.Diagnostics != "" {
		diagnostics += ": " + coolfhir.SanitizeDiagnostics(e.Diagnostics)
	}
	return fhir.OperationOutcomeIssue{
		Severity:    fhir.IssueSeverityError,
		Code:        fhir.IssueTypeProcessing,
		Diagnostics: &diagnostics,
	}
}

func (e PersistenceError) HTTPStatusCode() int {
	return http.StatusInternalServerError
}
