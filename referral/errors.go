package referral

import (
	"fmt"
	"net/http"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Kind classifies why a referral request was rejected.
type Kind string

const (
	MissingReferral     Kind = "MissingReferral"
	InvalidSubject      Kind = "InvalidSubject"
	PatientMismatch     Kind = "PatientMismatch"
	UnresolvedRequester Kind = "UnresolvedRequester"
	InvalidPerformer    Kind = "InvalidPerformer"
	SubjectMismatch     Kind = "SubjectMismatch"
	MissingServiceType  Kind = "MissingServiceType"
	InvalidParameter    Kind = "InvalidParameter"
)

var _ coolfhir.OperationOutcomeIssuer = Error{}

// Error is a validation failure of a referral request. Expression is the FHIRPath of the offending element.
type Error struct {
	Kind       Kind
	Expression string
	Message    string
}

func newError(kind Kind, expression string, format string, args ...any) Error {
	return Error{Kind: kind, Expression: expression, Message: fmt.Sprintf(format, args...)}
}

func (e Error) Error() string {
	return e.Message
}

func (e Error) OperationOutcomeIssue() fhir.OperationOutcomeIssue {
	issue := fhir.OperationOutcomeIssue{
		Severity:    fhir.IssueSeverityError,
		Code:        fhir.IssueTypeRequired,
		Diagnostics: &e.Message,
	}
	if e.Kind == InvalidParameter || e.Kind == SubjectMismatch || e.Kind == PatientMismatch {
		issue.Code = fhir.IssueTypeInvalid
	}
	if e.Expression != "" {
		issue.Expression = []string{e.Expression}
	}
	return issue
}

func (e Error) HTTPStatusCode() int {
	return http.StatusBadRequest
}
