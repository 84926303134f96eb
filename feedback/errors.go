package feedback

import (
	"fmt"
	"net/http"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Kind classifies why an inbound message was rejected.
type Kind string

const (
	InvalidEnvelope              Kind = "InvalidEnvelope"
	UnrecognizedMessage          Kind = "UnrecognizedMessage"
	MalformedHeader              Kind = "MalformedHeader"
	MissingCorrelationIdentifier Kind = "MissingCorrelationIdentifier"
	NoMatchingTask               Kind = "NoMatchingTask"
	NoMatchingMessage            Kind = "NoMatchingMessage"
)

var _ coolfhir.OperationOutcomeIssuer = Error{}

// Error is a rejection of an inbound message. Expression is the FHIRPath of the offending element, if known.
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
		Code:        fhir.IssueTypeInvalid,
		Diagnostics: &e.Message,
	}
	switch e.Kind {
	case UnrecognizedMessage:
		issue.Code = fhir.IssueTypeNotSupported
	case MissingCorrelationIdentifier:
		issue.Code = fhir.IssueTypeRequired
	case NoMatchingTask, NoMatchingMessage:
		issue.Code = fhir.IssueTypeNotFound
	}
	if e.Expression != "" {
		issue.Expression = []string{e.Expression}
	}
	return issue
}

func (e Error) HTTPStatusCode() int {
	if e.Kind == NoMatchingTask || e.Kind == NoMatchingMessage {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
