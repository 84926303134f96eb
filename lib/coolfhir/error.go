package coolfhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// SanitizeOperationOutcome removes security-related information from an OperationOutcome, replacing it with a generic message,
// so that it can be safely returned to the client.
// It follows the code list from the FHIR specification: https://www.hl7.org/fhir/codesystem-issue-type.html#issue-type-security
func SanitizeOperationOutcome(in fhir.OperationOutcome) fhir.OperationOutcome {
	result := in
	result.Issue = nil
	for _, issue := range in.Issue {
		switch issue.Code {
		case fhir.IssueTypeSecurity, fhir.IssueTypeLogin, fhir.IssueTypeUnknown,
			fhir.IssueTypeExpired, fhir.IssueTypeForbidden, fhir.IssueTypeSuppressed:
			result.Issue = append(result.Issue, fhir.OperationOutcomeIssue{
				Severity:    issue.Severity,
				Code:        fhir.IssueTypeProcessing,
				Diagnostics: to.Ptr("upstream FHIR server error"),
			})
		default:
			result.Issue = append(result.Issue, issue)
		}
	}
	return result
}

// ErrorWithCode is a wrapped error struct that can take an error message as well as an HTTP status code
type ErrorWithCode struct {
	Message    string
	StatusCode int
}

func (e ErrorWithCode) Error() string {
	return e.Message
}

// NewErrorWithCode constructs a new ErrorWithCode custom wrapped error
func NewErrorWithCode(message string, statusCode int) error {
	return &ErrorWithCode{
		Message:    message,
		StatusCode: statusCode,
	}
}

// BadRequestError wraps an error with a status code of 400
func BadRequestError(err error) error {
	return &ErrorWithCode{
		Message:    err.Error(),
		StatusCode: http.StatusBadRequest,
	}
}

// BadRequest creates an error with a status code of 400
func BadRequest(msg string, args ...any) error {
	return BadRequestError(fmt.Errorf(msg, args...))
}

// OperationOutcomeIssuer is implemented by errors that describe themselves as OperationOutcome issue,
// so they can be reported with a specific issue type and FHIRPath expression.
type OperationOutcomeIssuer interface {
	error
	OperationOutcomeIssue() fhir.OperationOutcomeIssue
	HTTPStatusCode() int
}

// NewOperationOutcome creates an OperationOutcome with a single issue.
func NewOperationOutcome(severity fhir.IssueSeverity, code fhir.IssueType, diagnostics string, expression ...string) fhir.OperationOutcome {
	return fhir.OperationOutcome{
		Issue: []fhir.OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: to.NilString(diagnostics),
				Expression:  expression,
			},
		},
	}
}

// OperationOutcomeHasError returns true if the OperationOutcome contains an issue with severity error or fatal.
func OperationOutcomeHasError(outcome fhir.OperationOutcome) bool {
	for _, issue := range outcome.Issue {
		if issue.Severity == fhir.IssueSeverityFatal || issue.Severity == fhir.IssueSeverityError {
			return true
		}
	}
	return false
}

// WriteOperationOutcomeFromError writes an OperationOutcome based on the given error as HTTP response.
// The status code is taken from the error if it carries one, else it defaults to 500 Internal Server Error.
func WriteOperationOutcomeFromError(ctx context.Context, err error, desc string, httpResponse http.ResponseWriter) {
	log.Ctx(ctx).Error().Err(err).Msgf("%s failed", desc)

	statusCode := http.StatusInternalServerError
	var operationOutcome fhir.OperationOutcome

	var operationOutcomeErr fhirclient.OperationOutcomeError
	var issuer OperationOutcomeIssuer
	var errorWithCode *ErrorWithCode
	switch {
	case errors.As(err, &issuer):
		statusCode = issuer.HTTPStatusCode()
		operationOutcome = fhir.OperationOutcome{Issue: []fhir.OperationOutcomeIssue{issuer.OperationOutcomeIssue()}}
	case errors.As(err, &operationOutcomeErr):
		if operationOutcomeErr.HttpStatusCode > 0 {
			statusCode = operationOutcomeErr.HttpStatusCode
		}
		operationOutcome = operationOutcomeErr.OperationOutcome
		if statusCode != http.StatusBadRequest {
			operationOutcome = SanitizeOperationOutcome(operationOutcome)
		}
	default:
		if errors.As(err, &errorWithCode) && errorWithCode.StatusCode > 0 {
			statusCode = errorWithCode.StatusCode
		}
		diagnostics := http.StatusText(statusCode)
		if errorWithCode != nil && statusCode < 500 {
			diagnostics = err.Error()
		}
		operationOutcome = NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeProcessing, fmt.Sprintf("%s failed: %s", desc, diagnostics))
	}
	SendResponse(httpResponse, statusCode, operationOutcome)
}

// SendResponse writes the resource as FHIR JSON response with the given status code.
func SendResponse(httpResponse http.ResponseWriter, httpStatus int, resource interface{}, additionalHeaders ...map[string]string) {
	data, err := json.Marshal(resource)
	if err != nil {
		httpStatus = http.StatusInternalServerError
		data, _ = json.Marshal(NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeProcessing, "failed to marshal response"))
	}
	for _, headers := range additionalHeaders {
		for key, value := range headers {
			httpResponse.Header().Set(key, value)
		}
	}
	httpResponse.Header().Set("Content-Type", FHIRContentType)
	httpResponse.WriteHeader(httpStatus)
	_, _ = httpResponse.Write(data)
}
