package dispatch

import (
	"fmt"
	"net/http"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

var _ coolfhir.OperationOutcomeIssuer = SubmissionFailed{}

// SubmissionFailed is returned when the referral message could not be delivered to the recipient, or the recipient
// rejected it. The Task has been marked failed by then.
type SubmissionFailed struct {
	Target      string
	TaskID      string
	Diagnostics string
	Cause       error
}

func (e SubmissionFailed) Error() string {
	return fmt.Sprintf("Submitting to %s failed. Task.id:Task/%s %s", e.Target, e.TaskID, e.Diagnostics)
}

func (e SubmissionFailed) Unwrap() error {
	return e.Cause
}

func (e SubmissionFailed) OperationOutcomeIssue() fhir.OperationOutcomeIssue {
	diagnostics := coolfhir.SanitizeDiagnostics(e.Error())
	return fhir.OperationOutcomeIssue{
		Severity:    fhir.IssueSeverityError,
		Code:        fhir.IssueTypeTransient,
		Diagnostics: &diagnostics,
	}
}

func (e SubmissionFailed) HTTPStatusCode() int {
	return http.StatusInternalServerError
}
