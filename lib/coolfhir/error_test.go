package coolfhir

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/stretchr/testify/assert"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

type testIssueError struct{}

func (testIssueError) Error() string { return "Referral is missing" }

func (testIssueError) OperationOutcomeIssue() fhir.OperationOutcomeIssue {
	return fhir.OperationOutcomeIssue{
		Severity:    fhir.IssueSeverityError,
		Code:        fhir.IssueTypeRequired,
		Diagnostics: to.Ptr("Referral is missing"),
		Expression:  []string{"Parameters.parameter.where(name='referral').empty()"},
	}
}

func (testIssueError) HTTPStatusCode() int { return http.StatusBadRequest }

func TestWriteOperationOutcomeFromError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedCode int
		expectedBody string
	}{
		{
			name:         "ErrorWithCode",
			err:          NewErrorWithCode("oops", 400),
			expectedCode: 400,
			expectedBody: `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"processing","diagnostics":"test failed: oops"}]}`,
		},
		{
			name:         "ErrorWithCode, no code (default 500)",
			err:          NewErrorWithCode("oops", 0),
			expectedCode: 500,
			expectedBody: `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"processing","diagnostics":"test failed: Internal Server Error"}]}`,
		},
		{
			name:         "other error is not echoed",
			err:          errors.New("connection refused to 10.0.0.1"),
			expectedCode: 500,
			expectedBody: `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"processing","diagnostics":"test failed: Internal Server Error"}]}`,
		},
		{
			name:         "OperationOutcomeIssuer",
			err:          testIssueError{},
			expectedCode: 400,
			expectedBody: `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"required","diagnostics":"Referral is missing","expression":["Parameters.parameter.where(name='referral').empty()"]}]}`,
		},
		{
			name: "OperationOutcomeError is sanitized",
			err: fhirclient.OperationOutcomeError{
				OperationOutcome: NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeForbidden, "secret"),
				HttpStatusCode:   403,
			},
			expectedCode: 403,
			expectedBody: `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"processing","diagnostics":"upstream FHIR server error"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			WriteOperationOutcomeFromError(context.Background(), tt.err, "test", recorder)

			assert.Equal(t, tt.expectedCode, recorder.Code)
			assert.Equal(t, FHIRContentType, recorder.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.expectedBody, recorder.Body.String())
		})
	}
}

func TestOperationOutcomeHasError(t *testing.T) {
	assert.True(t, OperationOutcomeHasError(NewOperationOutcome(fhir.IssueSeverityFatal, fhir.IssueTypeException, "x")))
	assert.True(t, OperationOutcomeHasError(NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeException, "x")))
	assert.False(t, OperationOutcomeHasError(NewOperationOutcome(fhir.IssueSeverityWarning, fhir.IssueTypeInformational, "x")))
	assert.False(t, OperationOutcomeHasError(fhir.OperationOutcome{}))
}
