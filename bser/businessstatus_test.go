package bser

import (
	"testing"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestLookupBusinessStatus(t *testing.T) {
	expected := map[string]struct {
		task           fhir.TaskStatus
		serviceRequest fhir.RequestStatus
	}{
		"2.0":   {fhir.TaskStatusRequested, fhir.RequestStatusActive},
		"3.0":   {fhir.TaskStatusAccepted, fhir.RequestStatusActive},
		"4.0":   {fhir.TaskStatusRejected, fhir.RequestStatusRevoked},
		"5.1.1": {fhir.TaskStatusInProgress, fhir.RequestStatusActive},
		"5.1.2": {fhir.TaskStatusInProgress, fhir.RequestStatusActive},
		"5.1.3": {fhir.TaskStatusCancelled, fhir.RequestStatusRevoked},
		"5.1.4": {fhir.TaskStatusCompleted, fhir.RequestStatusCompleted},
		"5.2":   {fhir.TaskStatusInProgress, fhir.RequestStatusActive},
		"6.0":   {fhir.TaskStatusCancelled, fhir.RequestStatusRevoked},
		"7.0":   {fhir.TaskStatusCompleted, fhir.RequestStatusCompleted},
	}
	t.Run("table is total", func(t *testing.T) {
		require.Len(t, BusinessStatuses(), len(expected))
		for _, status := range BusinessStatuses() {
			concept := status.Concept()
			actual, ok := LookupBusinessStatus(&concept)
			require.True(t, ok, status.Code)
			assert.Equal(t, expected[status.Code].task, actual.TaskStatus, status.Code)
			assert.Equal(t, expected[status.Code].serviceRequest, actual.ServiceRequestStatus, status.Code)
		}
	})
	t.Run("fulfillment completed", func(t *testing.T) {
		concept := coolfhir.Concept(TaskBusinessStatusSystem, "7.0", "")
		actual, ok := LookupBusinessStatus(&concept)
		require.True(t, ok)
		assert.Equal(t, fhir.TaskStatusCompleted, actual.TaskStatus)
		assert.Equal(t, fhir.RequestStatusCompleted, actual.ServiceRequestStatus)
	})
	t.Run("code without system", func(t *testing.T) {
		concept := fhir.CodeableConcept{Coding: []fhir.Coding{{Code: to.Ptr("4.0")}}}
		actual, ok := LookupBusinessStatus(&concept)
		require.True(t, ok)
		assert.Equal(t, ServiceRequestDeclined, actual)
	})
	t.Run("first known coding wins", func(t *testing.T) {
		concept := fhir.CodeableConcept{Coding: []fhir.Coding{{Code: to.Ptr("unknown")}, {}, {Code: to.Ptr("3.0")}}}
		actual, ok := LookupBusinessStatus(&concept)
		require.True(t, ok)
		assert.Equal(t, "3.0", actual.Code)
	})
	t.Run("unknown", func(t *testing.T) {
		concept := coolfhir.Concept(TaskBusinessStatusSystem, "9.9", "")
		_, ok := LookupBusinessStatus(&concept)
		assert.False(t, ok)
	})
	t.Run("nil", func(t *testing.T) {
		_, ok := LookupBusinessStatus(nil)
		assert.False(t, ok)
	})
}
