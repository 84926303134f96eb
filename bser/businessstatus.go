package bser

import (
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// BusinessStatus is an entry of the TaskBusinessStatusCS code system. It determines both the Task and ServiceRequest status.
type BusinessStatus struct {
	Code                 string
	Display              string
	TaskStatus           fhir.TaskStatus
	ServiceRequestStatus fhir.RequestStatus
}

var (
	ServiceRequestCreated              = BusinessStatus{"2.0", "Service Request Created", fhir.TaskStatusRequested, fhir.RequestStatusActive}
	ServiceRequestAccepted             = BusinessStatus{"3.0", "Service Request Accepted", fhir.TaskStatusAccepted, fhir.RequestStatusActive}
	ServiceRequestDeclined             = BusinessStatus{"4.0", "Service Request Declined", fhir.TaskStatusRejected, fhir.RequestStatusRevoked}
	ServiceRequestEventScheduled       = BusinessStatus{"5.1.1", "Service Request Event Scheduled", fhir.TaskStatusInProgress, fhir.RequestStatusActive}
	ServiceRequestEventUnattended      = BusinessStatus{"5.1.2", "Scheduled Service Request Event Unattended", fhir.TaskStatusInProgress, fhir.RequestStatusActive}
	ServiceRequestEventCancelled       = BusinessStatus{"5.1.3", "Scheduled Service Request Event Cancelled", fhir.TaskStatusCancelled, fhir.RequestStatusRevoked}
	ServiceRequestEventCompleted       = BusinessStatus{"5.1.4", "Service Request Event Completed", fhir.TaskStatusCompleted, fhir.RequestStatusCompleted}
	ServiceRequestCancellationRequest  = BusinessStatus{"5.2", "Service Request Cancellation Requested", fhir.TaskStatusInProgress, fhir.RequestStatusActive}
	ServiceRequestFulfillmentCancelled = BusinessStatus{"6.0", "Service Request Fulfillment Cancelled", fhir.TaskStatusCancelled, fhir.RequestStatusRevoked}
	ServiceRequestFulfillmentCompleted = BusinessStatus{"7.0", "Service Request Fulfillment Completed", fhir.TaskStatusCompleted, fhir.RequestStatusCompleted}
)

var businessStatuses = []BusinessStatus{
	ServiceRequestCreated,
	ServiceRequestAccepted,
	ServiceRequestDeclined,
	ServiceRequestEventScheduled,
	ServiceRequestEventUnattended,
	ServiceRequestEventCancelled,
	ServiceRequestEventCompleted,
	ServiceRequestCancellationRequest,
	ServiceRequestFulfillmentCancelled,
	ServiceRequestFulfillmentCompleted,
}

// BusinessStatuses returns the complete business status table.
func BusinessStatuses() []BusinessStatus {
	result := make([]BusinessStatus, len(businessStatuses))
	copy(result, businessStatuses)
	return result
}

func (b BusinessStatus) Concept() fhir.CodeableConcept {
	return coolfhir.Concept(TaskBusinessStatusSystem, b.Code, b.Display)
}

// LookupBusinessStatus returns the business status of the first coding in the concept whose code is in the table.
// Recipients don't always send the code system, so codings are matched on code only.
func LookupBusinessStatus(concept *fhir.CodeableConcept) (BusinessStatus, bool) {
	if concept == nil {
		return BusinessStatus{}, false
	}
	for _, coding := range concept.Coding {
		if coding.Code == nil {
			continue
		}
		for _, status := range businessStatuses {
			if status.Code == *coding.Code {
				return status, true
			}
		}
	}
	return BusinessStatus{}, false
}
