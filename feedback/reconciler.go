// Package feedback processes the messages a referral recipient sends back: responses to a referral message, and
// feedback messages that carry the referral status and the feedback documents.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/bser"
	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/logging"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Outcome describes what a reconciliation changed.
type Outcome struct {
	// Response is true if the message was a response to a referral message, false for a feedback message.
	Response       bool
	MessageID      string
	Task           fhir.Task
	ServiceRequest *fhir.ServiceRequest
	PreviousStatus fhir.TaskStatus
	// BusinessStatus is set for feedback messages.
	BusinessStatus *bser.BusinessStatus
	// FeedbackDocuments are the references of the feedback document bundles that were imported.
	FeedbackDocuments []string
}

// Reconciler applies inbound messages to the referral records in the store.
type Reconciler struct{}

func New() *Reconciler {
	return &Reconciler{}
}

// run is the state of one reconciliation.
type run struct {
	ctx     context.Context
	gateway *gateway.Gateway
	message fhir.Bundle
	header  bser.MessageHeader
}

// Reconcile processes the inbound message. The message is persisted as received before it is applied.
// Failures are not rolled back: records updated before a failing step stay updated.
func (r *Reconciler) Reconcile(ctx context.Context, gw *gateway.Gateway, message *fhir.Bundle) (*Outcome, error) {
	if message == nil || len(message.Entry) == 0 {
		return nil, newError(InvalidEnvelope, "Parameters.parameter.where(name='content')", "content is either null or empty")
	}
	if message.Type != fhir.BundleTypeMessage {
		return nil, newError(InvalidEnvelope, "Bundle.type", "The bundle must be a MESSAGE type")
	}
	var header bser.MessageHeader
	if err := json.Unmarshal(message.Entry[0].Resource, &header); err != nil || header.ResourceType != "MessageHeader" {
		return nil, newError(UnrecognizedMessage, "Bundle.entry[0].resource", "The bundle must have MessageHeader first in the entry")
	}
	if !header.IsReferralMessageHeader() {
		return nil, newError(UnrecognizedMessage, "Bundle.entry[0].resource", "Received message is NOT REF/RRI - Patient referral")
	}
	messageID := to.EmptyString(header.ID)
	ctx = log.Ctx(ctx).With().Str(logging.FieldMessageID, messageID).Logger().WithContext(ctx)
	log.Ctx(ctx).Debug().Int(logging.FieldCount, len(message.Entry)).Msg("Received referral message")

	received := *message
	received.Id = nil
	received.Meta = nil
	if _, err := gw.Save(ctx, &received); err != nil {
		return nil, err
	}

	current := &run{
		ctx:     ctx,
		gateway: gw,
		message: *message,
		header:  header,
	}
	var outcome *Outcome
	var err error
	if header.IsResponse() {
		outcome, err = current.response()
	} else {
		outcome, err = current.feedback()
	}
	if err != nil {
		return nil, err
	}
	outcome.MessageID = messageID
	return outcome, nil
}

// response applies a response to a referral message: the Task and ServiceRequest of the original message are marked
// received or failed, attaching the OperationOutcome the response carries.
func (r *run) response() (*Outcome, error) {
	originalMessageID := r.header.Response.Identifier
	if originalMessageID == "" {
		return nil, newError(MalformedHeader, "MessageHeader.response.identifier", "MessageHeader.response.identifier is empty or does not exist")
	}
	var details *fhir.OperationOutcome
	if r.header.Response.Details != nil && r.header.Response.Details.Reference != nil {
		filter := entryOfType("OperationOutcome", *r.header.Response.Details.Reference)
		var outcome fhir.OperationOutcome
		if err := coolfhir.ResourceInBundle(&r.message, filter, &outcome); err == nil {
			details = &outcome
		}
	}

	original, err := r.originalMessage(originalMessageID)
	if err != nil {
		return nil, err
	}
	var snapshot fhir.Task
	if err := coolfhir.ResourceInBundle(original, coolfhir.EntryIsOfType("Task"), &snapshot); err != nil || snapshot.Id == nil {
		return nil, newError(NoMatchingTask, "MessageHeader.response.identifier", "Couldn't locate related Task for the MessageHeader/%s", originalMessageID)
	}
	var serviceRequestSnapshot fhir.ServiceRequest
	if err := coolfhir.ResourceInBundle(original, coolfhir.EntryIsOfType("ServiceRequest"), &serviceRequestSnapshot); err != nil || serviceRequestSnapshot.Id == nil {
		return nil, newError(NoMatchingTask, "MessageHeader.response.identifier", "Couldn't locate related ServiceRequest for the MessageHeader/%s", originalMessageID)
	}
	// The message holds the records as they were sent; the store may have changed them since (e.g. dispatch outcome)
	var task fhir.Task
	if err := r.current("Task/"+*snapshot.Id, &task, snapshot); err != nil {
		return nil, err
	}
	var serviceRequest fhir.ServiceRequest
	if err := r.current("ServiceRequest/"+*serviceRequestSnapshot.Id, &serviceRequest, serviceRequestSnapshot); err != nil {
		return nil, err
	}
	result := &Outcome{
		Response:       true,
		PreviousStatus: task.Status,
	}

	if r.header.IsErrorResponse() {
		task.Status = fhir.TaskStatusFailed
		serviceRequest.Status = fhir.RequestStatusRevoked
	} else {
		task.Status = fhir.TaskStatusReceived
		serviceRequest.Status = fhir.RequestStatusActive
	}
	if details != nil {
		for i, issue := range details.Issue {
			if issue.Diagnostics != nil {
				details.Issue[i].Diagnostics = to.Ptr(coolfhir.SanitizeDiagnostics(*issue.Diagnostics))
			}
		}
		details.Id = nil
		details.Meta = nil
		details.Text = nil
		identity, err := r.gateway.Save(r.ctx, details)
		if err != nil {
			return nil, err
		}
		reference := identity.FHIRReference()
		task.Output = append(task.Output, fhir.TaskOutput{
			Type:           coolfhir.TextConcept(bser.TaskDetailsOutput),
			ValueReference: &reference,
		})
	}
	if err := r.gateway.Update(r.ctx, &task); err != nil {
		return nil, err
	}
	if err := r.gateway.Update(r.ctx, &serviceRequest); err != nil {
		return nil, err
	}
	log.Ctx(r.ctx).Info().
		Str(logging.FieldTaskID, *task.Id).
		Str("response_code", r.header.Response.Code).
		Msg("Applied response to referral message")
	result.Task = task
	result.ServiceRequest = &serviceRequest
	return result, nil
}

// current reads the store's copy of the referenced resource into target. If the store doesn't have it, target gets
// the given snapshot.
func (r *run) current(reference string, target any, snapshot any) error {
	err := r.gateway.Read(r.ctx, reference, target)
	if errors.Is(err, gateway.ErrNotFound) {
		log.Ctx(r.ctx).Warn().Str(logging.FieldResourceReference, reference).Msg("Resource of original message not in store, using the message's copy")
		data, _ := json.Marshal(snapshot)
		return json.Unmarshal(data, target)
	}
	return err
}

// originalMessage finds the referral message with the given MessageHeader id. Stores that don't support the Bundle
// message search parameter either reject it or ignore it; then all message bundles are scanned.
func (r *run) originalMessage(messageID string) (*fhir.Bundle, error) {
	result, err := r.gateway.Search(r.ctx, "", "Bundle", url.Values{"message": {messageID}})
	if err != nil {
		if !isUnsupportedSearch(err) {
			return nil, err
		}
		log.Ctx(r.ctx).Debug().Err(err).Msg("Store rejected Bundle search by message, scanning message bundles")
	} else if bundle, err := messageWithHeader(result, messageID); err != nil || bundle != nil {
		return bundle, err
	}

	var found *fhir.Bundle
	err = r.gateway.SearchPages(r.ctx, "", "Bundle", url.Values{"type": {"message"}, "_count": {"100"}}, func(page *gateway.Result) (bool, error) {
		var err error
		found, err = messageWithHeader(page, messageID)
		return found == nil && err == nil, err
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, newError(NoMatchingMessage, "MessageHeader.response.identifier", "Failed to find an original message for the response message. Original Message ID = %s", messageID)
	}
	return found, nil
}

// messageWithHeader returns the message bundle in the search result whose MessageHeader has the given id, or nil.
func messageWithHeader(result *gateway.Result, messageID string) (*fhir.Bundle, error) {
	var bundles []fhir.Bundle
	if err := result.All("Bundle", &bundles); err != nil {
		return nil, err
	}
	for _, bundle := range bundles {
		if bundle.Type != fhir.BundleTypeMessage || len(bundle.Entry) == 0 {
			continue
		}
		if coolfhir.DescribeBundleEntry(bundle.Entry[0]) == (coolfhir.Resource{Type: "MessageHeader", ID: messageID}) {
			return &bundle, nil
		}
	}
	return nil, nil
}

// isUnsupportedSearch reports whether the store refused the search itself (e.g. an unknown search parameter), rather
// than failing to process it.
func isUnsupportedSearch(err error) bool {
	var outcomeErr fhirclient.OperationOutcomeError
	if !errors.As(err, &outcomeErr) {
		return false
	}
	switch outcomeErr.HttpStatusCode {
	case http.StatusBadRequest, http.StatusNotImplemented:
		return true
	}
	for _, issue := range outcomeErr.Issue {
		if issue.Code == fhir.IssueTypeNotSupported {
			return true
		}
	}
	return false
}

// feedback applies a feedback message: the business status of the recipient's Task is transferred to the local
// referral Task it correlates with (through the PLAC identifier), and the feedback documents are imported.
func (r *run) feedback() (*Outcome, error) {
	if r.header.Sender == nil || (r.header.Sender.Reference == nil && r.header.Sender.Identifier == nil) {
		return nil, newError(MalformedHeader, "MessageHeader.sender", "MessageHeader.sender is empty or does not exist")
	}
	if len(r.header.Destination) == 0 || r.header.Destination[0].Endpoint == "" {
		return nil, newError(MalformedHeader, "MessageHeader.destination", "MessageHeader.destination is empty or does not exist")
	}
	if len(r.header.Focus) == 0 || r.header.Focus[0].Reference == nil {
		return nil, newError(MalformedHeader, "MessageHeader.focus[0]", "MessageHeader.focus[0] is empty or does not exist.")
	}
	focus := *r.header.Focus[0].Reference
	if coolfhir.ParseReference(focus).ResourceType != "Task" {
		return nil, newError(MalformedHeader, "MessageHeader.focus[0]", "MessageHeader.focus[0] must reference a Task: %s", focus)
	}
	var inbound fhir.Task
	if err := coolfhir.ResourceInBundle(&r.message, entryOfType("Task", focus), &inbound); err != nil {
		return nil, newError(MalformedHeader, "MessageHeader.focus[0]", "BSERReferralTask cannot be found from the MessageBundle entries.")
	}

	placer := bser.FindIdentifier(inbound.Identifier, bser.PlacerIdentifierType)
	if placer == nil || to.EmptyString(placer.Value) == "" {
		return nil, newError(MissingCorrelationIdentifier, "Task.identifier", "BSERReferralTask must have PLAC's value.")
	}
	businessStatus, ok := bser.LookupBusinessStatus(inbound.BusinessStatus)
	if !ok {
		return nil, newError(InvalidEnvelope, "Task.businessStatus", "BSERReferralTask.businessStatus is empty or not a TaskBusinessStatusCS code")
	}
	ctx := log.Ctx(r.ctx).With().
		Str(logging.FieldIdentifier, *placer.Value).
		Str(logging.FieldBusinessStatus, businessStatus.Code).
		Logger().WithContext(r.ctx)
	r.ctx = ctx

	local, err := r.gateway.Search(ctx, "", "Task", url.Values{"identifier": {coolfhir.IdentifierSearchToken(*placer)}}, gateway.IncludeTaskSubject, gateway.IncludeTaskFocus)
	if err != nil {
		return nil, err
	}
	var task fhir.Task
	if ok, err := local.First("Task", &task); err != nil {
		return nil, err
	} else if !ok {
		return nil, newError(NoMatchingTask, "Task.identifier", "NO Matching Task Found.")
	}
	var patient fhir.Patient
	if ok, err := local.First("Patient", &patient); err != nil {
		return nil, err
	} else if !ok {
		return nil, newError(NoMatchingTask, "Task.for", "Searched Task (%s) has no subject as patient", to.EmptyString(task.Id))
	}
	var serviceRequest *fhir.ServiceRequest
	if local.Has("ServiceRequest") {
		serviceRequest = new(fhir.ServiceRequest)
		if _, err := local.First("ServiceRequest", serviceRequest); err != nil {
			return nil, err
		}
	}

	result := &Outcome{
		PreviousStatus: task.Status,
		BusinessStatus: &businessStatus,
	}
	task.BusinessStatus = inbound.BusinessStatus
	task.Status = businessStatus.TaskStatus
	if serviceRequest != nil {
		serviceRequest.Status = businessStatus.ServiceRequestStatus
	}
	if filler := bser.FindIdentifier(inbound.Identifier, bser.FillerIdentifierType); filler != nil {
		task.Identifier = bser.MergeIdentifier(task.Identifier, *filler, bser.FillerIdentifierType)
	}

	for i, output := range inbound.Output {
		if output.ValueReference == nil || output.ValueReference.Reference == nil {
			return nil, newError(InvalidEnvelope, fmt.Sprintf("Task.output[%d].valueReference", i), "BSERReferralTask.output.valueReference cannot be null or empty.")
		}
		var document fhir.Bundle
		if err := coolfhir.ResourceInBundle(&r.message, entryOfType("Bundle", *output.ValueReference.Reference), &document); err != nil {
			log.Ctx(ctx).Warn().Str(logging.FieldResourceReference, *output.ValueReference.Reference).Msg("Feedback document not found in message, skipping")
			continue
		}
		identity, err := r.importFeedbackDocument(document, patient)
		if err != nil {
			return nil, err
		}
		reference := identity.FHIRReference()
		task.Output = append(task.Output, fhir.TaskOutput{
			Type:           output.Type,
			ValueReference: &reference,
		})
		result.FeedbackDocuments = append(result.FeedbackDocuments, identity.Reference())
	}

	if serviceRequest != nil {
		if err := r.gateway.Update(ctx, serviceRequest); err != nil {
			return nil, err
		}
	}
	if err := r.gateway.Update(ctx, &task); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str(logging.FieldTaskID, to.EmptyString(task.Id)).
		Int(logging.FieldCount, len(result.FeedbackDocuments)).
		Msg("Applied feedback to referral Task")
	result.Task = task
	result.ServiceRequest = serviceRequest
	return result, nil
}

// importFeedbackDocument persists the resources the document's Composition refers to, then the Composition, and then
// the document itself, with its references rewritten to the persisted resources. Observations get the local Patient
// as subject.
func (r *run) importFeedbackDocument(document fhir.Bundle, patient fhir.Patient) (gateway.Identity, error) {
	var composition fhir.Composition
	if len(document.Entry) == 0 || coolfhir.DescribeBundleEntry(document.Entry[0]).Type != "Composition" {
		return gateway.Identity{}, newError(InvalidEnvelope, "Bundle.entry[0].resource", "The feedback document must have Composition first in the entry")
	}
	if err := json.Unmarshal(document.Entry[0].Resource, &composition); err != nil {
		return gateway.Identity{}, newError(InvalidEnvelope, "Bundle.entry[0].resource", "Invalid Composition in feedback document: %v", err)
	}
	subject := fhir.Reference{
		Reference: to.Ptr("Patient/" + to.EmptyString(patient.Id)),
		Display:   to.NilString(coolfhir.FormatGivenFamily(patient.Name)),
	}

	// Sections may refer to the same resource, it's persisted once
	persisted := make(map[string]string)
	for s, section := range composition.Section {
		for e, entry := range section.Entry {
			original := to.EmptyString(entry.Reference)
			if original == "" {
				continue
			}
			if reference, ok := persisted[original]; ok {
				composition.Section[s].Entry[e].Reference = to.Ptr(reference)
				continue
			}
			idx := coolfhir.FirstBundleEntryIndex(&document, coolfhir.EntryMatchesReference(original))
			if idx <= 0 {
				continue
			}
			var resource map[string]interface{}
			if err := json.Unmarshal(document.Entry[idx].Resource, &resource); err != nil {
				return gateway.Identity{}, newError(InvalidEnvelope, "Bundle.entry.resource", "Invalid resource in feedback document: %v", err)
			}
			if resource["resourceType"] == "Observation" {
				resource["subject"] = subject
			}
			delete(resource, "id")
			delete(resource, "meta")
			identity, err := r.gateway.Save(r.ctx, &resource)
			if err != nil {
				return gateway.Identity{}, err
			}
			persisted[original] = identity.Reference()
			composition.Section[s].Entry[e].Reference = to.Ptr(identity.Reference())
			document.Entry[idx].FullUrl = to.Ptr(identity.Reference())
			document.Entry[idx].Resource, _ = json.Marshal(resource)
		}
	}

	composition.Id = nil
	composition.Meta = nil
	identity, err := r.gateway.Save(r.ctx, &composition)
	if err != nil {
		return gateway.Identity{}, err
	}
	document.Entry[0].FullUrl = to.Ptr(identity.Reference())
	document.Entry[0].Resource, _ = json.Marshal(composition)
	document.Id = nil
	if document.Meta == nil {
		document.Meta = &fhir.Meta{Profile: []string{bser.ReferralFeedbackDocumentBundleProfile}}
	} else {
		document.Meta.VersionId = nil
		document.Meta.LastUpdated = nil
	}
	identity, err = r.gateway.Save(r.ctx, &document)
	if err != nil {
		return gateway.Identity{}, err
	}
	log.Ctx(r.ctx).Debug().
		Str(logging.FieldResourceReference, identity.Reference()).
		Int(logging.FieldCount, len(persisted)).
		Msg("Imported feedback document")
	return identity, nil
}

// entryOfType matches entries of the given type whose fullUrl refers to the reference.
func entryOfType(resourceType string, reference string) func(entry fhir.BundleEntry) bool {
	isOfType := coolfhir.EntryIsOfType(resourceType)
	hasReference := coolfhir.EntryMatchesReference(reference)
	return func(entry fhir.BundleEntry) bool {
		return isOfType(entry) && hasReference(entry)
	}
}
