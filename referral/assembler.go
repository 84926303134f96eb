// Package referral assembles BSeR referrals: it turns the parameters of a submit-referral operation into the persisted
// ServiceRequest, Task, document bundle and the referral message that is sent to the recipient.
package referral

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/SanteonNL/orca/bserengine/bser"
	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/logging"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/SanteonNL/orca/bserengine/resolver"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Referral is the result of an assembly run: the persisted records and the message that is to be dispatched.
type Referral struct {
	ServiceType    bser.ServiceType
	Patient        fhir.Patient
	ServiceRequest fhir.ServiceRequest
	Task           fhir.Task
	MessageHeader  bser.MessageHeader
	Message        fhir.Bundle
	// MessageReference is the reference (Bundle/id) of the persisted referral message.
	MessageReference  string
	RecipientEndpoint fhir.Endpoint
	// RecipientReachable is false if the recipient isn't ready, and RecipientEndpoint is a stub.
	RecipientReachable bool
	Warnings           Warnings
}

// Assembler builds and persists referrals.
type Assembler struct {
	recipientReady bool
	now            func() time.Time
}

// NewAssembler creates an Assembler. If recipientReady is false, referrals are addressed to a stub endpoint.
func NewAssembler(recipientReady bool) *Assembler {
	return &Assembler{
		recipientReady: recipientReady,
		now:            time.Now,
	}
}

// run is the state of one assembly.
type run struct {
	ctx     context.Context
	gateway *gateway.Gateway
	now     time.Time
	// subject is the reference to the Patient in the store.
	subject fhir.Reference
	// referralSubject is the absolute reference of the subject in the referral as submitted.
	referralSubject string
	subjectBaseURL  string
	info            supportingInfo
}

// Assemble validates the request, persists the referral records in the store and builds the referral message.
// Records persisted before a failing step are not rolled back.
func (a *Assembler) Assemble(ctx context.Context, rc RequestContext, request Request) (*Referral, error) {
	var warnings Warnings
	if request.ProviderBaseURL == "" {
		warnings.Add("bserProviderBaseUrl is missing.")
	}
	rc, err := rc.WithProviderBaseURL(request.ProviderBaseURL)
	if err != nil {
		return nil, err
	}
	serviceType, err := validate(request, &warnings)
	if err != nil {
		return nil, err
	}
	ctx = log.Ctx(ctx).With().Str(logging.FieldServiceType, serviceType.Code).Logger().WithContext(ctx)
	r := &run{
		ctx:     ctx,
		gateway: rc.Gateway(),
		now:     a.now(),
	}
	referral := *request.Referral
	subject := coolfhir.ParseReference(coolfhir.ReferenceValue(&referral.Subject))
	r.subjectBaseURL = subject.BaseURL
	if r.subjectBaseURL == "" {
		r.subjectBaseURL = r.gateway.StoreURL().String()
	}
	r.referralSubject = r.subjectBaseURL + "/" + subject.Relative()

	patient, err := r.subjectPatient(request, subject)
	if err != nil {
		return nil, err
	}
	patient, err = r.deduplicatePatient(patient)
	if err != nil {
		return nil, err
	}
	r.subject = fhir.Reference{
		Reference: to.Ptr("Patient/" + to.EmptyString(patient.Id)),
		Display:   to.NilString(coolfhir.FormatGivenFamily(patient.Name)),
	}

	initiator, err := r.initiator(request, referral, rc.ProcessMessageURL(), &warnings)
	if err != nil {
		return nil, err
	}
	recipient, err := r.recipient(referral, a.recipientReady, &warnings)
	if err != nil {
		return nil, err
	}

	education, err := r.educationLevel(request.EducationLevel)
	if err != nil {
		return nil, err
	}
	employment, err := r.employmentStatus(request.EmploymentStatus)
	if err != nil {
		return nil, err
	}
	if err := r.collectSupportingInfo(request); err != nil {
		return nil, err
	}

	document, err := r.documentBundle(serviceType, initiator)
	if err != nil {
		return nil, err
	}
	serviceRequest, err := r.serviceRequest(referral, serviceType, initiator, document, &warnings)
	if err != nil {
		return nil, err
	}
	task, err := r.task(serviceRequest, initiator, recipient)
	if err != nil {
		return nil, err
	}

	header := bser.NewReferralMessageHeader(recipient.roleReference(), initiator.roleReference(), taskReference(task),
		initiator.endpoint.Address, recipient.endpoint.Address)
	if _, err := r.gateway.Save(ctx, &header); err != nil {
		return nil, err
	}
	message := coolfhir.Message().WithTimestamp(r.timestamp())
	message.Meta = &fhir.Meta{Profile: []string{bser.ReferralMessageBundleProfile}}
	message.Append(header, coolfhir.WithFullUrl("MessageHeader/"+to.EmptyString(header.ID)))
	entries := []any{task, serviceRequest, document, patient}
	entries = append(entries, initiator.resources()...)
	entries = append(entries, recipient.resources()...)
	if employment != nil {
		entries = append(entries, *employment)
	}
	if education != nil {
		entries = append(entries, *education)
	}
	if request.Coverage != nil {
		coverage := *request.Coverage
		coverage.Meta = &fhir.Meta{Profile: []string{bser.CoverageProfile}}
		entries = append(entries, coverage)
	}
	for _, entry := range entries {
		appendWithFullUrl(message, entry)
	}
	messageBundle := message.Bundle()
	messageIdentity, err := r.gateway.Save(ctx, &messageBundle)
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str(logging.FieldTaskID, to.EmptyString(task.Id)).
		Str(logging.FieldResourceReference, messageIdentity.Reference()).
		Msg("Assembled referral")
	return &Referral{
		ServiceType:        serviceType,
		Patient:            patient,
		ServiceRequest:     serviceRequest,
		Task:               task,
		MessageHeader:      header,
		Message:            messageBundle,
		MessageReference:   messageIdentity.Reference(),
		RecipientEndpoint:  recipient.endpoint,
		RecipientReachable: recipient.reachable,
		Warnings:           warnings,
	}, nil
}

func validate(request Request, warnings *Warnings) (bser.ServiceType, error) {
	referral := request.Referral
	if referral == nil {
		return bser.ServiceType{}, newError(MissingReferral, "Parameters.parameter.where(name='referral')", "referral is missing")
	}
	if to.EmptyString(referral.Id) == "" {
		return bser.ServiceType{}, newError(MissingReferral, "ServiceRequest.id", "the referral ServiceRequest has no id")
	}
	if referral.Status == fhir.RequestStatusActive {
		warnings.Add("The referral request has its status already set to ACTIVE.")
	}
	subject := coolfhir.ParseReference(coolfhir.ReferenceValue(&referral.Subject))
	if subject.ID == "" || !isOfType(referral.Subject, subject, "Patient") {
		return bser.ServiceType{}, newError(InvalidSubject, "ServiceRequest.subject", "Subject must be Patient")
	}
	if request.Patient != nil && to.EmptyString(request.Patient.Id) != subject.ID {
		return bser.ServiceType{}, newError(PatientMismatch, "ServiceRequest.subject", "Patient ID does not match between ServiceRequest.subject and patient.id")
	}
	if len(referral.Performer) == 0 || coolfhir.ReferenceValue(&referral.Performer[0]) == "" {
		return bser.ServiceType{}, newError(InvalidPerformer, "ServiceRequest.performer", "ServiceRequest.performer is missing")
	}
	if referral.Requester == nil && request.Requester == nil {
		return bser.ServiceType{}, newError(UnresolvedRequester, "ServiceRequest.requester", "ServiceRequest.requester is missing")
	}
	serviceType, ok := bser.LookupServiceType(request.ServiceType)
	if !ok {
		return bser.ServiceType{}, newError(MissingServiceType, "Parameters.parameter.where(name='serviceType')", "unknown or missing service type: %s", request.ServiceType)
	}
	return serviceType, nil
}

// subjectPatient returns the Patient the referral is about: the one submitted, or else the one its subject refers to.
func (r *run) subjectPatient(request Request, subject coolfhir.ParsedReference) (fhir.Patient, error) {
	if request.Patient != nil {
		return *request.Patient, nil
	}
	var patient fhir.Patient
	err := r.gateway.Read(r.ctx, r.referralSubject, &patient)
	if errors.Is(err, gateway.ErrNotFound) {
		return patient, newError(InvalidSubject, "ServiceRequest.subject", "%s could not be found", subject.Relative())
	}
	if err != nil {
		return patient, fmt.Errorf("read subject: %w", err)
	}
	return patient, nil
}

// deduplicatePatient returns the store's Patient with one of the identifiers of the given patient, or persists it if
// there is none.
func (r *run) deduplicatePatient(patient fhir.Patient) (fhir.Patient, error) {
	for _, identifier := range patient.Identifier {
		if to.EmptyString(identifier.Value) == "" {
			continue
		}
		result, err := r.gateway.Search(r.ctx, "", "Patient", url.Values{"identifier": {coolfhir.IdentifierSearchToken(identifier)}})
		if err != nil {
			return patient, fmt.Errorf("search patient: %w", err)
		}
		var existing fhir.Patient
		found, err := result.First("Patient", &existing)
		if err != nil {
			return patient, err
		}
		if found {
			log.Ctx(r.ctx).Debug().Str(logging.FieldResourceID, to.EmptyString(existing.Id)).Msg("Reusing Patient in FHIR store")
			return existing, nil
		}
	}
	stored := patient
	stored.Id = nil
	stored.Meta = nil
	if _, err := r.save(&stored); err != nil {
		return patient, err
	}
	return stored, nil
}

// party is an initiator or recipient as included in the referral message.
type party struct {
	role              fhir.PractitionerRole
	practitioner      *fhir.Practitioner
	organization      fhir.Organization
	endpoint          fhir.Endpoint
	location          *fhir.Location
	healthcareService *fhir.HealthcareService
	reachable         bool
}

func (p party) roleReference() fhir.Reference {
	return fhir.Reference{Reference: to.Ptr("PractitionerRole/" + to.EmptyString(p.role.Id))}
}

func (p party) organizationReference() fhir.Reference {
	return fhir.Reference{
		Reference: to.Ptr("Organization/" + to.EmptyString(p.organization.Id)),
		Display:   p.organization.Name,
	}
}

// resources returns the records of the party in referral message order.
func (p party) resources() []any {
	result := []any{p.role}
	if p.practitioner != nil {
		result = append(result, *p.practitioner)
	}
	result = append(result, p.organization, p.endpoint)
	if p.healthcareService != nil {
		result = append(result, *p.healthcareService)
	}
	if p.location != nil {
		result = append(result, *p.location)
	}
	return result
}

// initiator resolves the requester of the referral and persists its role, practitioner, organization and endpoint.
func (r *run) initiator(request Request, referral fhir.ServiceRequest, processMessageURL string, warnings *Warnings) (*party, error) {
	var requester fhir.Reference
	var practitionerID string
	if request.Requester != nil {
		practitionerID = to.EmptyString(request.Requester.Id)
	}
	if referral.Requester != nil {
		requester = *referral.Requester
	} else {
		requester = fhir.Reference{Reference: to.Ptr(r.subjectBaseURL + "/Practitioner/" + practitionerID)}
	}
	found, err := resolver.New(r.gateway).ResolveInitiator(r.ctx, requester, practitionerID)
	if err != nil {
		return nil, err
	}
	practitioner := request.Requester
	if practitioner == nil {
		practitioner = found.Practitioner
	}
	if practitioner == nil {
		parsed := coolfhir.ParseReference(coolfhir.ReferenceValue(&requester))
		if parsed.ResourceType == "Practitioner" {
			var read fhir.Practitioner
			if err := r.gateway.Read(r.ctx, coolfhir.ReferenceValue(&requester), &read); err == nil {
				practitioner = &read
			} else if !errors.Is(err, gateway.ErrNotFound) {
				return nil, fmt.Errorf("read requester: %w", err)
			}
		}
	}
	if practitioner == nil {
		return nil, newError(UnresolvedRequester, "ServiceRequest.requester", "the requester %s could not be resolved", coolfhir.ReferenceValue(&requester))
	}
	if found.Role == nil {
		warnings.Add("The requester has no PractitionerRole, a placeholder role is used.")
	}

	result := party{
		organization: resolver.InitiatorOrganization(found.Organization),
		location:     found.Location,
	}
	if _, err := r.save(&result.organization); err != nil {
		return nil, err
	}
	result.endpoint = resolver.InitiatorEndpoint(found.Endpoint, processMessageURL)
	result.endpoint.ManagingOrganization = to.Ptr(result.organizationReference())
	if _, err := r.save(&result.endpoint); err != nil {
		return nil, err
	}
	stored := *practitioner
	stored.Id = nil
	stored.Meta = nil
	practitionerIdentity, err := r.save(&stored)
	if err != nil {
		return nil, err
	}
	result.practitioner = &stored

	result.role = resolver.InitiatorRole(found.Role)
	practitionerReference := practitionerIdentity.FHIRReference()
	practitionerReference.Display = to.NilString(coolfhir.FormatGivenFamily(stored.Name))
	result.role.Practitioner = &practitionerReference
	result.role.Organization = to.Ptr(result.organizationReference())
	result.role.Endpoint = []fhir.Reference{{Reference: to.Ptr("Endpoint/" + to.EmptyString(result.endpoint.Id))}}
	if _, err := r.save(&result.role); err != nil {
		return nil, err
	}
	log.Ctx(r.ctx).Debug().Str(logging.FieldResourceID, to.EmptyString(result.role.Id)).Msg("Persisted initiator PractitionerRole")
	return &result, nil
}

// recipient resolves the performer of the referral. Its records are only included in the message, never persisted.
func (r *run) recipient(referral fhir.ServiceRequest, recipientReady bool, warnings *Warnings) (*party, error) {
	performer := referral.Performer[0]
	found, err := resolver.New(r.gateway).ResolveRecipient(r.ctx, performer)
	var unresolved resolver.UnresolvedPartyError
	if errors.As(err, &unresolved) {
		return nil, newError(InvalidPerformer, "ServiceRequest.performer", "The ServiceRequest.performer: %s does not seem to exist.", unresolved.Reference)
	}
	if err != nil {
		return nil, err
	}
	result := party{
		role:              resolver.RecipientRole(*found.Role),
		practitioner:      found.Practitioner,
		organization:      resolver.RecipientOrganization(found.Organization, found.Role.Organization),
		location:          found.Location,
		healthcareService: found.HealthcareService,
	}
	result.endpoint, result.reachable = resolver.RecipientEndpoint(found.Endpoint, recipientReady)
	if !result.reachable {
		warnings.Add("Recipient is not ready or target Endpoint is not available")
		result.role.Endpoint = append(result.role.Endpoint, fhir.Reference{Reference: to.Ptr("Endpoint/" + to.EmptyString(result.endpoint.Id))})
	}
	log.Ctx(r.ctx).Debug().
		Str(logging.FieldResourceReference, coolfhir.ReferenceValue(&performer)).
		Str(logging.FieldEndpoint, result.endpoint.Address).
		Msg("Resolved recipient PractitionerRole")
	return &result, nil
}

// documentBundle persists the Composition and the document bundle holding it and the supporting information.
func (r *run) documentBundle(serviceType bser.ServiceType, initiator *party) (fhir.Bundle, error) {
	subject := r.subject
	composition := fhir.Composition{
		Meta:    &fhir.Meta{Profile: []string{bser.ReferralRequestCompositionProfile}},
		Status:  fhir.CompositionStatusFinal,
		Type:    coolfhir.Concept(coolfhir.LOINCSystem, bser.ReferralNoteCode, bser.ReferralNoteDisplay),
		Subject: &subject,
		Date:    r.timestamp(),
		Author:  []fhir.Reference{initiator.roleReference()},
		Title:   "Referral request",
		Section: []fhir.CompositionSection{r.info.section(serviceType)},
	}
	identity, err := r.save(&composition)
	if err != nil {
		return fhir.Bundle{}, err
	}
	builder := coolfhir.Document().
		WithIdentifier(bser.DocumentIdentifierSystem, uuid.NewString()).
		WithTimestamp(r.timestamp())
	builder.Meta = &fhir.Meta{Profile: []string{bser.ReferralDocumentBundleProfile}}
	builder.Append(composition, coolfhir.WithFullUrl(identity.Reference()))
	for _, entry := range r.info.entries {
		builder.AppendEntry(entry)
	}
	document := builder.Bundle()
	if _, err := r.save(&document); err != nil {
		return fhir.Bundle{}, err
	}
	return document, nil
}

// serviceRequest persists the server-owned copy of the submitted referral and deletes the draft.
func (r *run) serviceRequest(draft fhir.ServiceRequest, serviceType bser.ServiceType, initiator *party, document fhir.Bundle, warnings *Warnings) (fhir.ServiceRequest, error) {
	result := draft
	result.Id = nil
	result.Meta = &fhir.Meta{Profile: []string{bser.ReferralServiceRequestProfile}}
	result.Status = fhir.RequestStatusActive
	result.Subject = r.subject
	result.Requester = to.Ptr(initiator.roleReference())
	result.ReasonCode = []fhir.CodeableConcept{serviceType.Concept()}
	result.OccurrenceDateTime = to.Ptr(r.timestamp())
	result.SupportingInfo = append(append([]fhir.Reference(nil), draft.SupportingInfo...),
		fhir.Reference{Reference: to.Ptr("Bundle/" + to.EmptyString(document.Id))})
	placer := bser.NewPlacerIdentifier(uuid.NewString(), to.Ptr(initiator.organizationReference()))
	result.Identifier = bser.MergeIdentifier(append([]fhir.Identifier(nil), draft.Identifier...), placer, bser.PlacerIdentifierType)
	if _, err := r.save(&result); err != nil {
		return result, err
	}
	draftReference := "ServiceRequest/" + to.EmptyString(draft.Id)
	if err := r.gateway.Delete(r.ctx, draftReference); err != nil {
		log.Ctx(r.ctx).Warn().Err(err).Str(logging.FieldResourceReference, draftReference).Msg("Unable to delete draft ServiceRequest")
		warnings.Add(fmt.Sprintf("DELETE %s: %v", draftReference, err))
	}
	return result, nil
}

// task persists the Task that tracks the referral, owned by the recipient.
func (r *run) task(serviceRequest fhir.ServiceRequest, initiator *party, recipient *party) (fhir.Task, error) {
	subject := r.subject
	task := fhir.Task{
		Meta:           &fhir.Meta{Profile: []string{bser.ReferralTaskProfile}},
		Status:         bser.ServiceRequestCreated.TaskStatus,
		BusinessStatus: to.Ptr(bser.ServiceRequestCreated.Concept()),
		Intent:         "order",
		Focus:          &fhir.Reference{Reference: to.Ptr("ServiceRequest/" + to.EmptyString(serviceRequest.Id))},
		For:            &subject,
		AuthoredOn:     to.Ptr(r.timestamp()),
		Requester:      to.Ptr(initiator.roleReference()),
		Owner:          to.Ptr(recipient.roleReference()),
	}
	if placer := bser.FindIdentifier(serviceRequest.Identifier, bser.PlacerIdentifierType); placer != nil {
		task.Identifier = []fhir.Identifier{*placer}
	}
	if _, err := r.save(&task); err != nil {
		return task, err
	}
	return task, nil
}

func taskReference(task fhir.Task) fhir.Reference {
	return fhir.Reference{Reference: to.Ptr("Task/" + to.EmptyString(task.Id))}
}

func appendWithFullUrl(builder *coolfhir.BundleBuilder, resource any) {
	builder.Append(resource, func(entry *fhir.BundleEntry) {
		if desc := coolfhir.DescribeBundleEntry(*entry); desc.ID != "" {
			entry.FullUrl = to.Ptr(desc.Reference())
		}
	})
}

func (r *run) save(resource any) (gateway.Identity, error) {
	return r.gateway.Save(r.ctx, resource)
}

func (r *run) timestamp() string {
	return r.now.UTC().Format(time.RFC3339)
}

// isSubject reports whether the reference points to the referral subject, either as submitted or as stored.
// Relative references are resolved against baseURL.
func (r *run) isSubject(reference *fhir.Reference, baseURL string) bool {
	literal := coolfhir.ReferenceValue(reference)
	if literal == "" {
		return false
	}
	stored := r.gateway.StoreURL().String() + "/" + coolfhir.ReferenceValue(&r.subject)
	return coolfhir.ReferencesEqual(literal, r.referralSubject, baseURL) ||
		coolfhir.ReferencesEqual(literal, stored, baseURL)
}

// baseURLOf returns the base URL of the FHIR server the reference is read from.
func (r *run) baseURLOf(reference *fhir.Reference) string {
	if parsed := coolfhir.ParseReference(coolfhir.ReferenceValue(reference)); parsed.BaseURL != "" {
		return parsed.BaseURL
	}
	return r.gateway.StoreURL().String()
}

func isOfType(reference fhir.Reference, parsed coolfhir.ParsedReference, resourceType string) bool {
	if reference.Type != nil {
		return *reference.Type == resourceType
	}
	return parsed.ResourceType == resourceType
}
