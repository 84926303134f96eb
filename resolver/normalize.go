package resolver

import (
	"strings"

	"github.com/SanteonNL/orca/bserengine/bser"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/google/uuid"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// NotReadyEndpointAddress is the address of the stub Endpoint used when the recipient can't receive referrals.
const NotReadyEndpointAddress = "http://recipient.notready.or.test/"

const referralPayloadType = "BSeR Referral Request Message"

// The functions below adapt directory records to the BSeR profiles. Known elements are copied, everything else is
// dropped. Records that will be created in the store lose their ID, records only included in the referral message
// keep the ID they have in their directory.

// InitiatorRole adapts the initiator's PractitionerRole. If the directory has no role, a placeholder is returned.
func InitiatorRole(source *fhir.PractitionerRole) fhir.PractitionerRole {
	result := fhir.PractitionerRole{}
	if source != nil {
		result = copyRole(*source)
		result.Id = nil
	}
	result.Meta = &fhir.Meta{Profile: []string{bser.ReferralInitiatorPractitionerRoleProfile}}
	return result
}

// RecipientRole adapts the recipient's PractitionerRole.
func RecipientRole(source fhir.PractitionerRole) fhir.PractitionerRole {
	result := copyRole(source)
	result.Meta = &fhir.Meta{Profile: []string{bser.ReferralRecipientPractitionerRoleProfile}}
	return result
}

func copyRole(source fhir.PractitionerRole) fhir.PractitionerRole {
	return fhir.PractitionerRole{
		Id:                source.Id,
		Identifier:        source.Identifier,
		Active:            source.Active,
		Period:            source.Period,
		Practitioner:      source.Practitioner,
		Organization:      source.Organization,
		Code:              source.Code,
		Specialty:         source.Specialty,
		Location:          source.Location,
		HealthcareService: source.HealthcareService,
		Telecom:           source.Telecom,
		Endpoint:          source.Endpoint,
	}
}

// InitiatorOrganization adapts the initiator's Organization, or constructs one if the directory has none.
func InitiatorOrganization(source *fhir.Organization) fhir.Organization {
	result := newOrganization("Initiator Organization", bser.HealthcareProviderOrganization)
	if source != nil {
		copyOrganization(*source, &result)
		result.Id = nil
	}
	return result
}

// RecipientOrganization adapts the recipient's Organization. If the directory has none, it is constructed from what
// the role's organization reference tells (identifier and display).
func RecipientOrganization(source *fhir.Organization, roleOrganization *fhir.Reference) fhir.Organization {
	result := newOrganization("Recipient Organization", bser.NonHealthcareOrganization)
	if source != nil {
		copyOrganization(*source, &result)
		return result
	}
	result.Id = to.Ptr(uuid.NewString())
	if roleOrganization != nil {
		if roleOrganization.Identifier != nil && coolfhir.IsLogicalIdentifier(roleOrganization.Identifier) {
			result.Identifier = append(result.Identifier, *roleOrganization.Identifier)
		}
		if to.EmptyString(roleOrganization.Display) != "" {
			result.Name = roleOrganization.Display
		}
	}
	return result
}

func newOrganization(name string, organizationType fhir.CodeableConcept) fhir.Organization {
	return fhir.Organization{
		Meta:   &fhir.Meta{Profile: []string{bser.OrganizationProfile}},
		Active: to.Ptr(true),
		Name:   to.Ptr(name),
		Type:   []fhir.CodeableConcept{organizationType},
	}
}

func copyOrganization(source fhir.Organization, target *fhir.Organization) {
	target.Id = source.Id
	target.Identifier = source.Identifier
	if source.Active != nil {
		target.Active = source.Active
	}
	if len(source.Type) > 0 {
		target.Type = source.Type
	}
	if to.EmptyString(source.Name) != "" {
		target.Name = source.Name
	}
	target.Alias = source.Alias
	target.Telecom = source.Telecom
	target.Address = source.Address
	target.PartOf = source.PartOf
	target.Endpoint = source.Endpoint
}

// InitiatorEndpoint returns the Endpoint the recipient sends its feedback to: this system's $process-message operation.
// A directory Endpoint is reused if it already points there.
func InitiatorEndpoint(source *fhir.Endpoint, processMessageURL string) fhir.Endpoint {
	if source != nil && strings.TrimSuffix(source.Address, "/") == strings.TrimSuffix(processMessageURL, "/") {
		result := copyEndpoint(*source)
		result.Id = nil
		return result
	}
	return newEndpoint(fhir.EndpointStatusActive, processMessageURL)
}

// RecipientEndpoint returns the Endpoint the referral is sent to, and whether it is a real one. If the recipient isn't
// ready, or the directory has no Endpoint with an address for it, a stub Endpoint that can't be reached is returned.
func RecipientEndpoint(source *fhir.Endpoint, recipientReady bool) (fhir.Endpoint, bool) {
	if recipientReady && source != nil && strings.TrimSpace(source.Address) != "" {
		return copyEndpoint(*source), true
	}
	result := newEndpoint(fhir.EndpointStatusTest, NotReadyEndpointAddress)
	result.Id = to.Ptr(uuid.NewString())
	return result, false
}

func newEndpoint(status fhir.EndpointStatus, address string) fhir.Endpoint {
	return fhir.Endpoint{
		Status: status,
		ConnectionType: fhir.Coding{
			System: to.Ptr(coolfhir.EndpointConnectionTypeSystem),
			Code:   to.Ptr("hl7-fhir-msg"),
		},
		PayloadType: []fhir.CodeableConcept{coolfhir.TextConcept(referralPayloadType)},
		Address:     address,
	}
}

func copyEndpoint(source fhir.Endpoint) fhir.Endpoint {
	result := fhir.Endpoint{
		Id:                   source.Id,
		Identifier:           source.Identifier,
		Status:               source.Status,
		ConnectionType:       source.ConnectionType,
		Name:                 source.Name,
		ManagingOrganization: source.ManagingOrganization,
		Period:               source.Period,
		PayloadType:          source.PayloadType,
		PayloadMimeType:      source.PayloadMimeType,
		Address:              source.Address,
		Header:               source.Header,
	}
	if len(result.PayloadType) == 0 {
		result.PayloadType = []fhir.CodeableConcept{coolfhir.TextConcept(referralPayloadType)}
	}
	return result
}
