// Package resolver resolves the parties of a referral (the initiating and the receiving practitioner role) from the
// directories (EHR or provider FHIR servers) their references point to.
package resolver

import (
	"context"
	"fmt"
	"net/url"

	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/logging"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Party is a PractitionerRole together with the resources that were included when searching for it.
// Role is nil if the directory doesn't know the role.
type Party struct {
	Role              *fhir.PractitionerRole
	Practitioner      *fhir.Practitioner
	Organization      *fhir.Organization
	Endpoint          *fhir.Endpoint
	Location          *fhir.Location
	HealthcareService *fhir.HealthcareService
}

// UnresolvedPartyError is returned when a mandatory party can't be found in its directory.
type UnresolvedPartyError struct {
	Reference string
}

func (e UnresolvedPartyError) Error() string {
	return fmt.Sprintf("PractitionerRole %s could not be resolved", e.Reference)
}

// Resolver looks up PractitionerRoles and their co-located resources through the Gateway.
type Resolver struct {
	gateway *gateway.Gateway
}

func New(gw *gateway.Gateway) *Resolver {
	return &Resolver{gateway: gw}
}

// ResolveInitiator searches the PractitionerRole of the referral's requester. If the requester is a Practitioner,
// its roles are searched by practitioner, else the role itself is searched by ID.
// A requester without role yields a Party with nil Role; callers then construct a placeholder role.
func (r *Resolver) ResolveInitiator(ctx context.Context, requester fhir.Reference, practitionerID string) (*Party, error) {
	parsed := coolfhir.ParseReference(coolfhir.ReferenceValue(&requester))
	var params url.Values
	var includes []string
	if isOfType(requester, parsed, "Practitioner") {
		if practitionerID == "" {
			practitionerID = parsed.ID
		}
		params = url.Values{"practitioner": {practitionerID}}
		includes = []string{gateway.IncludeOrganization, gateway.IncludeEndpoint, gateway.IncludeLocation}
	} else {
		params = url.Values{"_id": {parsed.ID}}
		includes = []string{gateway.IncludeOrganization, gateway.IncludeEndpoint, gateway.IncludePractitioner, gateway.IncludeLocation}
	}
	party, err := r.search(ctx, parsed.BaseURL, params, includes)
	if err != nil {
		return nil, fmt.Errorf("resolve initiator: %w", err)
	}
	if party.Role == nil {
		log.Ctx(ctx).Warn().
			Str(logging.FieldResourceReference, coolfhir.ReferenceValue(&requester)).
			Msg("Initiator PractitionerRole not found in directory")
	}
	return party, nil
}

// ResolveRecipient searches the PractitionerRole the referral is addressed to (ServiceRequest.performer).
// It fails with UnresolvedPartyError if the directory doesn't know the role.
func (r *Resolver) ResolveRecipient(ctx context.Context, performer fhir.Reference) (*Party, error) {
	reference := coolfhir.ReferenceValue(&performer)
	parsed := coolfhir.ParseReference(reference)
	if parsed.ID == "" {
		return nil, UnresolvedPartyError{Reference: reference}
	}
	party, err := r.search(ctx, parsed.BaseURL, url.Values{"_id": {parsed.ID}}, []string{
		gateway.IncludePractitioner,
		gateway.IncludeOrganization,
		gateway.IncludeEndpoint,
		gateway.IncludeHealthcareService,
		gateway.IncludeLocation,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if party.Role == nil {
		return nil, UnresolvedPartyError{Reference: reference}
	}
	return party, nil
}

func (r *Resolver) search(ctx context.Context, baseURL string, params url.Values, includes []string) (*Party, error) {
	result, err := r.gateway.Search(ctx, baseURL, "PractitionerRole", params, includes...)
	if err != nil {
		return nil, err
	}
	var party Party
	if party.Role, err = first[fhir.PractitionerRole](result, "PractitionerRole"); err != nil {
		return nil, err
	}
	if party.Practitioner, err = first[fhir.Practitioner](result, "Practitioner"); err != nil {
		return nil, err
	}
	if party.Organization, err = first[fhir.Organization](result, "Organization"); err != nil {
		return nil, err
	}
	if party.Endpoint, err = first[fhir.Endpoint](result, "Endpoint"); err != nil {
		return nil, err
	}
	if party.Location, err = first[fhir.Location](result, "Location"); err != nil {
		return nil, err
	}
	if party.HealthcareService, err = first[fhir.HealthcareService](result, "HealthcareService"); err != nil {
		return nil, err
	}
	return &party, nil
}

func first[T any](result *gateway.Result, resourceType string) (*T, error) {
	var resource T
	found, err := result.First(resourceType, &resource)
	if err != nil || !found {
		return nil, err
	}
	return &resource, nil
}

func isOfType(reference fhir.Reference, parsed coolfhir.ParsedReference, resourceType string) bool {
	if reference.Type != nil {
		return *reference.Type == resourceType
	}
	return parsed.ResourceType == resourceType
}
