package bser

import (
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// NewPlacerIdentifier creates the initiator's business identifier of a referral, assigned by the given organization.
func NewPlacerIdentifier(value string, assigner *fhir.Reference) fhir.Identifier {
	return fhir.Identifier{
		Type:     to.Ptr(IdentifierType(PlacerIdentifierType)),
		System:   to.Ptr(RequestIdentifierSystem),
		Value:    to.Ptr(value),
		Assigner: assigner,
	}
}

// FindIdentifier returns the identifier typed with the given v2-0203 code (PLAC or FILL), or nil.
func FindIdentifier(identifiers []fhir.Identifier, typeCode string) *fhir.Identifier {
	return coolfhir.FirstIdentifier(identifiers, coolfhir.FilterIdentifierType(coolfhir.V2IdentifierTypeSystem, typeCode))
}

// MergeIdentifier replaces the value of the identifier having the same type code, or appends it if there is none.
func MergeIdentifier(identifiers []fhir.Identifier, identifier fhir.Identifier, typeCode string) []fhir.Identifier {
	for i, existing := range identifiers {
		if coolfhir.FilterIdentifierType(coolfhir.V2IdentifierTypeSystem, typeCode)(existing) {
			identifiers[i].System = identifier.System
			identifiers[i].Value = identifier.Value
			if identifier.Assigner != nil {
				identifiers[i].Assigner = identifier.Assigner
			}
			return identifiers
		}
	}
	return append(identifiers, identifier)
}
