package coolfhir

// FHIRContentType is the content-type for FHIR payloads
const FHIRContentType = "application/fhir+json"

// V2IdentifierTypeSystem is the HL7 v2 table 0203 code system, used for typed business identifiers (PLAC, FILL).
const V2IdentifierTypeSystem = "http://terminology.hl7.org/CodeSystem/v2-0203"

const (
	LOINCSystem                  = "http://loinc.org"
	SNOMEDSystem                 = "http://snomed.info/sct"
	UCUMSystem                   = "http://unitsofmeasure.org"
	ObservationCategorySystem    = "http://terminology.hl7.org/CodeSystem/observation-category"
	ConditionCategorySystem      = "http://terminology.hl7.org/CodeSystem/condition-category"
	OrganizationTypeSystem       = "http://terminology.hl7.org/CodeSystem/organization-type"
	EndpointConnectionTypeSystem = "http://terminology.hl7.org/CodeSystem/endpoint-connection-type"
)
