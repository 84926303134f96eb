package otel

// Attribute keys used on spans across the engine
const (
	HTTPMethod     = "http.method"
	HTTPURL        = "http.url"
	HTTPStatusCode = "http.status_code"

	FHIRResourceType      = "fhir.resource_type"
	FHIRResourceID        = "fhir.resource_id"
	FHIRResourceReference = "fhir.resource_reference"
	FHIRBaseURL           = "fhir.base_url"
	FHIRSearchParamCount  = "fhir.search.param_count"
	FHIRTaskID            = "fhir.task.id"
	FHIRTaskStatus        = "fhir.task.status"
	FHIRBundleEntryCount  = "fhir.bundle.entry_count"

	BSeRServiceType    = "bser.service_type"
	BSeRRecipientSite  = "bser.recipient_site"
	BSeRBusinessStatus = "bser.business_status"
	BSeRMessageBranch  = "bser.message.branch"
)
