package logging

// Common log field keys used throughout the application
const (
	FieldBusinessStatus    = "business_status"
	FieldCount             = "count"
	FieldEndpoint          = "endpoint"
	FieldError             = "error"
	FieldIdentifier        = "identifier"
	FieldMessageID         = "message_id"
	FieldPath              = "path"
	FieldRecipientSite     = "recipient_site"
	FieldResourceID        = "fhir_resource_id"
	FieldResourceReference = "fhir_resource_reference"
	FieldResourceType      = "fhir_resource_type"
	FieldServiceType       = "service_type"
	FieldTaskID            = "task_id"
	FieldUrl               = "url"
)
