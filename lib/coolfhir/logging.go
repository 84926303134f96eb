package coolfhir

import "net/url"

// FhirUrlLoggerSanitizer masks query parameter values of FHIR request URLs before they're logged,
// since search parameters (e.g. identifier) might contain PII. Include and paging parameters are retained.
func FhirUrlLoggerSanitizer(in *url.URL) *url.URL {
	result := *in
	q := url.Values{}
	for name, values := range in.Query() {
		for _, value := range values {
			switch name {
			case "_include", "_revinclude", "_count":
				q.Add(name, value)
			default:
				q.Add(name, "****")
			}
		}
	}
	result.RawQuery = q.Encode()
	return &result
}
