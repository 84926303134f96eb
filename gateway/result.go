package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// _include values used when resolving PractitionerRoles and Tasks.
const (
	IncludeOrganization      = "PractitionerRole:organization"
	IncludeEndpoint          = "PractitionerRole:endpoint"
	IncludeLocation          = "PractitionerRole:location"
	IncludePractitioner      = "PractitionerRole:practitioner"
	IncludeHealthcareService = "PractitionerRole:service"
	IncludeTaskSubject       = "Task:subject"
	IncludeTaskFocus         = "Task:focus"
)

// Result is a search result set, partitioned by resource type. Matches and included resources are not told apart:
// callers pick what they need by type.
type Result struct {
	Bundle fhir.Bundle
	byType map[string][]fhir.BundleEntry
}

func newResult(bundle fhir.Bundle) *Result {
	result := &Result{Bundle: bundle, byType: make(map[string][]fhir.BundleEntry)}
	for _, entry := range bundle.Entry {
		resourceType := coolfhir.DescribeBundleEntry(entry).Type
		if resourceType == "" {
			continue
		}
		result.byType[resourceType] = append(result.byType[resourceType], entry)
	}
	return result
}

// Total returns the number of entries in the result. Stores don't always fill Bundle.total, so the entries are counted
// when it is absent.
func (r *Result) Total() int {
	if r.Bundle.Total != nil {
		return *r.Bundle.Total
	}
	return len(r.Bundle.Entry)
}

// NextURL returns the URL of the next page of the result, or an empty string if this is the last page.
func (r *Result) NextURL() string {
	for _, link := range r.Bundle.Link {
		if link.Relation == "next" {
			return link.Url
		}
	}
	return ""
}

// Entries returns the entries containing resources of the given type.
func (r *Result) Entries(resourceType string) []fhir.BundleEntry {
	return r.byType[resourceType]
}

// Has reports whether the result contains a resource of the given type.
func (r *Result) Has(resourceType string) bool {
	return len(r.byType[resourceType]) > 0
}

// First unmarshals the first resource of the given type into target.
// It returns false if there is none.
func (r *Result) First(resourceType string, target any) (bool, error) {
	entries := r.byType[resourceType]
	if len(entries) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(entries[0].Resource, target); err != nil {
		return false, fmt.Errorf("invalid %s in search result: %w", resourceType, err)
	}
	return true, nil
}

// All unmarshals all resources of the given type into target, which must be a pointer to a slice.
func (r *Result) All(resourceType string, target any) error {
	resources := make([]json.RawMessage, 0, len(r.byType[resourceType]))
	for _, entry := range r.byType[resourceType] {
		resources = append(resources, entry.Resource)
	}
	data, _ := json.Marshal(resources)
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid %s in search result: %w", resourceType, err)
	}
	return nil
}
