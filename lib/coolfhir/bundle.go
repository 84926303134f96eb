package coolfhir

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

var ErrEntryNotFound = errors.New("entry not found in FHIR Bundle")

type BundleBuilder fhir.Bundle

func SearchSet() *BundleBuilder {
	return &BundleBuilder{
		Type: fhir.BundleTypeSearchset,
	}
}

// Message starts a bundle of type message. The MessageHeader must be the first entry.
func Message() *BundleBuilder {
	return &BundleBuilder{
		Type: fhir.BundleTypeMessage,
	}
}

// Document starts a bundle of type document. The Composition must be the first entry.
func Document() *BundleBuilder {
	return &BundleBuilder{
		Type: fhir.BundleTypeDocument,
	}
}

func (t *BundleBuilder) WithIdentifier(system, value string) *BundleBuilder {
	t.Identifier = &fhir.Identifier{
		System: to.Ptr(system),
		Value:  to.Ptr(value),
	}
	return t
}

func (t *BundleBuilder) WithTimestamp(timestamp string) *BundleBuilder {
	t.Timestamp = to.Ptr(timestamp)
	return t
}

// Append adds the resource as entry. Resources that can't be marshalled are skipped.
func (t *BundleBuilder) Append(resource interface{}, opts ...BundleEntryOption) *BundleBuilder {
	data, err := json.Marshal(resource)
	if err != nil {
		return t
	}
	return t.AppendEntry(fhir.BundleEntry{Resource: data}, opts...)
}

func (t *BundleBuilder) AppendEntry(entry fhir.BundleEntry, opts ...BundleEntryOption) *BundleBuilder {
	for _, opt := range opts {
		opt(&entry)
	}
	t.Entry = append(t.Entry, entry)
	return t
}

func (t *BundleBuilder) Bundle() fhir.Bundle {
	result := fhir.Bundle(*t)
	if result.Type == fhir.BundleTypeSearchset {
		result.Total = to.Ptr(len(result.Entry))
	}
	return result
}

type BundleEntryOption func(entry *fhir.BundleEntry)

func WithFullUrl(fullUrl string) BundleEntryOption {
	return func(entry *fhir.BundleEntry) {
		entry.FullUrl = to.NilString(fullUrl)
	}
}

// Resource is the minimal representation of any FHIR resource.
type Resource struct {
	Type string `json:"resourceType"`
	ID   string `json:"id"`
}

// Reference returns the relative reference (Type/id) of the resource.
func (r Resource) Reference() string {
	return r.Type + "/" + r.ID
}

// DescribeBundleEntry returns the type and ID of the entry's resource.
func DescribeBundleEntry(entry fhir.BundleEntry) Resource {
	var res Resource
	_ = json.Unmarshal(entry.Resource, &res)
	return res
}

func EntryIsOfType(resourceType string) func(entry fhir.BundleEntry) bool {
	return FilterResource(func(res Resource) bool {
		return res.Type == resourceType
	})
}

func EntryHasID(id string) func(entry fhir.BundleEntry) bool {
	return FilterResource(func(res Resource) bool {
		return res.ID == id
	})
}

// EntryMatchesReference matches entries whose fullUrl refers to the given reference, comparing whole path segments
// (e.g. Task/123 matches http://example.com/fhir/Task/123, but not Task/1234 or OtherTask/123).
// If the entry has no fullUrl, the resource's Type/id is used instead.
func EntryMatchesReference(reference string) func(entry fhir.BundleEntry) bool {
	return func(entry fhir.BundleEntry) bool {
		if reference == "" {
			return false
		}
		if entry.FullUrl != nil && *entry.FullUrl != "" {
			return referencesEqual(*entry.FullUrl, reference)
		}
		res := DescribeBundleEntry(entry)
		return res.ID != "" && referencesEqual(res.Reference(), reference)
	}
}

// referencesEqual reports whether a and b are equal, or one is a relative form of the other.
func referencesEqual(a, b string) bool {
	return a == b || strings.HasSuffix(a, "/"+b) || strings.HasSuffix(b, "/"+a)
}

func FilterResource(fn func(resource Resource) bool) func(entry fhir.BundleEntry) bool {
	return func(entry fhir.BundleEntry) bool {
		var res Resource
		if err := json.Unmarshal(entry.Resource, &res); err != nil {
			return false
		}
		return fn(res)
	}
}

func FirstBundleEntry(bundle *fhir.Bundle, filter func(entry fhir.BundleEntry) bool) *fhir.BundleEntry {
	for _, entry := range bundle.Entry {
		if filter(entry) {
			return &entry
		}
	}
	return nil
}

// FirstBundleEntryIndex returns the index of the first matching entry, or -1 if none matches.
func FirstBundleEntryIndex(bundle *fhir.Bundle, filter func(entry fhir.BundleEntry) bool) int {
	for i, entry := range bundle.Entry {
		if filter(entry) {
			return i
		}
	}
	return -1
}

// ResourcesInBundle unmarshals all resources of the matching entries into result, which must be a pointer to a slice.
func ResourcesInBundle(bundle *fhir.Bundle, filter func(entry fhir.BundleEntry) bool, result interface{}) error {
	resources := []json.RawMessage{}
	for _, entry := range bundle.Entry {
		if filter(entry) {
			resources = append(resources, entry.Resource)
		}
	}
	data, _ := json.Marshal(resources)
	return json.Unmarshal(data, result)
}

// ResourceInBundle unmarshals the resource of the first matching entry into result.
// It returns ErrEntryNotFound if no entry matches.
func ResourceInBundle(bundle *fhir.Bundle, filter func(entry fhir.BundleEntry) bool, result interface{}) error {
	entry := FirstBundleEntry(bundle, filter)
	if entry == nil {
		return ErrEntryNotFound
	}
	return json.Unmarshal(entry.Resource, result)
}

// ResourceType returns the FHIR resource type of the given resource, which can be a typed resource,
// a map or raw JSON.
func ResourceType(resource interface{}) string {
	switch r := resource.(type) {
	case map[string]interface{}:
		resourceType, _ := r["resourceType"].(string)
		return resourceType
	case *map[string]interface{}:
		resourceType, _ := (*r)["resourceType"].(string)
		return resourceType
	case json.RawMessage:
		var res Resource
		_ = json.Unmarshal(r, &res)
		return res.Type
	case []byte:
		var res Resource
		_ = json.Unmarshal(r, &res)
		return res.Type
	}
	t := reflect.TypeOf(resource)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
