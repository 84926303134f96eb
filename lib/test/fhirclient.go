package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/lib/must"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/google/uuid"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// StubBaseURL is the base URL of the StubFHIRClient, unless configured otherwise.
const StubBaseURL = "http://stub.example.com/fhir"

var _ fhirclient.Client = &StubFHIRClient{}

// StubFHIRClient is an in-memory FHIR server, implementing the subset of FHIR search the engine uses.
type StubFHIRClient struct {
	BaseURL string
	// Resources are the resources in the store, as raw JSON. Use Add to seed resources.
	Resources []json.RawMessage
	Metadata  fhir.CapabilityStatement
	// CreatedResources contains the resources that have been created using this client, by resource type.
	CreatedResources map[string][]json.RawMessage
	// Error is an error that will be returned by all methods of this client.
	Error error
	// Errors contains errors returned for specific operations, keyed by "<METHOD> <resource type>" (e.g. "POST Task", "PUT Task", "DELETE ServiceRequest").
	Errors map[string]error

	mux sync.Mutex
}

type storedResource struct {
	Type       string            `json:"resourceType"`
	Id         string            `json:"id"`
	Identifier []fhir.Identifier `json:"identifier"`
}

// Add seeds the store with the given resources. Resources without ID get one assigned.
func (s *StubFHIRClient) Add(resources ...any) *StubFHIRClient {
	s.mux.Lock()
	defer s.mux.Unlock()
	for _, resource := range resources {
		asMap := toMap(resource)
		if asMap["id"] == nil {
			asMap["id"] = uuid.NewString()
		}
		s.Resources = append(s.Resources, must.MarshalJSON(asMap))
	}
	return s
}

// ResourcesOfType unmarshals all stored resources of the given type into target (pointer to a slice).
func (s *StubFHIRClient) ResourcesOfType(resourceType string, target any) {
	s.mux.Lock()
	defer s.mux.Unlock()
	var matches []json.RawMessage
	for _, resource := range s.Resources {
		if describe(resource).Type == resourceType {
			matches = append(matches, resource)
		}
	}
	unmarshalInto(matches, target)
}

func (s *StubFHIRClient) Read(path string, target any, opts ...fhirclient.Option) error {
	return s.ReadWithContext(context.Background(), path, target, opts...)
}

func (s *StubFHIRClient) ReadWithContext(_ context.Context, path string, target any, opts ...fhirclient.Option) error {
	if s.Error != nil {
		return s.Error
	}
	path = s.relativePath(path)
	if resourceType, rawQuery, ok := strings.Cut(path, "?"); ok {
		// Paging links point at a search
		query, err := url.ParseQuery(rawQuery)
		if err != nil {
			return err
		}
		return s.SearchWithContext(context.Background(), resourceType, query, target, opts...)
	}
	if path == "metadata" {
		unmarshalInto(s.Metadata, target)
		return nil
	}
	if err := s.errorFor(http.MethodGet, strings.Split(path, "/")[0]); err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if idx := s.indexOf(path); idx != -1 {
		unmarshalInto(s.Resources[idx], target)
		return processPostRequestOpts(opts, http.StatusOK)
	}
	return notFound(path)
}

func (s *StubFHIRClient) Search(resourceType string, query url.Values, target any, opts ...fhirclient.Option) error {
	return s.SearchWithContext(context.Background(), resourceType, query, target, opts...)
}

func (s *StubFHIRClient) SearchWithContext(_ context.Context, resourceType string, query url.Values, target any, opts ...fhirclient.Option) error {
	if s.Error != nil {
		return s.Error
	}
	if err := s.errorFor("SEARCH", resourceType); err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	var candidates []json.RawMessage
	for _, resource := range s.Resources {
		if describe(resource).Type == resourceType {
			candidates = append(candidates, resource)
		}
	}
	filterCandidates := func(predicate func(json.RawMessage) bool) {
		var filtered []json.RawMessage
		for _, candidate := range candidates {
			if predicate(candidate) {
				filtered = append(filtered, candidate)
			}
		}
		candidates = filtered
	}

	count, startAt := -1, 0
	for name, values := range query {
		if name == "_include" || name == "_total" {
			continue
		}
		if len(values) != 1 {
			return fmt.Errorf("multiple values for query parameter: %s", name)
		}
		value := values[0]
		switch name {
		case "_count", "_start_at":
			parsed, err := strconv.Atoi(value)
			if err != nil || parsed < 0 {
				return fmt.Errorf("invalid %s parameter value: %s", name, value)
			}
			if name == "_count" {
				count = parsed
			} else {
				startAt = parsed
			}
		case "identifier":
			system, identifierValue, hasSystem := strings.Cut(value, "|")
			if !hasSystem {
				system, identifierValue = "", value
			}
			filterCandidates(func(candidate json.RawMessage) bool {
				for _, identifier := range describe(candidate).Identifier {
					if (!hasSystem || to.EmptyString(identifier.System) == system) &&
						to.EmptyString(identifier.Value) == identifierValue {
						return true
					}
				}
				return false
			})
		case "_id":
			filterCandidates(func(candidate json.RawMessage) bool {
				return slices.Contains(strings.Split(value, ","), describe(candidate).Id)
			})
		case "practitioner":
			filterCandidates(func(candidate json.RawMessage) bool {
				var role fhir.PractitionerRole
				unmarshalInto(candidate, &role)
				return role.Practitioner != nil && referenceMatches(to.EmptyString(role.Practitioner.Reference), "Practitioner", value)
			})
		case "type":
			filterCandidates(func(candidate json.RawMessage) bool {
				var bundle struct {
					Type string `json:"type"`
				}
				unmarshalInto(candidate, &bundle)
				return bundle.Type == value
			})
		case "message":
			filterCandidates(func(candidate json.RawMessage) bool {
				var bundle fhir.Bundle
				unmarshalInto(candidate, &bundle)
				if bundle.Type != fhir.BundleTypeMessage || len(bundle.Entry) == 0 {
					return false
				}
				header := describe(bundle.Entry[0].Resource)
				return header.Type == "MessageHeader" && header.Id == value
			})
		default:
			return fmt.Errorf("unsupported query parameter: %s", name)
		}
	}

	result := fhir.Bundle{
		Type:  fhir.BundleTypeSearchset,
		Total: to.Ptr(len(candidates)),
	}
	if startAt > len(candidates) {
		startAt = len(candidates)
	}
	candidates = candidates[startAt:]
	if count >= 0 && count < len(candidates) {
		candidates = candidates[:count]
		next := url.Values{}
		for name, values := range query {
			next[name] = values
		}
		next.Set("_start_at", strconv.Itoa(startAt+count))
		result.Link = append(result.Link, fhir.BundleLink{
			Relation: "next",
			Url:      s.baseURL().JoinPath(resourceType).String() + "?" + next.Encode(),
		})
	}
	for _, candidate := range candidates {
		result.Entry = append(result.Entry, fhir.BundleEntry{
			FullUrl:  to.Ptr(s.baseURL().JoinPath(describe(candidate).Type, describe(candidate).Id).String()),
			Resource: candidate,
		})
	}
	var included []string
	for _, include := range query["_include"] {
		for _, candidate := range candidates {
			for _, reference := range includedReferences(candidate, include) {
				reference = s.relativePath(reference)
				idx := s.indexOf(reference)
				if idx == -1 || slices.Contains(included, reference) {
					continue
				}
				included = append(included, reference)
				result.Entry = append(result.Entry, fhir.BundleEntry{
					FullUrl:  to.Ptr(s.baseURL().JoinPath(reference).String()),
					Resource: s.Resources[idx],
				})
			}
		}
	}
	unmarshalInto(result, target)
	return processPostRequestOpts(opts, http.StatusOK)
}

func (s *StubFHIRClient) Create(resource any, result any, opts ...fhirclient.Option) error {
	return s.CreateWithContext(context.Background(), resource, result, opts...)
}

func (s *StubFHIRClient) CreateWithContext(_ context.Context, resource any, result any, opts ...fhirclient.Option) error {
	if s.Error != nil {
		return s.Error
	}
	asMap := toMap(resource)
	resourceType, _ := asMap["resourceType"].(string)
	if resourceType == "" {
		return fmt.Errorf("can't determine resource type of %T", resource)
	}
	if err := s.errorFor(http.MethodPost, resourceType); err != nil {
		return err
	}
	// The server assigns the ID (like FHIR create), versions start at 1.
	asMap["id"] = uuid.NewString()
	meta, _ := asMap["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = "1"
	asMap["meta"] = meta
	data := must.MarshalJSON(asMap)

	s.mux.Lock()
	defer s.mux.Unlock()
	s.Resources = append(s.Resources, data)
	if s.CreatedResources == nil {
		s.CreatedResources = make(map[string][]json.RawMessage)
	}
	s.CreatedResources[resourceType] = append(s.CreatedResources[resourceType], data)
	unmarshalInto(data, result)
	return processPostRequestOpts(opts, http.StatusCreated)
}

func (s *StubFHIRClient) Update(path string, resource any, result any, opts ...fhirclient.Option) error {
	return s.UpdateWithContext(context.Background(), path, resource, result, opts...)
}

func (s *StubFHIRClient) UpdateWithContext(_ context.Context, path string, resource any, result any, opts ...fhirclient.Option) error {
	if s.Error != nil {
		return s.Error
	}
	path = s.relativePath(path)
	resourceType, id, _ := strings.Cut(path, "/")
	if err := s.errorFor(http.MethodPut, resourceType); err != nil {
		return err
	}
	asMap := toMap(resource)
	asMap["id"] = id
	data := must.MarshalJSON(asMap)

	s.mux.Lock()
	defer s.mux.Unlock()
	if idx := s.indexOf(path); idx != -1 {
		s.Resources[idx] = data
	} else {
		s.Resources = append(s.Resources, data)
	}
	unmarshalInto(data, result)
	return processPostRequestOpts(opts, http.StatusOK)
}

func (s *StubFHIRClient) Delete(path string, opts ...fhirclient.Option) error {
	return s.DeleteWithContext(context.Background(), path, opts...)
}

func (s *StubFHIRClient) DeleteWithContext(_ context.Context, path string, opts ...fhirclient.Option) error {
	if s.Error != nil {
		return s.Error
	}
	path = s.relativePath(path)
	if err := s.errorFor(http.MethodDelete, strings.Split(path, "/")[0]); err != nil {
		return err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	idx := s.indexOf(path)
	if idx == -1 {
		return notFound(path)
	}
	s.Resources = slices.Delete(s.Resources, idx, idx+1)
	return processPostRequestOpts(opts, http.StatusNoContent)
}

func (s *StubFHIRClient) Path(path ...string) *url.URL {
	return s.baseURL().JoinPath(path...)
}

func (s *StubFHIRClient) baseURL() *url.URL {
	if s.BaseURL == "" {
		return must.ParseURL(StubBaseURL)
	}
	return must.ParseURL(s.BaseURL)
}

func (s *StubFHIRClient) relativePath(path string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, s.baseURL().String()), "/")
}

func (s *StubFHIRClient) errorFor(method, resourceType string) error {
	if s.Errors == nil {
		return nil
	}
	return s.Errors[method+" "+resourceType]
}

// indexOf returns the index of the resource with the given Type/id, or -1. Caller must hold the lock.
func (s *StubFHIRClient) indexOf(reference string) int {
	for i, resource := range s.Resources {
		res := describe(resource)
		if res.Type+"/"+res.Id == reference {
			return i
		}
	}
	return -1
}

func includedReferences(resource json.RawMessage, include string) []string {
	_, param, _ := strings.Cut(include, ":")
	var asMap map[string]interface{}
	unmarshalInto(resource, &asMap)
	fieldName := map[string]string{
		"subject":      "for",
		"focus":        "focus",
		"organization": "organization",
		"endpoint":     "endpoint",
		"location":     "location",
		"practitioner": "practitioner",
		"service":      "healthcareService",
	}[param]
	if describe(resource).Type != "Task" && param == "subject" {
		fieldName = "subject"
	}
	var references []string
	collect := func(value interface{}) {
		if ref, ok := value.(map[string]interface{}); ok {
			if reference, ok := ref["reference"].(string); ok {
				references = append(references, reference)
			}
		}
	}
	switch value := asMap[fieldName].(type) {
	case []interface{}:
		for _, item := range value {
			collect(item)
		}
	default:
		collect(value)
	}
	return references
}

func referenceMatches(reference string, resourceType string, value string) bool {
	return reference == value || reference == resourceType+"/"+value || strings.HasSuffix(reference, "/"+resourceType+"/"+value)
}

func notFound(path string) error {
	return fhirclient.OperationOutcomeError{
		OperationOutcome: fhir.OperationOutcome{
			Issue: []fhir.OperationOutcomeIssue{
				{
					Severity:    fhir.IssueSeverityError,
					Code:        fhir.IssueTypeNotFound,
					Diagnostics: to.Ptr("resource not found: " + path),
				},
			},
		},
		HttpStatusCode: http.StatusNotFound,
	}
}

func processPostRequestOpts(opts []fhirclient.Option, statusCode int) error {
	for _, opt := range opts {
		if post, ok := opt.(fhirclient.PostRequestOption); ok {
			if err := post(nil, &http.Response{
				Status:     http.StatusText(statusCode),
				StatusCode: statusCode,
				Header:     http.Header{},
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func describe(resource json.RawMessage) storedResource {
	var result storedResource
	_ = json.Unmarshal(resource, &result)
	return result
}

func toMap(resource any) map[string]interface{} {
	result := make(map[string]interface{})
	unmarshalInto(resource, &result)
	return result
}

func unmarshalInto(resource interface{}, target interface{}) {
	if target == nil {
		return
	}
	var resJSON []byte
	switch r := resource.(type) {
	case json.RawMessage:
		resJSON = r
	case []byte:
		resJSON = r
	default:
		var err error
		if resJSON, err = json.Marshal(resource); err != nil {
			panic(err)
		}
	}
	switch t := target.(type) {
	case *[]byte:
		*t = resJSON
	default:
		if err := json.Unmarshal(resJSON, target); err != nil {
			panic(err)
		}
	}
}
