// Package gateway provides access to the FHIR store holding the referral records, and to the external FHIR servers
// (EHRs, directories) the referral data is pulled from.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/globals"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/logging"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// ClientFactory creates a FHIR client for the FHIR server at the given base URL.
type ClientFactory func(baseURL *url.URL) fhirclient.Client

// DefaultClientFactory creates traced FHIR clients that use an instrumented HTTP transport.
func DefaultClientFactory(tracer trace.Tracer) ClientFactory {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(globals.NewTransport())}
	return func(baseURL *url.URL) fhirclient.Client {
		return coolfhir.NewTracedFHIRClient(fhirclient.New(baseURL, httpClient, coolfhir.Config()), tracer)
	}
}

// Identity is the identity of a persisted resource. The version is never part of it: all work addresses the latest version.
type Identity struct {
	BaseURL      string
	ResourceType string
	ID           string
}

// Reference returns the relative literal reference (Type/id).
func (i Identity) Reference() string {
	return i.ResourceType + "/" + i.ID
}

// FHIRReference returns the identity as FHIR Reference.
func (i Identity) FHIRReference() fhir.Reference {
	reference := i.Reference()
	return fhir.Reference{Reference: &reference}
}

// Gateway reads, searches and persists FHIR resources. Local references and persisting operations address the store;
// absolute references address the FHIR server they point to.
// A Gateway is immutable and safe for concurrent use.
type Gateway struct {
	storeURL  *url.URL
	store     fhirclient.Client
	newClient ClientFactory
	tokens    TokenProvider
}

// New creates a Gateway for the store at storeURL. tokens may be nil if no backend-service authentication is configured.
func New(storeURL *url.URL, store fhirclient.Client, newClient ClientFactory, tokens TokenProvider) *Gateway {
	return &Gateway{
		storeURL:  storeURL,
		store:     store,
		newClient: newClient,
		tokens:    tokens,
	}
}

// WithStore returns a Gateway that uses the FHIR server at storeURL as store.
func (g *Gateway) WithStore(storeURL *url.URL) *Gateway {
	if sameBaseURL(storeURL.String(), g.storeURL.String()) {
		return g
	}
	return &Gateway{
		storeURL:  storeURL,
		store:     g.newClient(storeURL),
		newClient: g.newClient,
		tokens:    g.tokens,
	}
}

// StoreURL returns the base URL of the store.
func (g *Gateway) StoreURL() *url.URL {
	return g.storeURL
}

// Read reads the referenced resource into target. Relative references are read from the store.
func (g *Gateway) Read(ctx context.Context, reference string, target any) error {
	parsed := coolfhir.ParseReference(reference)
	if parsed.ResourceType == "" || parsed.ID == "" {
		return fmt.Errorf("invalid reference: %s", reference)
	}
	client, baseURL := g.clientFor(parsed.BaseURL)
	var statusCode int
	var data []byte
	opts := append(g.authOptions(ctx, baseURL), fhirclient.ResponseStatusCode(&statusCode))
	err := client.ReadWithContext(ctx, parsed.Relative(), &data, opts...)
	if err != nil {
		if isNotFound(err, statusCode) {
			return fmt.Errorf("read %s: %w", parsed.Relative(), ErrNotFound)
		}
		return g.transportError(baseURL, fmt.Errorf("read %s: %w", parsed.Relative(), err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("read %s: %w", parsed.Relative(), ErrNotFound)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("read %s: invalid response: %w", parsed.Relative(), err)
	}
	return nil
}

// Search searches for resources of the given type on the FHIR server at baseURL (the store if empty). Includes are
// requested through _include, their resources are part of the returned result.
func (g *Gateway) Search(ctx context.Context, baseURL string, resourceType string, params url.Values, includes ...string) (*Result, error) {
	client, baseURL := g.clientFor(baseURL)
	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	for _, include := range includes {
		query.Add("_include", include)
	}
	var bundle fhir.Bundle
	if err := client.SearchWithContext(ctx, resourceType, query, &bundle, g.authOptions(ctx, baseURL)...); err != nil {
		return nil, g.transportError(baseURL, fmt.Errorf("search %s: %w", resourceType, err))
	}
	log.Ctx(ctx).Debug().
		Str(logging.FieldResourceType, resourceType).
		Int(logging.FieldCount, len(bundle.Entry)).
		Msg("FHIR search completed")
	return newResult(bundle), nil
}

// maxSearchPages bounds SearchPages, so a server returning cyclic paging links can't keep it busy forever.
const maxSearchPages = 100

// SearchPages performs the search like Search, then follows the next links of the result. visit is called for every
// page until it returns false, or there are no more pages.
func (g *Gateway) SearchPages(ctx context.Context, baseURL string, resourceType string, params url.Values, visit func(page *Result) (bool, error), includes ...string) error {
	page, err := g.Search(ctx, baseURL, resourceType, params, includes...)
	if err != nil {
		return err
	}
	client, baseURL := g.clientFor(baseURL)
	for i := 1; ; i++ {
		if proceed, err := visit(page); err != nil || !proceed {
			return err
		}
		next := page.NextURL()
		if next == "" {
			return nil
		}
		if i >= maxSearchPages {
			log.Ctx(ctx).Warn().Str(logging.FieldResourceType, resourceType).Msgf("Search result has more than %d pages, ignoring the rest", maxSearchPages)
			return nil
		}
		var bundle fhir.Bundle
		if err := client.ReadWithContext(ctx, next, &bundle, g.authOptions(ctx, baseURL)...); err != nil {
			return g.transportError(baseURL, fmt.Errorf("search %s (page %d): %w", resourceType, i+1, err))
		}
		page = newResult(bundle)
	}
}

// Save creates the resource in the store. The resource (a pointer) is updated with the stored representation, so it
// carries the ID assigned by the store.
func (g *Gateway) Save(ctx context.Context, resource any) (Identity, error) {
	resourceType := coolfhir.ResourceType(resource)
	var data []byte
	var headers fhirclient.Headers
	opts := append(g.authOptions(ctx, g.storeURL.String()), fhirclient.ResponseHeaders(&headers))
	if err := g.store.CreateWithContext(ctx, resource, &data, opts...); err != nil {
		return Identity{}, g.persistenceError(resourceType, err)
	}
	var id string
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, resource); err != nil {
			return Identity{}, fmt.Errorf("create %s: invalid response: %w", resourceType, err)
		}
		var desc coolfhir.Resource
		_ = json.Unmarshal(data, &desc)
		id = desc.ID
	}
	if id == "" && headers.Header != nil {
		// Servers returning Prefer: return=minimal only tell where the resource lives
		location := coolfhir.ParseReference(headers.Get("Location"))
		id = location.ID
		if id != "" {
			if err := setID(resource, id); err != nil {
				return Identity{}, err
			}
		}
	}
	if id == "" {
		return Identity{}, PersistenceError{Resource: resourceType, Diagnostics: "store did not assign an ID"}
	}
	identity := Identity{BaseURL: g.storeURL.String(), ResourceType: resourceType, ID: id}
	log.Ctx(ctx).Debug().
		Str(logging.FieldResourceType, resourceType).
		Str(logging.FieldResourceID, id).
		Msg("Created resource in FHIR store")
	return identity, nil
}

// Update replaces the resource in the store, identified by its resourceType and id.
func (g *Gateway) Update(ctx context.Context, resource any) error {
	var desc coolfhir.Resource
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	_ = json.Unmarshal(data, &desc)
	if desc.Type == "" || desc.ID == "" {
		return fmt.Errorf("update: resource has no type or ID")
	}
	if err := g.store.UpdateWithContext(ctx, desc.Reference(), resource, resource, g.authOptions(ctx, g.storeURL.String())...); err != nil {
		return g.persistenceError(desc.Reference(), err)
	}
	log.Ctx(ctx).Debug().
		Str(logging.FieldResourceType, desc.Type).
		Str(logging.FieldResourceID, desc.ID).
		Msg("Updated resource in FHIR store")
	return nil
}

// Delete deletes the referenced resource from the store.
func (g *Gateway) Delete(ctx context.Context, reference string) error {
	parsed := coolfhir.ParseReference(reference)
	if err := g.store.DeleteWithContext(ctx, parsed.Relative(), g.authOptions(ctx, g.storeURL.String())...); err != nil {
		return g.transportError(g.storeURL.String(), fmt.Errorf("delete %s: %w", parsed.Relative(), err))
	}
	return nil
}

// Metadata reads the CapabilityStatement of the store.
func (g *Gateway) Metadata(ctx context.Context) (*fhir.CapabilityStatement, error) {
	var result fhir.CapabilityStatement
	if err := g.store.ReadWithContext(ctx, "metadata", &result, g.authOptions(ctx, g.storeURL.String())...); err != nil {
		return nil, g.transportError(g.storeURL.String(), err)
	}
	return &result, nil
}

func (g *Gateway) clientFor(baseURL string) (fhirclient.Client, string) {
	if baseURL == "" || sameBaseURL(baseURL, g.storeURL.String()) {
		return g.store, g.storeURL.String()
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return g.store, g.storeURL.String()
	}
	return g.newClient(parsed), baseURL
}

// authOptions returns the request options carrying the bearer token for the server, if it requires one.
// Failing to acquire a token is not fatal: the request is sent without it.
func (g *Gateway) authOptions(ctx context.Context, baseURL string) []fhirclient.Option {
	if g.tokens == nil {
		return nil
	}
	token, err := g.tokens.GetBearerToken(ctx, baseURL)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(logging.FieldUrl, baseURL).Msg("Unable to acquire access token for FHIR server, continuing without")
		return nil
	}
	if token == "" {
		return nil
	}
	return []fhirclient.Option{
		fhirclient.RequestHeaders(map[string][]string{"Authorization": {"Bearer " + token}}),
	}
}

func (g *Gateway) transportError(baseURL string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return UnreachableError{BaseURL: baseURL, Cause: err}
	}
	return err
}

func (g *Gateway) persistenceError(resource string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return UnreachableError{BaseURL: g.storeURL.String(), Cause: err}
	}
	var outcomeErr fhirclient.OperationOutcomeError
	if errors.As(err, &outcomeErr) {
		var diagnostics []string
		for _, issue := range outcomeErr.Issue {
			if issue.Diagnostics != nil {
				diagnostics = append(diagnostics, *issue.Diagnostics)
			}
		}
		return PersistenceError{Resource: resource, Diagnostics: strings.Join(diagnostics, "; "), Cause: err}
	}
	return PersistenceError{Resource: resource, Diagnostics: err.Error(), Cause: err}
}

func isNotFound(err error, statusCode int) bool {
	if statusCode == http.StatusNotFound || statusCode == http.StatusGone {
		return true
	}
	var outcomeErr fhirclient.OperationOutcomeError
	if errors.As(err, &outcomeErr) {
		return outcomeErr.HttpStatusCode == http.StatusNotFound || outcomeErr.HttpStatusCode == http.StatusGone
	}
	return false
}

func sameBaseURL(one, other string) bool {
	return strings.TrimSuffix(one, "/") == strings.TrimSuffix(other, "/")
}

func setID(resource any, id string) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(data, &asMap); err != nil {
		return err
	}
	asMap["id"] = id
	data, _ = json.Marshal(asMap)
	return json.Unmarshal(data, resource)
}
