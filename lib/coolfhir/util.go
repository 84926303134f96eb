package coolfhir

import (
	"html"
	"strings"

	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ParsedReference is a literal FHIR reference split into its parts.
// BaseURL is empty for relative references.
type ParsedReference struct {
	BaseURL      string
	ResourceType string
	ID           string
	Version      string
}

// ParseReference splits a literal reference (Patient/1, https://example.com/fhir/Patient/1/_history/2) into its parts.
// References that don't contain a type and id (e.g. urn:uuid:...) only yield an ID.
func ParseReference(reference string) ParsedReference {
	var result ParsedReference
	if idx := strings.Index(reference, "/_history/"); idx != -1 {
		result.Version = reference[idx+len("/_history/"):]
		reference = reference[:idx]
	}
	reference = strings.TrimSuffix(reference, "/")
	parts := strings.Split(reference, "/")
	if len(parts) < 2 || !isResourceTypeName(parts[len(parts)-2]) {
		result.ID = reference
		return result
	}
	result.ResourceType = parts[len(parts)-2]
	result.ID = parts[len(parts)-1]
	if len(parts) > 2 {
		result.BaseURL = strings.Join(parts[:len(parts)-2], "/")
	}
	return result
}

// Relative returns the Type/id form of the reference.
func (p ParsedReference) Relative() string {
	if p.ResourceType == "" {
		return p.ID
	}
	return p.ResourceType + "/" + p.ID
}

func isResourceTypeName(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z' && !strings.ContainsAny(s, ":.")
}

// ReferencesEqual compares two literal references, ignoring display text. Relative references are
// resolved against localBaseURL. The version is only compared if both references carry one.
func ReferencesEqual(one, other string, localBaseURL string) bool {
	if one == "" || other == "" {
		return false
	}
	if strings.EqualFold(one, other) {
		return true
	}
	a := ParseReference(one)
	b := ParseReference(other)
	if a.BaseURL == "" {
		a.BaseURL = localBaseURL
	}
	if b.BaseURL == "" {
		b.BaseURL = a.BaseURL
	}
	if strings.TrimSuffix(a.BaseURL, "/") != strings.TrimSuffix(b.BaseURL, "/") {
		return false
	}
	if a.ResourceType != b.ResourceType || !strings.EqualFold(a.ID, b.ID) {
		return false
	}
	return a.Version == "" || b.Version == "" || a.Version == b.Version
}

// ReferenceValue returns the literal reference of the given reference, or an empty string.
func ReferenceValue(reference *fhir.Reference) string {
	if reference == nil {
		return ""
	}
	return to.EmptyString(reference.Reference)
}

func FirstIdentifier(identifiers []fhir.Identifier, predicate func(fhir.Identifier) bool) *fhir.Identifier {
	for _, identifier := range identifiers {
		if predicate(identifier) {
			return &identifier
		}
	}
	return nil
}

func FilterNamingSystem(system string) func(fhir.Identifier) bool {
	return func(ident fhir.Identifier) bool {
		return ident.System != nil && *ident.System == system
	}
}

// FilterIdentifierType matches identifiers whose type contains a coding with the given system and code.
func FilterIdentifierType(system, code string) func(fhir.Identifier) bool {
	return func(ident fhir.Identifier) bool {
		return ident.Type != nil && HasCoding(*ident.Type, system, code)
	}
}

func IsLogicalIdentifier(identifier *fhir.Identifier) bool {
	return identifier != nil && identifier.System != nil && identifier.Value != nil
}

// IdentifierEquals compares two logical identifiers based on their system and value.
// If any of the identifiers is nil or any of the system or value fields is nil, it returns false.
func IdentifierEquals(one *fhir.Identifier, other *fhir.Identifier) bool {
	if !IsLogicalIdentifier(one) || !IsLogicalIdentifier(other) {
		return false
	}
	return *one.System == *other.System && *one.Value == *other.Value
}

// IdentifierSearchToken formats the identifier as search token (system|value), or only the value if there's no system.
func IdentifierSearchToken(identifier fhir.Identifier) string {
	if identifier.System == nil || *identifier.System == "" {
		return to.EmptyString(identifier.Value)
	}
	return *identifier.System + "|" + to.EmptyString(identifier.Value)
}

// HasCoding returns true if the concept contains a coding with the given system and code.
func HasCoding(concept fhir.CodeableConcept, system, code string) bool {
	for _, coding := range concept.Coding {
		if to.EmptyString(coding.System) == system && to.EmptyString(coding.Code) == code {
			return true
		}
	}
	return false
}

// FirstCoding returns the first coding of the given system, or nil.
func FirstCoding(concept fhir.CodeableConcept, system string) *fhir.Coding {
	for _, coding := range concept.Coding {
		if to.EmptyString(coding.System) == system {
			return &coding
		}
	}
	return nil
}

// Concept creates a CodeableConcept with a single coding.
func Concept(system, code, display string) fhir.CodeableConcept {
	return fhir.CodeableConcept{
		Coding: []fhir.Coding{
			{
				System:  to.Ptr(system),
				Code:    to.Ptr(code),
				Display: to.NilString(display),
			},
		},
	}
}

// TextConcept creates a CodeableConcept with only text.
func TextConcept(text string) fhir.CodeableConcept {
	return fhir.CodeableConcept{Text: to.Ptr(text)}
}

const maxDiagnosticsLength = 300

// SanitizeDiagnostics escapes markup in diagnostics text received from a remote party and truncates it,
// so it can be persisted and displayed safely.
func SanitizeDiagnostics(diagnostics string) string {
	escaped := []rune(html.EscapeString(diagnostics))
	if len(escaped) > maxDiagnosticsLength {
		escaped = escaped[:maxDiagnosticsLength]
	}
	return string(escaped)
}
