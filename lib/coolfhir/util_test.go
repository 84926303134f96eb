package coolfhir

import (
	"strings"
	"testing"

	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/stretchr/testify/assert"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected ParsedReference
	}{
		{
			name:     "relative",
			in:       "Patient/123",
			expected: ParsedReference{ResourceType: "Patient", ID: "123"},
		},
		{
			name:     "absolute",
			in:       "https://example.com/fhir/Patient/123",
			expected: ParsedReference{BaseURL: "https://example.com/fhir", ResourceType: "Patient", ID: "123"},
		},
		{
			name:     "absolute with version",
			in:       "https://example.com/fhir/Patient/123/_history/2",
			expected: ParsedReference{BaseURL: "https://example.com/fhir", ResourceType: "Patient", ID: "123", Version: "2"},
		},
		{
			name:     "urn",
			in:       "urn:uuid:6f1f5e6e-1b6c-4b5b-8d1c-9c1e6f1f5e6e",
			expected: ParsedReference{ID: "urn:uuid:6f1f5e6e-1b6c-4b5b-8d1c-9c1e6f1f5e6e"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReference(tt.in))
		})
	}
	assert.Equal(t, "Patient/123", ParseReference("https://example.com/fhir/Patient/123/_history/2").Relative())
}

func TestReferencesEqual(t *testing.T) {
	const localBase = "https://store.example.com/fhir"
	tests := []struct {
		name     string
		one      string
		other    string
		expected bool
	}{
		{"identical", "Patient/1", "Patient/1", true},
		{"case-insensitive", "Patient/abc", "patient/ABC", true},
		{"relative vs local absolute", "Patient/1", localBase + "/Patient/1", true},
		{"relative vs remote absolute", "Patient/1", "https://ehr.example.com/fhir/Patient/1", false},
		{"different id", "Patient/1", "Patient/2", false},
		{"different type", "Patient/1", "Group/1", false},
		{"only one has version", "Patient/1/_history/3", "Patient/1", true},
		{"different versions", "Patient/1/_history/3", "Patient/1/_history/4", false},
		{"empty", "", "Patient/1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ReferencesEqual(tt.one, tt.other, localBase))
		})
	}
}

func TestFilterIdentifierType(t *testing.T) {
	identifiers := []fhir.Identifier{
		{System: to.Ptr("urn:other"), Value: to.Ptr("1")},
		{
			Type:   to.Ptr(Concept(V2IdentifierTypeSystem, "PLAC", "Placer Identifier")),
			System: to.Ptr("urn:bser:request:id"),
			Value:  to.Ptr("abc"),
		},
	}
	actual := FirstIdentifier(identifiers, FilterIdentifierType(V2IdentifierTypeSystem, "PLAC"))
	if assert.NotNil(t, actual) {
		assert.Equal(t, "abc", *actual.Value)
	}
	assert.Nil(t, FirstIdentifier(identifiers, FilterIdentifierType(V2IdentifierTypeSystem, "FILL")))
	assert.Nil(t, FirstIdentifier(identifiers, FilterIdentifierType("urn:other", "PLAC")))
}

func TestIdentifierSearchToken(t *testing.T) {
	assert.Equal(t, "http://example.com/mrn|123", IdentifierSearchToken(fhir.Identifier{System: to.Ptr("http://example.com/mrn"), Value: to.Ptr("123")}))
	assert.Equal(t, "123", IdentifierSearchToken(fhir.Identifier{Value: to.Ptr("123")}))
}

func TestSanitizeDiagnostics(t *testing.T) {
	t.Run("markup is escaped", func(t *testing.T) {
		assert.Equal(t, "&lt;script&gt;alert(1)&lt;/script&gt;", SanitizeDiagnostics("<script>alert(1)</script>"))
	})
	t.Run("truncated", func(t *testing.T) {
		assert.Len(t, SanitizeDiagnostics(strings.Repeat("a", 500)), 300)
	})
}

func TestFormatGivenFamily(t *testing.T) {
	assert.Equal(t, "John Doe", FormatGivenFamily([]fhir.HumanName{{Given: []string{"John", "Peter"}, Family: to.Ptr("Doe")}}))
	assert.Equal(t, "Doe", FormatGivenFamily([]fhir.HumanName{{Family: to.Ptr("Doe")}}))
	assert.Equal(t, "", FormatGivenFamily(nil))
}

func TestIdentifierEquals(t *testing.T) {
	a := &fhir.Identifier{System: to.Ptr("s"), Value: to.Ptr("v")}
	assert.True(t, IdentifierEquals(a, &fhir.Identifier{System: to.Ptr("s"), Value: to.Ptr("v")}))
	assert.False(t, IdentifierEquals(a, &fhir.Identifier{System: to.Ptr("s"), Value: to.Ptr("w")}))
	assert.False(t, IdentifierEquals(a, nil))
}
