package coolfhir

import (
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func FormatHumanName(name fhir.HumanName) string {
	if name.Text != nil {
		return *name.Text
	}
	var parts []string
	parts = append(parts, name.Prefix...)
	if name.Family != nil {
		f := *name.Family
		if len(name.Given) > 0 {
			f += ","
		}
		parts = append(parts, f)
	}
	parts = append(parts, name.Given...)
	parts = append(parts, name.Suffix...)
	return strings.Join(parts, " ")
}

// FormatGivenFamily formats the first name of the list as "given family" (e.g. "John Doe"),
// which is the display used for Patient references.
func FormatGivenFamily(names []fhir.HumanName) string {
	if len(names) == 0 {
		return ""
	}
	var parts []string
	if len(names[0].Given) > 0 {
		parts = append(parts, names[0].Given[0])
	}
	if names[0].Family != nil {
		parts = append(parts, *names[0].Family)
	}
	return strings.Join(parts, " ")
}
