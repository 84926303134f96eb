package bser

import (
	"slices"

	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// SupportingInfoKind is a kind of clinical record that can be listed in a referral's supporting information section.
type SupportingInfoKind string

const (
	Allergies                SupportingInfoKind = "allergies"
	Medications              SupportingInfoKind = "medications"
	BloodPressure            SupportingInfoKind = "bloodPressure"
	BodyHeight               SupportingInfoKind = "bodyHeight"
	BodyWeight               SupportingInfoKind = "bodyWeight"
	BMI                      SupportingInfoKind = "bmi"
	HA1C                     SupportingInfoKind = "ha1c"
	EarlyChildhoodNutrition  SupportingInfoKind = "earlyChildhoodNutrition"
	ChildHeight              SupportingInfoKind = "childHeight"
	ChildWeight              SupportingInfoKind = "childWeight"
	Diagnoses                SupportingInfoKind = "diagnoses"
	NRTAuthorization         SupportingInfoKind = "nrtAuthorizationStatus"
	SmokingStatusObservation SupportingInfoKind = "smokingStatus"
	CommunicationPreferences SupportingInfoKind = "communicationPreferences"
)

// ServiceType is a BSeR referral service type and the supporting information kinds eligible for its composition section.
type ServiceType struct {
	Code     string
	Display  string
	Eligible []SupportingInfoKind
}

var serviceTypes = []ServiceType{
	{
		Code:     "arthritis",
		Display:  "Arthritis",
		Eligible: []SupportingInfoKind{Allergies, Medications, BloodPressure, BodyHeight, BodyWeight, BMI},
	},
	{
		Code:     "diabetes-prevention",
		Display:  "Diabetes Prevention",
		Eligible: []SupportingInfoKind{HA1C, BloodPressure, BodyHeight, BodyWeight, BMI},
	},
	{
		Code:     "early-childhood-nutrition",
		Display:  "Early Childhood Nutrition",
		Eligible: []SupportingInfoKind{EarlyChildhoodNutrition, BloodPressure, ChildHeight, ChildWeight},
	},
	{
		Code:     "hypertension",
		Display:  "Hypertension",
		Eligible: []SupportingInfoKind{Diagnoses, BloodPressure, BodyHeight, BodyWeight, BMI},
	},
	{
		Code:     "obesity",
		Display:  "Obesity",
		Eligible: []SupportingInfoKind{Allergies, BloodPressure, BodyHeight, BodyWeight, BMI},
	},
	{
		Code:     "tobacco-use-cessation",
		Display:  "Tobacco Use Cessation",
		Eligible: []SupportingInfoKind{NRTAuthorization, SmokingStatusObservation, CommunicationPreferences},
	},
}

// LookupServiceType returns the service type with the given code.
func LookupServiceType(code string) (ServiceType, bool) {
	for _, serviceType := range serviceTypes {
		if serviceType.Code == code {
			return serviceType, true
		}
	}
	return ServiceType{}, false
}

// ServiceTypes returns all known service types.
func ServiceTypes() []ServiceType {
	return slices.Clone(serviceTypes)
}

// Includes reports whether records of the given kind belong in this service type's supporting information section.
func (s ServiceType) Includes(kind SupportingInfoKind) bool {
	return slices.Contains(s.Eligible, kind)
}

func (s ServiceType) Concept() fhir.CodeableConcept {
	result := coolfhir.Concept(ServiceTypeSystem, s.Code, s.Display)
	result.Text = &s.Display
	return result
}

// SectionTitle is the title of the supporting information section in the referral request composition.
func (s ServiceType) SectionTitle() string {
	return s.Display + " Referral Supporting Information"
}
