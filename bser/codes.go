package bser

import (
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const (
	ServiceTypeSystem                    = "http://hl7.org/fhir/us/bser/CodeSystem/ServiceTypeCS"
	TaskBusinessStatusSystem             = "http://hl7.org/fhir/us/bser/CodeSystem/TaskBusinessStatusCS"
	NRTAuthorizationStatusSystem         = "http://hl7.org/fhir/us/bser/CodeSystem/NRTAuthorizationStatusCS"
	EarlyChildhoodNutritionSystem        = "http://hl7.org/fhir/us/bser/CodeSystem/EarlyChildhoodNutritionObservationCS"
	TelcomCommunicationPreferencesSystem = "http://hl7.org/fhir/us/bser/CodeSystem/TelcomCommunicationPreferencesCS"
	EducationLevelSystem                 = "http://terminology.hl7.org/CodeSystem/v3-EducationLevel"
	ObservationValueSystem               = "http://terminology.hl7.org/CodeSystem/v3-ObservationValue"
	MessageEventSystem                   = "http://terminology.hl7.org/CodeSystem/v2-0003"
	ObservationCodeSystem                = "http://hl7.org/fhir/us/bser/CodeSystem/ObservationCodesCS"
)

// Message event of every referral and feedback message.
const (
	MessageEventCode    = "I12"
	MessageEventDisplay = "REF/RRI - Patient referral"
)

// Business identifier types (HL7 v2 table 0203) and systems.
const (
	PlacerIdentifierType     = "PLAC"
	FillerIdentifierType     = "FILL"
	RequestIdentifierSystem  = "urn:bser:request:id"
	DocumentIdentifierSystem = "urn:bser:request:document"
)

// TaskDetailsOutput is the Task.output type of the OperationOutcome describing a submission or response result.
const TaskDetailsOutput = "ServiceRequest Task Details"

// LOINC codes of the observations and documents that are built.
const (
	ReferralNoteCode          = "57133-1"
	ReferralNoteDisplay       = "Referral note"
	HA1CCode                  = "4548-4"
	HA1CDisplay               = "Hemoglobin A1c/Hemoglobin.total in Blood"
	SmokingStatusCode         = "72166-2"
	SmokingStatusDisplay      = "Tobacco smoking status"
	EducationLevelCode        = "82589-3"
	EducationLevelDisplay     = "Highest level of education"
	EmploymentStatusCode      = "74165-2"
	EmploymentStatusDisplay   = "History of employment status NIOSH"
	BloodPressurePanelCode    = "85354-9"
	BloodPressurePanelDisplay = "Blood pressure panel with all children optional"
	SystolicCode              = "8480-6"
	SystolicDisplay           = "Systolic blood pressure"
	DiastolicCode             = "8462-4"
	DiastolicDisplay          = "Diastolic blood pressure"
	BodyHeightCode            = "8302-2"
	BodyHeightDisplay         = "Body height"
	BodyWeightCode            = "29463-7"
	BodyWeightDisplay         = "Body weight"
	BMICode                   = "39156-5"
	BMIDisplay                = "Body mass index (BMI) [Ratio]"
)

type codedValue struct {
	code    string
	display string
}

func (c codedValue) concept(system string) fhir.CodeableConcept {
	result := coolfhir.Concept(system, c.code, c.display)
	if c.display != "" {
		result.Text = &c.display
	}
	return result
}

func lookup(table []codedValue, system string, code string) (fhir.CodeableConcept, bool) {
	for _, entry := range table {
		if entry.code == code {
			return entry.concept(system), true
		}
	}
	return fhir.CodeableConcept{}, false
}

var smokingStatuses = []codedValue{
	{"266919005", "Never smoked tobacco"},
	{"266927001", "Tobacco smoking consumption unknown"},
	{"428041000124106", "Occasional tobacco smoker"},
	{"428061000124105", "Light tobacco smoker"},
	{"428071000124103", "Heavy tobacco smoker"},
	{"449868002", "Smokes tobacco daily"},
	{"77176002", "Smoker"},
	{"8517006", "Ex-smoker"},
}

// SmokingStatus maps a SNOMED CT smoking status code to its smoking status concept.
func SmokingStatus(code string) (fhir.CodeableConcept, bool) {
	return lookup(smokingStatuses, coolfhir.SNOMEDSystem, code)
}

var nrtAuthorizationStatuses = []codedValue{
	{"AP", "approved"},
	{"DE", "denied"},
	{"PE", "pending"},
}

// NRTAuthorizationStatus maps the nicotine replacement therapy authorization code (AP, DE, PE) to its concept.
func NRTAuthorizationStatus(code string) (fhir.CodeableConcept, bool) {
	return lookup(nrtAuthorizationStatuses, NRTAuthorizationStatusSystem, code)
}

var educationLevels = []codedValue{
	{"ASSOC", "Associate's or technical degree complete"},
	{"BD", "College or baccalaureate degree complete"},
	{"ELEM", "Elementary School"},
	{"GD", "Graduate or professional Degree complete"},
	{"HS", "High School or secondary school degree complete"},
	{"PB", "Some post-baccalaureate education"},
	{"POSTG", "Doctoral or post graduate education"},
	{"SCOL", "Some College education"},
	{"SEC", "Some secondary or high school education"},
}

// EducationLevel maps a v3 EducationLevel code to its concept.
func EducationLevel(code string) (fhir.CodeableConcept, bool) {
	return lookup(educationLevels, EducationLevelSystem, code)
}

// EmploymentStatus returns the v3 ObservationValue concept for an employment status code. Codes aren't validated.
func EmploymentStatus(code string) fhir.CodeableConcept {
	return coolfhir.Concept(ObservationValueSystem, code, "")
}

var (
	AbleToLatch      = codedValue{"able-to-latch", "Is the baby able to latch"}.concept(EarlyChildhoodNutritionSystem)
	MaternalConcern  = codedValue{"maternal-concern", "Maternal concerns"}.concept(EarlyChildhoodNutritionSystem)
	NippleShieldUse  = codedValue{"nipple-shield", "Nipple shield use"}.concept(EarlyChildhoodNutritionSystem)
	BestDayToContact = codedValue{"best-day", "Best day to contact"}.concept(TelcomCommunicationPreferencesSystem)
	BestTimeToCall   = codedValue{"best-time", "Best time to contact"}.concept(TelcomCommunicationPreferencesSystem)
	LeaveMessage     = codedValue{"leave-message-indicator", "OK to leave message"}.concept(TelcomCommunicationPreferencesSystem)

	NRTAuthorizationStatusCode = codedValue{"NRTAuthorizationStatus", "NRT Authorization Status"}.concept(ObservationCodeSystem)

	ProblemListItemCategory = coolfhir.Concept(coolfhir.ConditionCategorySystem, "problem-list-item", "Problem List Item")
	VitalSignsCategory      = coolfhir.Concept(coolfhir.ObservationCategorySystem, "vital-signs", "Vital Signs")
	SocialHistoryCategory   = coolfhir.Concept(coolfhir.ObservationCategorySystem, "social-history", "Social History")
	LaboratoryCategory      = coolfhir.Concept(coolfhir.ObservationCategorySystem, "laboratory", "Laboratory")

	HealthcareProviderOrganization = coolfhir.Concept(coolfhir.OrganizationTypeSystem, "prov", "Healthcare Provider")
	NonHealthcareOrganization      = coolfhir.Concept(coolfhir.OrganizationTypeSystem, "bus", "Non-Healthcare Business or Corporation")
)

// CommunicationPreference returns the concept of a communication preferences part (bestDay, bestTime, leaveMessage).
func CommunicationPreference(name string) (fhir.CodeableConcept, bool) {
	switch name {
	case "bestDay":
		return BestDayToContact, true
	case "bestTime":
		return BestTimeToCall, true
	case "leaveMessage":
		return LeaveMessage, true
	}
	return fhir.CodeableConcept{}, false
}

// MessageEvent returns the event coding of referral messages.
func MessageEvent() fhir.Coding {
	display := MessageEventDisplay
	system := MessageEventSystem
	code := MessageEventCode
	return fhir.Coding{System: &system, Code: &code, Display: &display}
}

// IdentifierType returns the v2-0203 identifier type concept for PLAC or FILL.
func IdentifierType(code string) fhir.CodeableConcept {
	switch code {
	case PlacerIdentifierType:
		return coolfhir.Concept(coolfhir.V2IdentifierTypeSystem, code, "Placer Identifier")
	case FillerIdentifierType:
		return coolfhir.Concept(coolfhir.V2IdentifierTypeSystem, code, "Filler Identifier")
	}
	return coolfhir.Concept(coolfhir.V2IdentifierTypeSystem, code, "")
}
