// Package bser holds the constants of the Bidirectional Services eReferral (BSeR) protocol: profiles, code systems
// and the fixed lookup tables the referral and feedback flows depend on.
package bser

const (
	profileBase = "http://hl7.org/fhir/us/bser/StructureDefinition/"
	usCoreBase  = "http://hl7.org/fhir/us/core/StructureDefinition/"
)

const (
	ReferralRecipientPractitionerRoleProfile = profileBase + "BSeR-ReferralRecipientPractitionerRole"
	ReferralInitiatorPractitionerRoleProfile = profileBase + "BSeR-ReferralInitiatorPractitionerRole"
	ReferralServiceRequestProfile            = profileBase + "BSeR-ReferralServiceRequest"
	ReferralFeedbackDocumentBundleProfile    = profileBase + "BSeR-ReferralFeedbackDocumentBundle"
	ReferralTaskProfile                      = profileBase + "BSeR-ReferralTask"
	ReferralMessageHeaderProfile             = profileBase + "BSeR-ReferralMessageHeader"
	ReferralMessageBundleProfile             = profileBase + "BSeR-ReferralMessageBundle"
	ReferralDocumentBundleProfile            = profileBase + "BSeR-ReferralDocumentBundle"
	ReferralRequestCompositionProfile        = profileBase + "BSeR-ReferralRequestComposition"
	OrganizationProfile                      = profileBase + "BSeR-Organization"
	MedicationStatementProfile               = profileBase + "BSeR-MedicationStatement"
	HA1CObservationProfile                   = profileBase + "BSeR-HA1CObservation"
	EarlyChildhoodNutritionProfile           = profileBase + "BSeR-EarlyChildhoodNutritionObservation"
	NRTAuthorizationStatusProfile            = profileBase + "BSeR-NRTAuthorizationStatus"
	TelcomCommunicationPreferencesProfile    = profileBase + "BSeR-TelcomCommunicationPreferences"
	EducationLevelProfile                    = profileBase + "BSeR-EducationLevel"
	CoverageProfile                          = profileBase + "BSeR-Coverage"

	EmploymentStatusProfile = "http://hl7.org/fhir/us/odh/StructureDefinition/odh-EmploymentStatus"

	USCoreAllergyIntoleranceProfile = usCoreBase + "us-core-allergyintolerance"
	USCoreBloodPressureProfile      = usCoreBase + "us-core-blood-pressure"
	USCoreBodyHeightProfile         = usCoreBase + "us-core-body-height"
	USCoreBodyWeightProfile         = usCoreBase + "us-core-body-weight"
	USCoreBMIProfile                = usCoreBase + "us-core-bmi"
	USCoreSmokingStatusProfile      = usCoreBase + "us-core-smokingstatus"
	USCoreConditionProfile          = usCoreBase + "us-core-condition-problems-health-concerns"
)
