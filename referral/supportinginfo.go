package referral

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SanteonNL/orca/bserengine/bser"
	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// supportingInfo collects the clinical records of a referral: the references per kind, for the composition
// section, and the records themselves, for the document bundle.
type supportingInfo struct {
	references map[bser.SupportingInfoKind][]fhir.Reference
	entries    []fhir.BundleEntry
}

func (s *supportingInfo) add(kind bser.SupportingInfoKind, resource any) error {
	entry, err := s.addEntry(resource)
	if err != nil || kind == "" {
		return err
	}
	if s.references == nil {
		s.references = make(map[bser.SupportingInfoKind][]fhir.Reference)
	}
	s.references[kind] = append(s.references[kind], fhir.Reference{Reference: to.Ptr(entry)})
	return nil
}

// addEntry adds the record to the document bundle only, returning its Type/id.
func (s *supportingInfo) addEntry(resource any) (string, error) {
	data, err := json.Marshal(resource)
	if err != nil {
		return "", fmt.Errorf("unable to add %s to the referral document: %w", coolfhir.ResourceType(resource), err)
	}
	desc := coolfhir.DescribeBundleEntry(fhir.BundleEntry{Resource: data})
	s.entries = append(s.entries, fhir.BundleEntry{FullUrl: to.Ptr(desc.Reference()), Resource: data})
	return desc.Reference(), nil
}

// section builds the supporting information section of the service type, listing the eligible records in the order
// the service type defines.
func (s *supportingInfo) section(serviceType bser.ServiceType) fhir.CompositionSection {
	code := serviceType.Concept()
	result := fhir.CompositionSection{
		Title: to.Ptr(serviceType.SectionTitle()),
		Code:  &code,
	}
	for _, kind := range serviceType.Eligible {
		result.Entry = append(result.Entry, s.references[kind]...)
	}
	return result
}

func (r *run) collectSupportingInfo(request Request) error {
	steps := []func(Request) error{
		r.allergies,
		r.medications,
		r.bloodPressure,
		r.bodyMeasurements,
		r.ha1c,
		r.earlyChildhoodNutrition,
		r.child,
		r.diagnoses,
		r.nrtAuthorizationStatus,
		r.smokingStatus,
		r.communicationPreferences,
	}
	for _, step := range steps {
		if err := step(request); err != nil {
			return err
		}
	}
	return nil
}

// allergies and medications are all checked before any of them is persisted.
func (r *run) allergies(request Request) error {
	if request.Allergies == nil {
		return nil
	}
	var allergies []fhir.AllergyIntolerance
	for _, entry := range request.Allergies.Entry {
		var allergy fhir.AllergyIntolerance
		if err := json.Unmarshal(entry.Resource, &allergy); err != nil {
			return newError(InvalidParameter, "Parameters.parameter.where(name='allergies')", "invalid AllergyIntolerance: %v", err)
		}
		if !r.isSubject(&allergy.Patient, r.subjectBaseURL) {
			return newError(SubjectMismatch, "AllergyIntolerance.patient", "the Patient reference does not match with ServiceRequest.subject")
		}
		allergies = append(allergies, allergy)
	}
	for _, allergy := range allergies {
		allergy.Id = nil
		allergy.Meta = &fhir.Meta{Profile: []string{bser.USCoreAllergyIntoleranceProfile}}
		allergy.Patient = r.subject
		if _, err := r.save(&allergy); err != nil {
			return err
		}
		if err := r.info.add(bser.Allergies, allergy); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) medications(request Request) error {
	if request.Medications == nil {
		return nil
	}
	var medications []fhir.MedicationStatement
	for _, entry := range request.Medications.Entry {
		var medication fhir.MedicationStatement
		if err := json.Unmarshal(entry.Resource, &medication); err != nil {
			return newError(InvalidParameter, "Parameters.parameter.where(name='medications')", "invalid MedicationStatement: %v", err)
		}
		if !r.isSubject(&medication.Subject, r.subjectBaseURL) {
			return newError(SubjectMismatch, "MedicationStatement.subject", "the Patient reference does not match with ServiceRequest.subject")
		}
		medications = append(medications, medication)
	}
	for _, medication := range medications {
		medication.Id = nil
		medication.Meta = &fhir.Meta{Profile: []string{bser.MedicationStatementProfile}}
		medication.Subject = r.subject
		if _, err := r.save(&medication); err != nil {
			return err
		}
		if err := r.info.add(bser.Medications, medication); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) bloodPressure(request Request) error {
	bp := request.BloodPressure
	if bp == nil {
		return nil
	}
	if bp.Reference != nil {
		observation, err := r.readObservation(bp.Reference, "bloodPressure")
		if err != nil {
			return err
		}
		return r.info.add(bser.BloodPressure, normalizeObservation(*observation, bser.USCoreBloodPressureProfile))
	}
	observation := r.newObservation(bser.USCoreBloodPressureProfile, bser.VitalSignsCategory,
		coolfhir.Concept(coolfhir.LOINCSystem, bser.BloodPressurePanelCode, bser.BloodPressurePanelDisplay))
	observation.EffectiveDateTime = to.NilString(bp.Date)
	if bp.Systolic != nil {
		observation.Component = append(observation.Component, fhir.ObservationComponent{
			Code:          coolfhir.Concept(coolfhir.LOINCSystem, bser.SystolicCode, bser.SystolicDisplay),
			ValueQuantity: bp.Systolic,
		})
	}
	if bp.Diastolic != nil {
		observation.Component = append(observation.Component, fhir.ObservationComponent{
			Code:          coolfhir.Concept(coolfhir.LOINCSystem, bser.DiastolicCode, bser.DiastolicDisplay),
			ValueQuantity: bp.Diastolic,
		})
	}
	if _, err := r.save(&observation); err != nil {
		return err
	}
	return r.info.add(bser.BloodPressure, observation)
}

type vitalSign struct {
	kind    bser.SupportingInfoKind
	param   string
	code    string
	display string
	profile string
}

var (
	bodyHeight = vitalSign{bser.BodyHeight, "bodyHeight", bser.BodyHeightCode, bser.BodyHeightDisplay, bser.USCoreBodyHeightProfile}
	bodyWeight = vitalSign{bser.BodyWeight, "bodyWeight", bser.BodyWeightCode, bser.BodyWeightDisplay, bser.USCoreBodyWeightProfile}
	bmi        = vitalSign{bser.BMI, "bmi", bser.BMICode, bser.BMIDisplay, bser.USCoreBMIProfile}
)

func (r *run) bodyMeasurements(request Request) error {
	for _, measurement := range []struct {
		sign  vitalSign
		value *Measurement
	}{
		{bodyHeight, request.BodyHeight},
		{bodyWeight, request.BodyWeight},
		{bmi, request.BMI},
	} {
		if measurement.value == nil {
			continue
		}
		observation, err := r.vitalSign(measurement.sign, *measurement.value, r.subject, true)
		if err != nil {
			return err
		}
		if err := r.info.add(measurement.sign.kind, observation); err != nil {
			return err
		}
	}
	return nil
}

// vitalSign references or creates the observation of a body measurement for the given subject.
// Referenced observations are only checked against the referral subject if checkSubject is set.
func (r *run) vitalSign(sign vitalSign, value Measurement, subject fhir.Reference, checkSubject bool) (*fhir.Observation, error) {
	switch {
	case value.Reference != nil:
		var observation *fhir.Observation
		var err error
		if checkSubject {
			observation, err = r.readObservation(value.Reference, sign.param)
		} else {
			observation, err = r.read(value.Reference, sign.param)
		}
		if err != nil {
			return nil, err
		}
		result := normalizeObservation(*observation, sign.profile)
		return &result, nil
	case value.Quantity != nil:
		observation := r.newObservation(sign.profile, bser.VitalSignsCategory, coolfhir.Concept(coolfhir.LOINCSystem, sign.code, sign.display))
		observation.Subject = &subject
		observation.ValueQuantity = value.Quantity
		if _, err := r.save(&observation); err != nil {
			return nil, err
		}
		return &observation, nil
	}
	return nil, newError(InvalidParameter, fmt.Sprintf("Parameters.parameter.where(name='%s')", sign.param), "%s must be either Reference or Quantity", sign.param)
}

func (r *run) ha1c(request Request) error {
	if request.HA1C == nil {
		return nil
	}
	var observation fhir.Observation
	switch {
	case request.HA1C.Reference != nil:
		source, err := r.readObservation(request.HA1C.Reference, "ha1cObservation")
		if err != nil {
			return err
		}
		observation = normalizeObservation(*source, bser.HA1CObservationProfile)
		observation.Status = fhir.ObservationStatusFinal
		observation.EffectiveDateTime = to.Ptr(r.timestamp())
	case request.HA1C.Quantity != nil:
		observation = r.newObservation(bser.HA1CObservationProfile, bser.LaboratoryCategory,
			coolfhir.Concept(coolfhir.LOINCSystem, bser.HA1CCode, bser.HA1CDisplay))
		observation.ValueQuantity = request.HA1C.Quantity
		observation.EffectiveDateTime = to.Ptr(r.timestamp())
		if _, err := r.save(&observation); err != nil {
			return err
		}
	default:
		return newError(InvalidParameter, "Parameters.parameter.where(name='ha1cObservation')", "ha1cObservation must be either Reference or Quantity")
	}
	return r.info.add(bser.HA1C, observation)
}

func (r *run) earlyChildhoodNutrition(request Request) error {
	if request.BabyLatching != nil {
		observation := r.newObservation(bser.EarlyChildhoodNutritionProfile, bser.SocialHistoryCategory, bser.AbleToLatch)
		observation.ValueBoolean = request.BabyLatching
		if err := r.saveAndAdd(bser.EarlyChildhoodNutrition, &observation); err != nil {
			return err
		}
	}
	if request.MomsConcerns != nil {
		observation := r.newObservation(bser.EarlyChildhoodNutritionProfile, bser.SocialHistoryCategory, bser.MaternalConcern)
		observation.ValueString = request.MomsConcerns
		if err := r.saveAndAdd(bser.EarlyChildhoodNutrition, &observation); err != nil {
			return err
		}
	}
	if request.NippleShieldUse != nil {
		observation := r.newObservation(bser.EarlyChildhoodNutritionProfile, bser.SocialHistoryCategory, bser.NippleShieldUse)
		observation.ValueBoolean = request.NippleShieldUse
		if err := r.saveAndAdd(bser.EarlyChildhoodNutrition, &observation); err != nil {
			return err
		}
	}
	return nil
}

// child creates a Patient for the dependent and its height and weight observations. The dependent isn't the referral
// subject, so its observations aren't checked against it.
func (r *run) child(request Request) error {
	child := request.Child
	if child == nil {
		return nil
	}
	patient := fhir.Patient{
		Name: []fhir.HumanName{{Family: to.NilString(child.LastName), Given: nonEmpty(child.FirstName)}},
	}
	if child.Gender != "" {
		var gender fhir.AdministrativeGender
		if err := json.Unmarshal([]byte(fmt.Sprintf("%q", child.Gender)), &gender); err != nil {
			return newError(InvalidParameter, "Parameters.parameter.where(name='child').part.where(name='gender')", "unknown gender: %s", child.Gender)
		}
		patient.Gender = &gender
	}
	identity, err := r.save(&patient)
	if err != nil {
		return err
	}
	if _, err := r.info.addEntry(patient); err != nil {
		return err
	}
	childReference := identity.FHIRReference()
	childReference.Display = to.NilString(coolfhir.FormatGivenFamily(patient.Name))
	for _, measurement := range []struct {
		sign  vitalSign
		value *Measurement
	}{
		{vitalSign{bser.ChildHeight, "child.height", bser.BodyHeightCode, bser.BodyHeightDisplay, bser.USCoreBodyHeightProfile}, child.Height},
		{vitalSign{bser.ChildWeight, "child.weight", bser.BodyWeightCode, bser.BodyWeightDisplay, bser.USCoreBodyWeightProfile}, child.Weight},
	} {
		if measurement.value == nil {
			continue
		}
		observation, err := r.vitalSign(measurement.sign, *measurement.value, childReference, false)
		if err != nil {
			return err
		}
		if measurement.value.Reference != nil {
			// Referenced observations are copied for the dependent
			observation.Id = nil
			observation.Subject = &childReference
			if _, err := r.save(observation); err != nil {
				return err
			}
		}
		if err := r.info.add(measurement.sign.kind, *observation); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) diagnoses(request Request) error {
	for i, diagnosis := range request.Diagnoses {
		var condition fhir.Condition
		switch {
		case diagnosis.Reference != nil:
			var source fhir.Condition
			if err := r.readInto(diagnosis.Reference, &source, "diagnosis"); err != nil {
				return err
			}
			if !r.isSubject(&source.Subject, r.baseURLOf(diagnosis.Reference)) {
				return newError(SubjectMismatch, "diagnosis.subject", "the Subject reference does not match with ServiceRequest.subject")
			}
			condition = normalizeCondition(source)
		case diagnosis.Coding != nil:
			condition = normalizeCondition(fhir.Condition{
				Code:    &fhir.CodeableConcept{Coding: []fhir.Coding{*diagnosis.Coding}},
				Subject: r.subject,
			})
			if _, err := r.save(&condition); err != nil {
				return err
			}
		default:
			return newError(InvalidParameter, fmt.Sprintf("Parameters.parameter.where(name='diagnosis')[%d]", i), "diagnosis must be either Reference or Coding")
		}
		if err := r.info.add(bser.Diagnoses, condition); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) nrtAuthorizationStatus(request Request) error {
	if request.NRTAuthorizationStatus == "" {
		return nil
	}
	value, ok := bser.NRTAuthorizationStatus(request.NRTAuthorizationStatus)
	if !ok {
		return newError(InvalidParameter, "Parameters.parameter.where(name='nrtAuthorizationStatus')", "unknown NRT authorization status: %s", request.NRTAuthorizationStatus)
	}
	observation := r.newObservation(bser.NRTAuthorizationStatusProfile, bser.SocialHistoryCategory, bser.NRTAuthorizationStatusCode)
	observation.ValueCodeableConcept = &value
	return r.saveAndAdd(bser.NRTAuthorization, &observation)
}

func (r *run) smokingStatus(request Request) error {
	if request.SmokingStatus == "" {
		return nil
	}
	value, ok := bser.SmokingStatus(request.SmokingStatus)
	if !ok {
		return newError(InvalidParameter, "Parameters.parameter.where(name='smokingStatus')", "unknown smoking status: %s", request.SmokingStatus)
	}
	observation := r.newObservation(bser.USCoreSmokingStatusProfile, bser.SocialHistoryCategory,
		coolfhir.Concept(coolfhir.LOINCSystem, bser.SmokingStatusCode, bser.SmokingStatusDisplay))
	observation.ValueCodeableConcept = &value
	observation.EffectiveDateTime = to.Ptr(r.timestamp())
	return r.saveAndAdd(bser.SmokingStatusObservation, &observation)
}

func (r *run) communicationPreferences(request Request) error {
	for _, preference := range request.CommunicationPreferences {
		code, ok := bser.CommunicationPreference(preference.Name)
		if !ok {
			return newError(InvalidParameter, "Parameters.parameter.where(name='communicationPreferences').part", "unknown communication preference: %s", preference.Name)
		}
		observation := r.newObservation(bser.TelcomCommunicationPreferencesProfile, bser.SocialHistoryCategory, code)
		observation.ValueString = to.NilString(preference.Value)
		if err := r.saveAndAdd(bser.CommunicationPreferences, &observation); err != nil {
			return err
		}
	}
	return nil
}

// educationLevel and employmentStatus aren't supporting information: they are carried in the referral message.
func (r *run) educationLevel(code string) (*fhir.Observation, error) {
	if code == "" {
		return nil, nil
	}
	value, ok := bser.EducationLevel(code)
	if !ok {
		return nil, newError(InvalidParameter, "Parameters.parameter.where(name='educationLevel')", "unknown education level: %s", code)
	}
	observation := r.newObservation(bser.EducationLevelProfile, bser.SocialHistoryCategory,
		coolfhir.Concept(coolfhir.LOINCSystem, bser.EducationLevelCode, bser.EducationLevelDisplay))
	observation.ValueCodeableConcept = &value
	if _, err := r.save(&observation); err != nil {
		return nil, err
	}
	return &observation, nil
}

func (r *run) employmentStatus(code string) (*fhir.Observation, error) {
	if code == "" {
		return nil, nil
	}
	value := bser.EmploymentStatus(code)
	observation := r.newObservation(bser.EmploymentStatusProfile, bser.SocialHistoryCategory,
		coolfhir.Concept(coolfhir.LOINCSystem, bser.EmploymentStatusCode, bser.EmploymentStatusDisplay))
	observation.ValueCodeableConcept = &value
	if _, err := r.save(&observation); err != nil {
		return nil, err
	}
	return &observation, nil
}

func (r *run) newObservation(profile string, category fhir.CodeableConcept, code fhir.CodeableConcept) fhir.Observation {
	subject := r.subject
	return fhir.Observation{
		Meta:     &fhir.Meta{Profile: []string{profile}},
		Status:   fhir.ObservationStatusFinal,
		Category: []fhir.CodeableConcept{category},
		Code:     code,
		Subject:  &subject,
	}
}

func (r *run) saveAndAdd(kind bser.SupportingInfoKind, observation *fhir.Observation) error {
	if _, err := r.save(observation); err != nil {
		return err
	}
	return r.info.add(kind, *observation)
}

// readObservation reads a referenced EHR observation, which must be about the referral subject.
func (r *run) readObservation(reference *fhir.Reference, param string) (*fhir.Observation, error) {
	observation, err := r.read(reference, param)
	if err != nil {
		return nil, err
	}
	if !r.isSubject(observation.Subject, r.baseURLOf(reference)) {
		return nil, newError(SubjectMismatch, param+".subject", "the Subject reference does not match with ServiceRequest.subject")
	}
	return observation, nil
}

func (r *run) read(reference *fhir.Reference, param string) (*fhir.Observation, error) {
	var observation fhir.Observation
	if err := r.readInto(reference, &observation, param); err != nil {
		return nil, err
	}
	return &observation, nil
}

func (r *run) readInto(reference *fhir.Reference, target any, param string) error {
	literal := coolfhir.ReferenceValue(reference)
	err := r.gateway.Read(r.ctx, literal, target)
	if errors.Is(err, gateway.ErrNotFound) {
		return newError(InvalidParameter, fmt.Sprintf("Parameters.parameter.where(name='%s')", param), "%s could not be found", literal)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", param, err)
	}
	return nil
}

// normalizeObservation copies the known elements of an EHR observation into the given profile.
func normalizeObservation(source fhir.Observation, profile string) fhir.Observation {
	return fhir.Observation{
		Id:                   source.Id,
		Meta:                 &fhir.Meta{Profile: []string{profile}},
		Identifier:           source.Identifier,
		Status:               source.Status,
		Category:             source.Category,
		Code:                 source.Code,
		Subject:              source.Subject,
		EffectiveDateTime:    source.EffectiveDateTime,
		Issued:               source.Issued,
		Performer:            source.Performer,
		ValueQuantity:        source.ValueQuantity,
		ValueCodeableConcept: source.ValueCodeableConcept,
		ValueString:          source.ValueString,
		ValueBoolean:         source.ValueBoolean,
		Interpretation:       source.Interpretation,
		Note:                 source.Note,
		Component:            source.Component,
	}
}

func normalizeCondition(source fhir.Condition) fhir.Condition {
	result := fhir.Condition{
		Id:                 source.Id,
		Meta:               &fhir.Meta{Profile: []string{bser.USCoreConditionProfile}},
		Identifier:         source.Identifier,
		ClinicalStatus:     source.ClinicalStatus,
		VerificationStatus: source.VerificationStatus,
		Category:           []fhir.CodeableConcept{bser.ProblemListItemCategory},
		Severity:           source.Severity,
		Code:               source.Code,
		Subject:            source.Subject,
		OnsetDateTime:      source.OnsetDateTime,
		RecordedDate:       source.RecordedDate,
		Note:               source.Note,
	}
	for _, category := range source.Category {
		if !coolfhir.HasCoding(category, coolfhir.ConditionCategorySystem, "problem-list-item") {
			result.Category = append(result.Category, category)
		}
	}
	return result
}

func nonEmpty(values ...string) []string {
	var result []string
	for _, value := range values {
		if value != "" {
			result = append(result, value)
		}
	}
	return result
}
