package referral

import (
	"encoding/json"
	"fmt"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Request is the decoded input of the submit-referral operation.
type Request struct {
	Referral  *fhir.ServiceRequest
	Patient   *fhir.Patient
	Requester *fhir.Practitioner
	Coverage  *fhir.Coverage
	// ProviderBaseURL is the FHIR store the referral records are written to, overriding the configured store.
	ProviderBaseURL  string
	ServiceType      string
	EducationLevel   string
	EmploymentStatus string

	Allergies     *fhir.Bundle
	Medications   *fhir.Bundle
	BloodPressure *BloodPressure
	BodyHeight    *Measurement
	BodyWeight    *Measurement
	BMI           *Measurement
	HA1C          *Measurement
	Diagnoses     []Diagnosis

	BabyLatching    *bool
	MomsConcerns    *string
	NippleShieldUse *bool
	Child           *Child

	NRTAuthorizationStatus   string
	SmokingStatus            string
	CommunicationPreferences []CommunicationPreference
}

// Measurement is either a reference to an existing Observation or an inline quantity.
type Measurement struct {
	Reference *fhir.Reference
	Quantity  *fhir.Quantity
}

type BloodPressure struct {
	Reference *fhir.Reference
	Systolic  *fhir.Quantity
	Diastolic *fhir.Quantity
	Date      string
}

// Diagnosis is either a reference to an existing Condition or the code of a new one.
type Diagnosis struct {
	Reference *fhir.Reference
	Coding    *fhir.Coding
}

// Child is the dependent an early childhood nutrition referral is about.
type Child struct {
	FirstName string
	LastName  string
	Gender    string
	Height    *Measurement
	Weight    *Measurement
}

type CommunicationPreference struct {
	Name  string
	Value string
}

// ParseParameters decodes the Parameters of a submit-referral operation. Unknown parameters are ignored.
func ParseParameters(parameters fhir.Parameters) (*Request, error) {
	var request Request
	for _, param := range parameters.Parameter {
		var err error
		switch param.Name {
		case "referral":
			request.Referral, err = unmarshalResource[fhir.ServiceRequest](param, "ServiceRequest")
		case "patient":
			request.Patient, err = unmarshalResource[fhir.Patient](param, "Patient")
		case "requester":
			request.Requester, err = unmarshalResource[fhir.Practitioner](param, "Practitioner")
		case "coverage":
			request.Coverage, err = unmarshalResource[fhir.Coverage](param, "Coverage")
		case "allergies":
			request.Allergies, err = unmarshalResource[fhir.Bundle](param, "Bundle")
		case "medications":
			request.Medications, err = unmarshalResource[fhir.Bundle](param, "Bundle")
		case "bserProviderBaseUrl":
			request.ProviderBaseURL = primitive(param)
		case "serviceType":
			request.ServiceType = primitive(param)
		case "educationLevel":
			request.EducationLevel = primitive(param)
		case "employmentStatus":
			request.EmploymentStatus = primitive(param)
		case "nrtAuthorizationStatus":
			request.NRTAuthorizationStatus = primitive(param)
		case "smokingStatus":
			request.SmokingStatus = primitive(param)
		case "bloodPressure":
			request.BloodPressure = parseBloodPressure(param)
		case "bodyHeight":
			request.BodyHeight = parseMeasurement(param)
		case "bodyWeight":
			request.BodyWeight = parseMeasurement(param)
		case "bmi":
			request.BMI = parseMeasurement(param)
		case "ha1cObservation":
			request.HA1C = parseMeasurement(param)
		case "diagnosis":
			request.Diagnoses = append(request.Diagnoses, Diagnosis{Reference: reference(param), Coding: param.ValueCoding})
		case "isBabyLatching":
			request.BabyLatching = param.ValueBoolean
		case "momsConcerns":
			request.MomsConcerns = param.ValueString
		case "nippleShieldUse":
			request.NippleShieldUse = param.ValueBoolean
		case "child":
			request.Child = parseChild(param)
		case "communicationPreferences":
			for _, part := range param.Part {
				request.CommunicationPreferences = append(request.CommunicationPreferences, CommunicationPreference{
					Name:  part.Name,
					Value: primitive(part),
				})
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return &request, nil
}

func unmarshalResource[T any](param fhir.ParametersParameter, resourceType string) (*T, error) {
	if len(param.Resource) == 0 {
		return nil, newError(InvalidParameter, fmt.Sprintf("Parameters.parameter.where(name='%s').resource", param.Name),
			"parameter %s must contain a %s", param.Name, resourceType)
	}
	var result T
	if err := json.Unmarshal(param.Resource, &result); err != nil {
		return nil, newError(InvalidParameter, fmt.Sprintf("Parameters.parameter.where(name='%s').resource", param.Name),
			"parameter %s is not a valid %s: %v", param.Name, resourceType, err)
	}
	return &result, nil
}

// primitive returns the value of a string-like parameter.
func primitive(param fhir.ParametersParameter) string {
	switch {
	case param.ValueCode != nil:
		return *param.ValueCode
	case param.ValueString != nil:
		return *param.ValueString
	case param.ValueBoolean != nil:
		return fmt.Sprintf("%t", *param.ValueBoolean)
	}
	return ""
}

// reference returns the parameter as reference. Some clients send references as plain strings.
func reference(param fhir.ParametersParameter) *fhir.Reference {
	if param.ValueReference != nil {
		return param.ValueReference
	}
	if param.ValueString != nil && *param.ValueString != "" {
		return &fhir.Reference{Reference: param.ValueString}
	}
	return nil
}

func parseMeasurement(param fhir.ParametersParameter) *Measurement {
	result := Measurement{Reference: reference(param), Quantity: param.ValueQuantity}
	for _, part := range param.Part {
		switch part.Name {
		case "reference":
			result.Reference = reference(part)
		case "value", "quantity":
			result.Quantity = part.ValueQuantity
		}
	}
	return &result
}

func parseBloodPressure(param fhir.ParametersParameter) *BloodPressure {
	var result BloodPressure
	for _, part := range param.Part {
		switch part.Name {
		case "reference":
			result.Reference = reference(part)
		case "systolic":
			result.Systolic = part.ValueQuantity
		case "diastolic":
			result.Diastolic = part.ValueQuantity
		case "date":
			if part.ValueDateTime != nil {
				result.Date = *part.ValueDateTime
			} else {
				result.Date = primitive(part)
			}
		}
	}
	return &result
}

func parseChild(param fhir.ParametersParameter) *Child {
	var result Child
	for _, part := range param.Part {
		switch part.Name {
		case "firstName":
			result.FirstName = primitive(part)
		case "lastName":
			result.LastName = primitive(part)
		case "gender":
			result.Gender = primitive(part)
		case "height":
			result.Height = parseMeasurement(part)
		case "weight":
			result.Weight = parseMeasurement(part)
		}
	}
	return &result
}
