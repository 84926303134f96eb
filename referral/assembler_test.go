package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/bser"
	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/must"
	"github.com/SanteonNL/orca/bserengine/lib/test"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/SanteonNL/orca/bserengine/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const ehrBaseURL = "http://ehr.example.com/fhir"

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	assembler *Assembler
	rc        RequestContext
	store     *test.StubFHIRClient
	ehr       *test.StubFHIRClient
}

func setup(t *testing.T, recipientReady bool) fixture {
	t.Helper()
	store := &test.StubFHIRClient{}
	store.Add(fhir.ServiceRequest{Id: to.Ptr("draft"), Status: fhir.RequestStatusDraft})
	ehr := &test.StubFHIRClient{BaseURL: ehrBaseURL}
	ehr.Add(
		fhir.Practitioner{
			Id:   to.Ptr("dr-who"),
			Name: []fhir.HumanName{{Given: []string{"John"}, Family: to.Ptr("Smith")}},
		},
		fhir.Organization{Id: to.Ptr("hospital"), Name: to.Ptr("Hospital")},
		fhir.PractitionerRole{
			Id:           to.Ptr("gp"),
			Practitioner: &fhir.Reference{Reference: to.Ptr("Practitioner/dr-who")},
			Organization: &fhir.Reference{Reference: to.Ptr("Organization/hospital")},
		},
		fhir.Endpoint{Id: to.Ptr("ymca-ep"), Address: "http://ymca.example.com/fhir"},
		fhir.PractitionerRole{
			Id:       to.Ptr("ymca"),
			Endpoint: []fhir.Reference{{Reference: to.Ptr("Endpoint/ymca-ep")}},
			Organization: &fhir.Reference{
				Identifier: &fhir.Identifier{System: to.Ptr("urn:oid:2.16.840.1.113883.4.4"), Value: to.Ptr("ymca")},
				Display:    to.Ptr("YMCA"),
			},
		},
		fhir.Observation{
			Id:      to.Ptr("bp"),
			Status:  fhir.ObservationStatusFinal,
			Subject: &fhir.Reference{Reference: to.Ptr("Patient/p1")},
		},
		fhir.Observation{
			Id:      to.Ptr("bp-other"),
			Status:  fhir.ObservationStatusFinal,
			Subject: &fhir.Reference{Reference: to.Ptr("Patient/other")},
		},
	)
	gw := gateway.New(must.ParseURL(test.StubBaseURL), store, func(*url.URL) fhirclient.Client {
		return ehr
	}, nil)
	assembler := NewAssembler(recipientReady)
	assembler.now = func() time.Time { return now }
	return fixture{
		assembler: assembler,
		rc:        NewRequestContext(gw, must.ParseURL("https://bser.example.com/fhir")),
		store:     store,
		ehr:       ehr,
	}
}

func newRequest(serviceType string) Request {
	return Request{
		Referral: &fhir.ServiceRequest{
			Id:        to.Ptr("draft"),
			Status:    fhir.RequestStatusDraft,
			Subject:   fhir.Reference{Reference: to.Ptr(ehrBaseURL + "/Patient/p1")},
			Requester: &fhir.Reference{Reference: to.Ptr(ehrBaseURL + "/PractitionerRole/gp")},
			Performer: []fhir.Reference{{Reference: to.Ptr(ehrBaseURL + "/PractitionerRole/ymca")}},
		},
		Patient: &fhir.Patient{
			Id:         to.Ptr("p1"),
			Identifier: []fhir.Identifier{{System: to.Ptr("http://hospital.example.com/mrn"), Value: to.Ptr("123")}},
			Name:       []fhir.HumanName{{Given: []string{"Jane"}, Family: to.Ptr("Doe")}},
		},
		ServiceType: serviceType,
	}
}

func quantity(t *testing.T, value int, unit string) *fhir.Quantity {
	return to.Ptr(test.ParseJSON[fhir.Quantity](t, fmt.Sprintf(`{"value":%d,"unit":%q}`, value, unit)))
}

func entriesOfType(bundle fhir.Bundle, resourceType string) []fhir.BundleEntry {
	var result []fhir.BundleEntry
	for _, entry := range bundle.Entry {
		if coolfhir.DescribeBundleEntry(entry).Type == resourceType {
			result = append(result, entry)
		}
	}
	return result
}

func TestAssembler_Assemble(t *testing.T) {
	ctx := context.Background()

	t.Run("tobacco use cessation", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("tobacco-use-cessation")
		request.NRTAuthorizationStatus = "AP"
		request.SmokingStatus = "77176002"
		request.CommunicationPreferences = []CommunicationPreference{{Name: "bestDay", Value: "Monday"}}
		request.EducationLevel = "HS"

		result, err := f.assembler.Assemble(ctx, f.rc, request)

		require.NoError(t, err)
		assert.True(t, result.RecipientReachable)
		assert.Equal(t, "http://ymca.example.com/fhir", result.RecipientEndpoint.Address)
		assert.Contains(t, result.Warnings.String(), "bserProviderBaseUrl is missing.")

		t.Run("message", func(t *testing.T) {
			message := result.Message
			assert.Equal(t, fhir.BundleTypeMessage, message.Type)
			assert.Equal(t, "MessageHeader", coolfhir.DescribeBundleEntry(message.Entry[0]).Type)
			assert.Len(t, entriesOfType(message, "Task"), 1)
			assert.Len(t, entriesOfType(message, "ServiceRequest"), 1)
			assert.Len(t, entriesOfType(message, "Bundle"), 1)
			assert.Len(t, entriesOfType(message, "Patient"), 1)
			assert.Len(t, entriesOfType(message, "PractitionerRole"), 2)
			assert.Len(t, entriesOfType(message, "Observation"), 1, "education level")
			types := make([]string, 0, len(message.Entry))
			for _, entry := range message.Entry[:5] {
				types = append(types, coolfhir.DescribeBundleEntry(entry).Type)
			}
			assert.Equal(t, []string{"MessageHeader", "Task", "ServiceRequest", "Bundle", "Patient"}, types)
			assert.Equal(t, "Bundle/"+*message.Id, result.MessageReference)
		})
		t.Run("header", func(t *testing.T) {
			header := result.MessageHeader
			assert.True(t, header.IsReferralMessageHeader())
			assert.Equal(t, "https://bser.example.com/fhir/$process-message", header.Source.Endpoint)
			assert.Equal(t, "http://ymca.example.com/fhir", header.Destination[0].Endpoint)
			assert.Equal(t, "PractitionerRole/ymca", *header.Destination[0].Receiver.Reference)
			assert.Equal(t, "Task/"+*result.Task.Id, *header.Focus[0].Reference)
		})
		t.Run("task", func(t *testing.T) {
			task := result.Task
			assert.Equal(t, fhir.TaskStatusRequested, task.Status)
			assert.Equal(t, "order", string(task.Intent))
			assert.True(t, coolfhir.HasCoding(*task.BusinessStatus, bser.TaskBusinessStatusSystem, "2.0"))
			assert.Equal(t, "ServiceRequest/"+*result.ServiceRequest.Id, *task.Focus.Reference)
			assert.Equal(t, "Patient/"+*result.Patient.Id, *task.For.Reference)
			assert.Equal(t, "PractitionerRole/ymca", *task.Owner.Reference)
			assert.Equal(t, *result.MessageHeader.Destination[0].Receiver.Reference, *task.Owner.Reference)
			require.NotNil(t, bser.FindIdentifier(task.Identifier, bser.PlacerIdentifierType))
			assert.Equal(t, "2024-03-01T10:00:00Z", *task.AuthoredOn)
		})
		t.Run("service request", func(t *testing.T) {
			serviceRequest := result.ServiceRequest
			assert.Equal(t, fhir.RequestStatusActive, serviceRequest.Status)
			assert.NotEqual(t, "draft", *serviceRequest.Id)
			assert.Equal(t, "Patient/"+*result.Patient.Id, *serviceRequest.Subject.Reference)
			assert.Equal(t, "Jane Doe", *serviceRequest.Subject.Display)
			placer := bser.FindIdentifier(serviceRequest.Identifier, bser.PlacerIdentifierType)
			require.NotNil(t, placer)
			assert.Equal(t, bser.RequestIdentifierSystem, *placer.System)
			assert.Equal(t, *bser.FindIdentifier(result.Task.Identifier, bser.PlacerIdentifierType).Value, *placer.Value)
			assert.True(t, coolfhir.HasCoding(serviceRequest.ReasonCode[0], bser.ServiceTypeSystem, "tobacco-use-cessation"))
			require.Len(t, serviceRequest.SupportingInfo, 1)
			assert.Contains(t, *serviceRequest.SupportingInfo[0].Reference, "Bundle/")
		})
		t.Run("draft is deleted", func(t *testing.T) {
			var serviceRequests []fhir.ServiceRequest
			f.store.ResourcesOfType("ServiceRequest", &serviceRequests)
			require.Len(t, serviceRequests, 1)
			assert.Equal(t, *result.ServiceRequest.Id, *serviceRequests[0].Id)
		})
		t.Run("supporting information", func(t *testing.T) {
			var document fhir.Bundle
			require.NoError(t, json.Unmarshal(entriesOfType(result.Message, "Bundle")[0].Resource, &document))
			assert.Equal(t, fhir.BundleTypeDocument, document.Type)
			assert.Equal(t, bser.DocumentIdentifierSystem, *document.Identifier.System)
			var composition fhir.Composition
			require.NoError(t, json.Unmarshal(document.Entry[0].Resource, &composition))
			assert.Equal(t, "Referral request", composition.Title)
			require.Len(t, composition.Section, 1)
			section := composition.Section[0]
			assert.Equal(t, "Tobacco Use Cessation Referral Supporting Information", *section.Title)
			require.Len(t, section.Entry, 3)

			observations := map[string]fhir.Observation{}
			for _, entry := range document.Entry[1:] {
				var observation fhir.Observation
				require.NoError(t, json.Unmarshal(entry.Resource, &observation))
				observations[observation.Meta.Profile[0]] = observation
				assert.Equal(t, "Patient/"+*result.Patient.Id, *observation.Subject.Reference)
			}
			nrt := observations[bser.NRTAuthorizationStatusProfile]
			assert.Equal(t, "approved", *nrt.ValueCodeableConcept.Coding[0].Display)
			smoking := observations[bser.USCoreSmokingStatusProfile]
			assert.True(t, coolfhir.HasCoding(*smoking.ValueCodeableConcept, coolfhir.SNOMEDSystem, "77176002"))
			assert.Equal(t, "Smoker", *smoking.ValueCodeableConcept.Coding[0].Display)
			assert.Equal(t, "Monday", *observations[bser.TelcomCommunicationPreferencesProfile].ValueString)
			for _, profile := range []string{bser.USCoreBloodPressureProfile, bser.USCoreBodyHeightProfile, bser.USCoreBodyWeightProfile, bser.USCoreBMIProfile} {
				assert.NotContains(t, observations, profile)
			}
		})
		t.Run("initiator is persisted", func(t *testing.T) {
			assert.Len(t, f.store.CreatedResources["PractitionerRole"], 1)
			assert.Len(t, f.store.CreatedResources["Practitioner"], 1)
			assert.Len(t, f.store.CreatedResources["Organization"], 1)
			require.Len(t, f.store.CreatedResources["Endpoint"], 1)
			var endpoint fhir.Endpoint
			require.NoError(t, json.Unmarshal(f.store.CreatedResources["Endpoint"][0], &endpoint))
			assert.Equal(t, "https://bser.example.com/fhir/$process-message", endpoint.Address)
			assert.Len(t, f.store.CreatedResources["MessageHeader"], 1)
		})
	})
	t.Run("patient is deduplicated", func(t *testing.T) {
		f := setup(t, true)

		first, err := f.assembler.Assemble(ctx, f.rc, newRequest("obesity"))
		require.NoError(t, err)
		second, err := f.assembler.Assemble(ctx, f.rc, newRequest("obesity"))
		require.NoError(t, err)

		assert.Equal(t, *first.Patient.Id, *second.Patient.Id)
		assert.Len(t, f.store.CreatedResources["Patient"], 1)
		assert.Contains(t, second.Warnings.String(), "DELETE ServiceRequest/draft")
	})
	t.Run("recipient not ready", func(t *testing.T) {
		f := setup(t, false)

		result, err := f.assembler.Assemble(ctx, f.rc, newRequest("obesity"))

		require.NoError(t, err)
		assert.False(t, result.RecipientReachable)
		assert.Equal(t, resolver.NotReadyEndpointAddress, result.RecipientEndpoint.Address)
		assert.Contains(t, result.Warnings.String(), "Recipient is not ready or target Endpoint is not available")
		assert.Len(t, f.store.CreatedResources["Organization"], 1, "recipient organization is not persisted")
	})
	t.Run("blood pressure by reference", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("hypertension")
		request.BloodPressure = &BloodPressure{Reference: &fhir.Reference{Reference: to.Ptr(ehrBaseURL + "/Observation/bp")}}

		result, err := f.assembler.Assemble(ctx, f.rc, request)

		require.NoError(t, err)
		var document fhir.Bundle
		require.NoError(t, json.Unmarshal(entriesOfType(result.Message, "Bundle")[0].Resource, &document))
		var composition fhir.Composition
		require.NoError(t, json.Unmarshal(document.Entry[0].Resource, &composition))
		require.Len(t, composition.Section[0].Entry, 1)
		assert.Equal(t, "Observation/bp", *composition.Section[0].Entry[0].Reference)
		assert.Empty(t, f.store.CreatedResources["Observation"], "referenced observations are not copied into the store")
	})
	t.Run("inline vitals", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("obesity")
		request.BloodPressure = &BloodPressure{
			Systolic:  quantity(t, 120, "mm[Hg]"),
			Diastolic: quantity(t, 80, "mm[Hg]"),
			Date:      "2024-02-28",
		}
		request.BodyWeight = &Measurement{Quantity: quantity(t, 82, "kg")}

		result, err := f.assembler.Assemble(ctx, f.rc, request)

		require.NoError(t, err)
		require.Len(t, f.store.CreatedResources["Observation"], 2)
		var bp fhir.Observation
		require.NoError(t, json.Unmarshal(f.store.CreatedResources["Observation"][0], &bp))
		assert.Len(t, bp.Component, 2)
		assert.Equal(t, "2024-02-28", *bp.EffectiveDateTime)
		assert.Equal(t, "Patient/"+*result.Patient.Id, *bp.Subject.Reference)
	})
	t.Run("early childhood nutrition", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("early-childhood-nutrition")
		request.BabyLatching = to.Ptr(true)
		request.MomsConcerns = to.Ptr("Not gaining weight")
		request.Child = &Child{
			FirstName: "Baby",
			LastName:  "Doe",
			Gender:    "female",
			Height:    &Measurement{Quantity: quantity(t, 55, "cm")},
		}

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		require.NoError(t, err)
		require.Len(t, f.store.CreatedResources["Patient"], 2)
		var child fhir.Patient
		require.NoError(t, json.Unmarshal(f.store.CreatedResources["Patient"][1], &child))
		assert.Equal(t, "Doe", *child.Name[0].Family)
		var height fhir.Observation
		require.NoError(t, json.Unmarshal(f.store.CreatedResources["Observation"][2], &height))
		assert.Equal(t, "Patient/"+*child.Id, *height.Subject.Reference)
	})
	t.Run("ha1c needs a value", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("diabetes-prevention")
		request.HA1C = &Measurement{}

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		require.EqualError(t, err, "ha1cObservation must be either Reference or Quantity")
	})
}

func TestAssembler_Assemble_Errors(t *testing.T) {
	ctx := context.Background()
	assertKind := func(t *testing.T, err error, kind Kind) {
		t.Helper()
		var target Error
		require.ErrorAs(t, err, &target)
		assert.Equal(t, kind, target.Kind)
	}

	t.Run("missing referral", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("obesity")
		request.Referral = nil

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		assertKind(t, err, MissingReferral)
	})
	t.Run("subject is not a patient", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("obesity")
		request.Referral.Subject = fhir.Reference{Reference: to.Ptr("Group/1")}

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		assertKind(t, err, InvalidSubject)
		assert.EqualError(t, err, "Subject must be Patient")
	})
	t.Run("patient mismatch", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("obesity")
		request.Patient.Id = to.Ptr("p2")

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		assertKind(t, err, PatientMismatch)
	})
	t.Run("unknown service type", func(t *testing.T) {
		f := setup(t, true)

		_, err := f.assembler.Assemble(ctx, f.rc, newRequest("yoga"))

		assertKind(t, err, MissingServiceType)
		assert.Empty(t, f.store.CreatedResources, "nothing is persisted")
	})
	t.Run("unknown performer", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("obesity")
		request.Referral.Performer[0].Reference = to.Ptr(ehrBaseURL + "/PractitionerRole/unknown")

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		assertKind(t, err, InvalidPerformer)
		assert.EqualError(t, err, "The ServiceRequest.performer: "+ehrBaseURL+"/PractitionerRole/unknown does not seem to exist.")
	})
	t.Run("allergy of another patient", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("arthritis")
		request.Allergies = &fhir.Bundle{Entry: []fhir.BundleEntry{
			{Resource: must.MarshalJSON(fhir.AllergyIntolerance{Patient: fhir.Reference{Reference: to.Ptr("Patient/p1")}})},
			{Resource: must.MarshalJSON(fhir.AllergyIntolerance{Patient: fhir.Reference{Reference: to.Ptr("Patient/other")}})},
		}}

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		assertKind(t, err, SubjectMismatch)
		assert.Empty(t, f.store.CreatedResources["AllergyIntolerance"])
	})
	t.Run("referenced observation of another patient", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("hypertension")
		request.BloodPressure = &BloodPressure{Reference: &fhir.Reference{Reference: to.Ptr(ehrBaseURL + "/Observation/bp-other")}}

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		assertKind(t, err, SubjectMismatch)
	})
	t.Run("unknown smoking status", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("tobacco-use-cessation")
		request.SmokingStatus = "123"

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		assertKind(t, err, InvalidParameter)
	})
	t.Run("invalid provider base URL", func(t *testing.T) {
		f := setup(t, true)
		request := newRequest("obesity")
		request.ProviderBaseURL = "not-a-url"

		_, err := f.assembler.Assemble(ctx, f.rc, request)

		assertKind(t, err, InvalidParameter)
	})
	t.Run("store rejects the task", func(t *testing.T) {
		f := setup(t, true)
		f.store.Errors = map[string]error{"POST Task": assert.AnError}

		_, err := f.assembler.Assemble(ctx, f.rc, newRequest("obesity"))

		var persistenceErr gateway.PersistenceError
		require.ErrorAs(t, err, &persistenceErr)
		assert.Equal(t, "Task", persistenceErr.Resource)
	})
}
