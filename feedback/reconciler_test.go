package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/bser"
	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/must"
	"github.com/SanteonNL/orca/bserengine/lib/test"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const placerValue = "plac-1"

type fixture struct {
	store   *test.StubFHIRClient
	gateway *gateway.Gateway
}

func setup(t *testing.T) fixture {
	t.Helper()
	task := fhir.Task{
		Id:         to.Ptr("t1"),
		Status:     fhir.TaskStatusRequested,
		Identifier: []fhir.Identifier{bser.NewPlacerIdentifier(placerValue, nil)},
		For:        &fhir.Reference{Reference: to.Ptr("Patient/p1")},
		Focus:      &fhir.Reference{Reference: to.Ptr("ServiceRequest/sr1")},
	}
	serviceRequest := fhir.ServiceRequest{Id: to.Ptr("sr1"), Status: fhir.RequestStatusActive}
	header := bser.NewReferralMessageHeader(
		fhir.Reference{Reference: to.Ptr("PractitionerRole/ymca")},
		fhir.Reference{Reference: to.Ptr("PractitionerRole/gp")},
		fhir.Reference{Reference: to.Ptr("Task/t1")},
		"https://bser.example.com/fhir/$process-message",
		"http://ymca.example.com/fhir",
	)
	header.ID = to.Ptr("mh-1")
	original := coolfhir.Message().
		Append(header, coolfhir.WithFullUrl("MessageHeader/mh-1")).
		Append(task, coolfhir.WithFullUrl("Task/t1")).
		Append(serviceRequest, coolfhir.WithFullUrl("ServiceRequest/sr1")).
		Bundle()
	original.Id = to.Ptr("msg-1")

	store := &test.StubFHIRClient{}
	store.Add(
		fhir.Patient{Id: to.Ptr("p1"), Name: []fhir.HumanName{{Given: []string{"Jane"}, Family: to.Ptr("Doe")}}},
		task,
		serviceRequest,
		original,
	)
	gw := gateway.New(must.ParseURL(test.StubBaseURL), store, func(baseURL *url.URL) fhirclient.Client {
		t.Fatalf("unexpected client for %s", baseURL)
		return nil
	}, nil)
	return fixture{store: store, gateway: gw}
}

func (f fixture) task(t *testing.T) fhir.Task {
	var task fhir.Task
	require.NoError(t, f.gateway.Read(context.Background(), "Task/t1", &task))
	return task
}

func (f fixture) serviceRequest(t *testing.T) fhir.ServiceRequest {
	var serviceRequest fhir.ServiceRequest
	require.NoError(t, f.gateway.Read(context.Background(), "ServiceRequest/sr1", &serviceRequest))
	return serviceRequest
}

func feedbackHeader() bser.MessageHeader {
	header := bser.NewReferralMessageHeader(
		fhir.Reference{Reference: to.Ptr("PractitionerRole/gp")},
		fhir.Reference{Reference: to.Ptr("PractitionerRole/ymca")},
		fhir.Reference{Reference: to.Ptr("Task/remote-1")},
		"http://ymca.example.com/fhir",
		"https://bser.example.com/fhir/$process-message",
	)
	header.ID = to.Ptr("fb-1")
	return header
}

func remoteTask(businessStatus bser.BusinessStatus) fhir.Task {
	return fhir.Task{
		Id:     to.Ptr("remote-1"),
		Status: fhir.TaskStatusInProgress,
		Identifier: []fhir.Identifier{
			bser.NewPlacerIdentifier(placerValue, nil),
			{
				Type:   to.Ptr(bser.IdentifierType(bser.FillerIdentifierType)),
				System: to.Ptr("urn:ymca:referral"),
				Value:  to.Ptr("fill-1"),
			},
		},
		BusinessStatus: to.Ptr(businessStatus.Concept()),
	}
}

func feedbackDocument() fhir.Bundle {
	composition := fhir.Composition{
		Id:     to.Ptr("comp-1"),
		Status: fhir.CompositionStatusFinal,
		Title:  "Referral feedback",
		Section: []fhir.CompositionSection{
			{Title: to.Ptr("Outcome"), Entry: []fhir.Reference{{Reference: to.Ptr("Observation/obs-1")}}},
			{Title: to.Ptr("Weight"), Entry: []fhir.Reference{{Reference: to.Ptr("Observation/obs-1")}}},
		},
	}
	observation := fhir.Observation{
		Id:      to.Ptr("obs-1"),
		Status:  fhir.ObservationStatusFinal,
		Subject: &fhir.Reference{Reference: to.Ptr("Patient/remote-patient")},
	}
	document := coolfhir.Document().
		Append(composition, coolfhir.WithFullUrl("Composition/comp-1")).
		Append(observation, coolfhir.WithFullUrl("Observation/obs-1")).
		Bundle()
	document.Id = to.Ptr("doc-1")
	return document
}

func message(header bser.MessageHeader, resources ...any) *fhir.Bundle {
	builder := coolfhir.Message().Append(header, coolfhir.WithFullUrl("MessageHeader/"+to.EmptyString(header.ID)))
	for _, resource := range resources {
		desc := coolfhir.DescribeBundleEntry(fhir.BundleEntry{Resource: must.MarshalJSON(resource)})
		builder.Append(resource, coolfhir.WithFullUrl(desc.Reference()))
	}
	result := builder.Bundle()
	return &result
}

// messageSearchRejected is a store that doesn't support the Bundle message search parameter.
type messageSearchRejected struct {
	*test.StubFHIRClient
}

func (m messageSearchRejected) SearchWithContext(ctx context.Context, resourceType string, query url.Values, target any, opts ...fhirclient.Option) error {
	if query.Has("message") {
		return fhirclient.OperationOutcomeError{
			HttpStatusCode: 400,
			OperationOutcome: fhir.OperationOutcome{Issue: []fhir.OperationOutcomeIssue{{
				Severity:    fhir.IssueSeverityFatal,
				Code:        fhir.IssueTypeInvalid,
				Diagnostics: to.Ptr(`Unknown search parameter "message" for resource type "Bundle"`),
			}}},
		}
	}
	return m.StubFHIRClient.SearchWithContext(ctx, resourceType, query, target, opts...)
}

// messageSearchIgnored is a store that silently ignores the Bundle message search parameter.
type messageSearchIgnored struct {
	*test.StubFHIRClient
}

func (m messageSearchIgnored) SearchWithContext(ctx context.Context, resourceType string, query url.Values, target any, opts ...fhirclient.Option) error {
	filtered := url.Values{}
	for name, values := range query {
		if name != "message" {
			filtered[name] = values
		}
	}
	return m.StubFHIRClient.SearchWithContext(ctx, resourceType, filtered, target, opts...)
}

func (f fixture) withStore(t *testing.T, store fhirclient.Client) fixture {
	f.gateway = gateway.New(must.ParseURL(test.StubBaseURL), store, func(baseURL *url.URL) fhirclient.Client {
		t.Fatalf("unexpected client for %s", baseURL)
		return nil
	}, nil)
	return f
}

// otherMessages returns message bundles of other referrals.
func otherMessages(count int) []json.RawMessage {
	var result []json.RawMessage
	for i := 0; i < count; i++ {
		header := feedbackHeader()
		header.ID = to.Ptr(fmt.Sprintf("other-%d", i))
		bundle := message(header, fhir.Task{Id: to.Ptr(fmt.Sprintf("other-task-%d", i))})
		bundle.Id = to.Ptr(fmt.Sprintf("other-msg-%d", i))
		result = append(result, must.MarshalJSON(bundle))
	}
	return result
}

func TestReconciler_Reconcile_Feedback(t *testing.T) {
	ctx := context.Background()

	t.Run("feedback with document", func(t *testing.T) {
		fixture := setup(t)
		inbound := remoteTask(bser.ServiceRequestFulfillmentCompleted)
		inbound.Output = []fhir.TaskOutput{{
			Type:           coolfhir.TextConcept("Referral feedback"),
			ValueReference: &fhir.Reference{Reference: to.Ptr("Bundle/doc-1")},
		}}

		outcome, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), inbound, feedbackDocument()))

		require.NoError(t, err)
		assert.False(t, outcome.Response)
		assert.Equal(t, "fb-1", outcome.MessageID)
		assert.Equal(t, fhir.TaskStatusRequested, outcome.PreviousStatus)
		assert.Equal(t, bser.ServiceRequestFulfillmentCompleted, *outcome.BusinessStatus)
		require.Len(t, outcome.FeedbackDocuments, 1)

		task := fixture.task(t)
		t.Run("Task status follows business status", func(t *testing.T) {
			assert.Equal(t, fhir.TaskStatusCompleted, task.Status)
			assert.True(t, coolfhir.HasCoding(*task.BusinessStatus, bser.TaskBusinessStatusSystem, "7.0"))
			assert.Equal(t, fhir.RequestStatusCompleted, fixture.serviceRequest(t).Status)
		})
		t.Run("filler identifier is added", func(t *testing.T) {
			filler := bser.FindIdentifier(task.Identifier, bser.FillerIdentifierType)
			require.NotNil(t, filler)
			assert.Equal(t, "fill-1", *filler.Value)
			assert.NotNil(t, bser.FindIdentifier(task.Identifier, bser.PlacerIdentifierType))
		})
		t.Run("feedback document is imported", func(t *testing.T) {
			require.Len(t, task.Output, 1)
			assert.Equal(t, "Referral feedback", *task.Output[0].Type.Text)
			assert.Equal(t, outcome.FeedbackDocuments[0], *task.Output[0].ValueReference.Reference)
			var document fhir.Bundle
			require.NoError(t, fixture.gateway.Read(ctx, outcome.FeedbackDocuments[0], &document))
			require.Len(t, document.Entry, 2)

			var composition fhir.Composition
			require.NoError(t, json.Unmarshal(document.Entry[0].Resource, &composition))
			assert.Equal(t, "Composition/"+*composition.Id, *document.Entry[0].FullUrl)
			observationRef := *composition.Section[0].Entry[0].Reference
			assert.NotEqual(t, "Observation/obs-1", observationRef)
			assert.Equal(t, observationRef, *composition.Section[1].Entry[0].Reference)
			assert.Equal(t, observationRef, *document.Entry[1].FullUrl)

			var observation fhir.Observation
			require.NoError(t, fixture.gateway.Read(ctx, observationRef, &observation))
			assert.Equal(t, "Patient/p1", *observation.Subject.Reference)
			assert.Equal(t, "Jane Doe", *observation.Subject.Display)
			assert.Len(t, fixture.store.CreatedResources["Observation"], 1)
		})
		t.Run("received message is persisted", func(t *testing.T) {
			var bundles []fhir.Bundle
			fixture.store.ResourcesOfType("Bundle", &bundles)
			var messages int
			for _, bundle := range bundles {
				if bundle.Type == fhir.BundleTypeMessage {
					messages++
				}
			}
			assert.Equal(t, 2, messages)
		})
	})
	t.Run("document entries with overlapping ids", func(t *testing.T) {
		fixture := setup(t)
		composition := fhir.Composition{
			Id:     to.Ptr("comp-1"),
			Status: fhir.CompositionStatusFinal,
			Title:  "Referral feedback",
			Section: []fhir.CompositionSection{
				{Title: to.Ptr("Outcome"), Entry: []fhir.Reference{{Reference: to.Ptr("Observation/1")}, {Reference: to.Ptr("Observation/10")}}},
			},
		}
		document := coolfhir.Document().
			Append(composition, coolfhir.WithFullUrl("Composition/comp-1")).
			Append(fhir.Observation{Id: to.Ptr("10"), ValueString: to.Ptr("ten")}, coolfhir.WithFullUrl("Observation/10")).
			Append(fhir.Observation{Id: to.Ptr("1"), ValueString: to.Ptr("one")}, coolfhir.WithFullUrl("Observation/1")).
			Bundle()
		document.Id = to.Ptr("doc-1")
		inbound := remoteTask(bser.ServiceRequestFulfillmentCompleted)
		inbound.Output = []fhir.TaskOutput{{
			Type:           coolfhir.TextConcept("Referral feedback"),
			ValueReference: &fhir.Reference{Reference: to.Ptr("Bundle/doc-1")},
		}}

		outcome, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), inbound, document))

		require.NoError(t, err)
		var stored fhir.Bundle
		require.NoError(t, fixture.gateway.Read(ctx, outcome.FeedbackDocuments[0], &stored))
		var storedComposition fhir.Composition
		require.NoError(t, json.Unmarshal(stored.Entry[0].Resource, &storedComposition))
		var values []string
		for _, entry := range storedComposition.Section[0].Entry {
			var observation fhir.Observation
			require.NoError(t, fixture.gateway.Read(ctx, *entry.Reference, &observation))
			values = append(values, *observation.ValueString)
		}
		assert.Equal(t, []string{"one", "ten"}, values)
		assert.Len(t, fixture.store.CreatedResources["Observation"], 2)
	})
	t.Run("business status determines Task and ServiceRequest status", func(t *testing.T) {
		for _, status := range bser.BusinessStatuses() {
			t.Run(status.Code, func(t *testing.T) {
				fixture := setup(t)

				_, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), remoteTask(status)))

				require.NoError(t, err)
				assert.Equal(t, status.TaskStatus, fixture.task(t).Status)
				assert.Equal(t, status.ServiceRequestStatus, fixture.serviceRequest(t).Status)
			})
		}
	})
	t.Run("existing filler identifier is replaced", func(t *testing.T) {
		fixture := setup(t)
		task := fixture.task(t)
		task.Identifier = append(task.Identifier, fhir.Identifier{
			Type:  to.Ptr(bser.IdentifierType(bser.FillerIdentifierType)),
			Value: to.Ptr("old"),
		})
		require.NoError(t, fixture.gateway.Update(ctx, &task))

		_, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), remoteTask(bser.ServiceRequestAccepted)))

		require.NoError(t, err)
		identifiers := fixture.task(t).Identifier
		require.Len(t, identifiers, 2)
		assert.Equal(t, "fill-1", *bser.FindIdentifier(identifiers, bser.FillerIdentifierType).Value)
	})
	t.Run("no matching Task", func(t *testing.T) {
		fixture := setup(t)
		inbound := remoteTask(bser.ServiceRequestDeclined)
		inbound.Identifier = []fhir.Identifier{bser.NewPlacerIdentifier("unknown", nil)}

		_, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), inbound))

		var target Error
		require.ErrorAs(t, err, &target)
		assert.Equal(t, NoMatchingTask, target.Kind)
		assert.Equal(t, 404, target.HTTPStatusCode())
		assert.Equal(t, fhir.TaskStatusRequested, fixture.task(t).Status)
		assert.Equal(t, fhir.RequestStatusActive, fixture.serviceRequest(t).Status)
	})
	t.Run("placer identifier of another system", func(t *testing.T) {
		fixture := setup(t)
		inbound := remoteTask(bser.ServiceRequestFulfillmentCompleted)
		placer := bser.NewPlacerIdentifier(placerValue, nil)
		placer.System = to.Ptr("urn:other:referral")
		inbound.Identifier = []fhir.Identifier{placer}

		_, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), inbound))

		var target Error
		require.ErrorAs(t, err, &target)
		assert.Equal(t, NoMatchingTask, target.Kind)
		assert.Equal(t, fhir.TaskStatusRequested, fixture.task(t).Status)
		assert.Equal(t, fhir.RequestStatusActive, fixture.serviceRequest(t).Status)
	})
	t.Run("missing placer identifier", func(t *testing.T) {
		fixture := setup(t)
		inbound := remoteTask(bser.ServiceRequestAccepted)
		inbound.Identifier = []fhir.Identifier{{System: to.Ptr(bser.RequestIdentifierSystem), Value: to.Ptr(placerValue)}}

		_, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), inbound))

		var target Error
		require.ErrorAs(t, err, &target)
		assert.Equal(t, MissingCorrelationIdentifier, target.Kind)
	})
	t.Run("unknown business status", func(t *testing.T) {
		fixture := setup(t)
		inbound := remoteTask(bser.ServiceRequestAccepted)
		inbound.BusinessStatus = to.Ptr(coolfhir.Concept(bser.TaskBusinessStatusSystem, "99", ""))

		_, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), inbound))

		var target Error
		require.ErrorAs(t, err, &target)
		assert.Equal(t, InvalidEnvelope, target.Kind)
		assert.Equal(t, fhir.TaskStatusRequested, fixture.task(t).Status)
	})
	t.Run("output without reference", func(t *testing.T) {
		fixture := setup(t)
		inbound := remoteTask(bser.ServiceRequestAccepted)
		inbound.Output = []fhir.TaskOutput{{Type: coolfhir.TextConcept("Referral feedback")}}

		_, err := New().Reconcile(ctx, fixture.gateway, message(feedbackHeader(), inbound))

		var target Error
		require.ErrorAs(t, err, &target)
		assert.Equal(t, InvalidEnvelope, target.Kind)
		assert.Equal(t, "Task.output[0].valueReference", target.Expression)
	})
}

func TestReconciler_Reconcile_Response(t *testing.T) {
	ctx := context.Background()
	responseHeader := func(code string, details *fhir.Reference) bser.MessageHeader {
		header := feedbackHeader()
		header.ID = to.Ptr("resp-1")
		header.Response = &bser.MessageResponse{Identifier: "mh-1", Code: code, Details: details}
		return header
	}

	t.Run("ok", func(t *testing.T) {
		fixture := setup(t)

		outcome, err := New().Reconcile(ctx, fixture.gateway, message(responseHeader(bser.ResponseOK, nil)))

		require.NoError(t, err)
		assert.True(t, outcome.Response)
		assert.Equal(t, fhir.TaskStatusReceived, fixture.task(t).Status)
		assert.Equal(t, fhir.RequestStatusActive, fixture.serviceRequest(t).Status)
		assert.Empty(t, fixture.task(t).Output)
	})
	t.Run("fatal error with OperationOutcome", func(t *testing.T) {
		fixture := setup(t)
		details := coolfhir.NewOperationOutcome(fhir.IssueSeverityFatal, fhir.IssueTypeProcessing, "<b>rejected</b>")
		details.Id = to.Ptr("oo-1")
		details.Text = &fhir.Narrative{Status: fhir.NarrativeStatusGenerated, Div: "<div>rejected</div>"}

		outcome, err := New().Reconcile(ctx, fixture.gateway, message(responseHeader(bser.ResponseFatalError, &fhir.Reference{Reference: to.Ptr("OperationOutcome/oo-1")}), details))

		require.NoError(t, err)
		assert.Equal(t, fhir.TaskStatusFailed, outcome.Task.Status)
		task := fixture.task(t)
		assert.Equal(t, fhir.TaskStatusFailed, task.Status)
		assert.Equal(t, fhir.RequestStatusRevoked, fixture.serviceRequest(t).Status)
		require.Len(t, task.Output, 1)
		assert.Equal(t, bser.TaskDetailsOutput, *task.Output[0].Type.Text)
		var persisted fhir.OperationOutcome
		require.NoError(t, fixture.gateway.Read(ctx, *task.Output[0].ValueReference.Reference, &persisted))
		assert.NotEqual(t, "oo-1", *persisted.Id)
		assert.Equal(t, "&lt;b&gt;rejected&lt;/b&gt;", *persisted.Issue[0].Diagnostics)
		assert.Nil(t, persisted.Text)
	})
	t.Run("transient error", func(t *testing.T) {
		fixture := setup(t)

		_, err := New().Reconcile(ctx, fixture.gateway, message(responseHeader(bser.ResponseTransientError, nil)))

		require.NoError(t, err)
		assert.Equal(t, fhir.TaskStatusFailed, fixture.task(t).Status)
		assert.Equal(t, fhir.RequestStatusRevoked, fixture.serviceRequest(t).Status)
	})
	t.Run("changes made to the Task after sending are kept", func(t *testing.T) {
		fixture := setup(t)
		task := fixture.task(t)
		task.Output = []fhir.TaskOutput{{
			Type:           coolfhir.TextConcept(bser.TaskDetailsOutput),
			ValueReference: &fhir.Reference{Reference: to.Ptr("OperationOutcome/submission")},
		}}
		require.NoError(t, fixture.gateway.Update(ctx, &task))
		details := coolfhir.NewOperationOutcome(fhir.IssueSeverityFatal, fhir.IssueTypeProcessing, "rejected")
		details.Id = to.Ptr("oo-1")

		_, err := New().Reconcile(ctx, fixture.gateway, message(responseHeader(bser.ResponseFatalError, &fhir.Reference{Reference: to.Ptr("OperationOutcome/oo-1")}), details))

		require.NoError(t, err)
		task = fixture.task(t)
		assert.Equal(t, fhir.TaskStatusFailed, task.Status)
		require.Len(t, task.Output, 2)
		assert.Equal(t, "OperationOutcome/submission", *task.Output[0].ValueReference.Reference)
	})
	t.Run("store rejects search by message", func(t *testing.T) {
		fixture := setup(t)
		fixture = fixture.withStore(t, messageSearchRejected{fixture.store})

		_, err := New().Reconcile(ctx, fixture.gateway, message(responseHeader(bser.ResponseFatalError, nil)))

		require.NoError(t, err)
		assert.Equal(t, fhir.TaskStatusFailed, fixture.task(t).Status)
		assert.Equal(t, fhir.RequestStatusRevoked, fixture.serviceRequest(t).Status)
	})
	t.Run("store ignores search by message", func(t *testing.T) {
		fixture := setup(t)
		fixture.store.Resources = append(otherMessages(3), fixture.store.Resources...)
		fixture = fixture.withStore(t, messageSearchIgnored{fixture.store})

		_, err := New().Reconcile(ctx, fixture.gateway, message(responseHeader(bser.ResponseFatalError, nil)))

		require.NoError(t, err)
		assert.Equal(t, fhir.TaskStatusFailed, fixture.task(t).Status)
	})
	t.Run("original message is on a later page", func(t *testing.T) {
		fixture := setup(t)
		fixture.store.Resources = append(otherMessages(150), fixture.store.Resources...)
		fixture = fixture.withStore(t, messageSearchRejected{fixture.store})

		_, err := New().Reconcile(ctx, fixture.gateway, message(responseHeader(bser.ResponseOK, nil)))

		require.NoError(t, err)
		assert.Equal(t, fhir.TaskStatusReceived, fixture.task(t).Status)
	})
	t.Run("unknown original message", func(t *testing.T) {
		fixture := setup(t)
		header := responseHeader(bser.ResponseOK, nil)
		header.Response.Identifier = "unknown"

		_, err := New().Reconcile(ctx, fixture.gateway, message(header))

		var target Error
		require.ErrorAs(t, err, &target)
		assert.Equal(t, NoMatchingMessage, target.Kind)
		assert.Equal(t, fhir.TaskStatusRequested, fixture.task(t).Status)
	})
}

func TestReconciler_Reconcile_Validation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		message    func() *fhir.Bundle
		kind       Kind
		expression string
	}{
		{
			name:    "no content",
			message: func() *fhir.Bundle { return nil },
			kind:    InvalidEnvelope,
		},
		{
			name: "not a message",
			message: func() *fhir.Bundle {
				result := coolfhir.Document().Append(feedbackHeader()).Bundle()
				return &result
			},
			kind:       InvalidEnvelope,
			expression: "Bundle.type",
		},
		{
			name: "first entry is not a MessageHeader",
			message: func() *fhir.Bundle {
				result := coolfhir.Message().Append(fhir.Patient{Id: to.Ptr("p1")}).Bundle()
				return &result
			},
			kind: UnrecognizedMessage,
		},
		{
			name: "other message event",
			message: func() *fhir.Bundle {
				header := feedbackHeader()
				header.Meta = nil
				header.EventCoding = &fhir.Coding{System: to.Ptr("urn:other"), Code: to.Ptr("other")}
				return message(header)
			},
			kind: UnrecognizedMessage,
		},
		{
			name: "no sender",
			message: func() *fhir.Bundle {
				header := feedbackHeader()
				header.Sender = nil
				return message(header, remoteTask(bser.ServiceRequestAccepted))
			},
			kind:       MalformedHeader,
			expression: "MessageHeader.sender",
		},
		{
			name: "no destination",
			message: func() *fhir.Bundle {
				header := feedbackHeader()
				header.Destination = nil
				return message(header, remoteTask(bser.ServiceRequestAccepted))
			},
			kind:       MalformedHeader,
			expression: "MessageHeader.destination",
		},
		{
			name: "focus is not a Task",
			message: func() *fhir.Bundle {
				header := feedbackHeader()
				header.Focus = []fhir.Reference{{Reference: to.Ptr("ServiceRequest/1")}}
				return message(header)
			},
			kind:       MalformedHeader,
			expression: "MessageHeader.focus[0]",
		},
		{
			name: "focused Task is not in the message",
			message: func() *fhir.Bundle {
				return message(feedbackHeader())
			},
			kind:       MalformedHeader,
			expression: "MessageHeader.focus[0]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := setup(t)

			_, err := New().Reconcile(ctx, fixture.gateway, tt.message())

			var target Error
			require.ErrorAs(t, err, &target)
			assert.Equal(t, tt.kind, target.Kind)
			if tt.expression != "" {
				assert.Equal(t, tt.expression, target.Expression)
			}
			assert.Equal(t, 400, target.HTTPStatusCode())
		})
	}
}
