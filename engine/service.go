// Package engine exposes the referral operations over HTTP: submitting a referral ($referral-request,
// $submit-referral) and receiving the recipient's messages ($process-message).
package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/SanteonNL/orca/bserengine/dispatch"
	"github.com/SanteonNL/orca/bserengine/events"
	"github.com/SanteonNL/orca/bserengine/feedback"
	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/lib/auth"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/httpserv"
	"github.com/SanteonNL/orca/bserengine/lib/logging"
	"github.com/SanteonNL/orca/bserengine/lib/smartonfhir"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/SanteonNL/orca/bserengine/referral"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	"go.opentelemetry.io/otel"
)

const (
	tracerName = "github.com/SanteonNL/orca/bserengine/engine"
	basePath   = "/fhir"
)

const (
	operationReferralRequest = "$referral-request"
	operationSubmitReferral  = "$submit-referral"
	operationProcessMessage  = "$process-message"
)

// Service handles the FHIR operations of the engine.
type Service struct {
	fhirBaseURL   *url.URL
	gateway       *gateway.Gateway
	assembler     *referral.Assembler
	dispatcher    *dispatch.Dispatcher
	reconciler    *feedback.Reconciler
	eventManager  events.Manager
	authenticator auth.Authenticator
	keySet        jwk.Set
	now           func() time.Time
}

// New creates the Service. publicURL is the base URL this system is reachable at; the FHIR operations are served
// under its /fhir path. eventManager, authenticator and keySet may be nil.
func New(publicURL *url.URL, gw *gateway.Gateway, assembler *referral.Assembler, dispatcher *dispatch.Dispatcher,
	reconciler *feedback.Reconciler, eventManager events.Manager, authenticator auth.Authenticator, keySet jwk.Set) *Service {
	return &Service{
		fhirBaseURL:   publicURL.JoinPath(basePath),
		gateway:       gw,
		assembler:     assembler,
		dispatcher:    dispatcher,
		reconciler:    reconciler,
		eventManager:  eventManager,
		authenticator: authenticator,
		keySet:        keySet,
		now:           time.Now,
	}
}

// FHIRBaseURL returns the public base URL of the FHIR operations.
func (s *Service) FHIRBaseURL() *url.URL {
	return s.fhirBaseURL
}

func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	tracer := otel.Tracer(tracerName)
	authenticated := auth.Middleware(s.authenticator)
	routes := []httpserv.Route{
		{
			Method:     http.MethodPost,
			Path:       basePath + "/" + operationReferralRequest,
			Name:       "BSeR/ReferralRequest",
			Handler:    s.handleSubmitReferral(operationReferralRequest),
			Middleware: authenticated,
		},
		{
			Method:     http.MethodPost,
			Path:       basePath + "/" + operationSubmitReferral,
			Name:       "BSeR/SubmitReferral",
			Handler:    s.handleSubmitReferral(operationSubmitReferral),
			Middleware: authenticated,
		},
		{
			Method:     http.MethodPost,
			Path:       basePath + "/" + operationProcessMessage,
			Name:       "BSeR/ProcessMessage",
			Handler:    s.handleProcessMessage,
			Middleware: authenticated,
		},
		{
			Method:  http.MethodGet,
			Path:    basePath + "/metadata",
			Handler: s.handleMetadata,
		},
	}
	if s.keySet != nil {
		routes = append(routes, httpserv.Route{
			Method:  http.MethodGet,
			Path:    "/jwks",
			Handler: smartonfhir.JWKSHandler(s.keySet),
		})
	}
	httpserv.RegisterRoutes(mux, tracer, routes...)
}

func (s *Service) handleSubmitReferral(operation string) http.HandlerFunc {
	return func(response http.ResponseWriter, request *http.Request) {
		ctx := request.Context()
		var parameters fhir.Parameters
		if err := httpserv.DecodeFHIRBody(response, request, &parameters); err != nil {
			coolfhir.WriteOperationOutcomeFromError(ctx, err, operation, response)
			return
		}
		result, err := s.SubmitReferral(ctx, parameters)
		if err != nil {
			coolfhir.WriteOperationOutcomeFromError(ctx, err, operation, response)
			return
		}
		coolfhir.SendResponse(response, http.StatusOK, resultParameters(*result))
	}
}

// SubmitReferral assembles the referral described by the operation parameters and dispatches it to the recipient.
func (s *Service) SubmitReferral(ctx context.Context, parameters fhir.Parameters) (*dispatch.Result, error) {
	request, err := referral.ParseParameters(parameters)
	if err != nil {
		return nil, err
	}
	rc := referral.NewRequestContext(s.gateway, s.fhirBaseURL)
	assembled, err := s.assembler.Assemble(ctx, rc, *request)
	if err != nil {
		return nil, err
	}
	// Assemble resolved the store for this request, dispatch must update the records in the same store
	rc, _ = rc.WithProviderBaseURL(request.ProviderBaseURL)
	result, err := s.dispatcher.Dispatch(ctx, rc, assembled)
	if result != nil {
		events.NotifyOrLog(ctx, s.eventManager, s.submittedEvent(assembled, *result))
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) submittedEvent(assembled *referral.Referral, result dispatch.Result) events.ReferralEvent {
	return events.ReferralEvent{
		Type:           events.ReferralSubmitted,
		Task:           "Task/" + to.EmptyString(result.Task.Id),
		ServiceRequest: "ServiceRequest/" + to.EmptyString(result.ServiceRequest.Id),
		Patient:        "Patient/" + to.EmptyString(assembled.Patient.Id),
		ServiceType:    assembled.ServiceType.Code,
		Recipient:      result.RecipientEndpoint.Address,
		TaskStatus:     result.Task.Status.Code(),
		Submitted:      result.Submitted,
		MessageID:      to.EmptyString(assembled.MessageHeader.ID),
		Timestamp:      s.now(),
	}
}

// resultParameters packages the result of the submit-referral operation.
func resultParameters(result dispatch.Result) fhir.Parameters {
	messageData, _ := json.Marshal(result.Message)
	endpointData, _ := json.Marshal(result.RecipientEndpoint)
	parameters := fhir.Parameters{
		Parameter: []fhir.ParametersParameter{
			{
				Name:           "referral_request_reference",
				ValueReference: &fhir.Reference{Reference: to.Ptr(result.MessageReference)},
			},
			{
				Name:     "referral_request_resource",
				Resource: messageData,
			},
			{
				Name:     "recipient_endpoint",
				Resource: endpointData,
			},
		},
	}
	if warnings := result.Warnings.String(); warnings != "" {
		parameters.Parameter = append(parameters.Parameter, fhir.ParametersParameter{
			Name:        "warning",
			ValueString: to.Ptr(warnings),
		})
	}
	return parameters
}

func (s *Service) handleProcessMessage(response http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	var body json.RawMessage
	if err := httpserv.DecodeFHIRBody(response, request, &body); err != nil {
		coolfhir.WriteOperationOutcomeFromError(ctx, err, operationProcessMessage, response)
		return
	}
	message, err := parseProcessMessage(body, request.URL.Query())
	if err != nil {
		coolfhir.WriteOperationOutcomeFromError(ctx, err, operationProcessMessage, response)
		return
	}
	if message.responseURL != "" {
		// Responses are always sent to the endpoint in the original message
		log.Ctx(ctx).Debug().Str(logging.FieldUrl, message.responseURL).Msg("Ignoring response-url of $process-message")
	}
	if _, err := s.ProcessMessage(ctx, message.content); err != nil {
		coolfhir.WriteOperationOutcomeFromError(ctx, err, operationProcessMessage, response)
		return
	}
	if message.async {
		response.WriteHeader(http.StatusAccepted)
	} else {
		response.WriteHeader(http.StatusOK)
	}
}

// ProcessMessage applies a message received from a referral recipient to the referral records.
func (s *Service) ProcessMessage(ctx context.Context, message *fhir.Bundle) (*feedback.Outcome, error) {
	outcome, err := s.reconciler.Reconcile(ctx, s.gateway, message)
	if err != nil {
		return nil, err
	}
	event := events.ReferralEvent{
		Type:           events.ReferralStatusChanged,
		Task:           "Task/" + to.EmptyString(outcome.Task.Id),
		TaskStatus:     outcome.Task.Status.Code(),
		PreviousStatus: outcome.PreviousStatus.Code(),
		MessageID:      outcome.MessageID,
		Timestamp:      s.now(),
	}
	if outcome.ServiceRequest != nil {
		event.ServiceRequest = "ServiceRequest/" + to.EmptyString(outcome.ServiceRequest.Id)
	}
	if outcome.BusinessStatus != nil {
		event.BusinessStatus = outcome.BusinessStatus.Code
	}
	events.NotifyOrLog(ctx, s.eventManager, event)
	return outcome, nil
}

type processMessageRequest struct {
	content     *fhir.Bundle
	async       bool
	responseURL string
}

// parseProcessMessage accepts the operation's Parameters (content, async, response-url) or the message Bundle itself,
// in which case async is taken from the query.
func parseProcessMessage(body json.RawMessage, query url.Values) (*processMessageRequest, error) {
	var resource struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, coolfhir.BadRequest("invalid request body: %s", err.Error())
	}
	result := &processMessageRequest{}
	switch resource.ResourceType {
	case "Bundle":
		var bundle fhir.Bundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			return nil, coolfhir.BadRequest("invalid Bundle: %s", err.Error())
		}
		result.content = &bundle
		if async := query.Get("async"); async != "" {
			result.async, _ = strconv.ParseBool(async)
		}
	case "Parameters":
		var parameters fhir.Parameters
		if err := json.Unmarshal(body, &parameters); err != nil {
			return nil, coolfhir.BadRequest("invalid Parameters: %s", err.Error())
		}
		for _, param := range parameters.Parameter {
			switch param.Name {
			case "content":
				if len(param.Resource) == 0 {
					continue
				}
				var bundle fhir.Bundle
				if err := json.Unmarshal(param.Resource, &bundle); err != nil {
					return nil, coolfhir.BadRequest("invalid content: %s", err.Error())
				}
				result.content = &bundle
			case "async":
				result.async = to.Value(param.ValueBoolean)
			case "response-url":
				result.responseURL = to.EmptyString(param.ValueUri)
			}
		}
	default:
		return nil, coolfhir.BadRequest("expected Parameters or Bundle, got %s", resource.ResourceType)
	}
	return result, nil
}

func (s *Service) handleMetadata(response http.ResponseWriter, request *http.Request) {
	coolfhir.SendResponse(response, http.StatusOK, s.capabilityStatement())
}

func (s *Service) capabilityStatement() fhir.CapabilityStatement {
	operations := []fhir.CapabilityStatementRestResourceOperation{
		{Name: "referral-request", Definition: s.fhirBaseURL.String() + "/OperationDefinition/referral-request"},
		{Name: "submit-referral", Definition: s.fhirBaseURL.String() + "/OperationDefinition/submit-referral"},
		{Name: "process-message", Definition: "http://hl7.org/fhir/OperationDefinition/MessageHeader-process-message"},
	}
	return fhir.CapabilityStatement{
		FhirVersion: fhir.FHIRVersion4_0_1,
		Date:        s.now().Format(time.RFC3339),
		Status:      fhir.PublicationStatusActive,
		Kind:        fhir.CapabilityStatementKindInstance,
		Format:      []string{"json"},
		Software: &fhir.CapabilityStatementSoftware{
			Name: "BSeR Engine",
		},
		Implementation: &fhir.CapabilityStatementImplementation{
			Description: "BSeR referral engine",
			Url:         to.Ptr(s.fhirBaseURL.String()),
		},
		Rest: []fhir.CapabilityStatementRest{
			{
				Mode:      fhir.RestfulCapabilityModeServer,
				Operation: operations,
			},
		},
	}
}
