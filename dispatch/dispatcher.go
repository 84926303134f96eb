//go:generate mockgen -destination=./mock/fhirclient_mock.go -package=mock github.com/SanteonNL/go-fhir-client Client

// Package dispatch sends assembled referral messages to the recipient and records the outcome on the referral Task.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/bserengine/bser"
	"github.com/SanteonNL/orca/bserengine/gateway"
	"github.com/SanteonNL/orca/bserengine/lib/coolfhir"
	"github.com/SanteonNL/orca/bserengine/lib/logging"
	"github.com/SanteonNL/orca/bserengine/lib/to"
	"github.com/SanteonNL/orca/bserengine/referral"
	"github.com/rs/zerolog/log"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Recipient sites that aren't reached through FHIR messaging.
const (
	SiteYUSA         = "YUSA"
	SiteNoSubmission = "NO-SUBMISSION"
)

const processMessagePath = "/$process-message"

// Config configures how referral messages are delivered.
type Config struct {
	// NotReady disables submission: referrals are assembled and persisted, but not sent.
	NotReady bool       `koanf:"notready"`
	Site     string     `koanf:"site"`
	YUSA     YUSAConfig `koanf:"yusa"`
}

func (c Config) Validate() error {
	switch c.Site {
	case "", SiteNoSubmission:
		return nil
	case SiteYUSA:
		if !c.NotReady && !c.YUSA.IsConfigured() {
			return errors.New("recipient.site is YUSA, but recipient.yusa is not configured")
		}
		return nil
	default:
		return fmt.Errorf("unsupported recipient.site: %s", c.Site)
	}
}

// Result is the outcome of a dispatch, as returned to the caller of the submit-referral operation.
type Result struct {
	MessageReference  string
	Message           fhir.Bundle
	RecipientEndpoint fhir.Endpoint
	Task              fhir.Task
	ServiceRequest    fhir.ServiceRequest
	// Submitted is true if the message was handed over to the recipient.
	Submitted bool
	Warnings  referral.Warnings
}

// Dispatcher delivers referral messages.
type Dispatcher struct {
	config    Config
	yusa      *YUSAClient
	tokens    gateway.TokenProvider
	newClient gateway.ClientFactory
}

// New creates a Dispatcher. tokens may be nil, in which case generic recipients are called without bearer token.
func New(config Config, tokens gateway.TokenProvider, newClient gateway.ClientFactory) *Dispatcher {
	result := &Dispatcher{
		config:    config,
		tokens:    tokens,
		newClient: newClient,
	}
	if config.Site == SiteYUSA {
		result.yusa = NewYUSAClient(config.YUSA)
	}
	return result
}

// Dispatch sends the referral message to the recipient endpoint. If sending fails or the recipient rejects the
// message, the Task is marked failed with the OperationOutcome describing the failure as output, and a
// SubmissionFailed error is returned. Otherwise the Task is left requested and the ServiceRequest is activated.
func (d *Dispatcher) Dispatch(ctx context.Context, rc referral.RequestContext, ref *referral.Referral) (*Result, error) {
	result := &Result{
		MessageReference:  ref.MessageReference,
		Message:           ref.Message,
		RecipientEndpoint: ref.RecipientEndpoint,
		Task:              ref.Task,
		ServiceRequest:    ref.ServiceRequest,
		Warnings:          append(referral.Warnings(nil), ref.Warnings...),
	}
	logger := log.Ctx(ctx).With().
		Str(logging.FieldTaskID, to.EmptyString(ref.Task.Id)).
		Str(logging.FieldRecipientSite, d.config.Site).
		Logger()
	ctx = logger.WithContext(ctx)

	if d.config.NotReady {
		result.Warnings.Add("Referral Request has NOT been submitted because submission is disabled. Enable it by setting 'BSER_RECIPIENT_NOTREADY' to false.")
		logger.Info().Msg("Referral not submitted, recipient is not ready")
		return result, nil
	}
	if !ref.RecipientReachable {
		// The stub endpoint is still addressed, so the failure is recorded on the Task
		logger.Warn().Str(logging.FieldEndpoint, ref.RecipientEndpoint.Address).Msg("Recipient has no endpoint in the directory, submitting to the not-ready endpoint")
	}
	submission := &submission{
		dispatcher: d,
		gateway:    rc.Gateway(),
		result:     result,
		target:     ref.RecipientEndpoint.Address,
	}
	ctx = log.Ctx(ctx).With().Str(logging.FieldEndpoint, submission.target).Logger().WithContext(ctx)

	switch d.config.Site {
	case SiteNoSubmission:
		result.Warnings.Add("Submission is disabled.")
		return result, submission.succeeded(ctx, false)
	case SiteYUSA:
		return result, submission.toYUSA(ctx)
	default:
		return result, submission.toFHIRRecipient(ctx)
	}
}

// submission is one attempt to deliver a referral message.
type submission struct {
	dispatcher *Dispatcher
	gateway    *gateway.Gateway
	result     *Result
	target     string
}

func (s *submission) toYUSA(ctx context.Context) error {
	data, err := json.Marshal(s.result.Message)
	if err != nil {
		return err
	}
	response, err := s.dispatcher.yusa.Submit(ctx, s.target, data)
	if err != nil {
		s.result.Warnings.Add(err.Error())
		return s.failed(ctx, nil, err)
	}
	s.result.Warnings.Add("Submitted to YUSA in Restful POST and received response(s) = " + response)
	if !isYUSASuccess(response) {
		return s.failed(ctx, nil, errors.New(response))
	}
	return s.succeeded(ctx, true)
}

func (s *submission) toFHIRRecipient(ctx context.Context) error {
	targetURL, err := url.Parse(s.target)
	if err != nil || !targetURL.IsAbs() {
		s.result.Warnings.Add("Invalid recipient endpoint address: " + s.target)
		return s.failed(ctx, nil, fmt.Errorf("invalid recipient endpoint address: %s", s.target))
	}
	opts := []fhirclient.Option{
		fhirclient.AtPath(processMessagePath),
		fhirclient.QueryParam("async", "true"),
	}
	if s.dispatcher.tokens != nil {
		token, err := s.dispatcher.tokens.GetBearerToken(ctx, s.target)
		if err != nil {
			// Recipients that don't require a token still accept the message
			log.Ctx(ctx).Warn().Err(err).Msg("Failed to get an access token for the recipient")
			s.result.Warnings.Add("Failed to get an access token: " + err.Error())
		} else if token != "" {
			opts = append(opts, fhirclient.RequestHeaders(map[string][]string{"Authorization": {"Bearer " + token}}))
		}
	}

	var response []byte
	err = s.dispatcher.newClient(targetURL).CreateWithContext(ctx, s.result.Message, &response, opts...)
	if err != nil {
		var outcomeErr fhirclient.OperationOutcomeError
		if errors.As(err, &outcomeErr) {
			outcome := outcomeErr.OperationOutcome
			s.result.Warnings.Add("Recipient responded with an error: " + outcomeDiagnostics(outcome))
			return s.failed(ctx, &outcome, err)
		}
		s.result.Warnings.Add("Failed to send a request: " + err.Error())
		return s.failed(ctx, nil, err)
	}

	outcome, isOutcome := asOperationOutcome(response)
	if isOutcome && coolfhir.OperationOutcomeHasError(outcome) {
		s.result.Warnings.Add("Recipient responded with an error: " + outcomeDiagnostics(outcome))
		return s.failed(ctx, &outcome, errors.New(outcomeDiagnostics(outcome)))
	}
	if isOutcome {
		if err := s.attachOutcome(ctx, &outcome); err != nil {
			return err
		}
	}
	return s.succeeded(ctx, true)
}

// succeeded marks the Task requested and the ServiceRequest active, and persists both.
func (s *submission) succeeded(ctx context.Context, submitted bool) error {
	s.result.Task.Status = fhir.TaskStatusRequested
	if err := s.gateway.Update(ctx, &s.result.Task); err != nil {
		return err
	}
	s.result.ServiceRequest.Status = fhir.RequestStatusActive
	if err := s.gateway.Update(ctx, &s.result.ServiceRequest); err != nil {
		return err
	}
	s.result.Submitted = submitted
	if submitted {
		s.result.Warnings.Add("Submitted to " + s.target)
	}
	log.Ctx(ctx).Info().Bool("submitted", submitted).Msg("Referral dispatched")
	return nil
}

// failed marks the Task failed, attaches the OperationOutcome describing the failure and returns SubmissionFailed.
// If outcome is nil, one is created from the accumulated warnings.
func (s *submission) failed(ctx context.Context, outcome *fhir.OperationOutcome, cause error) error {
	taskID := to.EmptyString(s.result.Task.Id)
	diagnostics := s.result.Warnings.String()
	log.Ctx(ctx).Error().Err(cause).Msg("Submission of referral failed")
	if outcome == nil {
		created := coolfhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient,
			coolfhir.SanitizeDiagnostics(fmt.Sprintf("Submitting to %s failed. %s", s.target, diagnostics)), "Endpoint")
		outcome = &created
	}
	s.result.Task.Status = fhir.TaskStatusFailed
	if err := s.attachOutcome(ctx, outcome); err != nil {
		// The Task is still marked failed, without the details
		log.Ctx(ctx).Error().Err(err).Msg("Unable to persist submission OperationOutcome")
	}
	if err := s.gateway.Update(ctx, &s.result.Task); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Unable to mark referral Task as failed")
		return errors.Join(SubmissionFailed{Target: s.target, TaskID: taskID, Diagnostics: diagnostics, Cause: cause}, err)
	}
	return SubmissionFailed{Target: s.target, TaskID: taskID, Diagnostics: diagnostics, Cause: cause}
}

// attachOutcome persists the OperationOutcome and adds it to the Task output.
func (s *submission) attachOutcome(ctx context.Context, outcome *fhir.OperationOutcome) error {
	outcome.Id = nil
	outcome.Meta = nil
	outcome.Text = nil
	identity, err := s.gateway.Save(ctx, outcome)
	if err != nil {
		return err
	}
	reference := identity.FHIRReference()
	s.result.Task.Output = append(s.result.Task.Output, fhir.TaskOutput{
		Type:           coolfhir.TextConcept(bser.TaskDetailsOutput),
		ValueReference: &reference,
	})
	log.Ctx(ctx).Debug().Str(logging.FieldResourceReference, identity.Reference()).Msg("Attached OperationOutcome to referral Task")
	return nil
}

// asOperationOutcome returns the response as OperationOutcome, if it is one.
func asOperationOutcome(response []byte) (fhir.OperationOutcome, bool) {
	var outcome fhir.OperationOutcome
	if len(response) == 0 {
		return outcome, false
	}
	var desc coolfhir.Resource
	if err := json.Unmarshal(response, &desc); err != nil || desc.Type != "OperationOutcome" {
		return outcome, false
	}
	if err := json.Unmarshal(response, &outcome); err != nil {
		return outcome, false
	}
	return outcome, true
}

func outcomeDiagnostics(outcome fhir.OperationOutcome) string {
	var result referral.Warnings
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != nil {
			result.Add(*issue.Diagnostics)
		} else if issue.Details != nil && issue.Details.Text != nil {
			result.Add(*issue.Details.Text)
		}
	}
	if len(result) == 0 {
		return http.StatusText(http.StatusUnprocessableEntity)
	}
	return result.String()
}
