package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/SanteonNL/orca/bserengine/globals"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	httpMessageIDHeader       = "X-Message-Id"
	httpCorrelationIDHeader   = "X-Correlation-Id"
	httpPropertyHeaderPrefix  = "X-Message-Property-"
	httpBrokerRequestTimeout  = 5 * time.Second
	httpBrokerMaxResponseBody = 1024
)

var _ Broker = &HTTPBroker{}

// HTTPBrokerConfig configures forwarding of messages to an HTTP endpoint, e.g. for test tooling that asserts on referral events.
type HTTPBrokerConfig struct {
	Endpoint string `koanf:"endpoint"`
	// TopicFilter limits the topics forwarded over HTTP. If empty, all topics are forwarded.
	TopicFilter []string `koanf:"topicfilter"`
}

// NewHTTPBroker creates a broker that POSTs each message to <endpoint>/<topic>, and then hands it to the underlying broker (if any).
// Receiving is left to the underlying broker.
func NewHTTPBroker(config HTTPBrokerConfig, underlyingBroker Broker) Broker {
	return HTTPBroker{
		underlyingBroker: underlyingBroker,
		endpoint:         config.Endpoint,
		topicFilter:      config.TopicFilter,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(globals.NewTransport()),
			Timeout:   httpBrokerRequestTimeout,
		},
	}
}

type HTTPBroker struct {
	underlyingBroker Broker
	endpoint         string
	topicFilter      []string
	httpClient       *http.Client
}

func (h HTTPBroker) Receive(topic Topic, handler Handler) error {
	if h.underlyingBroker == nil {
		return nil
	}
	return h.underlyingBroker.Receive(topic, handler)
}

func (h HTTPBroker) Close(ctx context.Context) error {
	if h.underlyingBroker == nil {
		return nil
	}
	return h.underlyingBroker.Close(ctx)
}

func (h HTTPBroker) SendMessage(ctx context.Context, topic Topic, message *Message) error {
	var errs []error
	if len(h.topicFilter) == 0 || slices.Contains(h.topicFilter, topic.Name) {
		if err := h.post(ctx, topic, message); err != nil {
			errs = append(errs, fmt.Errorf("failed to send message over HTTP: %w", err))
		}
	}
	if h.underlyingBroker != nil {
		if err := h.underlyingBroker.SendMessage(ctx, topic, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h HTTPBroker) post(ctx context.Context, topic Topic, message *Message) error {
	body := new(bytes.Buffer)
	if err := json.Compact(body, message.Body); err != nil {
		return fmt.Errorf("message body is not JSON: %w", err)
	}
	endpoint, err := url.Parse(h.endpoint)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.JoinPath(topic.Name).String(), body)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", message.ContentType)
	if message.ID != "" {
		request.Header.Set(httpMessageIDHeader, message.ID)
	}
	if message.CorrelationID != nil {
		request.Header.Set(httpCorrelationIDHeader, *message.CorrelationID)
	}
	for key, value := range message.Properties {
		request.Header.Set(httpPropertyHeaderPrefix+key, value)
	}
	client := h.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, httpBrokerMaxResponseBody))
		return fmt.Errorf("non-2xx response (status=%d): %s", response.StatusCode, string(responseBody))
	}
	return nil
}
