package listapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"go.miloapis.com/email-provider-listapi/pkg/version"
)

const (
	defaultEndpointTemplate = "https://{dc}.api.example.com/2.0"
	datacenterPlaceholder   = "{dc}"
	requestTimeout          = 10 * time.Second
)

const (
	subscribePath   = "/lists/subscribe.json"
	memberInfoPath  = "/lists/member-info.json"
	unsubscribePath = "/lists/unsubscribe.json"
)

// Messages placed in Result by the list operations.
const (
	MessageInvalidEmail  = "Invalid email"
	MessageSubscribed    = "Got it, you've been added to our email list."
	MessageNotSubscribed = "You are not currently subscribed to any lists. Please signup first."
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Client is the list provider API client. It is safe for concurrent use.
type Client struct {
	apiKey           string
	listID           string
	settings         Settings
	endpointTemplate string
	httpClient       *http.Client
	log              logr.Logger

	endpoint func() (string, error)
}

var _ API = (*Client)(nil)

// ClientOption defines a functional option for configuring the Client.
type ClientOption func(*Client)

// WithEndpointTemplate replaces the endpoint template. Occurrences of {dc} are
// substituted with the datacenter code taken from the API key.
func WithEndpointTemplate(tmpl string) ClientOption {
	return func(c *Client) {
		c.endpointTemplate = tmpl
	}
}

// WithHTTPClient sets a custom HTTP client. Requests keep their 10 second
// deadline whatever the client's own timeout is.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(log logr.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a client bound to one list. No network call is made.
func NewClient(apiKey, listID string, overrides Overrides, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{Field: "apiKey", Reason: "api key is required"}
	}
	if listID == "" {
		return nil, &ConfigurationError{Field: "listID", Reason: "list id is required"}
	}

	c := &Client{
		apiKey:           apiKey,
		listID:           listID,
		settings:         overrides.Apply(DefaultSettings()),
		endpointTemplate: defaultEndpointTemplate,
		httpClient:       &http.Client{Timeout: requestTimeout},
		log:              logr.Discard(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.endpointTemplate == "" {
		return nil, &ConfigurationError{Field: "endpointTemplate", Reason: "endpoint template is required"}
	}

	c.endpoint = sync.OnceValues(c.deriveEndpoint)

	return c, nil
}

// Settings returns the resolved settings sent with every request.
func (c *Client) Settings() Settings {
	return c.settings
}

// Endpoint returns the API base URL for the datacenter encoded in the API key.
func (c *Client) Endpoint() (string, error) {
	return c.endpoint()
}

func (c *Client) deriveEndpoint() (string, error) {
	i := strings.LastIndex(c.apiKey, "-")
	if i < 0 {
		return "", &ConfigurationError{Field: "apiKey", Reason: "missing datacenter suffix"}
	}
	if i == len(c.apiKey)-1 {
		return "", &ConfigurationError{Field: "apiKey", Reason: "empty datacenter suffix"}
	}
	return strings.ReplaceAll(c.endpointTemplate, datacenterPlaceholder, c.apiKey[i+1:]), nil
}

type emailRef struct {
	Email string `json:"email"`
}

// listRequest is the body shared by every operation. Settings are embedded so
// their keys sit next to the payload keys in the serialized object.
type listRequest struct {
	Settings
	APIKey    string      `json:"apikey"`
	ID        string      `json:"id"`
	Email     *emailRef   `json:"email,omitempty"`
	Emails    []emailRef  `json:"emails,omitempty"`
	MergeVars MergeFields `json:"merge_vars,omitempty"`
}

func (c *Client) newRequest() listRequest {
	return listRequest{
		Settings: c.settings,
		APIKey:   c.apiKey,
		ID:       c.listID,
	}
}

// Subscribe adds an email address to the list or updates the existing member.
//
// API: POST /lists/subscribe.json
//
// The email address is validated locally and no request is sent when it is malformed.
func (c *Client) Subscribe(ctx context.Context, email string, fields MergeFields) (*Result, error) {
	if err := validate.Var(email, "required,email"); err != nil {
		return &Result{Success: false, Message: MessageInvalidEmail}, nil
	}

	req := c.newRequest()
	req.Email = &emailRef{Email: email}
	if len(fields) > 0 {
		req.MergeVars = fields
	}

	resp, err := c.sendRequest(ctx, subscribePath, req)
	if err != nil {
		if IsConfigurationError(err) {
			return nil, err
		}
		return &Result{Success: false, Message: err.Error()}, nil
	}

	if msg := errorText(resp); msg != "" {
		return &Result{Success: false, Message: msg, Responded: true}, nil
	}

	return &Result{Success: true, Message: MessageSubscribed, Data: resp, Responded: true}, nil
}

// MemberInfo fetches the data the list holds for an email address.
//
// API: POST /lists/member-info.json
func (c *Client) MemberInfo(ctx context.Context, email string) (*Result, error) {
	req := c.newRequest()
	req.Emails = []emailRef{{Email: email}}

	resp, err := c.sendRequest(ctx, memberInfoPath, req)
	if err != nil && IsConfigurationError(err) {
		return nil, err
	}

	if err == nil && successCount(resp) > 0 {
		if data, ok := resp["data"]; ok && data != nil {
			return &Result{Success: true, Data: data, Responded: true}, nil
		}
	}

	return &Result{Success: false, Message: MessageNotSubscribed, Responded: err == nil}, nil
}

// Unsubscribe removes an email address from the list.
//
// API: POST /lists/unsubscribe.json
//
// Whether the member is deleted and who gets notified is driven by the
// DeleteMember, SendGoodbye and SendNotify settings.
func (c *Client) Unsubscribe(ctx context.Context, email string) (*Result, error) {
	req := c.newRequest()
	req.Email = &emailRef{Email: email}

	resp, err := c.sendRequest(ctx, unsubscribePath, req)
	if err != nil {
		if IsConfigurationError(err) {
			return nil, err
		}
		return &Result{Success: false, Message: err.Error()}, nil
	}

	if status, _ := resp["status"].(string); status == "error" {
		msg := errorText(resp)
		if msg == "" {
			msg = "unsubscribe failed"
		}
		return &Result{Success: false, Message: msg, Responded: true}, nil
	}

	return &Result{Success: true, Responded: true}, nil
}

// sendRequest posts body to the operation path and decodes the JSON object in
// the response. The HTTP status is not inspected: the provider reports
// failures in the body.
func (c *Client) sendRequest(ctx context.Context, path string, body listRequest) (map[string]any, error) {
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	log := c.log.WithValues("operation", path, "list", c.listID)
	log.V(1).Info("Sending list request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.V(1).Info("List request failed", "error", err.Error())
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	log.V(1).Info("Received list response", "status", resp.StatusCode)

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("failed to decode response: body is not a JSON object")
	}

	return out, nil
}

func errorText(resp map[string]any) string {
	switch v := resp["error"].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if !v {
			return ""
		}
		return "true"
	case float64:
		if v == 0 {
			return ""
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}

func successCount(resp map[string]any) float64 {
	n, _ := resp["success_count"].(float64)
	return n
}
