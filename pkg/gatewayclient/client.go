// Package gatewayclient talks to the external disclosure authority. It
// delivers outbound unsealing requests over HTTP and validates inbound
// callback envelopes against a JSON schema before they reach the
// protocol.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
)

var (
	// ErrNotifyRejected is returned when the authority answers a
	// notification with a non-2xx status.
	ErrNotifyRejected = errors.New("gatewayclient: authority rejected notification")
	// ErrBadEnvelope is returned when a callback body fails schema
	// validation.
	ErrBadEnvelope = errors.New("gatewayclient: malformed callback envelope")
)

// callbackSchema constrains what the authority may post back. The
// payload may be empty; the protocol treats that as a failed
// disclosure rather than a transport error.
const callbackSchema = `{
    "type": "object",
    "required": ["request_id", "payload"],
    "properties": {
        "request_id": {"type": "string", "minLength": 1},
        "payload": {"type": "string"}
    },
    "additionalProperties": false
}`

// CallbackEnvelope is the authority's answer to a disclosure request.
type CallbackEnvelope struct {
	RequestID string `json:"request_id"`
	Payload   string `json:"payload"`
}

var compiledCallbackSchema = jsonschema.MustCompileString("callback.json", callbackSchema)

// ParseCallback validates and decodes an inbound callback body.
func ParseCallback(body []byte) (*CallbackEnvelope, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if err := compiledCallbackSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	var env CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return &env, nil
}

// Client is the HTTP notifier handed to the disclosure protocol.
// Outbound calls go through a token-bucket limiter so a burst of
// submissions cannot flood the authority.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a client for the authority at endpoint. rps bounds
// outbound notifications per second; zero means unlimited.
func NewClient(endpoint string, rps float64) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("gatewayclient: empty endpoint")
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(limit, int(max(rps, 1))),
	}, nil
}

// NotifyDisclosureRequested implements disclosure.Notifier. It blocks
// on the limiter, then posts the request to the authority.
func (c *Client) NotifyDisclosureRequested(ctx context.Context, requestID, sealedRef string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gatewayclient: limiter: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"request_id": requestID,
		"sealed_ref": sealedRef,
	})
	if err != nil {
		return fmt.Errorf("gatewayclient: encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/disclosures", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gatewayclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gatewayclient: notify: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrNotifyRejected, resp.StatusCode)
	}
	return nil
}
