// Package gamemaster is the HTTP client for the remote AI game master API.
//
// It covers exactly the two endpoints the interaction engine touches: turn
// execution and authoritative transcript fetch. Failures come back either as
// transport errors or as *errors.APIError values ready for classification.
package gamemaster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"resty.dev/v3"

	"github.com/emberlane/storyloom/internal/auth"
	apperrors "github.com/emberlane/storyloom/internal/errors"
	"github.com/emberlane/storyloom/internal/transcript"
)

const defaultRequestTimeout = 30 * time.Second

// TurnRequest carries one player action to the turn-execution endpoint.
type TurnRequest struct {
	SessionID string
	Input     string
	Mode      string
}

// TurnResult is the settled outcome of a successful turn execution.
type TurnResult struct {
	Narrative string
	Auxiliary map[string]any
}

type turnRequestBody struct {
	Input string `json:"input"`
	Mode  string `json:"mode"`
}

type turnResponseBody struct {
	Success   bool           `json:"success"`
	Narrative string         `json:"narrative"`
	Auxiliary map[string]any `json:"auxiliary,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type transcriptResponseBody struct {
	Turns []turnRecordBody `json:"turns"`
}

type turnRecordBody struct {
	Actor     string         `json:"actor"`
	Mode      string         `json:"mode"`
	Text      string         `json:"text"`
	Timestamp string         `json:"timestamp"`
	Auxiliary map[string]any `json:"auxiliary,omitempty"`
}

type apiErrorBody struct {
	Error string `json:"error"`
}

// Client calls the game master API with a bearer credential per request.
type Client struct {
	rest   *resty.Client
	tokens auth.TokenSource
	tracer trace.Tracer
}

// Option adjusts client construction.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.rest.SetTimeout(timeout)
		}
	}
}

// New creates a game master client for the given base URL.
func New(baseURL string, tokens auth.TokenSource, opts ...Option) *Client {
	client := &Client{
		rest: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(defaultRequestTimeout).
			SetHeader("Accept", "application/json"),
		tokens: tokens,
		tracer: otel.Tracer("storyloom/gamemaster"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	if c == nil || c.rest == nil {
		return nil
	}
	return c.rest.Close()
}

// ExecuteTurn submits one player action and returns the game master's
// response once the turn settles server-side.
func (c *Client) ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "session id is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, apperrors.New(apperrors.KindValidation, "required field: input")
	}

	ctx, span := c.tracer.Start(ctx, "gamemaster.ExecuteTurn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	token, err := c.token(ctx)
	if err != nil {
		return nil, spanError(span, err)
	}

	var out turnResponseBody
	var apiBody apiErrorBody
	r := c.rest.R().
		SetContext(ctx).
		SetBody(turnRequestBody{Input: req.Input, Mode: req.Mode}).
		SetResult(&out).
		SetError(&apiBody)
	if token != "" {
		r.SetAuthToken(token)
	}
	resp, err := r.Post(fmt.Sprintf("/v1/sessions/%s/turns", sessionID))
	if err != nil {
		return nil, spanError(span, fmt.Errorf("execute turn: %w", err))
	}
	if resp.IsError() {
		return nil, spanError(span, statusError(resp, apiBody))
	}
	if !out.Success {
		return nil, spanError(span, &apperrors.APIError{StatusCode: resp.StatusCode(), Message: out.Error})
	}

	return &TurnResult{Narrative: out.Narrative, Auxiliary: out.Auxiliary}, nil
}

// FetchTranscript retrieves the ordered authoritative turn history.
func (c *Client) FetchTranscript(ctx context.Context, sessionID string) ([]transcript.Record, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "session id is required")
	}

	ctx, span := c.tracer.Start(ctx, "gamemaster.FetchTranscript",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	token, err := c.token(ctx)
	if err != nil {
		return nil, spanError(span, err)
	}

	var out transcriptResponseBody
	var apiBody apiErrorBody
	r := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiBody)
	if token != "" {
		r.SetAuthToken(token)
	}
	resp, err := r.Get(fmt.Sprintf("/v1/sessions/%s/transcript", sessionID))
	if err != nil {
		return nil, spanError(span, fmt.Errorf("fetch transcript: %w", err))
	}
	if resp.IsError() {
		return nil, spanError(span, statusError(resp, apiBody))
	}

	records := make([]transcript.Record, 0, len(out.Turns))
	for i, turn := range out.Turns {
		timestamp, err := time.Parse(time.RFC3339, turn.Timestamp)
		if err != nil {
			return nil, spanError(span, fmt.Errorf("parse turn %d timestamp %q: %w", i, turn.Timestamp, err))
		}
		records = append(records, transcript.Record{
			Actor:     turn.Actor,
			Mode:      turn.Mode,
			Text:      turn.Text,
			Timestamp: timestamp,
			Auxiliary: turn.Auxiliary,
		})
	}
	return records, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	return c.tokens.Token(ctx)
}

func statusError(resp *resty.Response, body apiErrorBody) error {
	message := strings.TrimSpace(body.Error)
	if message == "" {
		message = resp.Status()
	}
	return &apperrors.APIError{StatusCode: resp.StatusCode(), Message: message}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}
