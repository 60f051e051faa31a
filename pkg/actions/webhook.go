package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/pkg/schema"
)

// WebhookAction calls an external HTTP endpoint with a snapshot of the
// instance and replaces the instance's StateData with the JSON object the
// endpoint returns. A failed call is fatal to state processing.
//
// Parameters:
//
//	url            (required) endpoint to POST to
//	headers        optional map or JSON string of extra request headers
//	responseFilter optional jq expression applied to the response body
//	               before it replaces StateData
type WebhookAction struct {
	cfg Config
	jq  *expressions.GoJQEngine
}

// NewWebhookAction creates a WebhookAction with the given transport config.
func NewWebhookAction(cfg Config) *WebhookAction {
	return &WebhookAction{
		cfg: cfg.withDefaults(),
		jq:  expressions.NewGoJQEngine(),
	}
}

func (a *WebhookAction) Type() string { return schema.ActionTypeWebhook }

// webhookPayload is the request body sent to the endpoint.
type webhookPayload struct {
	WorkflowName string         `json:"workflowName"`
	InstanceID   string         `json:"instanceId"`
	ActiveStates []string       `json:"activeStates"`
	StateData    map[string]any `json:"stateData"`
}

func (a *WebhookAction) Execute(ctx context.Context, instance *schema.WorkflowInstance, params map[string]any, ec *ExecutionContext) error {
	url := stringParam(params, "url", "")
	if url == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "Webhook action requires a url parameter")
	}

	headers, err := mapParam(params, "headers")
	if err != nil {
		return err
	}

	payload, err := json.Marshal(webhookPayload{
		WorkflowName: instance.WorkflowName,
		InstanceID:   instance.ID,
		ActiveStates: instance.ActiveStates,
		StateData:    instance.StateData,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeWebhookFailed, "marshal webhook payload").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeWebhookFailed, "build webhook request for %q", url).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeWebhookFailed, "webhook call to %q failed: %v", url, err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeWebhookFailed, "read webhook response from %q", url).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schema.NewErrorf(schema.ErrCodeWebhookFailed,
			"webhook %q returned %d", url, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": truncateBody(body, 512)})
	}

	newState, err := a.decodeResponse(ctx, url, body, params)
	if err != nil {
		return err
	}

	// The response replaces StateData wholesale rather than merging.
	instance.StateData = newState

	return recordExecuted(ctx, ec, a.Type(), instance,
		fmt.Sprintf("Webhook %s returned %d", url, resp.StatusCode))
}

// decodeResponse parses the response body as a JSON object, applying the
// optional jq responseFilter first. An empty body yields an empty map.
func (a *WebhookAction) decodeResponse(ctx context.Context, url string, body []byte, params map[string]any) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeWebhookFailed,
			"webhook %q returned non-JSON body", url).WithCause(err)
	}

	if filter := stringParam(params, "responseFilter", ""); filter != "" {
		filtered, err := a.jq.Transform(ctx, filter, decoded)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeWebhookFailed,
				"responseFilter %q failed for webhook %q", filter, url).WithCause(err)
		}
		decoded = filtered
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWebhookFailed,
			"webhook %q response is not a JSON object (%T)", url, decoded)
	}
	return obj, nil
}

func truncateBody(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}

var _ Action = (*WebhookAction)(nil)
