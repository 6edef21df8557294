package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/runloom/runloom/pkg/schema"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	maxHTTPResponseSize = 10 << 20 // 10 MiB
)

const httpInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "description": "Request URL"},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"], "default": "GET"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {"description": "Request body, JSON-encoded when an object"},
    "timeout_seconds": {"type": "number", "minimum": 0.1, "maximum": 300},
    "fail_on_error_status": {"type": "boolean", "default": false},
    "auth_bearer": {"type": "string"},
    "auth_basic_user": {"type": "string"},
    "auth_basic_pass": {"type": "string"}
  },
  "required": ["url"]
}`

// HTTPTool performs HTTP requests against external services.
type HTTPTool struct {
	client *http.Client
}

func NewHTTPTool() *HTTPTool {
	return &HTTPTool{client: &http.Client{}}
}

func (t *HTTPTool) Name() string        { return "http.request" }
func (t *HTTPTool) Description() string { return "Performs an HTTP request and returns the response" }

func (t *HTTPTool) InputSchema() json.RawMessage {
	return json.RawMessage(httpInputSchema)
}

func (t *HTTPTool) Invoke(ctx context.Context, input Input) (*Result, error) {
	rawURL := stringParam(input.Params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeTool, "http.request requires a url parameter")
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "invalid url %q", rawURL).WithCause(err)
	}

	method := strings.ToUpper(stringParam(input.Params, "method", http.MethodGet))
	timeout := time.Duration(floatParam(input.Params, "timeout_seconds", defaultHTTPTimeout.Seconds()) * float64(time.Second))

	var body io.Reader
	if raw, ok := input.Params["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeTool, "failed to encode request body").WithCause(err)
			}
			body = bytes.NewReader(encoded)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTool, "failed to build request").WithCause(err)
	}

	if headers, ok := input.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if query, ok := input.Params["query"].(map[string]any); ok {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
	}
	if bearer := stringParam(input.Params, "auth_bearer", ""); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if user := stringParam(input.Params, "auth_basic_user", ""); user != "" {
		req.SetBasicAuth(user, stringParam(input.Params, "auth_basic_pass", ""))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "request to %s failed", rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseSize))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTool, "failed to read response body").WithCause(err)
	}

	if boolParam(input.Params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "request returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": truncate(string(respBody), 1024)})
	}

	payload := map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    string(respBody),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTool, "failed to encode response").WithCause(err)
	}
	return &Result{Content: string(respBody), Data: data}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
