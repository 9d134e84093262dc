package handoff

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

	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/pkg/tool"
)

// DefaultTimeout bounds a single sink request when the config sets none.
const DefaultTimeout = 30 * time.Second

// Response is what a sink reports back.
type Response struct {
	StatusCode   int
	Body         []byte
	SubmissionID string
}

// APISink delivers payloads to HTTP endpoints.
type APISink struct {
	client  *http.Client
	timeout time.Duration
}

// NewAPISink returns an APISink using client. A nil client uses a fresh
// [http.Client] without a global timeout; each request is bounded by the
// config's timeout instead.
func NewAPISink(client *http.Client) *APISink {
	if client == nil {
		client = &http.Client{}
	}
	return &APISink{client: client, timeout: DefaultTimeout}
}

// WithTimeout returns a copy of s whose default timeout is d.
func (s *APISink) WithTimeout(d time.Duration) *APISink {
	cp := *s
	if d > 0 {
		cp.timeout = d
	}
	return &cp
}

// Send encodes payload and sends it per cfg. GET requests carry the payload's
// top-level keys as query parameters; every other method sends a JSON body.
// Any non-2xx status is returned as an error wrapping [ErrSinkFailed]
// together with the response.
func (s *APISink) Send(ctx context.Context, cfg *tool.APIConfig, payload any) (*Response, error) {
	timeout := s.timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := buildRequest(ctx, cfg, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkFailed, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrSinkFailed, req.Method, cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrSinkFailed, err)
	}
	out := &Response{StatusCode: resp.StatusCode, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("%w: %s %s returned %d", ErrSinkFailed, req.Method, cfg.Endpoint, resp.StatusCode)
	}
	out.SubmissionID = ExtractSubmissionID(body)
	return out, nil
}

func buildRequest(ctx context.Context, cfg *tool.APIConfig, payload any) (*http.Request, error) {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var (
		body     io.Reader
		endpoint = cfg.Endpoint
	)
	if method == http.MethodGet {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		q := u.Query()
		if m, ok := payload.(map[string]any); ok {
			for k, v := range m {
				q.Set(k, queryValue(v))
			}
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if cid := observe.CorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, cfg.Auth)
	return req, nil
}

func applyAuth(req *http.Request, auth *tool.AuthConfig) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case tool.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case tool.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case tool.AuthAPIKey:
		name := auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, auth.APIKey)
	}
}

func queryValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// submissionKeys lists the response fields inspected for a submission ID, in
// priority order.
var submissionKeys = []string{"id", "recordId", "submissionId", "transactionId", "referenceId"}

// ExtractSubmissionID looks for a submission identifier in a JSON response
// body: first among the top-level keys, then inside a nested "data" object.
// It returns "" when the body is not JSON or carries no identifier.
func ExtractSubmissionID(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	if id := findID(doc); id != "" {
		return id
	}
	if data, ok := doc["data"].(map[string]any); ok {
		return findID(data)
	}
	return ""
}

func findID(m map[string]any) string {
	for _, k := range submissionKeys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return queryValue(v)
		}
	}
	return ""
}
