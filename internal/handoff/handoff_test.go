package handoff_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/pkg/tool"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newEngine(t *testing.T, opts ...handoff.Option) *handoff.Engine {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	base := []handoff.Option{
		handoff.WithMetrics(m),
		handoff.WithClock(func() time.Time { return fixedNow }),
	}
	return handoff.New(append(base, opts...)...)
}

func apiTool(endpoint string) *tool.Definition {
	return &tool.Definition{
		ID:               "lead-intake",
		Fields:           []tool.FieldSpec{{ID: "name", Name: "name", Type: tool.FieldText}},
		InitialPrompt:    "hi",
		ConclusionPrompt: "bye",
		Handoff: &tool.HandoffConfig{
			Type: tool.HandoffAPI,
			API: &tool.APIConfig{
				Endpoint: endpoint,
				Method:   "POST",
				PayloadTemplate: map[string]any{
					"customer":    map[string]any{"name": "{{name}}", "age": "{{age}}"},
					"submittedAt": "{{timestamp}}",
					"ref":         "session {{sessionId}}",
				},
			},
		},
	}
}

func TestExecute_NoHandoffConfig(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	def := &tool.Definition{ID: "t"}

	a, err := e.Execute(context.Background(), handoff.Request{SessionID: "s1", Tool: def})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !a.Result.Success {
		t.Errorf("Success = false, want true")
	}
	list, _ := e.History().List(context.Background())
	if len(list) != 0 {
		t.Errorf("history len = %d, want 0", len(list))
	}
}

func TestExecute_InvalidConfig(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	def := apiTool("")
	def.Handoff.API = nil

	_, err := e.Execute(context.Background(), handoff.Request{SessionID: "s1", Tool: def})
	if !errors.Is(err, handoff.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	list, _ := e.History().List(context.Background())
	if len(list) != 0 {
		t.Errorf("history len = %d, want 0", len(list))
	}
}

func TestExecute_APISuccess(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"recordId":"rec-42"}}`)
	}))
	defer srv.Close()

	e := newEngine(t)
	a, err := e.Execute(context.Background(), handoff.Request{
		SessionID: "sess-1",
		Tool:      apiTool(srv.URL),
		FinalData: map[string]any{"name": "Jane", "age": "42"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !a.Result.Success {
		t.Fatalf("Success = false: %s", a.Result.Message)
	}
	if a.Result.SubmissionID != "rec-42" {
		t.Errorf("SubmissionID = %q, want rec-42", a.Result.SubmissionID)
	}
	if a.Result.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d", a.Result.StatusCode)
	}
	if a.ID == "" || a.ToolID != "lead-intake" || !a.AttemptTime.Equal(fixedNow) {
		t.Errorf("attempt = %+v", a)
	}

	customer, _ := got["customer"].(map[string]any)
	if customer["name"] != "Jane" {
		t.Errorf("customer.name = %v", customer["name"])
	}
	if customer["age"] != float64(42) {
		t.Errorf("customer.age = %v (%T), want number 42", customer["age"], customer["age"])
	}
	if got["submittedAt"] != "2026-03-14T09:26:53Z" {
		t.Errorf("submittedAt = %v", got["submittedAt"])
	}
	if got["ref"] != "session sess-1" {
		t.Errorf("ref = %v", got["ref"])
	}

	stored, err := e.History().Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("History.Get: %v", err)
	}
	if stored.Result.SubmissionID != "rec-42" {
		t.Errorf("stored SubmissionID = %q", stored.Result.SubmissionID)
	}
}

func TestExecute_SyntheticSubmissionID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	e := newEngine(t)
	a, err := e.Execute(context.Background(), handoff.Request{SessionID: "s", Tool: apiTool(srv.URL)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(a.Result.SubmissionID, "API_") {
		t.Errorf("SubmissionID = %q, want API_ prefix", a.Result.SubmissionID)
	}
}

func TestExecute_APIFailureIsRecorded(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
	}))
	defer srv.Close()

	e := newEngine(t)
	a, err := e.Execute(context.Background(), handoff.Request{SessionID: "s", Tool: apiTool(srv.URL)})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if a.Result.Success {
		t.Fatal("Success = true, want false")
	}
	if a.Result.StatusCode != 500 || a.Result.ResponseBody != `{"error":"boom"}` {
		t.Errorf("result = %+v", a.Result)
	}
	if a.Result.SubmissionID != "" {
		t.Errorf("SubmissionID = %q, want empty", a.Result.SubmissionID)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"id":"ok-2"}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	e := newEngine(t)
	first, err := e.Execute(ctx, handoff.Request{SessionID: "s", Tool: apiTool(srv.URL), FinalData: map[string]any{"name": "Jane"}})
	if err != nil {
		t.Fatal(err)
	}
	if first.Result.Success {
		t.Fatal("first attempt should fail")
	}

	second, err := e.Retry(ctx, first.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !second.Result.Success || second.Result.SubmissionID != "ok-2" {
		t.Errorf("retry result = %+v", second.Result)
	}
	if second.ID == first.ID {
		t.Error("retry reused the original attempt ID")
	}
	if second.OriginalAttemptID != first.ID {
		t.Errorf("OriginalAttemptID = %q, want %q", second.OriginalAttemptID, first.ID)
	}
	if second.Result.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", second.Result.RetryCount)
	}
	if second.FinalData["name"] != "Jane" {
		t.Errorf("FinalData = %v", second.FinalData)
	}

	third, err := e.Retry(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if third.Result.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", third.Result.RetryCount)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Successful != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SuccessRate < 66 || stats.SuccessRate > 67 {
		t.Errorf("SuccessRate = %v", stats.SuccessRate)
	}
}

func TestRetry_UnknownAttempt(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	_, err := e.Retry(context.Background(), "nope")
	if !errors.Is(err, handoff.ErrAttemptNotFound) {
		t.Fatalf("err = %v, want ErrAttemptNotFound", err)
	}
}

func TestStats_Empty(t *testing.T) {
	t.Parallel()
	s, err := newEngine(t).Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s != (handoff.Stats{}) {
		t.Errorf("stats = %+v, want zero", s)
	}
}

func TestAPISink_GetQueryAndAuth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		auth   *tool.AuthConfig
		header string
		want   string
	}{
		{"bearer", &tool.AuthConfig{Type: tool.AuthBearer, Token: "tkn"}, "Authorization", "Bearer tkn"},
		{"basic", &tool.AuthConfig{Type: tool.AuthBasic, Username: "u", Password: "p"}, "Authorization", "Basic dTpw"},
		{"api key default header", &tool.AuthConfig{Type: tool.AuthAPIKey, APIKey: "k1"}, "X-API-Key", "k1"},
		{"api key custom header", &tool.AuthConfig{Type: tool.AuthAPIKey, APIKey: "k2", HeaderName: "X-Token"}, "X-Token", "k2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("method = %s", r.Method)
				}
				if got := r.URL.Query().Get("email"); got != "a@b.co" {
					t.Errorf("email query = %q", got)
				}
				if got := r.URL.Query().Get("keep"); got != "1" {
					t.Errorf("existing query param lost: %q", got)
				}
				if got := r.Header.Get(tc.header); got != tc.want {
					t.Errorf("%s = %q, want %q", tc.header, got, tc.want)
				}
				if got := r.Header.Get("X-Custom"); got != "yes" {
					t.Errorf("X-Custom = %q", got)
				}
				_, _ = io.WriteString(w, `{"transactionId":"tx"}`)
			}))
			defer srv.Close()

			cfg := &tool.APIConfig{
				Endpoint: srv.URL + "/submit?keep=1",
				Method:   "get",
				Headers:  map[string]string{"X-Custom": "yes"},
				Auth:     tc.auth,
			}
			resp, err := handoff.NewAPISink(srv.Client()).Send(context.Background(), cfg, map[string]any{"email": "a@b.co"})
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if resp.SubmissionID != "tx" {
				t.Errorf("SubmissionID = %q", resp.SubmissionID)
			}
		})
	}
}

func TestAPISink_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := &tool.APIConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}
	_, err := handoff.NewAPISink(srv.Client()).Send(context.Background(), cfg, map[string]any{})
	if !errors.Is(err, handoff.ErrSinkFailed) {
		t.Fatalf("err = %v, want ErrSinkFailed", err)
	}
}

func TestExtractSubmissionID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		body string
		want string
	}{
		{`{"id":"a"}`, "a"},
		{`{"recordId":"b","id":""}`, "b"},
		{`{"referenceId":"c"}`, "c"},
		{`{"id":17}`, "17"},
		{`{"data":{"submissionId":"d"}}`, "d"},
		{`{"status":"ok"}`, ""},
		{`not json`, ""},
	}
	for _, tc := range tests {
		if got := handoff.ExtractSubmissionID([]byte(tc.body)); got != tc.want {
			t.Errorf("ExtractSubmissionID(%s) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func dbTool() *tool.Definition {
	return &tool.Definition{
		ID:               "crm",
		Fields:           []tool.FieldSpec{{ID: "name", Name: "name", Type: tool.FieldText}},
		InitialPrompt:    "hi",
		ConclusionPrompt: "bye",
		Handoff: &tool.HandoffConfig{
			Type: tool.HandoffDatabase,
			Database: &tool.DatabaseConfig{
				Dialect:      "postgres",
				Database:     "crm",
				Table:        "leads",
				FieldMapping: map[string]string{"customer": "customer_name"},
			},
			FieldMappings: []tool.FieldMapping{
				{SourceFieldName: "name", TargetFieldName: "customer", Transformation: tool.TransformUppercase},
			},
		},
	}
}

func TestExecute_DatabaseSink(t *testing.T) {
	t.Parallel()
	var gotRow map[string]any
	sink := handoff.NewDatabaseSink()
	sink.Register(handoff.InserterFunc(func(_ context.Context, cfg *tool.DatabaseConfig, row map[string]any) (string, error) {
		if cfg.Table != "leads" {
			t.Errorf("table = %q", cfg.Table)
		}
		gotRow = row
		return "", nil
	}), "Postgres")

	e := newEngine(t, handoff.WithDatabaseSink(sink))
	a, err := e.Execute(context.Background(), handoff.Request{
		SessionID: "s",
		Tool:      dbTool(),
		FinalData: map[string]any{"name": "jane", "ignored": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Result.Success {
		t.Fatalf("Success = false: %s", a.Result.Message)
	}
	if !strings.HasPrefix(a.Result.SubmissionID, "DB_") {
		t.Errorf("SubmissionID = %q, want DB_ prefix", a.Result.SubmissionID)
	}
	if gotRow["customer_name"] != "JANE" {
		t.Errorf("customer_name = %v", gotRow["customer_name"])
	}
	if gotRow["source"] != handoff.SourceTag {
		t.Errorf("source = %v", gotRow["source"])
	}
	if ts, ok := gotRow["submission_timestamp"].(time.Time); !ok || !ts.Equal(fixedNow) {
		t.Errorf("submission_timestamp = %v", gotRow["submission_timestamp"])
	}
	if _, ok := gotRow["ignored"]; ok {
		t.Error("unmapped field reached the row")
	}
}

func TestExecute_DatabaseFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []handoff.Option
		want string
	}{
		{"no sink", nil, "no database sink"},
		{"unknown dialect", []handoff.Option{handoff.WithDatabaseSink(handoff.NewDatabaseSink())}, "no inserter"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEngine(t, tc.opts...)
			a, err := e.Execute(context.Background(), handoff.Request{SessionID: "s", Tool: dbTool(), FinalData: map[string]any{"name": "x"}})
			if err != nil {
				t.Fatal(err)
			}
			if a.Result.Success || !strings.Contains(a.Result.Message, tc.want) {
				t.Errorf("result = %+v, want failure mentioning %q", a.Result, tc.want)
			}
		})
	}
}

func TestExecute_RequiredMappingMissing(t *testing.T) {
	t.Parallel()
	def := dbTool()
	def.Handoff.FieldMappings[0].Required = true
	sink := handoff.NewDatabaseSink()
	sink.Register(handoff.InserterFunc(func(context.Context, *tool.DatabaseConfig, map[string]any) (string, error) {
		t.Error("inserter must not be called")
		return "", nil
	}), "postgres")

	a, err := newEngine(t, handoff.WithDatabaseSink(sink)).Execute(context.Background(), handoff.Request{SessionID: "s", Tool: def})
	if err != nil {
		t.Fatal(err)
	}
	if a.Result.Success || !strings.Contains(a.Result.Message, "field mapping") {
		t.Errorf("result = %+v", a.Result)
	}
}

func TestExecute_RateLimitHonoursContext(t *testing.T) {
	t.Parallel()
	sink := handoff.NewDatabaseSink()
	sink.Register(handoff.InserterFunc(func(context.Context, *tool.DatabaseConfig, map[string]any) (string, error) {
		return "row-1", nil
	}), "postgres")
	e := newEngine(t, handoff.WithDatabaseSink(sink), handoff.WithRateLimit(0.001, 1))

	req := handoff.Request{SessionID: "s", Tool: dbTool(), FinalData: map[string]any{"name": "x"}}
	a, err := e.Execute(context.Background(), req)
	if err != nil || !a.Result.Success || a.Result.SubmissionID != "row-1" {
		t.Fatalf("first attempt: %+v, %v", a, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a, err = e.Execute(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if a.Result.Success || !strings.Contains(a.Result.Message, "rate limit") {
		t.Errorf("second attempt = %+v, want rate limit failure", a.Result)
	}
}

func TestRedisHistory(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := handoff.NewRedisHistory(client, "test:")
	ctx := context.Background()
	if err := h.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	sink := handoff.NewDatabaseSink()
	sink.Register(handoff.InserterFunc(func(context.Context, *tool.DatabaseConfig, map[string]any) (string, error) {
		return "", errors.New("connection refused")
	}), "postgres")
	e := newEngine(t, handoff.WithHistory(h), handoff.WithDatabaseSink(sink))

	first, err := e.Execute(ctx, handoff.Request{SessionID: "s", Tool: dbTool(), FinalData: map[string]any{"name": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Retry(ctx, first.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}

	list, err := h.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("list = %+v", list)
	}
	got, err := h.Get(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OriginalAttemptID != first.ID || got.Result.RetryCount != 1 || got.Config.Database.Table != "leads" {
		t.Errorf("stored attempt = %+v", got)
	}
	if !mr.Exists("test:handoff:attempts") {
		t.Error("attempt hash not written under prefix")
	}

	if _, err := h.Get(ctx, "missing"); !errors.Is(err, handoff.ErrAttemptNotFound) {
		t.Errorf("Get(missing) err = %v", err)
	}
}

func TestMemoryHistory_RejectsDuplicate(t *testing.T) {
	t.Parallel()
	h := handoff.NewMemoryHistory()
	ctx := context.Background()
	if err := h.Append(ctx, &handoff.Attempt{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Append(ctx, &handoff.Attempt{ID: "a"}); err == nil {
		t.Error("expected duplicate error")
	}
}

func TestAttempt_CredentialsStayPrivate(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		auths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	e := newEngine(t, handoff.WithHistory(handoff.NewRedisHistory(client, "")))

	def := apiTool(srv.URL)
	def.Handoff.API.Auth = &tool.AuthConfig{Type: tool.AuthBearer, Token: "crm-token-secret"}
	ctx := context.Background()
	first, err := e.Execute(ctx, handoff.Request{SessionID: "s", Tool: def, FinalData: map[string]any{"name": "Jane"}})
	if err != nil {
		t.Fatal(err)
	}

	b, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "crm-token-secret") {
		t.Errorf("encoded attempt leaks the token: %s", b)
	}
	if !strings.Contains(string(b), tool.RedactedValue) {
		t.Errorf("encoded attempt lacks the redaction marker: %s", b)
	}
	if first.Config.API.Auth.Token != "crm-token-secret" {
		t.Error("encoding mutated the in-memory attempt")
	}

	// The persisted copy keeps the secret so that a retry authenticates.
	if _, err := e.Retry(ctx, first.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(auths) != 2 || auths[0] != "Bearer crm-token-secret" || auths[1] != auths[0] {
		t.Errorf("Authorization headers = %q", auths)
	}
	if doc := mr.HGet("vocaform:handoff:attempts", first.ID); !strings.Contains(doc, "crm-token-secret") {
		t.Errorf("stored attempt lost the credential: %s", doc)
	}
}

func TestExecute_LogsSessionOnce(t *testing.T) {
	var buf strings.Builder
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	sink := handoff.NewDatabaseSink()
	sink.Register(handoff.InserterFunc(func(context.Context, *tool.DatabaseConfig, map[string]any) (string, error) {
		return "row-1", nil
	}), "postgres")
	e := newEngine(t, handoff.WithDatabaseSink(sink))

	ctx := observe.WithSessionID(context.Background(), "s-42")
	if _, err := e.Execute(ctx, handoff.Request{SessionID: "s-42", Tool: dbTool(), FinalData: map[string]any{"name": "x"}}); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, "handoff: delivered") {
			continue
		}
		found = true
		if n := strings.Count(line, `"session_id"`); n != 1 {
			t.Errorf("session_id appears %d times: %s", n, line)
		}
		if !strings.Contains(line, `"session_id":"s-42"`) {
			t.Errorf("record lacks the session: %s", line)
		}
	}
	if !found {
		t.Fatalf("no delivery record in %q", buf.String())
	}
}
