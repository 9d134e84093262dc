// Package handoff delivers the data collected by a finished session to an
// external system.
//
// [Engine.Execute] maps the collected values through the tool's field
// mappings, dispatches the result to an HTTP API or a relational database and
// records every attempt in a [History]. Failed deliveries never surface as Go
// errors; they are captured in [Result] so that the session outcome is not
// affected. [Engine.Retry] replays a recorded attempt with its original
// configuration and data.
package handoff

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/MrWong99/vocaform/internal/mapping"
	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/pkg/tool"
)

var (
	// ErrInvalidConfig is returned when a handoff configuration cannot be
	// dispatched. No attempt is recorded.
	ErrInvalidConfig = errors.New("handoff: invalid config")

	// ErrAttemptNotFound is returned by Retry for unknown attempt IDs.
	ErrAttemptNotFound = errors.New("handoff: attempt not found")

	// ErrSinkFailed wraps sink failures inside the engine. It is recorded in
	// [Result.Message] and never returned from Execute.
	ErrSinkFailed = errors.New("handoff: sink failed")
)

// Request is the input to [Engine.Execute].
type Request struct {
	SessionID string
	Tool      *tool.Definition
	FinalData map[string]any
}

// Result describes the outcome of one delivery.
type Result struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	SubmissionID string `json:"submissionId,omitempty"`

	// TransmissionTime is the sink round-trip time.
	TransmissionTime time.Duration `json:"transmissionTime"`

	RetryCount   int    `json:"retryCount"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ResponseBody string `json:"responseBody,omitempty"`
}

// Attempt is the durable record of one delivery.
type Attempt struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"sessionId"`
	ToolID      string              `json:"toolId"`
	Config      *tool.HandoffConfig `json:"config"`
	AttemptTime time.Time           `json:"attemptTime"`
	Result      Result              `json:"result"`

	// FinalData is the collected data before mapping.
	FinalData map[string]any `json:"finalData"`

	// Payload is what was actually sent to the sink.
	Payload any `json:"payload,omitempty"`

	// OriginalAttemptID is set on retries and names the attempt that was
	// replayed.
	OriginalAttemptID string `json:"originalAttemptId,omitempty"`
}

// MarshalJSON encodes a with its config redacted. Attempts are served to
// operators and streamed as events; RedisHistory keeps the full config.
func (a Attempt) MarshalJSON() ([]byte, error) {
	type public Attempt
	p := public(a)
	p.Config = a.Config.Redacted()
	return json.Marshal(p)
}

// Stats summarises the attempt history.
type Stats struct {
	Total                 int     `json:"total"`
	Successful            int     `json:"successful"`
	Failed                int     `json:"failed"`
	SuccessRate           float64 `json:"successRate"`
	AverageTransmissionMs float64 `json:"averageTransmissionMs"`
}

// Engine executes handoffs. It is safe for concurrent use.
type Engine struct {
	history  History
	api      *APISink
	database *DatabaseSink
	limiter  *rate.Limiter
	metrics  *observe.Metrics
	now      func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Option configures an [Engine].
type Option func(*Engine)

// WithHistory sets the attempt history. Default: a new [MemoryHistory].
func WithHistory(h History) Option {
	return func(e *Engine) { e.history = h }
}

// WithAPISink replaces the default HTTP sink.
func WithAPISink(s *APISink) Option {
	return func(e *Engine) { e.api = s }
}

// WithDatabaseSink sets the database sink. Without one, database handoffs
// fail with a recorded attempt.
func WithDatabaseSink(s *DatabaseSink) Option {
	return func(e *Engine) { e.database = s }
}

// WithRateLimit throttles dispatches to r per second with the given burst.
// A zero rate disables limiting.
func WithRateLimit(r float64, burst int) Option {
	return func(e *Engine) {
		if r <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for attempt timestamps and
// template variables.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		history: NewMemoryHistory(),
		api:     NewAPISink(nil),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.entropy = ulid.Monotonic(crand.Reader, 0)
	return e
}

// History returns the engine's attempt history.
func (e *Engine) History() History { return e.history }

// Execute delivers req.FinalData according to req.Tool's handoff config.
//
// A tool without a handoff config succeeds trivially and records nothing. A
// malformed config fails with [ErrInvalidConfig] and records nothing. Every
// other outcome, including sink failures, is recorded and returned as an
// [Attempt] with a nil error.
func (e *Engine) Execute(ctx context.Context, req Request) (*Attempt, error) {
	if req.Tool == nil || req.Tool.Handoff == nil {
		return &Attempt{
			SessionID: req.SessionID,
			Result:    Result{Success: true, Message: "no handoff configured"},
		}, nil
	}
	if err := tool.ValidateHandoff(req.Tool.Handoff); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	a := &Attempt{
		SessionID: req.SessionID,
		ToolID:    req.Tool.ID,
		Config:    req.Tool.Handoff.Clone(),
		FinalData: cloneData(req.FinalData),
	}
	return e.run(ctx, a)
}

// Retry replays the attempt with the given ID. The new attempt carries
// RetryCount = original.RetryCount + 1 and OriginalAttemptID = attemptID.
func (e *Engine) Retry(ctx context.Context, attemptID string) (*Attempt, error) {
	orig, err := e.history.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if orig.Config == nil {
		return nil, fmt.Errorf("%w: attempt %s has no config", ErrInvalidConfig, attemptID)
	}
	a := &Attempt{
		SessionID:         orig.SessionID,
		ToolID:            orig.ToolID,
		Config:            orig.Config.Clone(),
		FinalData:         cloneData(orig.FinalData),
		OriginalAttemptID: orig.ID,
	}
	a.Result.RetryCount = orig.Result.RetryCount + 1
	return e.run(ctx, a)
}

// Stats computes summary statistics over the whole history.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	attempts, err := e.history.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(attempts), nil
}

func computeStats(attempts []*Attempt) Stats {
	var (
		s     Stats
		total time.Duration
	)
	for _, a := range attempts {
		s.Total++
		if a.Result.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		total += a.Result.TransmissionTime
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total) * 100
		s.AverageTransmissionMs = float64(total.Milliseconds()) / float64(s.Total)
	}
	return s
}

// run maps, dispatches and records a. The attempt ID and time are assigned
// here.
func (e *Engine) run(ctx context.Context, a *Attempt) (*Attempt, error) {
	a.AttemptTime = e.now().UTC()
	a.ID = e.newID(a.AttemptTime)

	ctx, span := observe.StartSpan(ctx, "handoff.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("handoff.attempt_id", a.ID),
		attribute.String("handoff.sink", string(a.Config.Type)),
		attribute.String("session.id", a.SessionID),
	)
	// Retries arrive without a session-tagged context.
	log := observe.Logger(observe.WithSessionID(ctx, a.SessionID)).With("attempt_id", a.ID, "sink", a.Config.Type)

	e.dispatch(ctx, a)

	if a.Result.Success {
		log.Info("handoff: delivered", "submission_id", a.Result.SubmissionID, "duration", a.Result.TransmissionTime)
	} else {
		span.SetStatus(codes.Error, a.Result.Message)
		log.Warn("handoff: delivery failed", "status_code", a.Result.StatusCode, "message", a.Result.Message)
	}
	e.metrics.RecordHandoff(ctx, string(a.Config.Type), a.Result.Success, a.Result.TransmissionTime)

	if err := e.history.Append(ctx, a); err != nil {
		log.Error("handoff: failed to record attempt", "err", err)
	}
	return a, nil
}

func (e *Engine) dispatch(ctx context.Context, a *Attempt) {
	cfg := a.Config
	mapped, err := mapping.Apply(a.FinalData, cfg.FieldMappings)
	if err != nil {
		a.Result.Message = fmt.Sprintf("field mapping failed: %v", err)
		return
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			a.Result.Message = fmt.Sprintf("rate limit wait: %v", err)
			return
		}
	}

	start := time.Now()
	var resp *Response
	switch cfg.Type {
	case tool.HandoffAPI:
		payload := mapping.Resolve(cfg.API.PayloadTemplate, mapped, mapping.Vars{SessionID: a.SessionID, Now: a.AttemptTime})
		a.Payload = payload
		resp, err = e.api.Send(ctx, cfg.API, payload)
	case tool.HandoffDatabase:
		row := mapping.Columns(mapped, cfg.Database.FieldMapping)
		row["submission_timestamp"] = a.AttemptTime
		row["source"] = SourceTag
		a.Payload = row
		if e.database == nil {
			err = fmt.Errorf("%w: no database sink configured", ErrSinkFailed)
		} else {
			resp, err = e.database.Insert(ctx, cfg.Database, row)
		}
	default:
		err = fmt.Errorf("%w: unsupported handoff type %q", ErrSinkFailed, cfg.Type)
	}
	a.Result.TransmissionTime = time.Since(start)

	if resp != nil {
		a.Result.StatusCode = resp.StatusCode
		a.Result.ResponseBody = truncate(resp.Body, maxResponseBody)
	}
	if err != nil {
		a.Result.Message = err.Error()
		return
	}

	a.Result.Success = true
	a.Result.Message = "delivered"
	a.Result.SubmissionID = resp.SubmissionID
	if a.Result.SubmissionID == "" {
		a.Result.SubmissionID = e.syntheticID(cfg.Type, a.AttemptTime)
	}
}

// SourceTag is written to the source column of database handoffs.
const SourceTag = "voice_form"

const maxResponseBody = 4 << 10

func (e *Engine) newID(t time.Time) string {
	e.entropyMu.Lock()
	defer e.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), e.entropy).String()
}

func (e *Engine) syntheticID(kind tool.HandoffType, t time.Time) string {
	prefix := "API"
	if kind == tool.HandoffDatabase {
		prefix = "DB"
	}
	return prefix + "_" + strconv.FormatInt(t.UnixMilli(), 10) + "_" + strconv.FormatUint(rand.Uint64()%1_000_000_000, 36)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

func cloneData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
