package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/dentaldesk/internal/patients"
	"github.com/wolfman30/dentaldesk/internal/tools"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

var orchestratorTracer = otel.Tracer("dentaldesk.internal.conversation.orchestrator")

const (
	defaultMaxToolDepth = 5
	defaultModelRetries = 2
	defaultModelBackoff = 250 * time.Millisecond
	defaultMaxTokens    = 1024
	defaultClinicName   = "the dental clinic"
)

// Fallback labels reported in Outcome.Fallback.
const (
	FallbackToolLoop         = "tool_loop"
	FallbackModelUnavailable = "model_unavailable"
	FallbackDeliveryFailed   = "delivery_failed"
)

// ToolInvoker is the tool adapter as seen by the orchestrator.
type ToolInvoker interface {
	Definitions() []tools.Definition
	Validate(call tools.Call) *tools.ToolError
	Reject(ctx context.Context, scope tools.Scope, call tools.Call, toolErr *tools.ToolError) tools.Result
	Invoke(ctx context.Context, scope tools.Scope, call tools.Call) (tools.Result, error)
}

var _ ToolInvoker = (*tools.Adapter)(nil)

// Observer receives orchestrator measurements.
type Observer interface {
	ObserveMessage(outcome string, seconds float64)
	ObserveToolCall(tool, outcome string)
	ObserveModelCall(status string, seconds float64)
}

type nopObserver struct{}

func (nopObserver) ObserveMessage(string, float64)   {}
func (nopObserver) ObserveToolCall(string, string)   {}
func (nopObserver) ObserveModelCall(string, float64) {}

// Outcome describes what processing one inbound message did.
type Outcome struct {
	Key       string
	Seq       int64
	Reply     string
	Duplicate bool
	ToolCalls int
	Fallback  string
	Closed    bool
}

type orchestratorConfig struct {
	clinic        string
	model         string
	location      *time.Location
	now           func() time.Time
	maxToolDepth  int
	historyWindow int
	modelRetries  int
	modelBackoff  time.Duration
	maxTokens     int32
	temperature   float32
	summarizer    Summarizer
	events        *EventLogger
	observer      Observer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*orchestratorConfig)

// WithClinicName sets the clinic name used in the system prompt.
func WithClinicName(name string) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if strings.TrimSpace(name) != "" {
			cfg.clinic = strings.TrimSpace(name)
		}
	}
}

// WithModel overrides the model id sent with each request.
func WithModel(model string) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		cfg.model = strings.TrimSpace(model)
	}
}

// WithClinicLocation sets the clinic time zone.
func WithClinicLocation(loc *time.Location) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if loc != nil {
			cfg.location = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithMaxToolDepth bounds the tool calls made for one inbound message.
func WithMaxToolDepth(depth int) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if depth > 0 {
			cfg.maxToolDepth = depth
		}
	}
}

// WithHistoryWindow sets how many turns are replayed verbatim.
func WithHistoryWindow(turns int) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if turns > 0 {
			cfg.historyWindow = turns
		}
	}
}

// WithModelRetries sets the retries after a failed model call and the base
// backoff between them.
func WithModelRetries(retries int, backoff time.Duration) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if retries >= 0 {
			cfg.modelRetries = retries
		}
		if backoff > 0 {
			cfg.modelBackoff = backoff
		}
	}
}

// WithMaxTokens caps the length of each model response.
func WithMaxTokens(tokens int32) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if tokens > 0 {
			cfg.maxTokens = tokens
		}
	}
}

// WithSummarizer replaces the extractive summarizer.
func WithSummarizer(s Summarizer) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if s != nil {
			cfg.summarizer = s
		}
	}
}

// WithEventLogger emits structured conversation events.
func WithEventLogger(events *EventLogger) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		cfg.events = events
	}
}

// WithObserver records orchestrator metrics.
func WithObserver(o Observer) OrchestratorOption {
	return func(cfg *orchestratorConfig) {
		if o != nil {
			cfg.observer = o
		}
	}
}

// Orchestrator runs the per-message state machine: it replays the history,
// drives the model through tool calls and commits the turns, the checkpoint
// and the reply in one write. Callers serialize messages of one key.
type Orchestrator struct {
	store    Store
	llm      LLMClient
	tools    ToolInvoker
	patients patients.Repository
	logger   *logging.Logger
	cfg      orchestratorConfig
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(store Store, llm LLMClient, toolInvoker ToolInvoker, patientRepo patients.Repository, logger *logging.Logger, opts ...OrchestratorOption) *Orchestrator {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if llm == nil {
		panic("conversation: llm client cannot be nil")
	}
	if toolInvoker == nil {
		panic("conversation: tool invoker cannot be nil")
	}
	if patientRepo == nil {
		panic("conversation: patient repository cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := orchestratorConfig{
		clinic:        defaultClinicName,
		location:      time.UTC,
		now:           time.Now,
		maxToolDepth:  defaultMaxToolDepth,
		historyWindow: defaultHistoryWindow,
		modelRetries:  defaultModelRetries,
		modelBackoff:  defaultModelBackoff,
		maxTokens:     defaultMaxTokens,
		temperature:   0.2,
		summarizer:    ExtractiveSummarizer{},
		observer:      nopObserver{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		store:    store,
		llm:      llm,
		tools:    toolInvoker,
		patients: patientRepo,
		logger:   logger,
		cfg:      cfg,
	}
}

func (o *Orchestrator) now() time.Time {
	return o.cfg.now().In(o.cfg.location)
}

// Process handles one inbound message. A nil error means the message is
// finished: either committed or already committed by an earlier delivery.
// Any other error leaves the store untouched and the message may be
// redelivered; ErrDataCorruption and ErrQuarantined are permanent.
func (o *Orchestrator) Process(ctx context.Context, in Inbound) (Outcome, error) {
	start := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "conversation.process", trace.WithAttributes(
		attribute.String("conversation.key", in.Key),
		attribute.Int64("conversation.seq", in.Seq),
	))
	defer span.End()

	out, err := o.process(ctx, in)
	elapsed := time.Since(start)
	label := outcomeLabel(out, err)
	o.cfg.observer.ObserveMessage(label, elapsed.Seconds())
	span.SetAttributes(attribute.String("conversation.outcome", label), attribute.Int("conversation.tool_calls", out.ToolCalls))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	if !out.Duplicate {
		o.cfg.events.MessageProcessed(ctx, in.Key, in.Seq, out.ToolCalls, out.Fallback, elapsed)
	}
	return out, nil
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case errors.Is(err, ErrDataCorruption):
		return "data_corruption"
	case errors.Is(err, ErrQuarantined):
		return "quarantined"
	case err != nil:
		return "error"
	case out.Duplicate:
		return "duplicate"
	case out.Fallback != "":
		return "fallback_" + out.Fallback
	default:
		return "replied"
	}
}

func (o *Orchestrator) process(ctx context.Context, in Inbound) (Outcome, error) {
	out := Outcome{Key: in.Key, Seq: in.Seq}
	logger := o.logger.ForConversation(in.Key).With("seq", in.Seq)

	conv, cp, duplicate, err := o.prepare(ctx, in)
	if err != nil || duplicate {
		out.Duplicate = duplicate
		return out, err
	}

	patient, err := o.patients.Ensure(ctx, in.Key)
	if err != nil {
		return out, fmt.Errorf("conversation: ensure patient: %w", err)
	}

	history, err := o.history(ctx, in, conv, &cp)
	if err != nil {
		return out, err
	}

	now := o.now()
	received := in.ReceivedAt
	if received.IsZero() {
		received = now
	}
	pending := []Turn{{Seq: in.Seq, Role: RolePatient, Content: in.Text, CreatedAt: received}}
	defs := o.tools.Definitions()
	seen := make(map[string]bool)

	var reply, closeReason string
	for {
		req := LLMRequest{
			Model:       o.cfg.model,
			System:      systemPrompt(o.cfg.clinic, now, patient, cp.Summary),
			Messages:    append(append([]ChatMessage(nil), history...), chatMessages(pending)...),
			Tools:       defs,
			MaxTokens:   o.cfg.maxTokens,
			Temperature: o.cfg.temperature,
		}
		resp, err := o.complete(ctx, in, req)
		if err != nil {
			if ctx.Err() != nil {
				return out, fmt.Errorf("conversation: model call: %w", ctx.Err())
			}
			logger.Error("model unavailable, replying with apology", "error", err)
			reply = ApologyReply
			out.Fallback = FallbackModelUnavailable
			break
		}
		if len(resp.ToolCalls) == 0 {
			reply = resp.Text
			break
		}
		if out.ToolCalls+len(resp.ToolCalls) > o.cfg.maxToolDepth {
			logger.Warn("tool loop cut off", "error", ErrToolLoopExceeded, "tool_calls", out.ToolCalls, "requested", len(resp.ToolCalls))
			o.cfg.events.ToolLoopExceeded(ctx, in.Key, in.Seq, o.cfg.maxToolDepth)
			reply = FallbackReply
			out.Fallback = FallbackToolLoop
			break
		}

		calls := make([]tools.Call, len(resp.ToolCalls))
		for i, call := range resp.ToolCalls {
			if call.ID == "" || seen[call.ID] {
				call.ID = fmt.Sprintf("call_%d_%d", in.Seq, out.ToolCalls+i+1)
			}
			seen[call.ID] = true
			calls[i] = call
		}
		pending = append(pending, Turn{Seq: in.Seq, Role: RoleAssistant, Content: resp.Text, ToolCalls: calls, CreatedAt: o.now()})

		for _, call := range calls {
			out.ToolCalls++
			result, err := o.invoke(ctx, in, out.ToolCalls, call)
			if err != nil {
				return out, err
			}
			pending = append(pending, Turn{
				Seq:        in.Seq,
				Role:       RoleTool,
				Content:    result.Text(),
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ToolError:  !result.OK(),
				CreatedAt:  o.now(),
			})
			if result.CloseReason != "" {
				closeReason = result.CloseReason
			}
		}
	}

	if strings.TrimSpace(reply) == "" {
		reply = FallbackReply
	}
	pending = append(pending, Turn{Seq: in.Seq, Role: RoleAssistant, Content: reply, CreatedAt: o.now()})
	out.Reply = reply

	stale, err := o.commit(ctx, in, conv, cp, pending, reply, closeReason)
	if err != nil {
		return out, err
	}
	if stale {
		logger.Warn("another delivery committed this message first")
		out.Duplicate = true
		return out, nil
	}
	if closeReason != "" {
		out.Closed = true
		o.cfg.events.Closed(ctx, in.Key, in.Seq, closeReason)
	}
	return out, nil
}

// Apologize commits the patient turn with ApologyReply. It is used once a
// message has exhausted its deliveries so the patient is not left waiting.
func (o *Orchestrator) Apologize(ctx context.Context, in Inbound) error {
	conv, cp, duplicate, err := o.prepare(ctx, in)
	if err != nil || duplicate {
		return err
	}
	now := o.now()
	received := in.ReceivedAt
	if received.IsZero() {
		received = now
	}
	turns := []Turn{
		{Seq: in.Seq, Role: RolePatient, Content: in.Text, CreatedAt: received},
		{Seq: in.Seq, Role: RoleAssistant, Content: ApologyReply, CreatedAt: now},
	}
	if _, err := o.commit(ctx, in, conv, cp, turns, ApologyReply, ""); err != nil {
		return err
	}
	o.cfg.events.MessageProcessed(ctx, in.Key, in.Seq, 0, FallbackDeliveryFailed, 0)
	return nil
}

// prepare loads the conversation and its checkpoint. duplicate is true when
// the message was already committed.
func (o *Orchestrator) prepare(ctx context.Context, in Inbound) (*Conversation, Checkpoint, bool, error) {
	conv, err := o.store.Load(ctx, in.Key)
	if errors.Is(err, ErrConversationNotFound) {
		return nil, Checkpoint{}, false, fmt.Errorf("%w: no conversation for enqueued message %d", ErrDataCorruption, in.Seq)
	}
	if err != nil {
		return nil, Checkpoint{}, false, fmt.Errorf("conversation: load: %w", err)
	}
	if conv.Status == StatusQuarantined {
		return nil, Checkpoint{}, false, ErrQuarantined
	}
	if in.Seq <= conv.LastSeq {
		o.cfg.events.DuplicateSkipped(ctx, in.Key, in.Seq, conv.LastSeq)
		return conv, Checkpoint{}, true, nil
	}
	cp, err := decodeCheckpoint(conv)
	if err != nil {
		return nil, Checkpoint{}, false, err
	}
	return conv, cp, false, nil
}

// history returns the window of turns replayed to the model, folding older
// turns into cp's summary.
func (o *Orchestrator) history(ctx context.Context, in Inbound, conv *Conversation, cp *Checkpoint) ([]ChatMessage, error) {
	turns, err := o.store.Turns(ctx, in.Key, cp.SummarizedThrough, 0)
	if err != nil {
		return nil, fmt.Errorf("conversation: load turns: %w", err)
	}
	if want := conv.TurnCount - cp.SummarizedThrough; len(turns) != want {
		return nil, fmt.Errorf("%w: expected %d turns after %d, found %d", ErrDataCorruption, want, cp.SummarizedThrough, len(turns))
	}
	fold, keep := splitWindow(turns, o.cfg.historyWindow)
	if len(fold) > 0 {
		summary, err := o.cfg.summarizer.Summarize(ctx, cp.Summary, fold)
		if err != nil {
			return nil, fmt.Errorf("conversation: summarize history: %w", err)
		}
		cp.Summary = summary
		cp.SummarizedThrough += len(fold)
		o.cfg.events.HistorySummarized(ctx, in.Key, in.Seq, cp.SummarizedThrough)
	}
	return chatMessages(keep), nil
}

// complete calls the model, retrying with exponential backoff.
func (o *Orchestrator) complete(ctx context.Context, in Inbound, req LLMRequest) (LLMResponse, error) {
	attempts := o.cfg.modelRetries + 1
	backoff := o.cfg.modelBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		resp, err := o.llm.Complete(ctx, req)
		if err == nil {
			o.cfg.observer.ObserveModelCall("ok", time.Since(start).Seconds())
			return resp, nil
		}
		o.cfg.observer.ObserveModelCall("error", time.Since(start).Seconds())
		lastErr = err
		if ctx.Err() != nil {
			return LLMResponse{}, err
		}
		o.logger.Warn("model call failed", "conversation_key", in.Key, "seq", in.Seq, "attempt", attempt, "error", err)
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return LLMResponse{}, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	o.cfg.events.ModelFailed(ctx, in.Key, in.Seq, attempts, lastErr)
	return LLMResponse{}, lastErr
}

// invoke validates and runs one call. The returned error is an
// infrastructure failure that aborts the attempt.
func (o *Orchestrator) invoke(ctx context.Context, in Inbound, depth int, call tools.Call) (tools.Result, error) {
	scope := tools.Scope{ConversationKey: in.Key, Seq: in.Seq, Depth: depth}
	if toolErr := o.tools.Validate(call); toolErr != nil {
		result := o.tools.Reject(ctx, scope, call, toolErr)
		o.recordTool(ctx, in, depth, call.Name, string(toolErr.Kind))
		return result, nil
	}
	result, err := o.tools.Invoke(ctx, scope, call)
	if err != nil {
		o.recordTool(ctx, in, depth, call.Name, "error")
		return tools.Result{}, fmt.Errorf("conversation: invoke %s: %w", call.Name, err)
	}
	outcome := "ok"
	if !result.OK() {
		outcome = string(result.Error.Kind)
	}
	o.recordTool(ctx, in, depth, call.Name, outcome)
	return result, nil
}

func (o *Orchestrator) recordTool(ctx context.Context, in Inbound, depth int, tool, outcome string) {
	o.cfg.observer.ObserveToolCall(tool, outcome)
	o.cfg.events.ToolInvoked(ctx, in.Key, in.Seq, tool, depth, outcome)
}

// commit writes turns, checkpoint and reply atomically. stale reports that
// another delivery of the same message won the race.
func (o *Orchestrator) commit(ctx context.Context, in Inbound, conv *Conversation, cp Checkpoint, turns []Turn, reply, closeReason string) (bool, error) {
	cp.LastSeq = in.Seq
	cp.TurnCount = conv.TurnCount + len(turns)
	raw, err := encodeCheckpoint(cp)
	if err != nil {
		return false, err
	}
	at := o.now()
	err = o.store.Commit(ctx, Commit{
		Key:             in.Key,
		ExpectedLastSeq: conv.LastSeq,
		Seq:             in.Seq,
		Turns:           turns,
		Checkpoint:      raw,
		Reply: &Reply{
			ID:              uuid.New().String(),
			ConversationKey: in.Key,
			Seq:             in.Seq,
			Text:            reply,
			CreatedAt:       at,
		},
		CloseReason: closeReason,
		At:          at,
	})
	if errors.Is(err, ErrStaleCheckpoint) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation: commit: %w", err)
	}
	return false, nil
}
