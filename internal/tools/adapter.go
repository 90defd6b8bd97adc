package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/wolfman30/dentaldesk/internal/booking"
	"github.com/wolfman30/dentaldesk/internal/patients"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// BookingService is the subset of booking.Service the tools call.
type BookingService interface {
	Location() *time.Location
	Now() time.Time
	DefaultDuration() time.Duration
	ListDentists(ctx context.Context, specialty string) ([]booking.Dentist, error)
	GetDentist(ctx context.Context, id string) (*booking.Dentist, error)
	FindDentistByName(ctx context.Context, name string) (*booking.Dentist, error)
	FindAvailableSlots(ctx context.Context, q booking.SlotQuery) ([]booking.Slot, error)
	UpcomingAppointments(ctx context.Context, patientID string) ([]booking.Appointment, error)
	Book(ctx context.Context, req booking.BookRequest) (*booking.Appointment, error)
	Reschedule(ctx context.Context, req booking.RescheduleRequest) (*booking.Appointment, error)
	Cancel(ctx context.Context, req booking.CancelRequest) (*booking.Appointment, error)
}

// Auditor records mutating calls and rejected calls.
type Auditor interface {
	LogToolCall(ctx context.Context, conversationKey, tool, outcome string, details map[string]string) error
}

// Scope identifies where in a conversation a call was made.
type Scope struct {
	ConversationKey string
	Seq             int64
	Depth           int
}

// IdempotencyKey is the key synthesized for a mutating call at this position.
// Reprocessing the same inbound message reproduces the same keys.
func (s Scope) IdempotencyKey(tool string) string {
	return fmt.Sprintf("%s/%d/%d/%s", s.ConversationKey, s.Seq, s.Depth, tool)
}

// Call is a tool call requested by the model.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Result is the outcome of a call. Exactly one of Content and Error is set.
type Result struct {
	CallID  string          `json:"call_id,omitempty"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   *ToolError      `json:"error,omitempty"`
	// CloseReason asks the orchestrator to close the conversation once the
	// current message is committed.
	CloseReason string `json:"close_reason,omitempty"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Error == nil
}

// Text renders the result as the content of a tool turn.
func (r Result) Text() string {
	var payload any
	if r.Error != nil {
		payload = map[string]any{"ok": false, "error": r.Error}
	} else {
		payload = map[string]any{"ok": true, "result": r.Content}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":{"kind":%q,"message":"unrenderable result"}}`, KindValidation)
	}
	return string(raw)
}

// ErrorResult builds a failed result for call.
func ErrorResult(call Call, toolErr *ToolError) Result {
	return Result{CallID: call.ID, Name: call.Name, Error: toolErr}
}

type invocation struct {
	scope          Scope
	call           Call
	def            Definition
	patient        *patients.Patient
	idempotencyKey string
	closeReason    string
}

type handlerFunc func(ctx context.Context, inv *invocation) (any, error)

type registeredTool struct {
	def    Definition
	schema *gojsonschema.Schema
	handle handlerFunc
}

// Adapter validates tool calls against the catalog and dispatches them to the
// booking service. It holds no business state.
type Adapter struct {
	booking  BookingService
	patients patients.Repository
	logger   *logging.Logger
	auditor  Auditor
	tools    map[string]*registeredTool
	defs     []Definition
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAuditor records mutating and rejected calls.
func WithAuditor(a Auditor) AdapterOption {
	return func(ad *Adapter) {
		ad.auditor = a
	}
}

// NewAdapter compiles the catalog schemas and wires each tool to its handler.
func NewAdapter(bookingSvc BookingService, patientRepo patients.Repository, logger *logging.Logger, opts ...AdapterOption) *Adapter {
	if bookingSvc == nil {
		panic("tools: booking service required")
	}
	if patientRepo == nil {
		panic("tools: patient repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &Adapter{
		booking:  bookingSvc,
		patients: patientRepo,
		logger:   logger,
		tools:    make(map[string]*registeredTool),
	}
	for _, opt := range opts {
		opt(a)
	}

	handlers := a.handlers()
	for _, def := range Catalog() {
		handle, ok := handlers[def.Name]
		if !ok {
			panic(fmt.Sprintf("tools: no handler for %s", def.Name))
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Schema()))
		if err != nil {
			panic(fmt.Sprintf("tools: compile schema for %s: %v", def.Name, err))
		}
		a.tools[def.Name] = &registeredTool{def: def, schema: schema, handle: handle}
		a.defs = append(a.defs, def)
	}
	return a
}

// Definitions returns the published catalog.
func (a *Adapter) Definitions() []Definition {
	return append([]Definition(nil), a.defs...)
}

// Validate checks the tool name and arguments without running anything.
func (a *Adapter) Validate(call Call) *ToolError {
	_, toolErr := a.lookup(call)
	return toolErr
}

func (a *Adapter) lookup(call Call) (*registeredTool, *ToolError) {
	tool, ok := a.tools[call.Name]
	if !ok {
		return nil, validationError("unknown tool %q", call.Name)
	}
	args := call.Arguments
	if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	result, err := tool.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, validationError("arguments for %s are not valid JSON: %v", call.Name, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return nil, validationError("invalid arguments for %s: %s", call.Name, strings.Join(problems, "; "))
	}
	return tool, nil
}

// Invoke validates and runs a call. Domain failures come back as Result.Error;
// the returned error is reserved for infrastructure failures the caller
// should retry.
func (a *Adapter) Invoke(ctx context.Context, scope Scope, call Call) (Result, error) {
	logger := a.logger.ForConversation(scope.ConversationKey).With("tool", call.Name, "depth", scope.Depth, "seq", scope.Seq)

	tool, toolErr := a.lookup(call)
	if toolErr != nil {
		return a.Reject(ctx, scope, call, toolErr), nil
	}

	inv := &invocation{scope: scope, call: call, def: tool.def}
	if tool.def.NeedsRegistration {
		p, toolErr, err := a.registeredPatient(ctx, scope.ConversationKey)
		if err != nil {
			return Result{}, fmt.Errorf("tools: %s: load patient: %w", call.Name, err)
		}
		if toolErr != nil {
			logger.Info("tool call blocked until registration", "tool", call.Name)
			a.audit(ctx, scope, call.Name, string(toolErr.Kind), map[string]string{"message": toolErr.Message})
			return ErrorResult(call, toolErr), nil
		}
		inv.patient = p
	}
	if tool.def.Mutating {
		inv.idempotencyKey = a.idempotencyKey(scope, call)
	}

	payload, err := tool.handle(ctx, inv)
	toolErr, err = classify(err)
	if err != nil {
		logger.Error("tool call failed", "error", err)
		return Result{}, fmt.Errorf("tools: %s: %w", call.Name, err)
	}
	if toolErr != nil {
		logger.Info("tool call returned error", "kind", toolErr.Kind, "message", toolErr.Message)
		if tool.def.Mutating || toolErr.Kind == KindValidation {
			a.audit(ctx, scope, call.Name, string(toolErr.Kind), map[string]string{
				"message":         toolErr.Message,
				"idempotency_key": inv.idempotencyKey,
			})
		}
		return ErrorResult(call, toolErr), nil
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("tools: %s: encode result: %w", call.Name, err)
	}
	logger.Debug("tool call succeeded")
	if tool.def.Mutating {
		a.audit(ctx, scope, call.Name, "ok", map[string]string{"idempotency_key": inv.idempotencyKey})
	}
	return Result{CallID: call.ID, Name: call.Name, Content: content, CloseReason: inv.closeReason}, nil
}

// Reject records a call refused before it reached a handler and returns the
// error result the model will see.
func (a *Adapter) Reject(ctx context.Context, scope Scope, call Call, toolErr *ToolError) Result {
	a.logger.ForConversation(scope.ConversationKey).Warn("tool call rejected",
		"tool", call.Name, "seq", scope.Seq, "depth", scope.Depth, "kind", toolErr.Kind, "message", toolErr.Message)
	a.audit(ctx, scope, call.Name, string(toolErr.Kind), map[string]string{"message": toolErr.Message})
	return ErrorResult(call, toolErr)
}

func (a *Adapter) registeredPatient(ctx context.Context, key string) (*patients.Patient, *ToolError, error) {
	p, err := a.patients.GetByConversation(ctx, key)
	if errors.Is(err, patients.ErrPatientNotFound) {
		return nil, notRegistered(), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !p.Registered() {
		return nil, notRegistered(), nil
	}
	return p, nil, nil
}

func notRegistered() *ToolError {
	return validationError("patient is not registered yet: collect full name, age and gender and call %s first", ToolUpdatePatientProfile)
}

// idempotencyKey uses the caller's key under "<conversation>/caller/", or
// synthesizes one from the call position. The namespaces never overlap since
// synthesized keys always carry a numeric sequence after the conversation key.
func (a *Adapter) idempotencyKey(scope Scope, call Call) string {
	var args struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	_ = json.Unmarshal(call.Arguments, &args)
	if key := strings.TrimSpace(args.IdempotencyKey); key != "" {
		return scope.ConversationKey + "/caller/" + key
	}
	return scope.IdempotencyKey(call.Name)
}

func (a *Adapter) audit(ctx context.Context, scope Scope, tool, outcome string, details map[string]string) {
	if a.auditor == nil {
		return
	}
	if details == nil {
		details = map[string]string{}
	}
	details["seq"] = fmt.Sprint(scope.Seq)
	if err := a.auditor.LogToolCall(ctx, scope.ConversationKey, tool, outcome, details); err != nil {
		a.logger.Warn("failed to audit tool call", "tool", tool, "error", err)
	}
}

func decodeArgs[T any](inv *invocation) (T, error) {
	var args T
	raw := inv.call.Arguments
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, validationError("invalid arguments for %s: %v", inv.call.Name, err)
	}
	return args, nil
}
