// Package delegate wraps backend calls with persistence: every successful
// invocation appends one exchange and advances the tool's session, atomically.
// Failed invocations leave no rows.
package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/mindmesh/internal/backend"
	"github.com/basket/mindmesh/internal/bus"
	"github.com/basket/mindmesh/internal/persistence"
	"github.com/basket/mindmesh/internal/shared"
)

// ContinuationMode selects how a session token is resolved for a call.
type ContinuationMode string

const (
	// ModeFresh starts a new backend session.
	ModeFresh ContinuationMode = "fresh"
	// ModeContinue resumes the tool's latest recorded session.
	ModeContinue ContinuationMode = "continue"
	// ModeResume resumes an explicit token.
	ModeResume ContinuationMode = "resume"
)

// Delegated prompts carry a context preamble so the callee knows its output
// returns to another agent rather than a human.
const federationPreamble = "[FEDERATION CONTEXT: You are being invoked as a subagent by the mindmesh orchestrator. Your output will be returned to the calling agent.]\n\n"

const observePrefix = "You are in OBSERVE mode. Analyze and report only. Do NOT make any file changes.\n\n"

// Options shapes one invocation.
type Options struct {
	Mode        ContinuationMode
	ResumeToken string
	WorkDir     string
	Deadline    time.Duration
	// Observe prepends a read-only instruction to the prompt.
	Observe bool
}

// Invocation is the outcome of a successful delegated call.
type Invocation struct {
	Response     string `json:"response"`
	Continuation string `json:"continuation,omitempty"`
	ExchangeID   string `json:"exchange_id"`
	Model        string `json:"model,omitempty"`
	LatencyMS    int64  `json:"latency_ms"`
}

// Resolver maps a tool name to its backend adapter.
type Resolver interface {
	Resolve(toolName string) (backend.Agent, error)
}

type Invoker struct {
	resolver         Resolver
	store            *persistence.Store
	bus              *bus.Bus
	logger           *slog.Logger
	maxResponseChars int
}

func New(resolver Resolver, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, maxResponseChars int) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxResponseChars <= 0 {
		maxResponseChars = 100_000
	}
	return &Invoker{
		resolver:         resolver,
		store:            store,
		bus:              eventBus,
		logger:           logger,
		maxResponseChars: maxResponseChars,
	}
}

// Invoke runs one delegated prompt through the tool's backend. The exchange
// and tool session land in the store only after the backend succeeds; a store
// write failure after a successful call is classified persistence_failure.
func (inv *Invoker) Invoke(ctx context.Context, toolName, prompt string, opts Options) (*Invocation, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}
	if opts.Mode == "" {
		opts.Mode = ModeFresh
	}
	if opts.Mode == ModeResume && opts.ResumeToken == "" {
		return nil, fmt.Errorf("resume mode requires a token")
	}

	agent, err := inv.resolver.Resolve(toolName)
	if err != nil {
		return nil, err
	}

	req := backend.Request{
		Prompt:   framePrompt(prompt, opts.Observe),
		WorkDir:  opts.WorkDir,
		Deadline: opts.Deadline,
	}
	switch opts.Mode {
	case ModeResume:
		req.Continuation = opts.ResumeToken
	case ModeContinue:
		session, err := inv.store.GetToolSession(ctx, toolName)
		if err != nil {
			return nil, shared.WrapErr(shared.ErrPersistenceFailure, err, "read tool session for %s", toolName)
		}
		// No recorded session means there is nothing to continue; start fresh
		// rather than resuming whatever the CLI ran last for someone else.
		if session != nil && session.LastContinuation != "" {
			req.Continuation = session.LastContinuation
		}
	}

	ctx = shared.WithToolName(ctx, toolName)
	result, err := agent.Call(ctx, req)
	if err != nil {
		inv.logger.Warn("backend call failed",
			"tool", toolName,
			"backend", agent.Name(),
			"error_kind", string(shared.KindOf(err)),
			"error", err.Error(),
		)
		return nil, err
	}

	response := result.Response
	if len(response) > inv.maxResponseChars {
		response = shared.Truncate(response, inv.maxResponseChars)
	}

	ex := &persistence.Exchange{
		Backend:              agent.Name(),
		Model:                result.Model,
		Prompt:               prompt,
		Response:             response,
		ToolName:             toolName,
		ContinuationUsed:     req.Continuation,
		ContinuationReturned: result.Continuation,
		LatencyMS:            result.LatencyMS,
		ExitStatus:           result.ExitStatus,
	}
	// A cancel observed before the write wins: nothing is persisted. Past
	// this check the write runs detached from cancellation, so a committed
	// exchange is never paired with a cancelled outcome.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, shared.WrapErr(shared.ErrCancelled, ctxErr,
			"%s call finished but the invocation was cancelled before recording", agent.Name())
	}
	if err := inv.store.RecordExchange(context.WithoutCancel(ctx), ex); err != nil {
		return nil, shared.WrapErr(shared.ErrPersistenceFailure, err,
			"backend %s succeeded but recording the exchange failed: %v", agent.Name(), err)
	}

	if inv.bus != nil {
		inv.bus.Publish(bus.TopicExchangeRecorded, bus.ExchangeEvent{
			ExchangeID:   ex.ID,
			ToolName:     toolName,
			Backend:      agent.Name(),
			Continuation: result.Continuation,
			LatencyMS:    result.LatencyMS,
		})
	}
	inv.logger.Info("exchange recorded",
		"tool", toolName,
		"backend", agent.Name(),
		"exchange_id", ex.ID,
		"latency_ms", result.LatencyMS,
	)

	return &Invocation{
		Response:     response,
		Continuation: result.Continuation,
		ExchangeID:   ex.ID,
		Model:        result.Model,
		LatencyMS:    result.LatencyMS,
	}, nil
}

func framePrompt(prompt string, observe bool) string {
	var b strings.Builder
	b.WriteString(federationPreamble)
	if observe {
		b.WriteString(observePrefix)
	}
	b.WriteString(prompt)
	return b.String()
}
