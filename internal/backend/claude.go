package backend

import (
	"context"
	"strconv"
	"strings"

	"github.com/basket/mindmesh/internal/shared"
)

const claudeFallbackModel = "claude-haiku-4-5"

// Claude invokes the Claude Code CLI. The model is selected via the
// ANTHROPIC_MODEL env var; the CLI has no --model flag.
type Claude struct {
	opts Options
}

func NewClaude(opts Options) *Claude {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.Model == "" {
		opts.Model = claudeFallbackModel
	}
	return &Claude{opts: opts}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Call(ctx context.Context, req Request) (*Result, error) {
	args := []string{
		"-p", req.Prompt,
		"--dangerously-skip-permissions",
		// Required when combining stream-json with -p.
		"--verbose",
		"--output-format", "stream-json",
	}
	switch {
	case req.Continuation != "":
		args = append(args, "--resume", req.Continuation)
	case req.ContinueLatest:
		args = append(args, "-c")
	}
	args = append(args, c.opts.Args...)

	env := map[string]string{"ANTHROPIC_MODEL": c.opts.Model}
	if req.Deadline > 0 {
		env["MCP_TOOL_TIMEOUT"] = strconv.FormatInt(req.Deadline.Milliseconds(), 10)
	}
	for k, v := range c.opts.Env {
		env[k] = v
	}

	res, err := run(ctx, invocation{
		binary: c.opts.Binary,
		args:   args,
		dir:    workDir(req, c.opts),
		env:    env,
	}, req.Deadline)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(res.stdout) == "" && strings.TrimSpace(res.stderr) != "" {
		return nil, shared.Errorf(shared.ErrInvalidResponse, "claude produced no stdout: %s",
			shared.Truncate(strings.TrimSpace(res.stderr), errSnippetChars)).
			WithDiagnostics(res.stderr, diagnosticsChars)
	}
	if res.exitCode != 0 {
		return nil, exitFailure("claude", res)
	}

	sessionID, response, isError := parseClaudeStream(res.stdout)
	if response == "" {
		response = strings.TrimSpace(res.stdout)
	}
	if isError {
		return nil, shared.Errorf(shared.ErrInvalidResponse, "claude returned error: %s",
			shared.Truncate(response, errSnippetChars)).
			WithDiagnostics(res.stdout, diagnosticsChars)
	}
	if strings.TrimSpace(response) == "" {
		return nil, shared.Errorf(shared.ErrInvalidResponse, "empty claude response: no content captured").
			WithDiagnostics(res.stdout, diagnosticsChars)
	}

	return &Result{
		Response:     response,
		Continuation: sessionID,
		Model:        c.opts.Model,
		LatencyMS:    res.latency.Milliseconds(),
		ExitStatus:   res.exitCode,
	}, nil
}

// parseClaudeStream decodes the stream-json NDJSON output: session id under
// several key spellings, assistant text from result/message/delta shapes, and
// isError flags from the MCP result envelope.
func parseClaudeStream(stdout string) (sessionID, response string, isError bool) {
	var parts []string

	eachStreamLine(stdout, func(event map[string]interface{}) {
		if boolField(event, "isError") {
			isError = true
		}
		if result, ok := event["result"].(map[string]interface{}); ok {
			if boolField(result, "isError") {
				isError = true
			}
			if text := contentText(result["content"]); text != "" {
				parts = append(parts, text)
				return
			}
		}
		if sessionID == "" {
			sessionID = firstString(event, "session_id", "sessionId", "conversation_id", "thread_id")
		}
		if text := claudeEventText(event); text != "" {
			parts = append(parts, text)
		}
	}, func(raw string) {
		parts = append(parts, raw)
	})

	return sessionID, strings.Join(parts, ""), isError
}

func claudeEventText(event map[string]interface{}) string {
	if message, ok := event["message"].(map[string]interface{}); ok {
		if text := contentText(message["content"]); text != "" {
			return text
		}
	}
	if delta, ok := event["delta"].(map[string]interface{}); ok {
		if text := stringField(delta, "text"); text != "" {
			return text
		}
	}
	return firstString(event, "content", "output", "response", "text")
}

func workDir(req Request, opts Options) string {
	if req.WorkDir != "" {
		return req.WorkDir
	}
	return opts.WorkDir
}
