package backend

import (
	"context"
	"strconv"
	"strings"

	"github.com/basket/mindmesh/internal/shared"
)

const codexDefaultModel = "gpt-5.2-codex"

// Codex invokes the Codex CLI in exec mode.
type Codex struct {
	opts Options
}

func NewCodex(opts Options) *Codex {
	if opts.Binary == "" {
		opts.Binary = "codex"
	}
	if opts.Model == "" {
		opts.Model = codexDefaultModel
	}
	return &Codex{opts: opts}
}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) Call(ctx context.Context, req Request) (*Result, error) {
	var args []string
	// Resume subcommand precedes exec.
	switch {
	case req.Continuation != "":
		args = append(args, "resume", req.Continuation)
	case req.ContinueLatest:
		args = append(args, "resume", "--last")
	}
	args = append(args,
		"exec",
		"--json",
		"--color", "never",
		"--model", c.opts.Model,
		"--full-auto",
	)
	dir := workDir(req, c.opts)
	if dir != "" {
		args = append(args, "--cd", dir)
	}
	args = append(args, c.opts.Args...)
	args = append(args, req.Prompt)

	env := map[string]string{}
	if req.Deadline > 0 {
		secs := (req.Deadline.Milliseconds() + 999) / 1000
		if secs < 1 {
			secs = 1
		}
		env["TOOL_TIMEOUT_SEC"] = strconv.FormatInt(secs, 10)
	}
	for k, v := range c.opts.Env {
		env[k] = v
	}

	res, err := run(ctx, invocation{
		binary: c.opts.Binary,
		args:   args,
		env:    env,
	}, req.Deadline)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(res.stdout) == "" && strings.TrimSpace(res.stderr) != "" {
		return nil, shared.Errorf(shared.ErrInvalidResponse, "codex produced no stdout: %s",
			shared.Truncate(strings.TrimSpace(res.stderr), errSnippetChars)).
			WithDiagnostics(res.stderr, diagnosticsChars)
	}
	if res.exitCode != 0 {
		return nil, exitFailure("codex", res)
	}

	sessionID, response := parseCodexStream(res.stdout)
	if response == "" {
		response = strings.TrimSpace(res.stdout)
	}
	if strings.TrimSpace(response) == "" {
		return nil, shared.Errorf(shared.ErrInvalidResponse, "empty codex response: no content captured").
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

func parseCodexStream(stdout string) (sessionID, response string) {
	var parts []string

	eachStreamLine(stdout, func(event map[string]interface{}) {
		if sessionID == "" {
			sessionID = stringField(event, "session_id")
		}
		if text := codexEventText(event); text != "" {
			parts = append(parts, text)
		}
	}, func(raw string) {
		parts = append(parts, raw)
	})

	return sessionID, strings.Join(parts, "")
}

func codexEventText(event map[string]interface{}) string {
	if text := firstString(event, "content", "output", "response", "text", "message"); text != "" {
		return text
	}
	if message, ok := event["message"].(map[string]interface{}); ok {
		return stringField(message, "content")
	}
	return ""
}
