package backend

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/basket/mindmesh/internal/shared"
)

// Gemini invokes the Gemini CLI. Model "auto" (or empty) lets the CLI route;
// otherwise -m is passed explicitly.
type Gemini struct {
	opts Options
}

func NewGemini(opts Options) *Gemini {
	if opts.Binary == "" {
		opts.Binary = "gemini"
	}
	if opts.Model == "" {
		opts.Model = "auto"
	}
	return &Gemini{opts: opts}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Call(ctx context.Context, req Request) (*Result, error) {
	args := []string{"-y"}
	if g.opts.Model != "" && g.opts.Model != "auto" {
		args = append(args, "-m", g.opts.Model)
	}
	args = append(args, "--output-format", "stream-json")
	// An explicit token resumes that session; bare --resume means latest.
	switch {
	case req.Continuation != "":
		args = append(args, "--resume", req.Continuation)
	case req.ContinueLatest:
		args = append(args, "--resume")
	}
	args = append(args, g.opts.Args...)
	args = append(args, req.Prompt)

	res, err := run(ctx, invocation{
		binary: g.opts.Binary,
		args:   args,
		dir:    workDir(req, g.opts),
		env:    g.opts.Env,
	}, req.Deadline)
	if err != nil {
		return nil, err
	}

	if res.exitCode != 0 {
		return nil, exitFailure("gemini", res)
	}

	parsed := parseGeminiStream(res.stdout)
	if parsed.errMessage != "" {
		return nil, shared.Errorf(shared.ErrInvalidResponse, "gemini stream error: %s",
			shared.Truncate(parsed.errMessage, errSnippetChars)).
			WithDiagnostics(res.stdout, diagnosticsChars)
	}
	response := strings.TrimSpace(stripANSI(parsed.content))
	if response == "" {
		return nil, shared.Errorf(shared.ErrInvalidResponse,
			"empty gemini response: no content captured. stdout: %s, stderr: %s",
			shared.Truncate(strings.TrimSpace(res.stdout), 200),
			shared.Truncate(strings.TrimSpace(res.stderr), 200)).
			WithDiagnostics(res.stdout, diagnosticsChars)
	}

	model := parsed.model
	if model == "" {
		model = g.opts.Model
	}
	return &Result{
		Response:     response,
		Continuation: parsed.sessionID,
		Model:        model,
		LatencyMS:    res.latency.Milliseconds(),
		ExitStatus:   res.exitCode,
	}, nil
}

// geminiEvent is one typed line of the gemini stream-json output.
type geminiEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Text      string `json:"text"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Delta     bool   `json:"delta"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type geminiParse struct {
	sessionID  string
	model      string
	content    string
	errMessage string
}

func parseGeminiStream(stdout string) geminiParse {
	var out geminiParse
	var buf strings.Builder
	replaced := ""

	eachStreamLine(stdout, func(raw map[string]interface{}) {
		// Re-decode through the typed event for the tagged fields.
		b, err := json.Marshal(raw)
		if err != nil {
			return
		}
		var ev geminiEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			return
		}
		switch ev.Type {
		case "init", "end":
			if out.sessionID == "" {
				out.sessionID = ev.SessionID
			}
			if ev.Model != "" {
				out.model = ev.Model
			}
		case "content":
			buf.WriteString(ev.Text)
		case "message":
			// Only assistant messages count; a non-delta message replaces
			// everything streamed so far.
			if ev.Role != "assistant" {
				return
			}
			if ev.Delta {
				buf.WriteString(ev.Content)
			} else {
				replaced = ev.Content
				buf.Reset()
			}
		case "error":
			out.errMessage = ev.Message
		}
	}, nil)

	if buf.Len() > 0 {
		out.content = replaced + buf.String()
	} else {
		out.content = replaced
	}
	return out
}
