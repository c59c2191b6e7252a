// Package backend adapts external CLI agents (claude, codex, gemini) behind a
// single capability interface. Adapters build non-interactive invocations,
// enforce deadlines by killing the subprocess, and decode NDJSON stream
// output into a uniform Result.
package backend

import (
	"context"
	"time"
)

// Agent is the capability interface implemented by every backend adapter.
// Callers never branch on backend identity.
type Agent interface {
	// Name returns the backend identifier ("claude", "codex", "gemini").
	Name() string

	// Call runs one prompt to completion. Errors are classified: unavailable,
	// timeout, or invalid_response (see shared.ErrKind).
	Call(ctx context.Context, req Request) (*Result, error)
}

// Request carries one delegated prompt.
type Request struct {
	Prompt string

	// Continuation is the opaque resume token from a prior exchange. Empty
	// with ContinueLatest false starts a fresh session.
	Continuation string

	// ContinueLatest resumes the backend's most recent session when no
	// explicit token is given.
	ContinueLatest bool

	// WorkDir is the subprocess working directory. Empty uses the adapter's
	// configured default.
	WorkDir string

	// Deadline bounds the whole invocation. The subprocess is killed when it
	// expires.
	Deadline time.Duration
}

// Result is a successful backend response.
type Result struct {
	Response     string
	Continuation string // token for resuming this session, may be empty
	Model        string
	LatencyMS    int64
	ExitStatus   int
}

// Options configures one adapter instance.
type Options struct {
	Binary  string
	Model   string
	Args    []string // appended after built-in flags
	Env     map[string]string
	WorkDir string // default working directory
}

const (
	// stderr snippets embedded in error messages are capped short; the full
	// (still bounded) capture goes to Diagnostics.
	errSnippetChars       = 500
	diagnosticsChars      = 10 * 1024
	responseFallbackChars = 2000
)
