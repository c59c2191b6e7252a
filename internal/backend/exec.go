package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/basket/mindmesh/internal/shared"
)

// invocation describes one subprocess run.
type invocation struct {
	binary string
	args   []string
	dir    string
	env    map[string]string
}

// capture holds the raw outcome of a completed subprocess.
type capture struct {
	stdout   string
	stderr   string
	exitCode int
	latency  time.Duration
}

// run executes the invocation with a sanitized non-interactive environment
// (CI=true, TERM=dumb, NO_COLOR=1, stdin from /dev/null). The deadline is
// enforced by the context: when it expires the process is killed.
//
// Classification: spawn failures are unavailable, deadline expiry is timeout,
// parent-context cancellation is cancelled. A nonzero exit returns a capture
// alongside a nil error; the adapter classifies it with stderr in hand.
func run(ctx context.Context, inv invocation, deadline time.Duration) (*capture, error) {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.binary, inv.args...)
	cmd.Dir = inv.dir
	cmd.Env = buildEnv(inv.env)
	// Orphaned grandchildren can hold the output pipes open after the kill;
	// stop waiting on them shortly after the context ends.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &capture{
		stdout:  stdout.String(),
		stderr:  stderr.String(),
		latency: elapsed,
	}

	if err != nil {
		// Deadline and cancellation take precedence over the kill-induced
		// exit error.
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, shared.Errorf(shared.ErrTimeout, "%s timed out after %dms", inv.binary, deadline.Milliseconds()).
				WithDiagnostics(res.stderr, diagnosticsChars)
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, shared.WrapErr(shared.ErrCancelled, ctx.Err(), "%s cancelled", inv.binary)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.exitCode = exitErr.ExitCode()
			return res, nil
		}
		// Failed to start: missing binary, permission, bad workdir.
		return nil, shared.WrapErr(shared.ErrUnavailable, err, "failed to start %s: %v", inv.binary, err)
	}
	return res, nil
}

// buildEnv merges the process environment with the non-interactive
// sanitization vars and adapter extras. Extras win.
func buildEnv(extra map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	merged["CI"] = "true"
	merged["TERM"] = "dumb"
	merged["NO_COLOR"] = "1"
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// exitFailure converts a nonzero-exit capture into a classified error with a
// capped stderr snippet and an optional hint (auth, rate_limit).
func exitFailure(binary string, res *capture) error {
	hint := classifyExitHint(res.exitCode, res.stderr)
	suffix := ""
	if hint != "" {
		suffix = fmt.Sprintf(" (hint: %s)", hint)
	}
	return shared.Errorf(shared.ErrUnavailable, "%s exit %d: %s%s",
		binary, res.exitCode, shared.Truncate(strings.TrimSpace(res.stderr), errSnippetChars), suffix).
		WithDiagnostics(res.stderr, diagnosticsChars)
}

// classifyExitHint inspects exit-code-1 stderr for auth and rate-limit
// signatures. Other exit codes carry no hint.
func classifyExitHint(exitCode int, stderr string) string {
	if exitCode != 1 {
		return ""
	}
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "auth"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "device code"):
		return "auth"
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "quota"):
		return "rate_limit"
	}
	return ""
}
