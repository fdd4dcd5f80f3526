package renderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

const maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics

// runCommand runs bin with args, feeding stdin and copying stdout when set.
// Stderr is kept as a bounded tail.
func runCommand(ctx context.Context, logger *slog.Logger, stdin io.Reader, stdout io.Writer, bin string, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdin = stdin
	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = io.Discard
	}

	err := cmd.Run()
	elapsed := time.Since(start)

	res := RunResult{StderrTail: stderrBuf.String(), Duration: elapsed}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
		if ctxErr := context.Cause(ctx); ctx.Err() != nil {
			res.Err = ctxErr
			if !errors.Is(ctxErr, ctx.Err()) {
				res.Err = fmt.Errorf("%w: %w", ctx.Err(), ctxErr)
			}
		}
	}

	if logger != nil && !res.IsSuccess() && res.Err == nil {
		logger.Debug("subprocess failed",
			"bin", bin,
			"exit_code", res.ExitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(res.StderrTail, 512),
		)
	}
	return res
}

// resolveBinary finds preferred, or the first fallback name on PATH.
func resolveBinary(preferred string, fallbacks ...string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: configured binary %q", ErrBinaryNotFound, preferred)
	}
	for _, name := range fallbacks {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrBinaryNotFound, fallbacks)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
