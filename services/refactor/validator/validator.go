// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validator runs the configured verification command after a
// change is applied and classifies the outcome. A failed or errored or
// timed-out run is a result, not an error; errors are reserved for the
// runner itself being unable to execute.
package validator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// =============================================================================
// Classification
// =============================================================================

// Classification is the verification verdict.
type Classification string

const (
	// ClassPass means the command exited zero.
	ClassPass Classification = "pass"

	// ClassFail means the command exited 1, the conventional test-failure
	// exit code.
	ClassFail Classification = "fail"

	// ClassError means the command exited with any other non-zero code or
	// could not start. The environment is suspect, not the change.
	ClassError Classification = "error"

	// ClassTimeout means the command exceeded its deadline and was killed.
	ClassTimeout Classification = "timeout"

	// ClassSkipped means no command is configured. Counts as passed.
	ClassSkipped Classification = "skipped"
)

// =============================================================================
// Config
// =============================================================================

// Config controls verification runs.
type Config struct {
	// Command is the verification argv. Empty means validation is
	// intentionally disabled and every run is reported as skipped.
	Command []string

	// Timeout bounds a single run.
	Timeout time.Duration

	// WorkingDir is the directory the command runs in.
	WorkingDir string

	// MaxOutputBytes caps captured combined output.
	MaxOutputBytes int
}

// DefaultConfig returns conservative defaults with no command set.
func DefaultConfig() Config {
	return Config{
		Timeout:        5 * time.Minute,
		MaxOutputBytes: 256 * 1024,
	}
}

// =============================================================================
// Result
// =============================================================================

// Result is one verification run's outcome.
type Result struct {
	// Passed is true for pass and skipped classifications.
	Passed bool

	// Classification is the verdict.
	Classification Classification

	// Output is combined stdout and stderr, possibly truncated.
	Output string

	// Truncated reports whether output hit the capture cap.
	Truncated bool

	// ExitCode is the process exit code, -1 when it never ran or was
	// killed by signal.
	ExitCode int

	// Duration is wall time for the run.
	Duration time.Duration
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes verification commands.
//
// # Thread Safety
// Safe for concurrent use. Each run spawns an independent process.
type Runner struct {
	config Config
	logger *slog.Logger
}

// NewRunner creates a Runner. A nil logger falls back to slog.Default.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{config: cfg, logger: logger}
}

// Run executes the configured command once and classifies the result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if len(r.config.Command) == 0 {
		r.logger.Debug("verification disabled, reporting skipped")
		return &Result{Passed: true, Classification: ClassSkipped, ExitCode: 0}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.config.Command[0], r.config.Command[1:]...)
	if r.config.WorkingDir != "" {
		cmd.Dir = r.config.WorkingDir
	}

	// Run in its own process group so a timeout kills the whole tree,
	// not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	var buf bytes.Buffer
	limited := &limitedWriter{w: &buf, limit: r.config.MaxOutputBytes}
	cmd.Stdout = limited
	cmd.Stderr = limited

	r.logger.Debug("running verification",
		"command", r.config.Command,
		"timeout", r.config.Timeout)

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Output:    buf.String(),
		Truncated: limited.truncated,
		Duration:  time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Classification = ClassTimeout
		result.ExitCode = -1
		r.logger.Warn("verification timed out", "timeout", r.config.Timeout)
		return result, nil
	}

	switch {
	case err == nil:
		result.ExitCode = 0
		result.Passed = true
		result.Classification = ClassPass
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if result.ExitCode == 1 {
				result.Classification = ClassFail
			} else {
				result.Classification = ClassError
			}
		} else {
			// Could not start at all.
			result.ExitCode = -1
			result.Classification = ClassError
			result.Output = err.Error()
		}
	}

	r.logger.Info("verification finished",
		"classification", string(result.Classification),
		"exit_code", result.ExitCode,
		"duration", result.Duration,
		"output_bytes", len(result.Output))
	return result, nil
}

// =============================================================================
// Limited Writer
// =============================================================================

// limitedWriter discards writes past its limit without failing the
// producing process.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	// The caller's copy loop treats a short count as io.ErrShortWrite,
	// so the full input length is always reported as consumed.
	full := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return full, nil
	}
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.written += n
	if err != nil {
		return n, err
	}
	return full, nil
}
