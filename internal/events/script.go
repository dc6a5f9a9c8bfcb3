package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

// maxStderr bounds the script stderr kept for the failure log.
const maxStderr = 1024

// ScriptConfig describes a single script hook.
type ScriptConfig struct {
	Selector
	Name    string
	Command string
	Timeout time.Duration
}

// ScriptRunner executes script hooks with bounded concurrency. When every
// slot is busy a new execution is dropped rather than queued.
type ScriptRunner struct {
	logger *slog.Logger
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScriptRunner creates a script runner allowing concurrency parallel scripts.
func NewScriptRunner(concurrency int, logger *slog.Logger) *ScriptRunner {
	if concurrency <= 0 {
		concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ScriptRunner{
		logger: logger,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run starts cfg for evt in the background. The script gets the event as
// ATHENA_* environment variables and as JSON on stdin.
func (r *ScriptRunner) Run(cfg ScriptConfig, evt Event) {
	if !r.sem.TryAcquire(1) {
		metrics.HookExecutions.WithLabelValues("script", "dropped").Inc()
		r.logger.Warn("script hook pool full, dropping execution",
			"hook_name", cfg.Name,
			"event", string(evt.Type))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		r.execute(cfg, evt)
	}()
}

func scriptEnv(cfg ScriptConfig, evt Event) []string {
	vars := evt.ToEnvVars()
	vars["ATHENA_HOOK_NAME"] = cfg.Name
	env := os.Environ()
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

func (r *ScriptRunner) execute(cfg ScriptConfig, evt Event) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("failed to marshal event for script stdin",
			"hook_name", cfg.Name, "error", err)
		return
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cfg.Command)
	cmd.Env = scriptEnv(cfg, evt)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)
	metrics.HookDuration.WithLabelValues("script").Observe(duration.Seconds())

	switch {
	case err == nil:
		metrics.HookExecutions.WithLabelValues("script", "success").Inc()
		r.logger.Debug("script hook completed",
			"hook_name", cfg.Name,
			"event", string(evt.Type),
			"link", evt.LinkName(),
			"duration", duration.String())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.HookExecutions.WithLabelValues("script", "timeout").Inc()
		r.logger.Error("script hook timed out, killed",
			"hook_name", cfg.Name,
			"command", cfg.Command,
			"timeout", timeout.String(),
			"event", string(evt.Type))
	default:
		metrics.HookExecutions.WithLabelValues("script", "error").Inc()
		msg := stderr.String()
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		r.logger.Error("script hook failed",
			"hook_name", cfg.Name,
			"command", cfg.Command,
			"error", err,
			"stderr", msg,
			"duration", duration.String(),
			"event", string(evt.Type))
	}
}

// Wait blocks until all running scripts complete.
func (r *ScriptRunner) Wait() {
	r.wg.Wait()
}

// Close kills running scripts and waits for them to exit.
func (r *ScriptRunner) Close() {
	r.cancel()
	r.wg.Wait()
}
