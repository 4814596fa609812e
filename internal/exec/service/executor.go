// Package service exposes the caller-facing execution operation.
package service

import (
	"context"
	"io"
	"strings"

	"runbox/internal/exec/execresult"
	"runbox/internal/exec/iopump"
	"runbox/internal/exec/limits"
	"runbox/internal/exec/profile"
	"runbox/internal/exec/sandbox"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// ExecRequest is one submitted execution job.
type ExecRequest struct {
	LanguageID string               `json:"language_id"`
	Files      []sandbox.SourceFile `json:"files,omitempty"`
	Bundle     []byte               `json:"bundle,omitempty"`
	Stdin      string               `json:"stdin,omitempty"`
	Limits     limits.Overrides     `json:"limits,omitempty"`
	TimeoutMs  int64                `json:"timeout_ms,omitempty"`
}

// ProfileResolver resolves language ids to runtime profiles.
type ProfileResolver interface {
	Resolve(languageID string) (profile.RuntimeProfile, error)
	Languages() []string
}

// LimitComputer merges defaults and overrides into an effective limit set.
type LimitComputer interface {
	Compute(languageID string, ov limits.Overrides) (limits.LimitSet, error)
}

// Controller is the sandbox lifecycle surface the executor drives.
type Controller interface {
	Create(ctx context.Context, prof profile.RuntimeProfile, lim limits.LimitSet, payload sandbox.Payload) (*sandbox.Handle, error)
	Start(ctx context.Context, h *sandbox.Handle, stdin io.Reader, obs iopump.Observer) (*iopump.Streams, error)
	Await(ctx context.Context, h *sandbox.Handle, streams *iopump.Streams) (execresult.Terminal, error)
	Destroy(ctx context.Context, h *sandbox.Handle)
}

// Executor turns an execution request into exactly one result or one typed
// error. It owns no state of its own; every sandbox it creates is destroyed
// on every exit path.
type Executor struct {
	registry   ProfileResolver
	limiter    LimitComputer
	controller Controller
}

// NewExecutor creates an executor.
func NewExecutor(registry ProfileResolver, limiter LimitComputer, controller Controller) *Executor {
	return &Executor{registry: registry, limiter: limiter, controller: controller}
}

// Languages lists the supported language ids.
func (e *Executor) Languages() []string {
	return e.registry.Languages()
}

// Execute runs one submission to completion.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (execresult.ExecutionResult, error) {
	return e.execute(ctx, req, nil)
}

// ExecuteStream runs one submission, delivering output chunks to obs as they
// are produced. The returned result still carries the capped capture.
func (e *Executor) ExecuteStream(ctx context.Context, req ExecRequest, obs iopump.Observer) (execresult.ExecutionResult, error) {
	return e.execute(ctx, req, obs)
}

func (e *Executor) execute(ctx context.Context, req ExecRequest, obs iopump.Observer) (execresult.ExecutionResult, error) {
	if err := validateRequest(req); err != nil {
		return execresult.ExecutionResult{}, err
	}

	// Rejections happen before any resource is acquired.
	prof, err := e.registry.Resolve(req.LanguageID)
	if err != nil {
		return execresult.ExecutionResult{}, err
	}
	ov := req.Limits
	if req.TimeoutMs != 0 {
		ov.WallTimeMs = req.TimeoutMs
	}
	lim, err := e.limiter.Compute(req.LanguageID, ov)
	if err != nil {
		return execresult.ExecutionResult{}, err
	}

	handle, err := e.controller.Create(ctx, prof, lim, sandbox.Payload{
		Files:  req.Files,
		Bundle: req.Bundle,
	})
	if err != nil {
		return execresult.ExecutionResult{}, err
	}
	defer e.controller.Destroy(ctx, handle)

	logger.Info(ctx, "sandbox created",
		zap.String("sandbox", handle.ID),
		zap.String("language", req.LanguageID),
		zap.Int64("wall_time_ms", lim.WallTimeMs))

	var stdin io.Reader
	if req.Stdin != "" {
		stdin = strings.NewReader(req.Stdin)
	}
	streams, err := e.controller.Start(ctx, handle, stdin, obs)
	if err != nil {
		return execresult.ExecutionResult{}, err
	}

	term, err := e.controller.Await(ctx, handle, streams)
	if err != nil {
		return execresult.ExecutionResult{}, err
	}

	res := execresult.Assemble(term, streams.Stdout, streams.Stderr)
	logger.Info(ctx, "execution finished",
		zap.String("sandbox", handle.ID),
		zap.String("classification", string(res.Classification)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int64("wall_time_ms", res.WallTimeMs))
	return res, nil
}

func validateRequest(req ExecRequest) error {
	if req.LanguageID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if len(req.Files) == 0 && len(req.Bundle) == 0 {
		return appErr.ValidationError("files", "source payload is required")
	}
	if req.TimeoutMs < 0 {
		return appErr.ValidationError("timeout_ms", "must not be negative")
	}
	return nil
}
