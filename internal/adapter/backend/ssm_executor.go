package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/tracer"
)

// SSM documents used for managed instances.
const (
	DocumentShell      = "AWS-RunShellScript"
	DocumentPowerShell = "AWS-RunPowerShellScript"
)

// Executor defaults.
const (
	DefaultRetries        = 3
	DefaultRetryWait      = 5 * time.Second
	DefaultPollInterval   = 1500 * time.Millisecond
	DefaultPageLines      = 100
	DefaultTimeoutSeconds = 60
)

// ssmAPI is the subset of *ssm.Client the executor needs.
type ssmAPI interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// ExecutorConfig tunes the retry policy. Zero values select the defaults.
type ExecutorConfig struct {
	Retries      int
	RetryWait    time.Duration
	PollInterval time.Duration
	PageLines    int
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryWait <= 0 {
		c.RetryWait = DefaultRetryWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PageLines <= 0 {
		c.PageLines = DefaultPageLines
	}
	return c
}

// Command is one managed-instance invocation request.
type Command struct {
	InstanceID     string
	Command        string
	WorkDir        string
	Platform       domain.Platform
	TimeoutSeconds int32
}

// Document returns the SSM document for the command's platform.
func (c Command) Document() string {
	if c.Platform == domain.PlatformWindows {
		return DocumentPowerShell
	}
	return DocumentShell
}

// Formatted prefixes the working directory change in the syntax of the
// target shell.
func (c Command) Formatted() string {
	if c.WorkDir == "" {
		return c.Command
	}
	if c.Platform == domain.PlatformWindows {
		return "Set-Location -Path " + psQuote(c.WorkDir) + "; " + c.Command
	}
	return "cd " + shellQuote(c.WorkDir) + "; " + c.Command
}

// ManagedOutput is the settled result of one invocation.
type ManagedOutput struct {
	CommandID  string   `json:"commandId"`
	Status     string   `json:"status"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	ExitCode   int      `json:"exitCode"`
	Pages      []string `json:"pages"`
	TotalPages int      `json:"totalPages"`
}

// Result converts the output to the backend-neutral form.
func (o *ManagedOutput) Result() domain.ExecutionResult {
	return domain.ExecutionResult{
		Stdout:   o.Stdout,
		Stderr:   o.Stderr,
		ExitCode: o.ExitCode,
		Errored:  o.ExitCode != 0,
	}
}

// Executor runs commands on managed instances with a send then fetch
// protocol and a bounded retry policy.
type Executor struct {
	api    ssmAPI
	cfg    ExecutorConfig
	logger *slog.Logger

	// sleep waits between attempts; tests swap it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor wraps an SSM client.
func NewExecutor(api ssmAPI, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{api: api, cfg: cfg.withDefaults(), logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run submits cmd once and fetches its invocation, retrying up to
// cfg.Retries attempts in total with cfg.RetryWait between them. A command
// id obtained by an earlier attempt is reused so the command never runs
// twice. A Failed invocation with a positive response code settles the call
// as a command failure instead of being retried.
func (e *Executor) Run(ctx context.Context, cmd Command) (*ManagedOutput, error) {
	if strings.TrimSpace(cmd.Command) == "" {
		return nil, domain.NewSubSystemError("managed", "Executor.Run", domain.ErrInvalidInput, "no command provided for execution")
	}

	ctx, span := tracer.StartSpan(ctx, "backend.managed.run",
		trace.WithAttributes(
			tracer.StringAttr("instance_id", cmd.InstanceID),
			tracer.StringAttr("document", cmd.Document()),
		),
	)
	defer span.End()

	var (
		commandID string
		lastErr   error
	)
	for attempt := 1; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 1 {
			e.logger.Debug("managed command retry", "instance_id", cmd.InstanceID, "attempt", attempt, "of", e.cfg.Retries, "error", lastErr)
			if err := e.sleep(ctx, e.cfg.RetryWait); err != nil {
				return nil, err
			}
		}

		if commandID == "" {
			id, err := e.send(ctx, cmd)
			if err != nil {
				lastErr = err
				if isRetryable(err) {
					continue
				}
				break
			}
			commandID = id
		}

		out, err := e.fetch(ctx, commandID, cmd.InstanceID)
		if err == nil {
			span.SetAttributes(tracer.IntAttr("attempts", attempt), tracer.IntAttr("exit_code", out.ExitCode))
			tracer.SetOK(span)
			return out, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	tracer.RecordError(span, lastErr)
	return nil, domain.NewSubSystemError("managed", "Executor.Run", domain.ErrBackendTransport, lastErr.Error())
}

func (e *Executor) send(ctx context.Context, cmd Command) (string, error) {
	timeout := cmd.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	resp, err := e.api.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName:   aws.String(cmd.Document()),
		InstanceIds:    []string{cmd.InstanceID},
		Parameters:     map[string][]string{"commands": {cmd.Formatted()}},
		TimeoutSeconds: aws.Int32(timeout),
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Command == nil || aws.ToString(resp.Command.CommandId) == "" {
		return "", errors.New("failed to retrieve command response or CommandId is undefined")
	}
	return aws.ToString(resp.Command.CommandId), nil
}

// fetch reads the invocation once and classifies it.
func (e *Executor) fetch(ctx context.Context, commandID, instanceID string) (*ManagedOutput, error) {
	inv, err := e.api.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		return nil, err
	}

	out := e.output(commandID, inv)
	switch inv.Status {
	case ssmtypes.CommandInvocationStatusSuccess:
		if out.Stdout != "" || inv.ResponseCode == 0 {
			return out, nil
		}
	case ssmtypes.CommandInvocationStatusFailed:
		if inv.ResponseCode > 0 {
			return out, nil
		}
		return nil, statusError(inv.Status, false)
	case ssmtypes.CommandInvocationStatusCancelled, ssmtypes.CommandInvocationStatusTimedOut:
		return nil, statusError(inv.Status, false)
	}
	return nil, statusError(inv.Status, true)
}

func (e *Executor) output(commandID string, inv *ssm.GetCommandInvocationOutput) *ManagedOutput {
	stdout := aws.ToString(inv.StandardOutputContent)
	pages := Paginate(stdout, e.cfg.PageLines)
	return &ManagedOutput{
		CommandID:  commandID,
		Status:     string(inv.Status),
		Stdout:     stdout,
		Stderr:     aws.ToString(inv.StandardErrorContent),
		ExitCode:   int(inv.ResponseCode),
		Pages:      pages,
		TotalPages: len(pages),
	}
}

// statusErr describes a non-success invocation status.
type statusErr struct {
	status    ssmtypes.CommandInvocationStatus
	retryable bool
}

func (e *statusErr) Error() string {
	return fmt.Sprintf("command execution failed with status: %s", e.status)
}

func statusError(s ssmtypes.CommandInvocationStatus, retryable bool) error {
	return &statusErr{status: s, retryable: retryable}
}

// isRetryable reports whether another attempt may succeed.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusErr
	if errors.As(err, &se) {
		return se.retryable
	}
	var notYet *ssmtypes.InvocationDoesNotExist
	if errors.As(err, &notYet) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "InternalServerError", "ServiceUnavailable":
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	// Missing command id and network failures.
	return true
}

// Wait submits cmd once and polls every PollInterval until the invocation
// reaches a terminal status or timeout elapses. A timeout yields exit 124
// with stderr "SSM command timeout"; the remote command keeps running.
func (e *Executor) Wait(ctx context.Context, cmd Command, timeout time.Duration) (*ManagedOutput, error) {
	if strings.TrimSpace(cmd.Command) == "" {
		return nil, domain.NewSubSystemError("managed", "Executor.Wait", domain.ErrInvalidInput, "no command provided for execution")
	}
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds * time.Second
	}

	ctx, span := tracer.StartSpan(ctx, "backend.managed.wait",
		trace.WithAttributes(tracer.StringAttr("instance_id", cmd.InstanceID)),
	)
	defer span.End()

	commandID, err := e.send(ctx, cmd)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.NewSubSystemError("managed", "Executor.Wait", domain.ErrBackendTransport, err.Error())
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			span.SetAttributes(tracer.BoolAttr("timeout", true))
			return &ManagedOutput{
				CommandID:  commandID,
				Status:     string(ssmtypes.CommandInvocationStatusInProgress),
				Stderr:     "SSM command timeout",
				ExitCode:   domain.TimeoutExitCode,
				Pages:      []string{""},
				TotalPages: 1,
			}, nil
		case <-ticker.C:
		}

		inv, err := e.api.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(cmd.InstanceID),
		})
		if err != nil {
			if isRetryable(err) {
				continue
			}
			tracer.RecordError(span, err)
			return nil, domain.NewSubSystemError("managed", "Executor.Wait", domain.ErrBackendTransport, err.Error())
		}
		switch inv.Status {
		case ssmtypes.CommandInvocationStatusSuccess,
			ssmtypes.CommandInvocationStatusFailed,
			ssmtypes.CommandInvocationStatusCancelled,
			ssmtypes.CommandInvocationStatusTimedOut:
			out := e.output(commandID, inv)
			if inv.Status != ssmtypes.CommandInvocationStatusSuccess && out.ExitCode == 0 {
				out.ExitCode = 1
			}
			tracer.SetOK(span)
			return out, nil
		}
	}
}

// Paginate splits stdout into pages of n lines. Each line keeps its
// newline. Empty output is a single empty page.
func Paginate(stdout string, n int) []string {
	if n <= 0 {
		n = DefaultPageLines
	}
	lines := strings.SplitAfter(stdout, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return []string{""}
	}
	pages := make([]string, 0, (len(lines)+n-1)/n)
	for i := 0; i < len(lines); i += n {
		pages = append(pages, strings.Join(lines[i:min(i+n, len(lines))], ""))
	}
	return pages
}
