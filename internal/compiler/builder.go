package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Norgate-AV/compilerd/internal/cache"
	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/request"
)

// RunResult is the outcome of one process invocation
type RunResult struct {
	Code     int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner executes a command. Failing to start the process is an error; a
// non-zero exit is not.
type Runner interface {
	Run(ctx context.Context, cmd *ShellCommand, stdin string) (RunResult, error)
}

// execRunner runs commands with os/exec
type execRunner struct{}

func (execRunner) Run(ctx context.Context, sc *ShellCommand, stdin string) (RunResult, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, sc.Path, sc.Args...)
	cmd.Dir = sc.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
			res.TimedOut = ctx.Err() != nil
			return res, nil
		}

		return res, err
	}

	return res, nil
}

// ProcessDriver runs a local toolchain executable in a scratch directory
type ProcessDriver struct {
	info        Info
	runner      Runner
	executables *cache.Tiered
}

// NewProcessDriver creates a driver for info. executables caches built
// binaries between runs and may be nil.
func NewProcessDriver(info Info, executables *cache.Tiered) *ProcessDriver {
	if len(info.Args) == 0 {
		info.Args = DefaultArgs
	}

	if len(info.ExecArgs) == 0 {
		info.ExecArgs = DefaultExecArgs
	}

	if info.VersionFlag == "" {
		info.VersionFlag = DefaultVersionFlag
	}

	if info.SourceName == "" {
		info.SourceName = DefaultSourceName
	}

	return &ProcessDriver{
		info:        info,
		runner:      execRunner{},
		executables: executables,
	}
}

// WithRunner replaces the process runner, for tests
func (d *ProcessDriver) WithRunner(r Runner) *ProcessDriver {
	d.runner = r
	return d
}

func (d *ProcessDriver) Info() Info {
	return d.info
}

// Version runs the compiler with its version flag and returns the first line
// of output
func (d *ProcessDriver) Version(ctx context.Context) (string, error) {
	if d.info.Version != "" {
		return d.info.Version, nil
	}

	res, err := d.runner.Run(ctx, &ShellCommand{Path: d.info.Exe, Args: []string{d.info.VersionFlag}}, "")
	if err != nil {
		return "", fmt.Errorf("failed to query %s version: %w", d.info.ID, err)
	}

	out := splitLines(res.Stdout)
	if len(out) == 0 {
		out = splitLines(res.Stderr)
	}

	if len(out) == 0 {
		return "", fmt.Errorf("compiler %s printed no version", d.info.ID)
	}

	return out[0], nil
}

func (d *ProcessDriver) Compile(ctx context.Context, task Task) (*Result, error) {
	req := task.Request
	logger := logging.FromContext(ctx).WithValues("compiler", d.info.ID)

	dir, err := os.MkdirTemp("", "compilerd-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	source, err := WriteInputs(dir, d.info.SourceName, req)
	if err != nil {
		return FailedResult(err.Error()), nil
	}

	output := filepath.Join(dir, "output.s")
	cmd, err := GetBuildCommand(d.info, d.info.Args, req.UserArguments, dir, source, output)
	if err != nil {
		return FailedResult(err.Error()), nil
	}

	logger.V(logging.DEBUG).Info("Running compiler", "command", cmd.String())

	start := time.Now()
	res, err := d.runner.Run(ctx, cmd, "")
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if err != nil {
		return FailedResult(fmt.Sprintf("failed to run compiler: %v", err)), nil
	}

	result := &Result{
		Code:            res.Code,
		Stdout:          splitLines(res.Stdout),
		Stderr:          splitLines(res.Stderr),
		CompilationTime: time.Since(start),
	}

	if asm, err := os.ReadFile(output); err == nil {
		for _, line := range splitLines(string(asm)) {
			result.Asm = append(result.Asm, AsmLine{Text: line})
		}
	} else if result.Succeeded() {
		inputs := map[string]bool{filepath.Base(source): true}
		found, _ := CollectOutputs(dir, inputs)
		logger.V(logging.DEBUG).Info("Compiler produced no assembly output", "outputs", found)
	}

	if result.Succeeded() && req.WantsExecution() {
		execResult, err := d.execute(ctx, task, dir, source)
		if err != nil {
			return nil, err
		}

		result.Exec = execResult
	}

	return result, nil
}

// execute builds (or restores) the executable and runs it
func (d *ProcessDriver) execute(ctx context.Context, task Task, dir, source string) (*ExecResult, error) {
	req := task.Request
	binary := filepath.Join(dir, "output.bin")
	cached := false

	var key string
	if d.executables != nil && d.executables.Enabled() {
		key = request.ExecutableKey(req, task.Version).String()
	}

	if key != "" && req.Bypass == request.BypassNone {
		if entry, ok := d.executables.Get(ctx, key); ok {
			if err := writeFile(binary, entry.Payload, 0o755); err == nil {
				cached = true
			}
		}
	}

	if !cached {
		cmd, err := GetBuildCommand(d.info, d.info.ExecArgs, req.UserArguments, dir, source, binary)
		if err != nil {
			return &ExecResult{Code: -1, Stderr: []string{err.Error()}}, nil
		}

		res, err := d.runner.Run(ctx, cmd, "")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if err != nil || res.Code != 0 {
			msg := res.Stderr
			if err != nil {
				msg = err.Error()
			}

			return &ExecResult{Code: -1, Stderr: append([]string{"Build for execution failed"}, splitLines(msg)...)}, nil
		}

		if key != "" && req.Bypass != request.BypassCompilation {
			if data, err := os.ReadFile(binary); err == nil {
				d.executables.Put(ctx, key, data)
			}
		}
	}

	var args []string
	var stdin string
	if req.Execute != nil {
		args = req.Execute.Args
		stdin = req.Execute.Stdin
	}

	res, err := d.runner.Run(ctx, &ShellCommand{Path: binary, Args: args, Dir: dir}, stdin)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if err != nil {
		return &ExecResult{Code: -1, Stderr: []string{fmt.Sprintf("failed to run executable: %v", err)}, Cached: cached}, nil
	}

	return &ExecResult{
		Code:     res.Code,
		Stdout:   splitLines(res.Stdout),
		Stderr:   splitLines(res.Stderr),
		TimedOut: res.TimedOut,
		Cached:   cached,
	}, nil
}
