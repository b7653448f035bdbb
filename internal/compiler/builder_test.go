package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/compilerd/internal/cache"
	"github.com/Norgate-AV/compilerd/internal/request"
)

// mockRunner implements Runner for testing
type mockRunner struct {
	mu      sync.Mutex
	calls   []*ShellCommand
	runFunc func(cmd *ShellCommand, stdin string) (RunResult, error)
}

func (m *mockRunner) Run(_ context.Context, cmd *ShellCommand, stdin string) (RunResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	m.mu.Unlock()

	return m.runFunc(cmd, stdin)
}

func (m *mockRunner) Calls() []*ShellCommand {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*ShellCommand(nil), m.calls...)
}

// outputArg returns the argument following -o
func outputArg(cmd *ShellCommand) string {
	for i, a := range cmd.Args {
		if a == "-o" && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}

	return ""
}

// compilingRunner writes asm to the -o path for compile commands and answers
// executable runs with a fixed stdout
func compilingRunner(asm string) *mockRunner {
	return &mockRunner{
		runFunc: func(cmd *ShellCommand, stdin string) (RunResult, error) {
			if out := outputArg(cmd); out != "" {
				return RunResult{}, os.WriteFile(out, []byte(asm), 0o755)
			}

			if filepath.Base(cmd.Path) == "output.bin" {
				return RunResult{Stdout: "ran with " + stdin + "\n"}, nil
			}

			return RunResult{}, nil
		},
	}
}

func newRequest(t *testing.T, r request.CompilationRequest) *request.CompilationRequest {
	t.Helper()

	if r.CompilerID == "" {
		r.CompilerID = "gcc"
	}

	req, err := request.New(r)
	require.NoError(t, err)

	return req
}

func TestGetBuildCommand(t *testing.T) {
	tests := []struct {
		name        string
		info        Info
		template    []string
		user        string
		wantArgs    []string
		wantErr     bool
		errContains string
	}{
		{
			name:     "default template",
			info:     Info{ID: "gcc", Exe: "/usr/bin/gcc"},
			template: DefaultArgs,
			user:     "-O2 -Wall",
			wantArgs: []string{"-O2", "-Wall", "-S", "-o", "/w/out.s", "/w/example.c"},
		},
		{
			name:     "user options keep their order",
			info:     Info{ID: "gcc", Exe: "/usr/bin/gcc"},
			template: DefaultArgs,
			user:     "-Wall -O2",
			wantArgs: []string{"-Wall", "-O2", "-S", "-o", "/w/out.s", "/w/example.c"},
		},
		{
			name:     "placeholders inside tokens",
			info:     Info{ID: "rustc", Exe: "rustc"},
			template: []string{"--emit=asm={output}", "--out-dir={dir}", "{source}", "{user}"},
			user:     "",
			wantArgs: []string{"--emit=asm=/w/out.s", "--out-dir=/w", "/w/example.c"},
		},
		{
			name:        "missing executable",
			info:        Info{ID: "ghost"},
			template:    DefaultArgs,
			wantErr:     true,
			errContains: "no executable configured",
		},
		{
			name:        "unterminated quote",
			info:        Info{ID: "gcc", Exe: "/usr/bin/gcc"},
			template:    DefaultArgs,
			user:        `-DNAME='x`,
			wantErr:     true,
			errContains: "failed to split arguments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := GetBuildCommand(tt.info, tt.template, tt.user, "/w", "/w/example.c", "/w/out.s")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.info.Exe, cmd.Path)
			assert.Equal(t, tt.wantArgs, cmd.Args)
			assert.Equal(t, "/w", cmd.Dir)
		})
	}
}

func TestProcessDriver_Compile(t *testing.T) {
	runner := compilingRunner("main:\n  ret\n")
	d := NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil).WithRunner(runner)

	req := newRequest(t, request.CompilationRequest{
		Source:        "int main(){}",
		UserArguments: "-O2",
		Files:         []request.File{{Filename: "inc/a.h", Contents: "#pragma once"}},
	})

	res, err := d.Compile(context.Background(), Task{Request: req, Version: "13"})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Code)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []AsmLine{{Text: "main:"}, {Text: "  ret"}}, res.Asm)
	assert.Nil(t, res.Exec)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "-O2", calls[0].Args[0])
}

func TestProcessDriver_CompileFailureIsAResult(t *testing.T) {
	runner := &mockRunner{
		runFunc: func(*ShellCommand, string) (RunResult, error) {
			return RunResult{Code: 1, Stderr: "example.c:1: error: expected ';'\n"}, nil
		},
	}
	d := NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil).WithRunner(runner)

	res, err := d.Compile(context.Background(), Task{Request: newRequest(t, request.CompilationRequest{Source: "int"})})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Code)
	assert.False(t, res.Succeeded())
	assert.Equal(t, []string{"example.c:1: error: expected ';'"}, res.Stderr)
	assert.Empty(t, res.Asm)
}

func TestProcessDriver_StartFailureIsAResult(t *testing.T) {
	runner := &mockRunner{
		runFunc: func(*ShellCommand, string) (RunResult, error) {
			return RunResult{}, errors.New("exec: \"gcc\": executable file not found")
		},
	}
	d := NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil).WithRunner(runner)

	res, err := d.Compile(context.Background(), Task{Request: newRequest(t, request.CompilationRequest{})})
	require.NoError(t, err)

	assert.Equal(t, -1, res.Code)
	require.Len(t, res.Stderr, 1)
	assert.Contains(t, res.Stderr[0], "executable file not found")
}

func TestProcessDriver_CancelledContextIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &mockRunner{
		runFunc: func(*ShellCommand, string) (RunResult, error) {
			cancel()
			return RunResult{Code: -1}, nil
		},
	}
	d := NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil).WithRunner(runner)

	_, err := d.Compile(ctx, Task{Request: newRequest(t, request.CompilationRequest{})})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcessDriver_RejectsEscapingFiles(t *testing.T) {
	d := NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil).WithRunner(compilingRunner(""))

	req := newRequest(t, request.CompilationRequest{
		Files: []request.File{{Filename: "../../etc/passwd", Contents: "x"}},
	})

	res, err := d.Compile(context.Background(), Task{Request: req})
	require.NoError(t, err)
	assert.Equal(t, -1, res.Code)
	assert.Contains(t, res.Stderr[0], "escapes the work directory")
}

func TestProcessDriver_ExecutionUsesExecutableCache(t *testing.T) {
	mem, err := cache.NewMemoryTier(10, 0)
	require.NoError(t, err)
	executables := cache.New(cache.ChannelExecutable, logr.Discard(), mem)

	runner := compilingRunner("asm")
	d := NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, executables).WithRunner(runner)

	req := newRequest(t, request.CompilationRequest{
		Source:  "int main(){}",
		Execute: &request.ExecuteParameters{Stdin: "42"},
	})

	first, err := d.Compile(context.Background(), Task{Request: req, Version: "13"})
	require.NoError(t, err)
	require.NotNil(t, first.Exec)
	assert.False(t, first.Exec.Cached)
	assert.Equal(t, []string{"ran with 42"}, first.Exec.Stdout)
	assert.Len(t, runner.Calls(), 3, "compile, build, run")
	assert.Equal(t, 1, mem.Len())

	// Different stdin reuses the same binary
	req2 := newRequest(t, request.CompilationRequest{
		Source:  "int main(){}",
		Execute: &request.ExecuteParameters{Stdin: "7"},
	})

	second, err := d.Compile(context.Background(), Task{Request: req2, Version: "13"})
	require.NoError(t, err)
	require.NotNil(t, second.Exec)
	assert.True(t, second.Exec.Cached)
	assert.Equal(t, []string{"ran with 7"}, second.Exec.Stdout)
	assert.Len(t, runner.Calls(), 5, "compile and run only")
}

func TestProcessDriver_BypassExecutionSkipsExecutableRead(t *testing.T) {
	mem, err := cache.NewMemoryTier(10, 0)
	require.NoError(t, err)
	executables := cache.New(cache.ChannelExecutable, logr.Discard(), mem)

	runner := compilingRunner("asm")
	d := NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, executables).WithRunner(runner)

	base := request.CompilationRequest{Source: "int main(){}", Execute: &request.ExecuteParameters{}}
	_, err = d.Compile(context.Background(), Task{Request: newRequest(t, base), Version: "13"})
	require.NoError(t, err)

	base.Bypass = request.BypassExecution
	res, err := d.Compile(context.Background(), Task{Request: newRequest(t, base), Version: "13"})
	require.NoError(t, err)

	assert.False(t, res.Exec.Cached)
	assert.Len(t, runner.Calls(), 6)
}

func TestProcessDriver_Version(t *testing.T) {
	runner := &mockRunner{
		runFunc: func(cmd *ShellCommand, _ string) (RunResult, error) {
			assert.Equal(t, []string{"--version"}, cmd.Args)
			return RunResult{Stdout: "gcc (GCC) 13.2.0\nCopyright\n"}, nil
		},
	}
	d := NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil).WithRunner(runner)

	v, err := d.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gcc (GCC) 13.2.0", v)

	pinned := NewProcessDriver(Info{ID: "gcc", Exe: "gcc", Version: "pinned"}, nil).WithRunner(runner)
	v, err = pinned.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pinned", v)
	assert.Len(t, runner.Calls(), 1)
}

func TestResult_EncodeDecode(t *testing.T) {
	r := &Result{Code: 0, Asm: []AsmLine{{Text: "ret"}}, Cached: true}

	data, err := r.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, r.Asm, got.Asm)
	assert.False(t, got.Cached, "Cached is never persisted")
}
