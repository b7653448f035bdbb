package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		in          CompilationRequest
		wantErr     bool
		errContains string
	}{
		{
			name: "valid request",
			in:   CompilationRequest{CompilerID: "g132", Source: "x"},
		},
		{
			name:        "missing compiler",
			in:          CompilationRequest{CompilerID: "  "},
			wantErr:     true,
			errContains: "compiler id is required",
		},
		{
			name:        "invalid bypass",
			in:          CompilationRequest{CompilerID: "g132", Bypass: 7},
			wantErr:     true,
			errContains: "invalid bypassCache",
		},
		{
			name:        "unterminated quote in arguments",
			in:          CompilationRequest{CompilerID: "g132", UserArguments: `-DNAME="x`},
			wantErr:     true,
			errContains: "invalid userArguments",
		},
		{
			name:        "file without name",
			in:          CompilationRequest{CompilerID: "g132", Files: []File{{Contents: "x"}}},
			wantErr:     true,
			errContains: "empty filename",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			assert.False(t, r.ReceivedAt.IsZero())
		})
	}
}

func TestNew_CopiesSlices(t *testing.T) {
	files := []File{{Filename: "a.h", Contents: "1"}}
	args := []string{"x"}

	r, err := New(CompilationRequest{
		CompilerID: "g132",
		Files:      files,
		Execute:    &ExecuteParameters{Args: args},
	})
	require.NoError(t, err)

	files[0].Contents = "2"
	args[0] = "y"

	assert.Equal(t, "1", r.Files[0].Contents)
	assert.Equal(t, "x", r.Execute.Args[0])
}

func TestFilters_Flags(t *testing.T) {
	f := Filters{Labels: true, Intel: true, Execute: true}
	assert.Equal(t, []string{"execute", "labels", "intel"}, f.Flags())
	assert.Nil(t, Filters{}.Flags())
}

func TestBypassCache_String(t *testing.T) {
	assert.Equal(t, "none", BypassNone.String())
	assert.Equal(t, "compilation", BypassCompilation.String())
	assert.Equal(t, "execution", BypassExecution.String())
	assert.Equal(t, "BypassCache(9)", BypassCache(9).String())
}

func TestServesFromCache(t *testing.T) {
	tests := []struct {
		name    string
		bypass  BypassCache
		execute bool
		want    bool
	}{
		{name: "no bypass", bypass: BypassNone, want: true},
		{name: "no bypass with execution", bypass: BypassNone, execute: true, want: true},
		{name: "compilation bypass", bypass: BypassCompilation, want: false},
		{name: "execution bypass without execution", bypass: BypassExecution, want: true},
		{name: "execution bypass with execution", bypass: BypassExecution, execute: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := CompilationRequest{CompilerID: "g132", Bypass: tt.bypass}
			if tt.execute {
				r.Execute = &ExecuteParameters{}
			}

			assert.Equal(t, tt.want, r.ServesFromCache())
		})
	}
}
