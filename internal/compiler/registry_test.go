package compiler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/compilerd/internal/cache"
	"github.com/Norgate-AV/compilerd/internal/codes"
	"github.com/Norgate-AV/compilerd/internal/request"
)

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.AddDriver(NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil)))
	require.NoError(t, r.AddRemote(Info{ID: "arm-gcc", Exe: "arm-gcc", Arch: "aarch64"}))

	info, err := r.Lookup("arm-gcc")
	require.NoError(t, err)
	assert.True(t, info.Remote)

	_, err = r.Lookup("msvc")
	require.Error(t, err)
	assert.True(t, codes.IsConfiguration(err))

	_, err = r.Driver("arm-gcc")
	require.Error(t, err)
	assert.True(t, codes.IsConfiguration(err))

	d, err := r.Driver("gcc")
	require.NoError(t, err)
	assert.Equal(t, "gcc", d.Info().ID)

	ids := []string{}
	for _, i := range r.List() {
		ids = append(ids, i.ID)
	}
	assert.Equal(t, []string{"arm-gcc", "gcc"}, ids)
}

func TestRegistry_AddErrors(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.AddDriver(NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil)))

	err := r.AddDriver(NewProcessDriver(Info{ID: "gcc", Exe: "gcc"}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate compiler id")

	err = r.AddRemote(Info{ID: "arm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs an arch")

	err = r.AddRemote(Info{Arch: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiler id is required")
}

func TestRegistry_VersionIsCachedInMetadata(t *testing.T) {
	mem, err := cache.NewMemoryTier(10, 0)
	require.NoError(t, err)
	metadata := cache.New(cache.ChannelMetadata, logr.Discard(), mem)

	runner := &mockRunner{
		runFunc: func(*ShellCommand, string) (RunResult, error) {
			return RunResult{Stdout: "clang version 17.0.1\n"}, nil
		},
	}

	r := NewRegistry(metadata)
	require.NoError(t, r.AddDriver(NewProcessDriver(Info{ID: "clang", Exe: "clang"}, nil).WithRunner(runner)))
	require.NoError(t, r.AddRemote(Info{ID: "arm", Arch: "aarch64", Version: "arm-13"}))

	for i := 0; i < 3; i++ {
		v, err := r.Version(context.Background(), "clang")
		require.NoError(t, err)
		assert.Equal(t, "clang version 17.0.1", v)
	}

	assert.Len(t, runner.Calls(), 1)

	v, err := r.Version(context.Background(), "arm")
	require.NoError(t, err)
	assert.Equal(t, "arm-13", v)

	_, err = r.Version(context.Background(), "nope")
	assert.True(t, codes.IsConfiguration(err))
}

func TestWriteInputs(t *testing.T) {
	dir := t.TempDir()
	req := newRequest(t, request.CompilationRequest{
		Source: "int x;",
		Files: []request.File{
			{Filename: "a.h", Contents: "1"},
			{Filename: "sub/b.h", Contents: "2"},
		},
	})

	source, err := WriteInputs(dir, "", req)
	require.NoError(t, err)
	assert.Equal(t, DefaultSourceName, filepath.Base(source))
	assert.FileExists(t, source)
	assert.FileExists(t, filepath.Join(dir, "sub", "b.h"))

	outputs, err := CollectOutputs(dir, map[string]bool{DefaultSourceName: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.h"}, outputs)
}
