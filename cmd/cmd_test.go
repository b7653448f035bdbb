package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/compilerd/internal/blobstore"
	"github.com/Norgate-AV/compilerd/internal/blobstore/blobstoretest"
	"github.com/Norgate-AV/compilerd/internal/cache"
	"github.com/Norgate-AV/compilerd/internal/compiler"
	"github.com/Norgate-AV/compilerd/internal/config"
	"github.com/Norgate-AV/compilerd/internal/remote"
	"github.com/Norgate-AV/compilerd/internal/request"
)

type nopQueue struct{}

func (nopQueue) Submit(context.Context, *remote.Job) error { return nil }

func stubBackends(t *testing.T) *blobstoretest.Store {
	t.Helper()

	store := blobstoretest.New()

	origStore, origQueue := openStore, openQueue
	t.Cleanup(func() {
		openStore, openQueue = origStore, origQueue
	})

	openStore = func(context.Context, string, string, string) (blobstore.Store, error) {
		return store, nil
	}
	openQueue = func(context.Context, string, string) (remote.Queue, error) {
		return nopQueue{}, nil
	}

	return store
}

func baseConfig() *config.Config {
	return &config.Config{
		Listen:           ":0",
		LocalConcurrency: 2,
		StaleAfter:       time.Minute,
		Cache: config.CacheConfig{
			Compilation: cache.ChannelConfig{Spec: "InMemory(10)"},
			Executable:  cache.ChannelConfig{Spec: "none"},
			Metadata:    cache.ChannelConfig{Spec: "InMemory(10)", TTL: time.Hour},
		},
		Compilers: []compiler.Info{{ID: "gcc", Exe: "gcc", Version: "13"}},
	}
}

func TestNewApp_LocalOnly(t *testing.T) {
	stubBackends(t)

	a, err := newApp(context.Background(), baseConfig(), logr.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.dispatcher)
	assert.False(t, a.stats.Enabled())
	assert.Len(t, a.background(), 1)
	assert.Equal(t, 2, a.gate.Limit())

	infos := a.orch.Compilers()
	require.Len(t, infos, 1)
	assert.Equal(t, "gcc", infos[0].ID)
}

func TestNewApp_RemoteAndStats(t *testing.T) {
	stubBackends(t)

	cfg := baseConfig()
	cfg.Cache.Compilation.Spec = "InMemory(10);S3(bucket,cache,us-east-1)"
	cfg.Remote = config.RemoteConfig{
		Retries:    1,
		RetryDelay: time.Millisecond,
		QueueURL:   "https://sqs.example/q",
		EventsURL:  "ws://127.0.0.1:1/events",
	}
	cfg.Stats = config.StatsConfig{Bucket: "usage", Prefix: "stats"}
	cfg.Compilers = append(cfg.Compilers,
		compiler.Info{ID: "armv8", Arch: "aarch64", Remote: true, Version: "1"},
		compiler.Info{ID: "armv7", Arch: "aarch64", Remote: true, Version: "1"},
	)

	a, err := newApp(context.Background(), cfg, logr.Discard())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.dispatcher)
	require.NotNil(t, a.events)
	assert.True(t, a.stats.Enabled())
	assert.Len(t, a.background(), 3)
	assert.Equal(t, []string{"memory", "s3"}, a.channels.Compilation.Tiers())
}

func TestNewApp_BadCompiler(t *testing.T) {
	stubBackends(t)

	cfg := baseConfig()
	cfg.Compilers = append(cfg.Compilers, compiler.Info{ID: "gcc", Exe: "gcc"})

	_, err := newApp(context.Background(), cfg, logr.Discard())
	assert.Error(t, err)
}

func TestStaticWorkers(t *testing.T) {
	workers := staticWorkers([]compiler.Info{
		{ID: "a", Arch: "aarch64", Remote: true},
		{ID: "b", Arch: "aarch64", Remote: true},
		{ID: "c", Arch: "x86_64"},
		{ID: "d", Arch: "riscv64", Remote: true},
	})

	assert.Equal(t, remote.StaticWorkers{"aarch64", "riscv64"}, workers)
}

func newCompileFlags() *cobra.Command {
	cmd := &cobra.Command{Use: "compile"}
	cmd.Flags().StringP("compiler", "c", "", "")
	cmd.Flags().StringP("args", "a", "", "")
	cmd.Flags().Int("bypass", 0, "")
	cmd.Flags().Bool("execute", false, "")
	cmd.Flags().StringSlice("exec-arg", nil, "")

	return cmd
}

func TestRequestFromFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "main.c")
	require.NoError(t, os.WriteFile(src, []byte("int main() { return 0; }"), 0o644))

	cmd := newCompileFlags()
	require.NoError(t, cmd.Flags().Set("compiler", "gcc"))
	require.NoError(t, cmd.Flags().Set("args", "-O2 -Wall"))
	require.NoError(t, cmd.Flags().Set("bypass", "1"))
	require.NoError(t, cmd.Flags().Set("exec-arg", "one"))

	req, err := requestFromFile(cmd, src)
	require.NoError(t, err)

	assert.Equal(t, "gcc", req.CompilerID)
	assert.Equal(t, "int main() { return 0; }", req.Source)
	assert.Equal(t, "-O2 -Wall", req.UserArguments)
	assert.Equal(t, request.BypassCompilation, req.Bypass)
	require.NotNil(t, req.Execute)
	assert.Equal(t, []string{"one"}, req.Execute.Args)

	_, err = requestFromFile(cmd, filepath.Join(t.TempDir(), "missing.c"))
	assert.Error(t, err)
}

func TestRunCompile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh as a stand-in compiler")
	}

	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	src := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(src, []byte("line one\nline two\n"), 0o644))

	cfgPath := filepath.Join(dir, "compilerd.yaml")
	cfgContent := `cache:
  compilation: none
  executable: none
  metadata: none
compilers:
  - id: sh
    exe: /bin/sh
    version: "1"
    args: ["-c", "cp {source} {output}"]
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgContent), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"compile", "--config", cfgPath, "-c", "sh", src})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	var res compiler.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 0, res.Code)
	require.Len(t, res.Asm, 2)
	assert.Equal(t, "line one", res.Asm[0].Text)
	assert.Equal(t, "line two", res.Asm[1].Text)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "compilerd dev")
}
