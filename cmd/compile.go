package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/compilerd/internal/config"
	"github.com/Norgate-AV/compilerd/internal/logging"
	"github.com/Norgate-AV/compilerd/internal/request"
)

var compileCmd = &cobra.Command{
	Use:          "compile <file>",
	Short:        "Compile one file through the orchestrator",
	Long:         `Run a single compilation request through the same cache, gate and remote pipeline the service uses, and print the result as JSON.`,
	RunE:         runCompile,
	SilenceUsage: true,
	Args:         cobra.ExactArgs(1),
}

func init() {
	compileCmd.Flags().StringP("compiler", "c", "", "Compiler id")
	compileCmd.Flags().StringP("args", "a", "", "User compiler arguments")
	compileCmd.Flags().Int("bypass", 0, "Bypass cache: 0 none, 1 compilation, 2 execution")
	compileCmd.Flags().Bool("execute", false, "Run the produced executable")
	compileCmd.Flags().StringSlice("exec-arg", nil, "Argument passed to the executable")
	_ = compileCmd.MarkFlagRequired("compiler")
}

// requestFromFile builds a request for the source in path
func requestFromFile(cmd *cobra.Command, path string) (*request.CompilationRequest, error) {
	absFile, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	source, err := os.ReadFile(absFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}

	compilerID, _ := cmd.Flags().GetString("compiler")
	userArgs, _ := cmd.Flags().GetString("args")
	bypass, _ := cmd.Flags().GetInt("bypass")
	execute, _ := cmd.Flags().GetBool("execute")
	execArgs, _ := cmd.Flags().GetStringSlice("exec-arg")

	r := request.CompilationRequest{
		Source:        string(source),
		CompilerID:    compilerID,
		UserArguments: userArgs,
		Bypass:        request.BypassCache(bypass),
	}

	if execute || len(execArgs) > 0 {
		r.Execute = &request.ExecuteParameters{Args: execArgs}
	}

	return request.New(r)
}

func runCompile(cmd *cobra.Command, args []string) error {
	req, err := requestFromFile(cmd, args[0])
	if err != nil {
		return err
	}

	cfg, err := config.NewLoader().Load(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(logging.IntoContext(cmd.Context(), logger))
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	done := make(chan struct{})
	loops := a.background()
	for _, loop := range loops {
		go func() {
			_ = loop(ctx)
			done <- struct{}{}
		}()
	}

	if cfg.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "Compiler: %s\nFile: %s\nArguments: %s\nBypass: %s\n",
			req.CompilerID, args[0], req.UserArguments, req.Bypass)
	}

	res, err := a.orch.Compile(ctx, req)

	// stop the loops so stats flush before exit
	cancel()
	for range loops {
		<-done
	}

	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(res)
}
