package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/Norgate-AV/compilerd/internal/request"
	"github.com/Norgate-AV/compilerd/internal/utils"
)

// Placeholders expanded in argument templates
const (
	PlaceholderUser   = "{user}"
	PlaceholderSource = "{source}"
	PlaceholderOutput = "{output}"
	PlaceholderDir    = "{dir}"
)

// Default argument templates
var (
	DefaultArgs     = []string{PlaceholderUser, "-S", "-o", PlaceholderOutput, PlaceholderSource}
	DefaultExecArgs = []string{PlaceholderUser, "-o", PlaceholderOutput, PlaceholderSource}
)

// DefaultVersionFlag is passed to a local compiler to discover its version
const DefaultVersionFlag = "--version"

// Info describes one configured compiler
type Info struct {
	ID   string `json:"id" mapstructure:"id"`
	Name string `json:"name" mapstructure:"name"`
	Exe  string `json:"exe" mapstructure:"exe"`

	// Arch is the target architecture; remote compilers are routed by it
	Arch string `json:"arch" mapstructure:"arch"`

	// Remote compilers run on out-of-process workers
	Remote bool `json:"remote" mapstructure:"remote"`

	// Version, when set, is used instead of running VersionFlag
	Version     string `json:"version,omitempty" mapstructure:"version"`
	VersionFlag string `json:"-" mapstructure:"version_flag"`

	// Source file name written into the work directory
	SourceName string `json:"-" mapstructure:"source_name"`

	Args     []string `json:"-" mapstructure:"args"`
	ExecArgs []string `json:"-" mapstructure:"exec_args"`
}

// Driver is the per-toolchain capability the orchestrator invokes. It is
// opaque to the orchestrator: how arguments are built and what the toolchain
// is are the driver's business.
type Driver interface {
	Info() Info

	// Version returns a string identifying the toolchain build
	Version(ctx context.Context) (string, error)

	// Compile runs the toolchain. A failed compilation is a Result with a
	// non-zero Code; an error means the call was abandoned.
	Compile(ctx context.Context, task Task) (*Result, error)
}

// Task is one unit of work handed to a Driver
type Task struct {
	Request *request.CompilationRequest

	// Version is the resolved toolchain version the Fingerprint was built with
	Version string
}

// ShellCommand is a fully expanded process invocation
type ShellCommand struct {
	Path string
	Args []string
	Dir  string
}

func (c *ShellCommand) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}

// GetBuildCommand expands template for the given request and work directory
func GetBuildCommand(info Info, template []string, userArguments, dir, source, output string) (*ShellCommand, error) {
	if info.Exe == "" {
		return nil, fmt.Errorf("compiler %s has no executable configured", info.ID)
	}

	userArgs, err := utils.SplitArguments(userArguments)
	if err != nil {
		return nil, err
	}

	r := strings.NewReplacer(
		PlaceholderSource, source,
		PlaceholderOutput, output,
		PlaceholderDir, dir,
	)

	var cmdArgs []string
	for _, tok := range template {
		if tok == PlaceholderUser {
			cmdArgs = append(cmdArgs, userArgs...)
			continue
		}

		cmdArgs = append(cmdArgs, r.Replace(tok))
	}

	return &ShellCommand{
		Path: info.Exe,
		Args: cmdArgs,
		Dir:  dir,
	}, nil
}
