// Package request defines the compilation request data model and derives the
// cache Fingerprint from it.
package request

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Norgate-AV/compilerd/internal/utils"
)

// BypassCache selects which cache layer a request skips
type BypassCache int

const (
	BypassNone        BypassCache = 0
	BypassCompilation BypassCache = 1
	BypassExecution   BypassCache = 2
)

func (b BypassCache) String() string {
	switch b {
	case BypassNone:
		return "none"
	case BypassCompilation:
		return "compilation"
	case BypassExecution:
		return "execution"
	default:
		return fmt.Sprintf("BypassCache(%d)", int(b))
	}
}

// File is an additional named input alongside the main source
type File struct {
	Filename string `json:"filename"`
	Contents string `json:"contents"`
}

// Filters are the output filters applied to compiler output
type Filters struct {
	Binary           bool `json:"binary,omitempty"`
	BinaryObject     bool `json:"binaryObject,omitempty"`
	Execute          bool `json:"execute,omitempty"`
	Demangle         bool `json:"demangle,omitempty"`
	Directives       bool `json:"directives,omitempty"`
	CommentOnly      bool `json:"commentOnly,omitempty"`
	Labels           bool `json:"labels,omitempty"`
	LibraryCode      bool `json:"libraryCode,omitempty"`
	Intel            bool `json:"intel,omitempty"`
	Trim             bool `json:"trim,omitempty"`
	DebugCalls       bool `json:"debugCalls,omitempty"`
	DontMaskFilename bool `json:"dontMaskFilenames,omitempty"`
}

// Flags lists the names of the filters that are switched on, in a fixed order
func (f Filters) Flags() []string {
	var flags []string
	add := func(on bool, name string) {
		if on {
			flags = append(flags, name)
		}
	}

	add(f.Binary, "binary")
	add(f.BinaryObject, "binaryObject")
	add(f.Execute, "execute")
	add(f.Demangle, "demangle")
	add(f.Directives, "directives")
	add(f.CommentOnly, "commentOnly")
	add(f.Labels, "labels")
	add(f.LibraryCode, "libraryCode")
	add(f.Intel, "intel")
	add(f.Trim, "trim")
	add(f.DebugCalls, "debugCalls")
	add(f.DontMaskFilename, "dontMaskFilenames")

	return flags
}

// Tool is an auxiliary tool run over the compiler output
type Tool struct {
	ID    string `json:"id"`
	Args  string `json:"args,omitempty"`
	Stdin string `json:"stdin,omitempty"`
}

// Library is a selected third-party library and version
type Library struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Options are the structured compiler sub-options of a request
type Options struct {
	Filters        Filters  `json:"filters"`
	Tools          []Tool   `json:"tools,omitempty"`
	ProduceIR      bool     `json:"produceIr,omitempty"`
	ProduceOptInfo bool     `json:"produceOptInfo,omitempty"`
	Dumps          []string `json:"dumps,omitempty"`
}

// ExecuteParameters control running the produced executable
type ExecuteParameters struct {
	Args  []string `json:"args,omitempty"`
	Stdin string   `json:"stdin,omitempty"`
}

// CompilationRequest is a single request to compile (and optionally run) source
// with one compiler. Treat values as immutable once built with New.
type CompilationRequest struct {
	Source        string             `json:"source"`
	Files         []File             `json:"files,omitempty"`
	CompilerID    string             `json:"compiler"`
	UserArguments string             `json:"userArguments,omitempty"`
	Options       Options            `json:"options"`
	Libraries     []Library          `json:"libraries,omitempty"`
	Execute       *ExecuteParameters `json:"executeParameters,omitempty"`
	Bypass        BypassCache        `json:"bypassCache,omitempty"`

	// Telemetry only; never part of the Fingerprint.
	ReceivedAt time.Time `json:"-"`
	ClientIP   string    `json:"-"`
}

// New validates r and returns a copy that does not share slices with the input.
func New(r CompilationRequest) (*CompilationRequest, error) {
	r.CompilerID = strings.TrimSpace(r.CompilerID)
	if r.CompilerID == "" {
		return nil, fmt.Errorf("compiler id is required")
	}

	if r.Bypass < BypassNone || r.Bypass > BypassExecution {
		return nil, fmt.Errorf("invalid bypassCache value %d", int(r.Bypass))
	}

	if _, err := utils.SplitArguments(r.UserArguments); err != nil {
		return nil, fmt.Errorf("invalid userArguments: %w", err)
	}

	for _, f := range r.Files {
		if f.Filename == "" {
			return nil, fmt.Errorf("file entry with empty filename")
		}
	}

	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}

	r.Files = slices.Clone(r.Files)
	r.Libraries = slices.Clone(r.Libraries)
	r.Options.Tools = slices.Clone(r.Options.Tools)
	r.Options.Dumps = slices.Clone(r.Options.Dumps)

	if r.Execute != nil {
		exec := *r.Execute
		exec.Args = slices.Clone(exec.Args)
		r.Execute = &exec
	}

	return &r, nil
}

// WantsExecution reports whether the produced binary should be run
func (r *CompilationRequest) WantsExecution() bool {
	return r.Execute != nil || r.Options.Filters.Execute
}

// ServesFromCache reports whether a stored compilation result may answer r.
// An Execution bypass on a request that runs its binary needs a fresh run,
// which a stored result cannot provide.
func (r *CompilationRequest) ServesFromCache() bool {
	switch r.Bypass {
	case BypassCompilation:
		return false
	case BypassExecution:
		return !r.WantsExecution()
	default:
		return true
	}
}
