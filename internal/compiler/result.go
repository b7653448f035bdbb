package compiler

import (
	"encoding/json"
	"time"
)

// AsmLine is one line of generated assembly or IR
type AsmLine struct {
	Text string `json:"text"`
}

// ExecResult is the outcome of running a produced executable
type ExecResult struct {
	Code     int      `json:"code"`
	Stdout   []string `json:"stdout"`
	Stderr   []string `json:"stderr"`
	TimedOut bool     `json:"timedOut,omitempty"`
	Cached   bool     `json:"cachedBinary,omitempty"`
}

// Result is what a compilation produces. A non-zero Code is a failed
// compilation, which is still a successful orchestration outcome.
type Result struct {
	Code            int           `json:"code"`
	Stdout          []string      `json:"stdout"`
	Stderr          []string      `json:"stderr"`
	Asm             []AsmLine     `json:"asm"`
	IR              string        `json:"ir,omitempty"`
	Exec            *ExecResult   `json:"execResult,omitempty"`
	CompilationTime time.Duration `json:"compilationTime"`
	Remote          bool          `json:"remote,omitempty"`

	// Cached is set on results served from the compilation cache. Not stored.
	Cached bool `json:"-"`
}

// Succeeded reports whether the compiler exited cleanly
func (r *Result) Succeeded() bool {
	return r.Code == 0
}

// Encode serialises r for the cache
func (r *Result) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a cached result
func Decode(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// NotRunCode marks a result whose toolchain never ran
const NotRunCode = -1

// FailedResult is the result reported when the toolchain could not be run at all
func FailedResult(msg string) *Result {
	return &Result{
		Code:   NotRunCode,
		Stderr: []string{msg},
	}
}
