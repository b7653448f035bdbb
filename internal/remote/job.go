// Package remote hands compilations the local host cannot run to out-of-process
// workers. Jobs are published to a queue; completions come back as push events
// on a persistent stream, correlated by job id.
package remote

import (
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/Norgate-AV/compilerd/internal/compiler"
	"github.com/Norgate-AV/compilerd/internal/request"
)

// Job is a unit of work published to the remote queue. Its ID is distinct from
// the request Fingerprint.
type Job struct {
	ID              uuid.UUID                   `json:"guid"`
	Fingerprint     digest.Digest               `json:"fingerprint"`
	CompilerID      string                      `json:"compilerId"`
	CompilerVersion string                      `json:"compilerVersion,omitempty"`
	Arch            string                      `json:"arch"`
	Request         *request.CompilationRequest `json:"request"`

	// CacheResult is false for jobs whose result must not be written back
	CacheResult bool `json:"-"`
}

// NewJob creates a job with a fresh id
func NewJob(fp digest.Digest, info compiler.Info, version string, req *request.CompilationRequest) *Job {
	return &Job{
		ID:              uuid.New(),
		Fingerprint:     fp,
		CompilerID:      info.ID,
		CompilerVersion: version,
		Arch:            info.Arch,
		Request:         req,
		CacheResult:     req.Bypass != request.BypassCompilation,
	}
}

// Event is a completion pushed by a remote worker
type Event struct {
	GUID   string           `json:"guid"`
	Result *compiler.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}
