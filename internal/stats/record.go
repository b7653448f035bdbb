// Package stats records anonymised per-request usage and ships it to an
// object store in batches.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Norgate-AV/compilerd/internal/request"
)

// Record is the anonymised projection of a request. It never holds source
// text or the client address.
type Record struct {
	Time                time.Time `json:"time"`
	CompilerID          string    `json:"compilerId"`
	SourceHash          string    `json:"sourceHash"`
	ExecutionParamsHash string    `json:"executionParamsHash,omitempty"`
	Filters             []string  `json:"filters,omitempty"`
	Bypass              string    `json:"bypassCache"`
	Libraries           []string  `json:"libraries,omitempty"`
	Tools               []string  `json:"tools,omitempty"`
	Options             []string  `json:"options,omitempty"`
}

// NewRecord projects req
func NewRecord(req *request.CompilationRequest) Record {
	rec := Record{
		Time:       req.ReceivedAt.UTC(),
		CompilerID: req.CompilerID,
		SourceHash: sourceHash(req),
		Filters:    req.Options.Filters.Flags(),
		Bypass:     req.Bypass.String(),
	}

	if req.Execute != nil {
		if data, err := json.Marshal(req.Execute); err == nil {
			rec.ExecutionParamsHash = request.HashString(string(data))
		}
	}

	for _, lib := range req.Libraries {
		rec.Libraries = append(rec.Libraries, lib.ID+"@"+lib.Version)
	}

	for _, tool := range req.Options.Tools {
		rec.Tools = append(rec.Tools, tool.ID)
	}

	if req.Options.ProduceIR {
		rec.Options = append(rec.Options, "produceIr")
	}

	if req.Options.ProduceOptInfo {
		rec.Options = append(rec.Options, "produceOptInfo")
	}

	for _, d := range req.Options.Dumps {
		rec.Options = append(rec.Options, "dump:"+d)
	}

	return rec
}

// sourceHash covers the main source and every extra file
func sourceHash(req *request.CompilationRequest) string {
	if len(req.Files) == 0 {
		return request.HashString(req.Source)
	}

	var b strings.Builder
	b.WriteString(req.Source)
	for _, f := range req.Files {
		b.WriteString("\x00")
		b.WriteString(f.Filename)
		b.WriteString("\x00")
		b.WriteString(f.Contents)
	}

	return request.HashString(b.String())
}
