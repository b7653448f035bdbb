package request

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/opencontainers/go-digest"

	"github.com/Norgate-AV/compilerd/internal/utils"
)

// keyVersion is bumped whenever the key projection changes shape, so entries
// written by older builds can never be mistaken for current ones.
const keyVersion = 2

// key is the subset of a request that can change compiler output. Text that
// may carry arbitrary bytes is projected as []byte so JSON encodes it as
// base64 instead of replacing invalid UTF-8.
type key struct {
	Version         int         `json:"v"`
	Source          []byte      `json:"source"`
	Files           []keyFile   `json:"files"`
	CompilerID      string      `json:"compiler"`
	CompilerVersion string      `json:"compilerVersion"`
	Arguments       []string    `json:"arguments"`
	RawArguments    []byte      `json:"rawArguments,omitempty"`
	Options         Options     `json:"options"`
	Libraries       []Library   `json:"libraries"`
	Execute         *keyExecute `json:"execute"`
}

type keyFile struct {
	Filename []byte `json:"filename"`
	Contents []byte `json:"contents"`
}

type keyExecute struct {
	Args  [][]byte `json:"args"`
	Stdin []byte   `json:"stdin"`
}

func projection(r *CompilationRequest, compilerVersion string) key {
	files := make([]keyFile, 0, len(r.Files))
	for _, f := range r.Files {
		files = append(files, keyFile{Filename: []byte(f.Filename), Contents: []byte(f.Contents)})
	}

	libs := r.Libraries
	if libs == nil {
		libs = []Library{}
	}

	k := key{
		Version:         keyVersion,
		Source:          []byte(r.Source),
		Files:           files,
		CompilerID:      r.CompilerID,
		CompilerVersion: compilerVersion,
		Options:         r.Options,
		Libraries:       libs,
	}

	// New rejects unsplittable arguments; hashing them raw keeps Fingerprint total
	args, err := utils.SplitArguments(r.UserArguments)
	if err != nil {
		k.Arguments = []string{}
		k.RawArguments = []byte(r.UserArguments)
	} else {
		k.Arguments = args
	}

	if r.Execute != nil {
		ep := &keyExecute{Args: make([][]byte, 0, len(r.Execute.Args)), Stdin: []byte(r.Execute.Stdin)}
		for _, a := range r.Execute.Args {
			ep.Args = append(ep.Args, []byte(a))
		}
		k.Execute = ep
	}

	return k
}

// Fingerprint returns the cache key of r compiled by the given compiler version.
// The hash covers:
// - Source text and every inline file, in order
// - Compiler id and version
// - User argument tokens (order preserved, whitespace normalised)
// - Filters, tools, IR/opt-info/dump requests
// - Libraries and execution parameters
//
// Bypass mode and telemetry fields are excluded.
func Fingerprint(r *CompilationRequest, compilerVersion string) digest.Digest {
	return hashKey(projection(r, compilerVersion))
}

// ExecutableKey is the Fingerprint of r with execution parameters removed. Two
// requests that build the same binary but run it differently share it.
func ExecutableKey(r *CompilationRequest, compilerVersion string) digest.Digest {
	k := projection(r, compilerVersion)
	k.Execute = nil
	k.Options.Filters.Execute = false

	return hashKey(k)
}

func hashKey(k key) digest.Digest {
	// Marshalling a struct of strings, byte slices and bools cannot fail.
	data, _ := json.Marshal(k)

	if canonical, err := jsoncanonicalizer.Transform(data); err == nil {
		data = canonical
	}

	return digest.SHA256.FromBytes(data)
}

// HashString returns the hex sha256 of s, used for anonymised stats fields
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
