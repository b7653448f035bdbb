package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Norgate-AV/compilerd/internal/request"
)

// DefaultSourceName is used when a compiler does not configure one
const DefaultSourceName = "example.c"

// WriteInputs writes the main source and every inline file into dir and
// returns the path of the main source
func WriteInputs(dir, sourceName string, req *request.CompilationRequest) (string, error) {
	if sourceName == "" {
		sourceName = DefaultSourceName
	}

	source := filepath.Join(dir, sourceName)
	if err := writeFile(source, []byte(req.Source), 0o644); err != nil {
		return "", fmt.Errorf("failed to write source: %w", err)
	}

	for _, f := range req.Files {
		dst, err := safeJoin(dir, f.Filename)
		if err != nil {
			return "", err
		}

		if err := writeFile(dst, []byte(f.Contents), 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", f.Filename, err)
		}
	}

	return source, nil
}

// CollectOutputs lists the files in dir that are not inputs
func CollectOutputs(dir string, inputs map[string]bool) ([]string, error) {
	var outputs []string

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No outputs yet
		}

		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || inputs[entry.Name()] {
			continue
		}

		outputs = append(outputs, entry.Name())
	}

	return outputs, nil
}

// safeJoin joins name under dir, refusing paths that escape it
func safeJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file name %q escapes the work directory", name)
	}

	return filepath.Join(dir, clean), nil
}

// writeFile writes data to dst, creating parent directories if needed
func writeFile(dst string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	return os.WriteFile(dst, data, mode)
}

// splitLines turns process output into lines without a trailing empty line
func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}

	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}
