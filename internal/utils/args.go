package utils

import (
	"fmt"

	"github.com/kballard/go-shellquote"
)

// SplitArguments splits a user option string into tokens the way a POSIX shell
// would. Token order is preserved; compiler flags are order sensitive.
// Unterminated quotes and trailing escapes are errors.
func SplitArguments(s string) ([]string, error) {
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("failed to split arguments %q: %w", s, err)
	}

	return args, nil
}
