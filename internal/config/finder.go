package config

import (
	"os"
	"path/filepath"
)

// ConfigName is the base name of the project config file
const ConfigName = "compilerd"

var configExtensions = []string{"yml", "yaml", "json", "toml"}

// FindLocalConfig finds local config file by walking up directories
func FindLocalConfig(dir string) string {
	for {
		for _, ext := range configExtensions {
			path := filepath.Join(dir, ConfigName+"."+ext)

			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

// FindGlobalConfig returns <user config dir>/compilerd/config.<ext>, if present
func FindGlobalConfig() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	for _, ext := range configExtensions {
		path := filepath.Join(base, ConfigName, "config."+ext)

		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
