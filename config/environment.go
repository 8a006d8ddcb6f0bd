package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar = "APP_ENV"

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"

	// DefaultPath is used when no -config flag is given.
	DefaultPath = "config/config.yml"
)

var environmentAliases = map[string]string{
	"dev":   EnvironmentDevelopment,
	"prod":  EnvironmentProduction,
	"stage": EnvironmentStaging,
	"stag":  EnvironmentStaging,
}

// AppEnvironment reads APP_ENV, applies aliases and defaults to development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// ResolveConfigPath returns config.<env>.yml next to path when that file
// exists for the current APP_ENV, otherwise path itself.
func ResolveConfigPath(path string) string {
	if path == "" {
		path = DefaultPath
	}

	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "." + AppEnvironment() + ext
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return path
}

// IsProductionLike reports whether env should fail fast on optional
// integrations such as CloudWatch.
func IsProductionLike(env string) bool {
	switch env {
	case EnvironmentProduction, EnvironmentStaging:
		return true
	default:
		return false
	}
}
