package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"prod": environmentProduction,
	"stag": environmentStaging,
	"dev":  environmentDevelopment,
}

// AppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided. Common aliases are
// normalised so callers can rely on a consistent identifier.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether the provided environment should behave
// like a production deployment.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}

// resolveEnvSpecificPath prefers an environment specific variant of the
// configuration file (e.g. config.production.yml) when one exists next to
// the requested path.
func resolveEnvSpecificPath(path string) string {
	env := AppEnvironment()
	if env == environmentDevelopment {
		return path
	}

	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "." + env + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
