// loader.go implements the load sequence: pin the process to UTC, layer in
// a .env file, resolve SSM-backed secrets, then populate and validate the
// Config struct. Secrets never appear in env files directly; a pointer
// variable such as DATABASE_URL_SSM_PARAM names the SSM path and the loader
// injects the resolved value before envconfig runs. APP_ENV=local skips SSM
// entirely.

package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError carries a ConfigErrorType so callers can distinguish parse,
// validation, and SSM failures without string matching.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

const (
	// ssmParamSuffix marks pointer variables, e.g. DATABASE_URL_SSM_PARAM.
	ssmParamSuffix = "_SSM_PARAM"

	// localEnv is the APP_ENV value that disables SSM resolution.
	localEnv = "local"

	ssmResolveTimeout = 30 * time.Second
)

type envLookup func(key string) (string, bool)
type envSet func(key, value string) error
type environ func() []string

// loaderDeps abstracts process-environment access so tests can run against a
// map instead of mutating real env vars.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig builds the full Config: it pins the process to UTC, layers in a
// .env file when one exists, resolves SSM-backed secrets for non-local
// environments, then populates and validates the struct.
//
// provider may be nil when APP_ENV=local or when no pointer variables are
// set; otherwise resolution fails with an ErrSSMResolution ConfigError.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv never overrides variables already present in the environment,
	// which is what gives the env > dotenv ordering.
	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	return &cfg, nil
}

// ResolveSecrets runs only the SSM resolution step. It exists for entry
// points that read individual variables with os.Getenv rather than loading
// the whole Config; call it before any such read. No-op under APP_ENV=local.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams finds every FOO_SSM_PARAM variable whose target FOO is
// not already set, batch-fetches the named parameters, and injects the
// values into the environment. Already-set targets are left alone so a
// direct env var or .env entry always wins over SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	// target env var -> SSM path
	pending := make(map[string]string)

	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || path == "" || !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		pending[target] = path
	}
	if len(pending) == 0 {
		return nil
	}

	if provider == nil {
		targets := make([]string, 0, len(pending))
		for t := range pending {
			targets = append(targets, t)
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	paths := make([]string, 0, len(pending))
	for _, p := range pending {
		paths = append(paths, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for target, path := range pending {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
