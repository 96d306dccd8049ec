package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves secrets straight from the process environment.
// Local development uses it in place of SSM: the same keys that would name
// parameter paths in AWS are instead set as plain env vars (usually via
// .env).
type EnvVarProvider struct{}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks each key up with os.LookupEnv. Keys absent from
// the environment are omitted from the result rather than treated as errors;
// the caller decides whether a missing value is fatal. The context is
// unused.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = v
		}
	}
	return out, nil
}
