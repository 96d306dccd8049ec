package config

import "context"

// SecretProvider is the loader's source of secret values. Deployed
// environments resolve against SSM Parameter Store; local development uses
// plain environment variables behind the same interface.
type SecretProvider interface {
	// GetParametersBatch resolves the given parameter paths (or equivalent
	// identifiers) and returns a map of path to plaintext value. Unresolvable
	// paths are omitted from the map.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
